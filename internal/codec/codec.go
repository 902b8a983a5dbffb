// Package codec implements the Item Codec: translation between the
// logical Resource a caller works with and the Item stored in
// internal/kvstore, including the composite storageId scheme and
// reference-fingerprint extraction used by the search index.
package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fhirstore/core/pkg/model"
)

// BuildStorageID derives the primary-table partition key from a
// logical id and optional tenantId: storageId = id in single-tenant
// mode, id||tenantId in multi-tenant mode.
func BuildStorageID(id, tenantID string) string {
	if tenantID == "" {
		return id
	}
	return id + tenantID
}

// SplitStorageID recovers the logical id from a storageId given the
// tenantId it was built with. When tenantID is empty, storageId is
// already the logical id.
func SplitStorageID(storageID, tenantID string) string {
	if tenantID == "" {
		return storageID
	}
	if len(storageID) > len(tenantID) && storageID[len(storageID)-len(tenantID):] == tenantID {
		return storageID[:len(storageID)-len(tenantID)]
	}
	return storageID
}

// FormatTimestamp renders an epoch-millis instant the way meta.lastUpdated
// is stamped: RFC3339 with millisecond precision, matching typical FHIR
// meta conventions.
func FormatTimestamp(nowMs int64) string {
	return time.UnixMilli(nowMs).UTC().Format("2006-01-02T15:04:05.000Z")
}

// EncodeForInsert clones resource, stamps system fields, and returns
// the Item ready to be marshaled and stored. now is epoch millis,
// supplied by the caller so this function stays a pure transform.
func EncodeForInsert(resource model.Resource, id string, vid int64, status model.DocumentStatus, tenantID string, now int64) model.Item {
	body := resource.Clone()

	storageID := BuildStorageID(id, tenantID)
	body[model.FieldID] = storageID

	meta, _ := body[model.FieldMeta].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta[model.FieldMetaVersionID] = strconv.FormatInt(vid, 10)
	meta[model.FieldMetaLastUpdate] = FormatTimestamp(now)
	body[model.FieldMeta] = meta

	resourceType, _ := body[model.FieldResourceType].(string)
	bulkDataLink, _ := body[model.FieldBulkDataLink].(string)

	item := model.Item{
		StorageID:      storageID,
		Vid:            vid,
		ResourceType:   resourceType,
		DocumentStatus: status,
		LockEndTs:      now,
		TenantID:       tenantID,
		References:     ExtractReferences(resource),
		BulkDataLink:   bulkDataLink,
		Body:           body,
	}
	return item
}

// Projection is an optional whitelist of top-level field names to
// retain on a decoded resource, beyond the system fields that are
// always stripped. A nil Projection retains every field.
type Projection []string

// IncludeTenantID reports whether the projection explicitly requests
// the tenantId field.
func (p Projection) IncludeTenantID() bool {
	for _, f := range p {
		if f == model.FieldTenantID {
			return true
		}
	}
	return false
}

// DecodeForRead strips internal fields (documentStatus, lockEndTs,
// vid, _references) and splits the composite storageId back into the
// caller-visible logical id. tenantId is preserved on the decoded
// resource only when projection explicitly requests it.
func DecodeForRead(item model.Item, projection Projection) model.Resource {
	body := item.Body.Clone()

	delete(body, "documentStatus")
	delete(body, "lockEndTs")
	delete(body, "vid")
	delete(body, "_references")

	body[model.FieldID] = SplitStorageID(item.StorageID, item.TenantID)

	if item.TenantID != "" {
		if projection.IncludeTenantID() {
			body[model.FieldTenantID] = item.TenantID
		} else {
			delete(body, model.FieldTenantID)
		}
	}

	if projection != nil {
		body = applyProjection(body, projection)
	}

	return body
}

func applyProjection(body model.Resource, projection Projection) model.Resource {
	allow := make(map[string]bool, len(projection)+2)
	allow[model.FieldID] = true
	allow[model.FieldResourceType] = true
	allow[model.FieldMeta] = true
	for _, f := range projection {
		allow[f] = true
	}
	out := model.Resource{}
	for k, v := range body {
		if allow[k] {
			out[k] = v
		}
	}
	return out
}

// ExtractReferences flattens resource into dotted paths and returns
// the sorted, de-duplicated set of values whose terminal path segment
// is "reference" (P4).
func ExtractReferences(resource model.Resource) []string {
	seen := map[string]bool{}
	var refs []string
	walk("", map[string]interface{}(resource), func(path string, value interface{}) {
		if lastSegment(path) != model.FieldReference {
			return
		}
		s, ok := value.(string)
		if !ok {
			return
		}
		if !seen[s] {
			seen[s] = true
			refs = append(refs, s)
		}
	})
	sort.Strings(refs)
	return refs
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return path
}

func walk(prefix string, v interface{}, visit func(path string, value interface{})) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			walk(joinPath(prefix, k), child, visit)
		}
	case []interface{}:
		for _, child := range val {
			walk(prefix, child, visit)
		}
	default:
		if prefix != "" {
			visit(prefix, val)
		}
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return fmt.Sprintf("%s.%s", prefix, segment)
}

// storedItem is the on-disk JSON shape of a primary-table row: the
// internal bookkeeping fields of Item at the top level, with the
// public body nested under "body".
type storedItem struct {
	Vid            int64    `json:"vid"`
	ResourceType   string   `json:"resourceType"`
	DocumentStatus string   `json:"documentStatus"`
	LockEndTs      int64    `json:"lockEndTs"`
	TenantID       string   `json:"tenantId,omitempty"`
	References     []string `json:"_references,omitempty"`
	BulkDataLink   string   `json:"bulkDataLink,omitempty"`
	Body           model.Resource `json:"body"`
}

// MarshalItem serializes an Item to the bytes stored in internal/kvstore.
func MarshalItem(item model.Item) ([]byte, error) {
	stored := storedItem{
		Vid:            item.Vid,
		ResourceType:   item.ResourceType,
		DocumentStatus: string(item.DocumentStatus),
		LockEndTs:      item.LockEndTs,
		TenantID:       item.TenantID,
		References:     item.References,
		BulkDataLink:   item.BulkDataLink,
		Body:           item.Body,
	}
	return json.Marshal(stored)
}

// UnmarshalItem reconstructs an Item from stored bytes. storageID is
// supplied by the caller since it is the kvstore key, not part of the
// stored value.
func UnmarshalItem(storageID string, data []byte) (model.Item, error) {
	var stored storedItem
	if err := json.Unmarshal(data, &stored); err != nil {
		return model.Item{}, err
	}
	return model.Item{
		StorageID:      storageID,
		Vid:            stored.Vid,
		ResourceType:   stored.ResourceType,
		DocumentStatus: model.DocumentStatus(stored.DocumentStatus),
		LockEndTs:      stored.LockEndTs,
		TenantID:       stored.TenantID,
		References:     stored.References,
		BulkDataLink:   stored.BulkDataLink,
		Body:           stored.Body,
	}, nil
}
