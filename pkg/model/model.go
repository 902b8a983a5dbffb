// Package model defines the document types shared across the
// persistence core: the logical Resource a caller works with, the
// stored Item wrapping it with lifecycle metadata, and the lifecycle
// states that drive the version chain's state machine.
package model

// DocumentStatus is the per-version lifecycle field driving the
// optimistic-concurrency state machine.
type DocumentStatus string

const (
	StatusPending        DocumentStatus = "PENDING"
	StatusLocked         DocumentStatus = "LOCKED"
	StatusAvailable      DocumentStatus = "AVAILABLE"
	StatusPendingDelete  DocumentStatus = "PENDING_DELETE"
	StatusDeleted        DocumentStatus = "DELETED"
)

// Resource is the flexible, schema-agnostic payload a caller submits
// or receives back. Validation of its shape is out of scope for this
// core; it is carried as a generic document.
type Resource map[string]interface{}

// Clone returns a deep-enough copy of the resource for the Item Codec
// to mutate without aliasing the caller's map. Nested maps and slices
// are copied recursively; scalar leaves are shared (immutable by Go
// convention for JSON-decoded values).
func (r Resource) Clone() Resource {
	return cloneValue(map[string]interface{}(r)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// Meta carries the system-stamped version metadata exposed on every
// decoded resource.
type Meta struct {
	VersionID   string `json:"versionId"`
	LastUpdated string `json:"lastUpdated"`
}

// Item is the stored record for a single version: a Resource plus the
// internal fields the Item Codec injects on encode and strips on
// decode.
type Item struct {
	StorageID      string
	Vid            int64
	ResourceType   string
	DocumentStatus DocumentStatus
	LockEndTs      int64
	TenantID       string
	References     []string
	BulkDataLink   string
	Body           Resource
}

// Well-known keys the Item Codec stamps into / strips from the public
// resource body.
const (
	FieldID             = "id"
	FieldResourceType   = "resourceType"
	FieldMeta           = "meta"
	FieldMetaVersionID  = "versionId"
	FieldMetaLastUpdate = "lastUpdated"
	FieldTenantID       = "tenantId"
	FieldBulkDataLink   = "bulkDataLink"
	FieldReference      = "reference"
)
