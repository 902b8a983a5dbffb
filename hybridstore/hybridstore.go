// Package hybridstore implements the Hybrid Store: transparent
// offload of selected large fields of registered resource types to a
// blob store, composing the full resource back on read. It sits in
// front of the Data Service for registered resource types only.
package hybridstore

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fhirstore/core/pkg/apierror"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/model"
)

// BlobStore is the subset of internal/blobstore's Store the Hybrid
// Store depends on, kept as an interface so tests can substitute an
// in-memory fake.
type BlobStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// DataService is the subset of dataservice.Service the Hybrid Store
// wraps.
type DataService interface {
	CreateResource(resource model.Resource, resourceType, tenantID string) (model.Resource, error)
	UpdateResource(resource model.Resource, resourceType, id, tenantID string) (model.Resource, error)
	ReadMostRecent(resourceType, id, tenantID string) (model.Resource, error)
	DeleteResource(resourceType, id, tenantID string) (string, error)
}

// Store is the Hybrid Store. The registration table is populated once
// at construction and never mutated, per the concurrency model's
// read-only-after-startup invariant.
type Store struct {
	ds           DataService
	blobs        BlobStore
	cfg          config.Config
	registration map[string][]string
}

// New constructs a Hybrid Store with an immutable offload
// registration table: resourceType -> offloaded field names.
func New(ds DataService, blobs BlobStore, cfg config.Config, offloads []config.Offload) *Store {
	registration := make(map[string][]string, len(offloads))
	for _, o := range offloads {
		registration[o.ResourceType] = o.Fields
	}
	return &Store{ds: ds, blobs: blobs, cfg: cfg, registration: registration}
}

func (s *Store) fieldsFor(resourceType string) ([]string, bool) {
	fields, ok := s.registration[resourceType]
	return fields, ok
}

func (s *Store) assertTenancy(tenantID string) error {
	if s.cfg.EnableMultiTenancy && tenantID == "" {
		return apierror.New(apierror.TenancyMismatch, "multi-tenancy enabled but no tenantId supplied", nil)
	}
	if !s.cfg.EnableMultiTenancy && tenantID != "" {
		return apierror.New(apierror.TenancyMismatch, "multi-tenancy disabled but tenantId supplied", nil)
	}
	return nil
}

func blobKey(tenantID, resourceType, id, sep string) string {
	suffix := id + sep + uuid.New().String() + ".json"
	if tenantID != "" {
		return tenantID + "/" + resourceType + "/" + suffix
	}
	return resourceType + "/" + suffix
}

// split pulls the registered fields out of resource, returning the
// stripped body and the extracted {field: value} map.
func split(resource model.Resource, fields []string) (model.Resource, map[string]interface{}) {
	stripped := resource.Clone()
	data := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		if v, ok := stripped[field]; ok {
			data[field] = v
			delete(stripped, field)
		}
	}
	return stripped, data
}

// Create writes resource through the Hybrid Store. For registered
// resource types the offload fields are uploaded to the blob store
// before the stripped resource reaches the primary store; for
// unregistered types this is a pass-through.
func (s *Store) Create(resource model.Resource, resourceType, tenantID string) (model.Resource, error) {
	if err := s.assertTenancy(tenantID); err != nil {
		return nil, err
	}
	fields, ok := s.fieldsFor(resourceType)
	if !ok {
		return s.ds.CreateResource(resource, resourceType, tenantID)
	}

	id, _ := resource[model.FieldID].(string)
	if id == "" {
		id = uuid.New().String()
	}
	return s.writeHybrid(resource, resourceType, id, tenantID, fields, func(stripped model.Resource) (model.Resource, error) {
		return s.ds.CreateResource(stripped, resourceType, tenantID)
	})
}

// Update writes an update through the Hybrid Store, following the
// same blob-first ordering as Create.
func (s *Store) Update(resource model.Resource, resourceType, id, tenantID string) (model.Resource, error) {
	if err := s.assertTenancy(tenantID); err != nil {
		return nil, err
	}
	fields, ok := s.fieldsFor(resourceType)
	if !ok {
		return s.ds.UpdateResource(resource, resourceType, id, tenantID)
	}

	return s.writeHybrid(resource, resourceType, id, tenantID, fields, func(stripped model.Resource) (model.Resource, error) {
		return s.ds.UpdateResource(stripped, resourceType, id, tenantID)
	})
}

func (s *Store) writeHybrid(
	resource model.Resource,
	resourceType, id, tenantID string,
	fields []string,
	writeStripped func(model.Resource) (model.Resource, error),
) (model.Resource, error) {
	stripped, data := split(resource, fields)
	link := blobKey(tenantID, resourceType, id, s.cfg.BlobKeySeparator)

	bulkObject, err := marshalBulkObject(link, data)
	if err != nil {
		return nil, err
	}
	if err := s.blobs.Put(link, bulkObject); err != nil {
		return nil, fmt.Errorf("upload bulk object for %s/%s: %w", resourceType, id, err)
	}

	stripped[model.FieldBulkDataLink] = link
	result, err := writeStripped(stripped)
	if err != nil {
		// Crash/failure after blob upload but before KV insert leaves an
		// orphaned blob, reclaimable by GC; never the reverse.
		_ = s.blobs.Delete(link)
		return nil, err
	}
	return spliceBack(result, data), nil
}

// Read returns the full resource, composing the offloaded payload
// back in when bulkDataLink is set. Any blob-fetch or link-mismatch
// failure surfaces as ResourceNotFound rather than a partial resource.
func (s *Store) Read(resourceType, id, tenantID string) (model.Resource, error) {
	if err := s.assertTenancy(tenantID); err != nil {
		return nil, err
	}
	resource, err := s.ds.ReadMostRecent(resourceType, id, tenantID)
	if err != nil {
		return nil, err
	}

	link, _ := resource[model.FieldBulkDataLink].(string)
	if link == "" {
		return resource, nil
	}

	raw, err := s.blobs.Get(link)
	if err != nil {
		return nil, apierror.New(apierror.ResourceNotFound, "bulk object for "+resourceType+"/"+id+" unavailable", err)
	}
	bulk, err := unmarshalBulkObject(raw)
	if err != nil {
		return nil, apierror.New(apierror.ResourceNotFound, "bulk object for "+resourceType+"/"+id+" malformed", err)
	}
	if bulk.Link != link {
		return nil, apierror.New(apierror.ResourceNotFound, "bulk object link mismatch for "+resourceType+"/"+id, nil)
	}

	return spliceBack(resource, bulk.Data), nil
}

// Delete concurrently removes the blob (best effort) and transitions
// the primary item via the normal delete path. If the KV transition
// fails, the blob is orphaned (reclaimable by GC).
func (s *Store) Delete(resourceType, id, tenantID string) (string, error) {
	if err := s.assertTenancy(tenantID); err != nil {
		return "", err
	}
	current, err := s.ds.ReadMostRecent(resourceType, id, tenantID)
	if err != nil {
		return "", err
	}

	link, _ := current[model.FieldBulkDataLink].(string)

	type deleteResult struct {
		msg string
		err error
	}
	done := make(chan deleteResult, 1)
	go func() {
		msg, err := s.ds.DeleteResource(resourceType, id, tenantID)
		done <- deleteResult{msg, err}
	}()

	if link != "" {
		_ = s.blobs.Delete(link)
	}

	result := <-done
	return result.msg, result.err
}

func spliceBack(resource model.Resource, data map[string]interface{}) model.Resource {
	out := resource.Clone()
	delete(out, model.FieldBulkDataLink)
	for k, v := range data {
		out[k] = v
	}
	return out
}
