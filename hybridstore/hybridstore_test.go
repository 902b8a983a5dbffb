package hybridstore

import (
	"testing"

	"github.com/fhirstore/core/pkg/apierror"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobStore struct {
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(key string, data []byte) error {
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobStore) Get(key string) ([]byte, error) {
	v, ok := f.objects[key]
	if !ok {
		return nil, apierror.New(apierror.ResourceNotFound, "no such object: "+key, nil)
	}
	return v, nil
}

func (f *fakeBlobStore) Delete(key string) error {
	delete(f.objects, key)
	return nil
}

type fakeDataService struct {
	items map[string]model.Resource
	vid   int64
}

func newFakeDataService() *fakeDataService {
	return &fakeDataService{items: map[string]model.Resource{}}
}

func (f *fakeDataService) CreateResource(resource model.Resource, resourceType, tenantID string) (model.Resource, error) {
	f.vid++
	out := resource.Clone()
	out["id"] = "generated-id"
	f.items[resourceType+"/generated-id"] = out
	return out, nil
}

func (f *fakeDataService) UpdateResource(resource model.Resource, resourceType, id, tenantID string) (model.Resource, error) {
	out := resource.Clone()
	out["id"] = id
	f.items[resourceType+"/"+id] = out
	return out, nil
}

func (f *fakeDataService) ReadMostRecent(resourceType, id, tenantID string) (model.Resource, error) {
	item, ok := f.items[resourceType+"/"+id]
	if !ok {
		return nil, apierror.New(apierror.ResourceNotFound, resourceType+"/"+id+" not found", nil)
	}
	return item.Clone(), nil
}

func (f *fakeDataService) DeleteResource(resourceType, id, tenantID string) (string, error) {
	delete(f.items, resourceType+"/"+id)
	return resourceType + "/" + id + " deleted", nil
}

func newTestStore() (*Store, *fakeBlobStore, *fakeDataService) {
	blobs := newFakeBlobStore()
	ds := newFakeDataService()
	cfg := config.Config{BlobKeySeparator: "_"}
	offloads := []config.Offload{{ResourceType: "Questionnaire", Fields: []string{"item"}}}
	return New(ds, blobs, cfg, offloads), blobs, ds
}

func TestCreateRegisteredTypeOffloadsFieldToBlobStore(t *testing.T) {
	store, blobs, _ := newTestStore()

	resource := model.Resource{"resourceType": "Questionnaire", "item": []interface{}{"q1", "q2"}}
	created, err := store.Create(resource, "Questionnaire", "")
	require.NoError(t, err)

	assert.Len(t, blobs.objects, 1)
	assert.Nil(t, created["bulkDataLink"])
	assert.Equal(t, []interface{}{"q1", "q2"}, created["item"])
}

func TestCreateUnregisteredTypePassesThrough(t *testing.T) {
	store, blobs, _ := newTestStore()

	resource := model.Resource{"resourceType": "Patient", "name": "A"}
	_, err := store.Create(resource, "Patient", "")
	require.NoError(t, err)
	assert.Empty(t, blobs.objects)
}

func TestReadComposesBlobBackOntoResource(t *testing.T) {
	store, _, ds := newTestStore()

	created, err := store.Create(model.Resource{"resourceType": "Questionnaire", "item": "payload"}, "Questionnaire", "")
	require.NoError(t, err)
	id := created["id"].(string)

	got, err := store.Read("Questionnaire", id, "")
	require.NoError(t, err)
	assert.Equal(t, "payload", got["item"])
	assert.Nil(t, got["bulkDataLink"])

	_ = ds
}

func TestReadMissingBlobIsResourceNotFound(t *testing.T) {
	store, blobs, ds := newTestStore()
	ds.items["Questionnaire/q1"] = model.Resource{"resourceType": "Questionnaire", "id": "q1", "bulkDataLink": "Questionnaire/q1_missing.json"}

	_, err := store.Read("Questionnaire", "q1", "")
	assert.True(t, apierror.Is(err, apierror.ResourceNotFound))
	_ = blobs
}

func TestReadLinkMismatchIsResourceNotFound(t *testing.T) {
	store, blobs, ds := newTestStore()
	blobs.objects["Questionnaire/q1_x.json"] = mustMarshal(t, "Questionnaire/q1_other.json", map[string]interface{}{"item": "v"})
	ds.items["Questionnaire/q1"] = model.Resource{"resourceType": "Questionnaire", "id": "q1", "bulkDataLink": "Questionnaire/q1_x.json"}

	_, err := store.Read("Questionnaire", "q1", "")
	assert.True(t, apierror.Is(err, apierror.ResourceNotFound))
}

func TestTenancyMismatchFailsImmediately(t *testing.T) {
	blobs := newFakeBlobStore()
	ds := newFakeDataService()
	cfg := config.Config{EnableMultiTenancy: true}
	store := New(ds, blobs, cfg, nil)

	_, err := store.Create(model.Resource{"resourceType": "Patient"}, "Patient", "")
	assert.True(t, apierror.Is(err, apierror.TenancyMismatch))
}

func mustMarshal(t *testing.T, link string, data map[string]interface{}) []byte {
	t.Helper()
	b, err := marshalBulkObject(link, data)
	require.NoError(t, err)
	return b
}
