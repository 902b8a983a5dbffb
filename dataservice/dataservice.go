// Package dataservice implements the Data Service: single-resource
// create/read/update/delete over the primary table, delegating the
// multi-version update path to the Bundle Service and leaving the
// insert-only create and guarded delete paths as direct conditional
// writes.
package dataservice

import (
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fhirstore/core/bundle"
	"github.com/fhirstore/core/internal/codec"
	"github.com/fhirstore/core/internal/parambuilder"
	"github.com/fhirstore/core/internal/versionstore"
	"github.com/fhirstore/core/pkg/apierror"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/model"
)

var uuidLike = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Service is the Data Service.
type Service struct {
	vs     *versionstore.Store
	bundle *bundle.Service
	cfg    config.Config
	now    func() int64
}

// New constructs a Data Service over the given Version Store and
// Bundle Service.
func New(vs *versionstore.Store, bundleSvc *bundle.Service, cfg config.Config) *Service {
	return &Service{vs: vs, bundle: bundleSvc, cfg: cfg, now: func() int64 { return time.Now().UnixMilli() }}
}

// ReadMostRecent returns the logical current version of a resource.
func (s *Service) ReadMostRecent(resourceType, id, tenantID string) (model.Resource, error) {
	item, err := s.vs.ReadMostRecent(resourceType, id, tenantID)
	if err != nil {
		return nil, err
	}
	return codec.DecodeForRead(item, nil), nil
}

// ReadVersion returns a specific AVAILABLE version of a resource.
func (s *Service) ReadVersion(resourceType, id string, vid int64, tenantID string) (model.Resource, error) {
	item, err := s.vs.ReadVersion(resourceType, id, vid, tenantID)
	if err != nil {
		return nil, err
	}
	return codec.DecodeForRead(item, nil), nil
}

// CreateResource inserts a brand-new resource at vid=1, AVAILABLE,
// with no PENDING phase: the key is new, so there is nothing to race
// against but a colliding id.
func (s *Service) CreateResource(resource model.Resource, resourceType, tenantID string) (model.Resource, error) {
	id := uuid.New().String()
	now := s.now()
	item := codec.EncodeForInsert(resource, id, 1, model.StatusAvailable, tenantID, now)

	op, err := parambuilder.InsertNew(item)
	if err != nil {
		return nil, err
	}
	if err := s.vs.ApplyConditionalTransition(op); err != nil {
		return nil, apierror.New(apierror.InvalidResource, "id matches existing resource", err)
	}
	return codec.DecodeForRead(item, nil), nil
}

// UpdateResource confirms the target exists, then delegates to the
// Bundle Service with a single-element update bundle. If the target
// is absent and update-create is enabled, it falls through to
// CreateResource using the caller-supplied id, provided that id is
// uuid-shaped.
func (s *Service) UpdateResource(resource model.Resource, resourceType, id, tenantID string) (model.Resource, error) {
	_, err := s.vs.ReadMostRecent(resourceType, id, tenantID)
	if err != nil {
		if apierror.Is(err, apierror.ResourceNotFound) && s.cfg.UpdateCreateSupported && uuidLike.MatchString(id) {
			body := resource.Clone()
			body[model.FieldID] = id
			return s.createWithID(body, resourceType, id, tenantID)
		}
		return nil, err
	}

	responses, err := s.bundle.Commit([]bundle.Request{
		{Operation: bundle.OpUpdate, ResourceType: resourceType, ID: id, Resource: resource, TenantID: tenantID},
	})
	if err != nil {
		return nil, err
	}
	return codec.DecodeForRead(model.Item{
		StorageID:    codec.BuildStorageID(id, tenantID),
		Vid:          responses[0].Vid,
		ResourceType: resourceType,
		TenantID:     tenantID,
		Body:         responses[0].Resource,
	}, nil), nil
}

// createWithID is CreateResource's logic with a caller-supplied id,
// used only by the update-create fallback (the normal create path
// always mints its own uuid).
func (s *Service) createWithID(resource model.Resource, resourceType, id, tenantID string) (model.Resource, error) {
	now := s.now()
	item := codec.EncodeForInsert(resource, id, 1, model.StatusAvailable, tenantID, now)

	op, err := parambuilder.InsertNew(item)
	if err != nil {
		return nil, err
	}
	if err := s.vs.ApplyConditionalTransition(op); err != nil {
		return nil, apierror.New(apierror.InvalidResource, "id matches existing resource", err)
	}
	return codec.DecodeForRead(item, nil), nil
}

// DeleteResource reads the current version, then applies a guarded
// AVAILABLE -> DELETED transition on that exact (storageId, vid).
func (s *Service) DeleteResource(resourceType, id, tenantID string) (string, error) {
	current, err := s.vs.ReadMostRecent(resourceType, id, tenantID)
	if err != nil {
		return "", err
	}

	deleted := current
	deleted.DocumentStatus = model.StatusDeleted
	now := s.now()
	op, err := parambuilder.StatusTransition(deleted, resourceType, model.StatusAvailable, now, s.cfg.LockDurationMs)
	if err != nil {
		return "", err
	}
	if err := s.vs.ApplyConditionalTransition(op); err != nil {
		return "", apierror.New(apierror.ResourceNotFound, "concurrent modification of "+resourceType+"/"+id, err)
	}
	return resourceType + "/" + id + " version " + strconv.FormatInt(current.Vid, 10) + " deleted", nil
}
