// Package versionstore implements the Version Store: point and range
// access over the primary table, owning the readMostRecent and
// readVersion policies that every higher-level component (Data
// Service, Bundle Service) builds on.
package versionstore

import (
	"fmt"

	"github.com/fhirstore/core/internal/codec"
	"github.com/fhirstore/core/internal/kvstore"
	"github.com/fhirstore/core/internal/parambuilder"
	"github.com/fhirstore/core/pkg/apierror"
	"github.com/fhirstore/core/pkg/model"
)

// Store is the Version Store, backed by internal/kvstore.
type Store struct {
	kv *kvstore.Store
}

// New constructs a Version Store over kv.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// mostRecentScanDepth is the number of versions readMostRecent
// inspects: the current head plus the one version needed to fall back
// past a transient PENDING head.
const mostRecentScanDepth = 2

// ReadMostRecent resolves the current readable version of a resource,
// falling back past a transient PENDING head to the last AVAILABLE
// version when present.
func (s *Store) ReadMostRecent(resourceType, id, tenantID string) (model.Item, error) {
	storageID := codec.BuildStorageID(id, tenantID)
	q := parambuilder.BuildMostRecentQuery(storageID, mostRecentScanDepth)

	rows, err := s.kv.Query(q.StorageID, q.Limit)
	if err != nil {
		return model.Item{}, err
	}
	if len(rows) == 0 {
		return model.Item{}, notFound(resourceType, id)
	}

	top, err := codec.UnmarshalItem(storageID, rows[0].Value)
	if err != nil {
		return model.Item{}, err
	}

	switch top.DocumentStatus {
	case model.StatusDeleted:
		return model.Item{}, notFound(resourceType, id)
	case model.StatusAvailable, model.StatusLocked, model.StatusPendingDelete:
		return top, nil
	case model.StatusPending:
		if len(rows) > 1 {
			return codec.UnmarshalItem(storageID, rows[1].Value)
		}
		return model.Item{}, notFound(resourceType, id)
	default:
		return model.Item{}, notFound(resourceType, id)
	}
}

// ReadVersion resolves a specific version by vid: absent item,
// resourceType mismatch, or non-AVAILABLE status all surface
// VersionNotFound.
func (s *Store) ReadVersion(resourceType, id string, vid int64, tenantID string) (model.Item, error) {
	storageID := codec.BuildStorageID(id, tenantID)

	value, found, err := s.kv.Get(storageID, vid)
	if err != nil {
		return model.Item{}, err
	}
	if !found {
		return model.Item{}, versionNotFound(resourceType, id, vid)
	}

	item, err := codec.UnmarshalItem(storageID, value)
	if err != nil {
		return model.Item{}, err
	}
	if item.ResourceType != resourceType {
		return model.Item{}, versionNotFound(resourceType, id, vid)
	}
	if item.DocumentStatus != model.StatusAvailable {
		return model.Item{}, versionNotFound(resourceType, id, vid)
	}
	return item, nil
}

// CurrentVid resolves the vid of the item ReadMostRecent returns. The
// Bundle Service's pre-resolution calls ReadMostRecent directly.
func (s *Store) CurrentVid(resourceType, id, tenantID string) (int64, error) {
	item, err := s.ReadMostRecent(resourceType, id, tenantID)
	if err != nil {
		return 0, err
	}
	return item.Vid, nil
}

// ApplyConditionalTransition submits a single conditional write (a
// guarded insert or status transition) through the kvstore, the one
// write primitive this
// package exposes (the read/write-path half Data Service and Bundle
// Service both reuse).
func (s *Store) ApplyConditionalTransition(op kvstore.WriteOp) error {
	return s.kv.ConditionalPut(op)
}

func notFound(resourceType, id string) error {
	return apierror.New(apierror.ResourceNotFound, resourceType+"/"+id+" not found", nil)
}

func versionNotFound(resourceType, id string, vid int64) error {
	return apierror.New(apierror.VersionNotFound, fmt.Sprintf("%s/%s version %d not found", resourceType, id, vid), nil)
}
