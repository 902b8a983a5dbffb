// Package bundle implements the Bundle Service: atomic multi-resource
// transactions ("bundles") over the primary table using two-phase
// commit, built on top of the same guarded conditional-transition
// primitive the Data Service uses for single-resource writes.
package bundle

import (
	"time"

	"github.com/google/uuid"

	"github.com/fhirstore/core/internal/codec"
	"github.com/fhirstore/core/internal/kvstore"
	"github.com/fhirstore/core/internal/parambuilder"
	"github.com/fhirstore/core/internal/versionstore"
	"github.com/fhirstore/core/pkg/apierror"
	"github.com/fhirstore/core/pkg/log"
	"github.com/fhirstore/core/pkg/metrics"
	"github.com/fhirstore/core/pkg/model"
)

// Operation is the kind of one bundle entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpRead   Operation = "read"
)

// Request is one entry of a bundle.
type Request struct {
	Operation    Operation
	ResourceType string
	ID           string
	Resource     model.Resource
	TenantID     string
}

// Response is the per-entry outcome of a committed (or failed) bundle.
type Response struct {
	Operation    string
	ResourceType string
	ID           string
	Vid          int64
	LastModified string
	Resource     model.Resource
	Success      bool
	Message      string
}

// Service is the Bundle Service.
type Service struct {
	kv             *kvstore.Store
	vs             *versionstore.Store
	lockDurationMs int64
	now            func() int64
}

// New constructs a Bundle Service. now supplies the current epoch-millis
// timestamp; tests substitute a deterministic clock.
func New(kv *kvstore.Store, vs *versionstore.Store, lockDurationMs int64, now func() int64) *Service {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Service{kv: kv, vs: vs, lockDurationMs: lockDurationMs, now: now}
}

// lockEntry tracks one item that acquired a transient state during
// Phase 1, so rollback knows what to undo.
type lockEntry struct {
	isCreateOrUpdate bool
	staged           model.Item // the PENDING item we inserted, or the prior AVAILABLE item for deletes
	storageID        string
	vid              int64
}

type readTarget struct {
	index        int
	storageID    string
	vid          int64
	resourceType string
	found        bool
}

// Commit drives a bundle through Phase 0 pre-resolution, Phase 1
// staging, and Phase 2 commit, rolling back on any failure.
func (s *Service) Commit(requests []Request) ([]Response, error) {
	responses := make([]Response, len(requests))
	now := s.now()

	resolved, err := s.preResolve(requests, responses)
	if err != nil {
		return nil, err
	}

	stagingOps, locks, reads, err := s.stage(requests, resolved, responses, now)
	if err != nil {
		return nil, err
	}

	if err := s.kv.TransactWrite(stagingOps); err != nil {
		s.rollback(locks)
		metrics.BundleRollbackTotal.Inc()
		metrics.BundleCommitsTotal.WithLabelValues("rolled_back").Inc()
		return nil, apierror.NewBundleFailed("bundle staging failed", toBatchResponses(responses), err)
	}

	commitOps := s.buildCommitOps(locks, now)
	if err := s.kv.TransactWrite(commitOps); err != nil {
		s.rollback(locks)
		metrics.BundleRollbackTotal.Inc()
		metrics.BundleCommitsTotal.WithLabelValues("rolled_back").Inc()
		return nil, apierror.NewBundleFailed("bundle commit failed", toBatchResponses(responses), err)
	}

	if err := s.resolveReads(reads, responses); err != nil {
		s.rollback(locks)
		metrics.BundleRollbackTotal.Inc()
		metrics.BundleCommitsTotal.WithLabelValues("rolled_back").Inc()
		return nil, apierror.NewBundleFailed("bundle read resolution failed", toBatchResponses(responses), err)
	}

	for i := range responses {
		responses[i].Success = true
	}
	metrics.BundleCommitsTotal.WithLabelValues("committed").Inc()
	return responses, nil
}

func (s *Service) preResolve(requests []Request, responses []Response) (map[int]model.Item, error) {
	resolved := make(map[int]model.Item)
	for i, req := range requests {
		if req.Operation != OpUpdate && req.Operation != OpDelete {
			continue
		}
		item, err := s.vs.ReadMostRecent(req.ResourceType, req.ID, req.TenantID)
		if err != nil {
			responses[i] = Response{Operation: string(req.Operation), ResourceType: req.ResourceType, ID: req.ID, Success: false, Message: err.Error()}
			return nil, apierror.NewBundleFailed("bundle target not found", toBatchResponses(responses), err)
		}
		resolved[i] = item
	}
	return resolved, nil
}

func (s *Service) stage(requests []Request, resolved map[int]model.Item, responses []Response, now int64) ([]kvstore.WriteOp, []lockEntry, []readTarget, error) {
	var ops []kvstore.WriteOp
	var locks []lockEntry
	var reads []readTarget

	for i, req := range requests {
		switch req.Operation {
		case OpCreate:
			id := req.ID
			if id == "" {
				id = uuid.New().String()
			}
			item := codec.EncodeForInsert(req.Resource, id, 1, model.StatusPending, req.TenantID, now)
			op, err := parambuilder.InsertNew(item)
			if err != nil {
				return nil, nil, nil, err
			}
			ops = append(ops, op)
			locks = append(locks, lockEntry{isCreateOrUpdate: true, staged: item, storageID: item.StorageID, vid: item.Vid})
			responses[i] = Response{Operation: string(OpCreate), ResourceType: req.ResourceType, ID: id, Vid: 1, Resource: codec.DecodeForRead(item, nil)}

		case OpUpdate:
			prior := resolved[i]
			newVid := prior.Vid + 1
			item := codec.EncodeForInsert(req.Resource, req.ID, newVid, model.StatusPending, req.TenantID, now)
			op, err := parambuilder.InsertNew(item)
			if err != nil {
				return nil, nil, nil, err
			}
			ops = append(ops, op)
			locks = append(locks, lockEntry{isCreateOrUpdate: true, staged: item, storageID: item.StorageID, vid: item.Vid})
			responses[i] = Response{Operation: string(OpUpdate), ResourceType: req.ResourceType, ID: req.ID, Vid: newVid, Resource: codec.DecodeForRead(item, nil)}

		case OpDelete:
			prior := resolved[i]
			pendingDelete := prior
			pendingDelete.DocumentStatus = model.StatusPendingDelete
			pendingDelete.LockEndTs = now
			op, err := parambuilder.StatusTransition(pendingDelete, req.ResourceType, model.StatusAvailable, now, s.lockDurationMs)
			if err != nil {
				return nil, nil, nil, err
			}
			ops = append(ops, op)
			locks = append(locks, lockEntry{isCreateOrUpdate: false, staged: prior, storageID: prior.StorageID, vid: prior.Vid})
			responses[i] = Response{Operation: string(OpDelete), ResourceType: req.ResourceType, ID: req.ID, Vid: prior.Vid}

		case OpRead:
			storageID := codec.BuildStorageID(req.ID, req.TenantID)
			item, err := s.vs.ReadMostRecent(req.ResourceType, req.ID, req.TenantID)
			if err != nil {
				reads = append(reads, readTarget{index: i, storageID: storageID, resourceType: req.ResourceType, found: false})
				responses[i] = Response{Operation: string(OpRead), ResourceType: req.ResourceType, ID: req.ID, Success: false, Message: err.Error()}
				continue
			}
			reads = append(reads, readTarget{index: i, storageID: storageID, vid: item.Vid, resourceType: req.ResourceType, found: true})
		}
	}

	return ops, locks, reads, nil
}

func (s *Service) buildCommitOps(locks []lockEntry, now int64) []kvstore.WriteOp {
	var ops []kvstore.WriteOp
	for _, lock := range locks {
		if lock.isCreateOrUpdate {
			available := lock.staged
			available.DocumentStatus = model.StatusAvailable
			op, err := parambuilder.StatusTransition(available, available.ResourceType, model.StatusPending, now, s.lockDurationMs)
			if err != nil {
				continue
			}
			ops = append(ops, op)
		} else {
			deleted := lock.staged
			deleted.DocumentStatus = model.StatusDeleted
			op, err := parambuilder.StatusTransition(deleted, deleted.ResourceType, model.StatusPendingDelete, now, s.lockDurationMs)
			if err != nil {
				continue
			}
			ops = append(ops, op)
		}
	}
	return ops
}

func (s *Service) resolveReads(reads []readTarget, responses []Response) error {
	for _, r := range reads {
		if !r.found {
			return apierror.New(apierror.ResourceNotFound, "bundle read target not found: "+r.storageID, nil)
		}
		value, found, err := s.kv.Get(r.storageID, r.vid)
		if err != nil {
			return err
		}
		if !found {
			return apierror.New(apierror.ResourceNotFound, "bundle read target not found: "+r.storageID, nil)
		}
		item, err := codec.UnmarshalItem(r.storageID, value)
		if err != nil {
			return err
		}
		resource := codec.DecodeForRead(item, nil)
		meta, _ := resource["meta"].(map[string]interface{})
		lastModified, _ := meta["lastUpdated"].(string)
		responses[r.index].Resource = resource
		responses[r.index].Vid = item.Vid
		responses[r.index].LastModified = lastModified
	}
	return nil
}

// rollback undoes every transient item a failed bundle staged. It is
// idempotent: unconditional deletes of never-applied keys are no-ops,
// and guarded reverts simply fail to match when there is nothing to
// revert. Rollback failures are logged but do not change the bundle's
// reported (already-failed) outcome.
func (s *Service) rollback(locks []lockEntry) {
	for _, lock := range locks {
		if lock.isCreateOrUpdate {
			op := parambuilder.DeleteUnconditional(lock.storageID, lock.vid)
			if err := s.kv.ConditionalPut(op); err != nil {
				log.WithResourceType(lock.staged.ResourceType).Warn().
					Str("storage_id", lock.storageID).Int64("vid", lock.vid).
					Err(err).Msg("bundle rollback: failed to delete staged insert")
			}
			continue
		}
		reverted := lock.staged
		reverted.DocumentStatus = model.StatusAvailable
		op, err := parambuilder.StatusTransition(reverted, reverted.ResourceType, model.StatusPendingDelete, s.now(), s.lockDurationMs)
		if err != nil {
			continue
		}
		if err := s.kv.ConditionalPut(op); err != nil {
			log.WithResourceType(lock.staged.ResourceType).Warn().
				Str("storage_id", lock.storageID).Int64("vid", lock.vid).
				Err(err).Msg("bundle rollback: failed to revert staged delete")
		}
	}
}

func toBatchResponses(responses []Response) []apierror.BatchResponse {
	out := make([]apierror.BatchResponse, len(responses))
	for i, r := range responses {
		out[i] = apierror.BatchResponse{
			Operation:    r.Operation,
			ResourceType: r.ResourceType,
			ID:           r.ID,
			Vid:          r.Vid,
			Success:      r.Success,
			Message:      r.Message,
		}
	}
	return out
}
