// Package parambuilder is the Param Builder: a pure, I/O-free module
// that produces the conditional-write and query descriptors consumed
// by internal/kvstore. Export job status tokens are defined here;
// document status constants and field names are defined once in
// pkg/model and only referenced here.
package parambuilder

import (
	"github.com/fhirstore/core/internal/codec"
	"github.com/fhirstore/core/internal/kvstore"
	"github.com/fhirstore/core/pkg/model"
)

// InsertNew builds the descriptor for inserting a brand-new version,
// conditional on attribute_not_exists(storageId, vid). The guard is
// always applied; there is no overwrite variant.
func InsertNew(item model.Item) (kvstore.WriteOp, error) {
	value, err := codec.MarshalItem(item)
	if err != nil {
		return kvstore.WriteOp{}, err
	}
	return kvstore.WriteOp{
		StorageID: item.StorageID,
		Vid:       item.Vid,
		Value:     value,
		Condition: kvstore.AttributeNotExists(),
	}, nil
}

// StatusTransition builds the guarded descriptor for moving an
// existing item from oldStatus to newStatus: the compound condition
// "(resourceType matches) AND (current status = oldStatus OR (lock
// expired AND current status in transient set))". now and
// lockDurationMs are supplied by the caller so this stays pure.
func StatusTransition(
	newItem model.Item,
	resourceType string,
	oldStatus model.DocumentStatus,
	now int64,
	lockDurationMs int64,
) (kvstore.WriteOp, error) {
	value, err := codec.MarshalItem(newItem)
	if err != nil {
		return kvstore.WriteOp{}, err
	}
	storageID := newItem.StorageID
	vid := newItem.Vid
	return kvstore.WriteOp{
		StorageID: storageID,
		Vid:       vid,
		Value:     value,
		Condition: transitionCondition(resourceType, oldStatus, now, lockDurationMs),
	}, nil
}

// reclaimableStatuses are the transient states a stale lock can be
// forcibly reclaimed from.
var reclaimableStatuses = map[model.DocumentStatus]bool{
	model.StatusLocked:        true,
	model.StatusPending:       true,
	model.StatusPendingDelete: true,
}

func transitionCondition(resourceType string, oldStatus model.DocumentStatus, now, lockDurationMs int64) kvstore.Condition {
	return func(existing []byte, exists bool) bool {
		if !exists {
			return false
		}
		// storageID is not known to the condition closure; the caller
		// passes it via the WriteOp key, so UnmarshalItem is invoked
		// with an empty storageID placeholder purely to read fields.
		item, err := codec.UnmarshalItem("", existing)
		if err != nil {
			return false
		}
		if item.ResourceType != resourceType {
			return false
		}
		if item.DocumentStatus == oldStatus {
			return true
		}
		lockExpired := now >= item.LockEndTs+lockDurationMs
		return lockExpired && reclaimableStatuses[item.DocumentStatus]
	}
}

// DeleteUnconditional builds the descriptor used by bundle rollback to
// remove a staged (storageId, vid) outright.
func DeleteUnconditional(storageID string, vid int64) kvstore.WriteOp {
	return kvstore.WriteOp{
		StorageID: storageID,
		Vid:       vid,
		Value:     nil,
		Condition: kvstore.Always(),
	}
}

// MostRecentQuery builds the descriptor for fetching up to limit
// versions of (storageId), ordered most-recent-first.
type MostRecentQuery struct {
	StorageID string
	Limit     int
}

// BuildMostRecentQuery produces the descriptor used by the Version
// Store's readMostRecent to fetch the top two versions of a chain.
func BuildMostRecentQuery(storageID string, limit int) MostRecentQuery {
	return MostRecentQuery{StorageID: storageID, Limit: limit}
}

// PointGet builds the descriptor for a specific (storageId, vid).
type PointGet struct {
	StorageID string
	Vid       int64
}

// BuildPointGet produces the descriptor for a point read of one
// (storageId, vid). The Version Store's ReadVersion and the Bundle
// Service's read resolution call kvstore.Get directly instead.
func BuildPointGet(storageID string, vid int64) PointGet {
	return PointGet{StorageID: storageID, Vid: vid}
}

// --- Export table descriptors ---

// ExportJobStatus enumerates the Export Registry's job lifecycle.
type ExportJobStatus string

const (
	ExportInProgress ExportJobStatus = "in-progress"
	ExportCanceling  ExportJobStatus = "canceling"
	ExportCanceled   ExportJobStatus = "canceled"
	ExportCompleted  ExportJobStatus = "completed"
	ExportFailed     ExportJobStatus = "failed"
)

// ExportWrite is the descriptor for an export-table write: an insert
// or a status transition, expressed in the shape internal/kvstore's
// PutExportJob expects.
type ExportWrite struct {
	JobID          string
	Value          []byte
	Status         ExportJobStatus
	PreviousStatus ExportJobStatus
	Condition      kvstore.Condition
}

// BuildExportInsert builds the descriptor for inserting a brand-new
// export job row, conditional on the jobId being unused.
func BuildExportInsert(jobID string, value []byte) ExportWrite {
	return ExportWrite{
		JobID:     jobID,
		Value:     value,
		Status:    ExportInProgress,
		Condition: kvstore.AttributeNotExists(),
	}
}

// BuildExportStatusTransition builds the descriptor for moving a job
// row from previousStatus to newStatus in both the primary table and
// the jobStatus secondary index.
func BuildExportStatusTransition(jobID string, value []byte, newStatus, previousStatus ExportJobStatus) ExportWrite {
	return ExportWrite{
		JobID:          jobID,
		Value:          value,
		Status:         newStatus,
		PreviousStatus: previousStatus,
	}
}
