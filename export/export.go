// Package export implements the Export Registry: admission-controlled
// registration of long-running export jobs, backed by the primary
// store's export table and its jobStatus secondary index.
package export

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fhirstore/core/internal/kvstore"
	"github.com/fhirstore/core/internal/parambuilder"
	"github.com/fhirstore/core/pkg/apierror"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/metrics"
)

// Request is the caller-supplied payload for initiating an export.
type Request struct {
	RequesterUserID string
	ExportType      string
	Parameters      map[string]interface{}
}

// Status is the public, normalized view of a job row.
type Status struct {
	JobID            string                 `json:"jobId"`
	RequesterUserID  string                 `json:"requesterUserId"`
	JobStatus        string                 `json:"jobStatus"`
	ExportType       string                 `json:"exportType,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	ExportedFileUrls []string               `json:"exportedFileUrls"`
	ErrorArray       []string               `json:"errorArray"`
	ErrorMessage     string                 `json:"errorMessage"`
}

// jobRow is the wire shape stored in the export table.
type jobRow struct {
	JobID            string                 `json:"jobId"`
	RequesterUserID  string                 `json:"requesterUserId"`
	JobStatus        string                 `json:"jobStatus"`
	ExportType       string                 `json:"exportType,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	ExportedFileUrls []string               `json:"exportedFileUrls,omitempty"`
	ErrorArray       []string               `json:"errorArray,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
}

// Registry is the Export Registry.
type Registry struct {
	kv  *kvstore.Store
	cfg config.Config
}

// New constructs an Export Registry over kv.
func New(kv *kvstore.Store, cfg config.Config) *Registry {
	if cfg.MaxConcurrentExportPerUser <= 0 {
		cfg.MaxConcurrentExportPerUser = config.DefaultMaxConcurrentExportPerUser
	}
	return &Registry{kv: kv, cfg: cfg}
}

// InitiateExport runs admission control, then inserts a new
// in-progress job row and returns its jobId.
func (r *Registry) InitiateExport(req Request) (string, error) {
	perUser, err := r.rowsByStatus(string(parambuilder.ExportInProgress))
	if err != nil {
		return "", err
	}
	canceling, err := r.rowsByStatus(string(parambuilder.ExportCanceling))
	if err != nil {
		return "", err
	}

	requesterCount := 0
	for _, row := range perUser {
		if row.RequesterUserID == req.RequesterUserID {
			requesterCount++
		}
	}
	for _, row := range canceling {
		if row.RequesterUserID == req.RequesterUserID {
			requesterCount++
		}
	}
	if requesterCount >= r.cfg.MaxConcurrentExportPerUser {
		metrics.ExportAdmissionsTotal.WithLabelValues("rejected_per_user").Inc()
		return "", apierror.New(apierror.TooManyConcurrentExportRequests, "requester already has the maximum number of concurrent exports", nil)
	}

	if len(perUser)+len(canceling) >= r.cfg.MaxSystemConcurrentExport {
		metrics.ExportAdmissionsTotal.WithLabelValues("rejected_system_cap").Inc()
		return "", apierror.New(apierror.TooManyConcurrentExportRequests, "system export concurrency cap reached", nil)
	}

	jobID := uuid.New().String()
	row := jobRow{
		JobID:           jobID,
		RequesterUserID: req.RequesterUserID,
		JobStatus:       string(parambuilder.ExportInProgress),
		ExportType:      req.ExportType,
		Parameters:      req.Parameters,
	}
	value, err := json.Marshal(row)
	if err != nil {
		return "", err
	}

	write := parambuilder.BuildExportInsert(jobID, value)
	if err := r.kv.PutExportJob(write.JobID, write.Value, string(write.Status), "", write.Condition); err != nil {
		return "", fmt.Errorf("insert export job %s: %w", jobID, err)
	}

	metrics.ExportAdmissionsTotal.WithLabelValues("admitted").Inc()
	metrics.ExportJobsInFlight.Inc()
	return jobID, nil
}

// CancelExport transitions an in-flight job to canceling.
func (r *Registry) CancelExport(jobID string) error {
	row, err := r.getRow(jobID)
	if err != nil {
		return err
	}

	switch parambuilder.ExportJobStatus(row.JobStatus) {
	case parambuilder.ExportFailed, parambuilder.ExportCompleted, parambuilder.ExportCanceled:
		return apierror.New(apierror.InvalidResource, "export job "+jobID+" is already terminal ("+row.JobStatus+")", nil)
	}

	previousStatus := row.JobStatus
	row.JobStatus = string(parambuilder.ExportCanceling)
	value, err := json.Marshal(row)
	if err != nil {
		return err
	}

	write := parambuilder.BuildExportStatusTransition(jobID, value, parambuilder.ExportCanceling, parambuilder.ExportJobStatus(previousStatus))
	if err := r.kv.PutExportJob(write.JobID, write.Value, string(write.Status), string(write.PreviousStatus), write.Condition); err != nil {
		return fmt.Errorf("cancel export job %s: %w", jobID, err)
	}
	return nil
}

// GetExportStatus returns the normalized public view of a job.
func (r *Registry) GetExportStatus(jobID string) (Status, error) {
	row, err := r.getRow(jobID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		JobID:            row.JobID,
		RequesterUserID:  row.RequesterUserID,
		JobStatus:        row.JobStatus,
		ExportType:       row.ExportType,
		Parameters:       row.Parameters,
		ExportedFileUrls: row.ExportedFileUrls,
		ErrorArray:       row.ErrorArray,
		ErrorMessage:     row.ErrorMessage,
	}
	if status.ExportedFileUrls == nil {
		status.ExportedFileUrls = []string{}
	}
	if status.ErrorArray == nil {
		status.ErrorArray = []string{}
	}
	return status, nil
}

// ListExportsByRequester filters the jobStatus secondary index to jobs
// owned by requesterUserID. This makes the status index usable from
// outside the admission-control path, where it would otherwise be
// unreachable dead weight.
func (r *Registry) ListExportsByRequester(requesterUserID, status string) ([]Status, error) {
	rows, err := r.rowsByStatus(status)
	if err != nil {
		return nil, err
	}
	var out []Status
	for _, row := range rows {
		if row.RequesterUserID != requesterUserID {
			continue
		}
		out = append(out, toStatus(row))
	}
	return out, nil
}

// ListExportsByStatus returns every job row currently in status.
func (r *Registry) ListExportsByStatus(status string) ([]Status, error) {
	rows, err := r.rowsByStatus(status)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(rows))
	for i, row := range rows {
		out[i] = toStatus(row)
	}
	return out, nil
}

func toStatus(row jobRow) Status {
	s := Status{
		JobID:            row.JobID,
		RequesterUserID:  row.RequesterUserID,
		JobStatus:        row.JobStatus,
		ExportType:       row.ExportType,
		Parameters:       row.Parameters,
		ExportedFileUrls: row.ExportedFileUrls,
		ErrorArray:       row.ErrorArray,
		ErrorMessage:     row.ErrorMessage,
	}
	if s.ExportedFileUrls == nil {
		s.ExportedFileUrls = []string{}
	}
	if s.ErrorArray == nil {
		s.ErrorArray = []string{}
	}
	return s
}

func (r *Registry) getRow(jobID string) (jobRow, error) {
	value, found, err := r.kv.GetExportJob(jobID)
	if err != nil {
		return jobRow{}, err
	}
	if !found {
		return jobRow{}, apierror.New(apierror.ResourceNotFound, "$export/"+jobID+" not found", nil)
	}
	var row jobRow
	if err := json.Unmarshal(value, &row); err != nil {
		return jobRow{}, err
	}
	return row, nil
}

func (r *Registry) rowsByStatus(status string) ([]jobRow, error) {
	rawRows, err := r.kv.QueryExportJobsByStatus(status)
	if err != nil {
		return nil, err
	}
	rows := make([]jobRow, 0, len(rawRows))
	for _, raw := range rawRows {
		var row jobRow
		if err := json.Unmarshal(raw.Value, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
