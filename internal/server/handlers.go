package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/service"
)

// CycleRunner runs archival cycles
type CycleRunner interface {
	RunCycle(ctx context.Context, cutoff time.Time) (*model.CycleResult, error)
}

// RecordReader resolves records across tiers
type RecordReader interface {
	Read(ctx context.Context, partitionKey, id string) (*model.Record, error)
	InvalidateCache(batchName string)
}

// IndexAdmin exposes locator index maintenance
type IndexAdmin interface {
	Ready() bool
	Stats() (entries, batches int)
	Rebuild(ctx context.Context) error
	Quarantined() []service.QuarantinedBatch
	Release(ctx context.Context, batchName string) error
}

// Handlers serves the admin API
type Handlers struct {
	cycles    CycleRunner
	reader    RecordReader
	index     IndexAdmin // nil when the index is disabled
	retention time.Duration
	logger    *zap.Logger
}

// NewHandlers creates the admin API handlers. index may be nil.
func NewHandlers(cycles CycleRunner, reader RecordReader, index IndexAdmin, retention time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		cycles:    cycles,
		reader:    reader,
		index:     index,
		retention: retention,
		logger:    logger,
	}
}

// RecordResponse is the JSON form of a record
type RecordResponse struct {
	PartitionKey string    `json:"partition_key"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      []byte    `json:"payload"`
}

// CycleResponse is the JSON form of a cycle result
type CycleResponse struct {
	CycleID          string            `json:"cycle_id"`
	Cutoff           time.Time         `json:"cutoff"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	RecordsSelected  int               `json:"records_selected"`
	RecordsArchived  int               `json:"records_archived"`
	RecordsDeleted   int               `json:"records_deleted"`
	RecoveredDeletes int               `json:"recovered_deletes"`
	BatchesWritten   []string          `json:"batches_written"`
	FailedBatches    int               `json:"failed_batches"`
	DeleteFailures   []model.RecordKey `json:"delete_failures"`
}

// NewCycleResponse converts a cycle result for the API
func NewCycleResponse(res *model.CycleResult) CycleResponse {
	return CycleResponse{
		CycleID:          res.CycleID,
		Cutoff:           res.Cutoff,
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
		RecordsSelected:  res.RecordsSelected,
		RecordsArchived:  res.RecordsArchived,
		RecordsDeleted:   res.RecordsDeleted,
		RecoveredDeletes: res.RecoveredDeletes,
		BatchesWritten:   res.BatchesWritten,
		FailedBatches:    res.FailedBatches,
		DeleteFailures:   res.DeleteFailures,
	}
}

type runCycleRequest struct {
	Cutoff *time.Time `json:"cutoff"`
}

// RunCycle handles POST /v1/cycles. Without a cutoff in the body the cycle
// archives everything older than the retention period.
func (h *Handlers) RunCycle(w http.ResponseWriter, r *http.Request) {
	var req runCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, r, errors.InvalidArgument("invalid request body", err))
		return
	}

	cutoff := time.Now().Add(-h.retention)
	if req.Cutoff != nil {
		cutoff = *req.Cutoff
	}

	res, err := h.cycles.RunCycle(r.Context(), cutoff)
	if err != nil && res == nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		// Partial progress is still reported
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, NewCycleResponse(res))
}

// ReadRecord handles GET /v1/records/{partition}/{id}
func (h *Handlers) ReadRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.reader.Read(r.Context(), vars["partition"], vars["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{
		PartitionKey: rec.PartitionKey,
		ID:           rec.ID,
		Timestamp:    rec.Timestamp,
		Payload:      rec.Payload,
	})
}

// IndexStatus handles GET /v1/index
func (h *Handlers) IndexStatus(w http.ResponseWriter, r *http.Request) {
	if !h.indexEnabled(w, r) {
		return
	}
	entries, batches := h.index.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":       h.index.Ready(),
		"entries":     entries,
		"batches":     batches,
		"quarantined": len(h.index.Quarantined()),
	})
}

// RebuildIndex handles POST /v1/index/rebuild
func (h *Handlers) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	if !h.indexEnabled(w, r) {
		return
	}
	if err := h.index.Rebuild(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, batches := h.index.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"batches": batches,
	})
}

// ListQuarantine handles GET /v1/quarantine
func (h *Handlers) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	if !h.indexEnabled(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": h.index.Quarantined(),
	})
}

// ReleaseQuarantine handles DELETE /v1/quarantine/{batch}
func (h *Handlers) ReleaseQuarantine(w http.ResponseWriter, r *http.Request) {
	if !h.indexEnabled(w, r) {
		return
	}
	name := mux.Vars(r)["batch"]
	if err := h.index.Release(r.Context(), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.reader.InvalidateCache(name)
	h.logger.Info("Quarantine released by operator",
		zap.String("batch", name),
		zap.String("request_id", r.Header.Get("X-Request-ID")))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) indexEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.index != nil {
		return true
	}
	h.writeError(w, r, errors.IndexUnavailable("locator index is disabled"))
	return false
}

type errorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.AsStorageError(err)
	status := se.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Status:    "error",
		ErrorCode: se.Code.String(),
		Message:   se.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
