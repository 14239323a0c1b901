// -----------------------------------------------------------------------
// Export Handlers - Submission, status, cancel and artifact download
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/artifacts"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/pipeline"
	"github.com/gitnexus/capsuled/internal/services/registry"
)

// maxExportBodyBytes caps the submitted graph payload at 500 MiB.
const maxExportBodyBytes = 500 << 20

// ExportHandler owns the /v1/exports lifecycle routes.
type ExportHandler struct {
	config   *common.Config
	registry *registry.Service
	events   *events.Service
	queue    *pipeline.Queue
	store    *artifacts.Store
	logger   arbor.ILogger
}

// NewExportHandler creates a new export handler.
func NewExportHandler(config *common.Config, reg *registry.Service, eventService *events.Service, queue *pipeline.Queue, store *artifacts.Store, logger arbor.ILogger) *ExportHandler {
	return &ExportHandler{
		config:   config,
		registry: reg,
		events:   eventService,
		queue:    queue,
		store:    store,
		logger:   logger,
	}
}

func (h *ExportHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if apiErr := Authorize(r, h.config.Auth.APIKey, false); apiErr != nil {
		WriteAPIError(w, apiErr)
		return false
	}
	return true
}

// CreateHandler handles POST /v1/exports: validate the payload, register
// the job and its event stream, then enqueue. A full queue rolls the
// registration back and returns 503.
func (h *ExportHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxExportBodyBytes)

	var payload models.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteAPIError(w, models.NewInvalidExportRequest("Request body is not a valid export payload."))
		return
	}

	if len(payload.Nodes) == 0 || len(payload.Relationships) == 0 {
		WriteAPIError(w, models.NewInvalidExportRequest("Request must include graph nodes and relationships."))
		return
	}

	if err := payload.Validate(); err != nil {
		WriteAPIError(w, models.NewInvalidExportRequest(err.Error()))
		return
	}

	backendMode := models.BackendLocal
	if h.config.IsRemoteBackend() {
		backendMode = models.BackendRemote
	}

	nodeCount := len(payload.Nodes)
	relationCount := len(payload.Relationships)
	fileCount := len(payload.FileContents)

	record := models.NewJobRecord(&payload, backendMode)
	jobID := record.JobID
	accepted := record.Accepted()

	if err := h.registry.Create(record); err != nil {
		WriteAPIError(w, asAPIError(err))
		return
	}
	h.events.Register(jobID)

	if err := h.queue.Submit(jobID); err != nil {
		h.registry.Remove(jobID)
		h.events.Unregister(jobID)
		WriteAPIError(w, asAPIError(err))
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("session_id", payload.SessionID).
		Str("project", payload.ProjectName).
		Int("nodes", nodeCount).
		Int("relationships", relationCount).
		Int("files", fileCount).
		Msg("Export job queued")

	zero := 0.0
	h.events.Progress(jobID, models.StageQueued, 0, &zero, "Queued for export", map[string]interface{}{
		"nodes":         nodeCount,
		"relationships": relationCount,
		"files":         fileCount,
	})

	WriteJSON(w, http.StatusAccepted, accepted)
}

// GetHandler handles GET /v1/exports/{id}.
func (h *ExportHandler) GetHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.authorize(w, r) {
		return
	}

	snapshot, err := h.registry.Snapshot(jobID)
	if err != nil {
		WriteAPIError(w, asAPIError(err))
		return
	}

	WriteJSON(w, http.StatusOK, snapshot)
}

// CancelHandler handles DELETE /v1/exports/{id}. Cancelling is idempotent:
// a job already terminal is returned unchanged with 200. A queued or
// running job flips to canceled, its partial artifact is removed and a
// job-canceled event closes the stream.
func (h *ExportHandler) CancelHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.authorize(w, r) {
		return
	}

	var becameCanceled bool
	var artifactPath string

	snapshot, err := h.registry.UpdateAndSnapshot(jobID, func(record *models.JobRecord) {
		if record.Status != models.JobStatusQueued && record.Status != models.JobStatusRunning {
			return
		}
		becameCanceled = true
		record.Status = models.JobStatusCanceled
		record.CurrentStage = models.StageCanceled
		record.Progress = 100
		record.StageProgress = 100
		record.Message = "Export canceled"
		record.Error = nil
		record.Request = nil
		artifactPath = record.ArtifactPath
		record.Artifact = nil
		record.ArtifactPath = ""
	})
	if err != nil {
		WriteAPIError(w, asAPIError(err))
		return
	}

	if becameCanceled {
		full := 100.0
		h.events.Emit(jobID, models.EventJobCanceled, models.StageCanceled, 100, &full, "Export canceled", nil)
	}

	if artifactPath != "" {
		if err := h.store.DeleteIfExists(artifactPath); err != nil {
			h.logger.Warn().
				Str("job_id", jobID).
				Str("path", artifactPath).
				Err(err).
				Msg("Failed removing artifact during cancel")
		}
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("status", string(snapshot.Status)).
		Msg("Export job cancel request handled")

	WriteJSON(w, http.StatusOK, snapshot)
}

// DownloadHandler handles GET /v1/exports/{id}/download, streaming the
// finished capsule as an attachment.
func (h *ExportHandler) DownloadHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.authorize(w, r) {
		return
	}

	snapshot, err := h.registry.Snapshot(jobID)
	if err != nil {
		WriteAPIError(w, asAPIError(err))
		return
	}

	if snapshot.Status != models.JobStatusCompleted {
		WriteAPIError(w, models.NewArtifactNotReady())
		return
	}

	path, err := h.registry.JobArtifactPath(jobID)
	if err != nil || path == "" {
		WriteAPIError(w, models.NewArtifactMissing("Export artifact has been removed."))
		return
	}

	fileName := jobID + ".mv2"
	if snapshot.Artifact != nil && snapshot.Artifact.FileName != "" {
		fileName = snapshot.Artifact.FileName
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			WriteAPIError(w, models.NewArtifactMissing("Export artifact no longer exists."))
			return
		}
		WriteAPIError(w, models.NewInternal(fmt.Sprintf("Failed to read artifact: %v", err)))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		WriteAPIError(w, models.NewInternal(fmt.Sprintf("Failed to read artifact: %v", err)))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	written, copyErr := io.Copy(w, file)
	if copyErr != nil {
		h.logger.Warn().
			Str("job_id", jobID).
			Err(copyErr).
			Msg("Artifact download aborted mid-stream")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("artifact", fileName).
		Int64("bytes", written).
		Msg("Export artifact downloaded")
}
