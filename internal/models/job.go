// -----------------------------------------------------------------------
// Export Job - Job record plus the response envelopes derived from it
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an export job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusExpired   JobStatus = "expired"
)

// IsTerminal returns true once the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled, JobStatusExpired:
		return true
	default:
		return false
	}
}

// ExportStage names the pipeline stage a job is currently in.
type ExportStage string

const (
	StageQueued        ExportStage = "queued"
	StageTransform     ExportStage = "transform"
	StageFramePrep     ExportStage = "frame-prep"
	StageWriteCapsule  ExportStage = "write-capsule"
	StageBuildSidecar  ExportStage = "build-sidecar"
	StageFinalize      ExportStage = "finalize"
	StageDownloadReady ExportStage = "download-ready"
	StageFailed        ExportStage = "failed"
	StageCanceled      ExportStage = "canceled"
	StageExpired       ExportStage = "expired"
)

// Backend mode identifiers recorded on each job.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// ExportArtifact describes a finished capsule available for download.
type ExportArtifact struct {
	FileName    string    `json:"fileName"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// ExportError is the stored failure descriptor for a failed job.
type ExportError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BackendMetadata records which executor carried the job and, for the
// remote path, the references needed to correlate with the remote side.
type BackendMetadata struct {
	Backend       string                 `json:"backend"`
	RemoteJobID   string                 `json:"remoteJobId,omitempty"`
	PayloadRef    string                 `json:"payloadRef,omitempty"`
	ArtifactRef   string                 `json:"artifactRef,omitempty"`
	WorkerMetrics map[string]interface{} `json:"workerMetrics,omitempty"`
}

// JobRecord is the in-memory source of truth for one export job. It is
// owned by the job registry: every read goes through a snapshot copy and
// every write happens inside the registry's critical section.
//
// Events form a bounded ring (MaxJobEvents, drop-oldest). NextSeq is the
// sequence number the next appended event will receive; it only moves
// forward, even when old events are dropped.
type JobRecord struct {
	JobID        string
	Status       JobStatus
	Progress     float64
	CurrentStage ExportStage

	// StageProgress is the 0-100 completion of the current stage.
	StageProgress float64

	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastEventAt time.Time

	// Request holds the submitted payload while the job is live and is
	// cleared on every terminal transition.
	Request *ExportRequest

	Artifact     *ExportArtifact
	ArtifactPath string
	Error        *ExportError
	Backend      *BackendMetadata

	Events  []ExportEvent
	NextSeq int64
}

// NewJobRecord builds a freshly queued record for the submitted request.
func NewJobRecord(request *ExportRequest, backendMode string) *JobRecord {
	now := time.Now().UTC()
	return &JobRecord{
		JobID:         uuid.New().String(),
		Status:        JobStatusQueued,
		Progress:      0,
		CurrentStage:  StageQueued,
		StageProgress: 0,
		Message:       "Queued for export",
		CreatedAt:     now,
		UpdatedAt:     now,
		LastEventAt:   now,
		Request:       request,
		Backend:       &BackendMetadata{Backend: backendMode},
		Events:        make([]ExportEvent, 0, 16),
		NextSeq:       1,
	}
}

// IsTerminal reports whether the record reached a terminal status.
func (r *JobRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// LastEventSeq returns the sequence of the most recently appended event,
// or 0 when no event has been appended yet.
func (r *JobRecord) LastEventSeq() int64 {
	return r.NextSeq - 1
}

// Accepted builds the 202 response returned at submission time.
func (r *JobRecord) Accepted() ExportAcceptedResponse {
	return ExportAcceptedResponse{
		JobID:         r.JobID,
		Status:        r.Status,
		Progress:      r.Progress,
		CurrentStage:  r.CurrentStage,
		StageProgress: r.StageProgress,
		Message:       r.Message,
		CreatedAt:     r.CreatedAt,
	}
}

// Snapshot builds the serializable status view of the record at time now.
func (r *JobRecord) Snapshot(now time.Time) ExportJobResponse {
	elapsed := now.Sub(r.CreatedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return ExportJobResponse{
		JobID:         r.JobID,
		Status:        r.Status,
		Progress:      r.Progress,
		CurrentStage:  r.CurrentStage,
		StageProgress: r.StageProgress,
		Message:       r.Message,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		LastEventAt:   r.LastEventAt,
		ElapsedMs:     elapsed,
		LastEventSeq:  r.LastEventSeq(),
		Artifact:      r.Artifact,
		Error:         r.Error,
		Backend:       r.Backend,
	}
}

// ExportAcceptedResponse is the body of the 202 returned on submission.
type ExportAcceptedResponse struct {
	JobID         string      `json:"jobId"`
	Status        JobStatus   `json:"status"`
	Progress      float64     `json:"progress"`
	CurrentStage  ExportStage `json:"currentStage"`
	StageProgress float64     `json:"stageProgress"`
	Message       string      `json:"message,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ExportJobResponse is the full status snapshot served by GET and DELETE.
type ExportJobResponse struct {
	JobID         string           `json:"jobId"`
	Status        JobStatus        `json:"status"`
	Progress      float64          `json:"progress"`
	CurrentStage  ExportStage      `json:"currentStage"`
	StageProgress float64          `json:"stageProgress"`
	Message       string           `json:"message,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	LastEventAt   time.Time        `json:"lastEventAt"`
	ElapsedMs     int64            `json:"elapsedMs"`
	LastEventSeq  int64            `json:"lastEventSeq"`
	Artifact      *ExportArtifact  `json:"artifact,omitempty"`
	Error         *ExportError     `json:"error,omitempty"`
	Backend       *BackendMetadata `json:"backend,omitempty"`
}

// ExportEventsResponse is the body of the historical events endpoint.
type ExportEventsResponse struct {
	JobID          string            `json:"jobId"`
	Events         []ExportEvent     `json:"events"`
	NextSeq        int64             `json:"nextSeq"`
	StatusSnapshot ExportJobResponse `json:"statusSnapshot"`
}
