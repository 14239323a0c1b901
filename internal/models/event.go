package models

import "time"

// EventKind classifies a job event for stream consumers.
type EventKind string

const (
	EventJobStarted     EventKind = "job-started"
	EventStageProgress  EventKind = "stage-progress"
	EventStageHeartbeat EventKind = "stage-heartbeat"
	EventJobCompleted   EventKind = "job-completed"
	EventJobFailed      EventKind = "job-failed"
	EventJobCanceled    EventKind = "job-canceled"
	EventJobExpired     EventKind = "job-expired"
)

// MaxJobEvents bounds the per-job event ring; the oldest entry is dropped
// once the ring is full. Sequence numbers keep advancing regardless.
const MaxJobEvents = 5000

// IsTerminal reports whether the kind closes the job's event stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventJobCompleted, EventJobFailed, EventJobCanceled, EventJobExpired:
		return true
	default:
		return false
	}
}

// Glyph returns the single display glyph shown by log-style consumers.
func (k EventKind) Glyph() string {
	switch k {
	case EventJobStarted:
		return "▶"
	case EventStageProgress:
		return "•"
	case EventStageHeartbeat:
		return "…"
	case EventJobCompleted:
		return "✓"
	case EventJobFailed:
		return "✗"
	case EventJobCanceled:
		return "⊘"
	case EventJobExpired:
		return "⌛"
	default:
		return "•"
	}
}

// ExportEvent is one entry of a job's append-only event log. Seq is unique
// and gap-free per job, issued inside the registry critical section.
type ExportEvent struct {
	Seq           int64                  `json:"seq"`
	Timestamp     time.Time              `json:"ts"`
	JobID         string                 `json:"jobId"`
	Kind          EventKind              `json:"type"`
	Stage         ExportStage            `json:"stage"`
	Progress      float64                `json:"progress"`
	StageProgress *float64               `json:"stageProgress,omitempty"`
	Glyph         string                 `json:"glyph"`
	Message       string                 `json:"message"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}
