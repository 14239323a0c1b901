package models

import (
	"testing"
	"time"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCanceled, true},
		{JobStatusExpired, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestNewJobRecord_Defaults(t *testing.T) {
	req := &ExportRequest{
		SessionID:   "session-1",
		ProjectName: "demo",
		Nodes:       []GraphNode{{ID: "n1", Label: "Function"}},
		Relationships: []GraphRelationship{
			{ID: "e1", SourceID: "n1", TargetID: "n1", Type: "CALLS", Confidence: 1},
		},
	}

	record := NewJobRecord(req, BackendLocal)

	if record.JobID == "" {
		t.Fatal("expected generated job id")
	}
	if record.Status != JobStatusQueued {
		t.Errorf("status = %s, want queued", record.Status)
	}
	if record.CurrentStage != StageQueued {
		t.Errorf("stage = %s, want queued", record.CurrentStage)
	}
	if record.Message != "Queued for export" {
		t.Errorf("message = %q", record.Message)
	}
	if record.NextSeq != 1 {
		t.Errorf("next seq = %d, want 1", record.NextSeq)
	}
	if record.LastEventSeq() != 0 {
		t.Errorf("last event seq = %d, want 0", record.LastEventSeq())
	}
	if record.Request == nil {
		t.Error("expected request payload retained while queued")
	}
	if record.Backend == nil || record.Backend.Backend != BackendLocal {
		t.Errorf("backend metadata = %+v, want local", record.Backend)
	}
}

func TestJobRecord_Snapshot(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	record := &JobRecord{
		JobID:         "job-1",
		Status:        JobStatusRunning,
		Progress:      45,
		CurrentStage:  StageFramePrep,
		StageProgress: 80,
		Message:       "Prepared 12 frames",
		CreatedAt:     created,
		UpdatedAt:     created.Add(2 * time.Second),
		LastEventAt:   created.Add(2 * time.Second),
		NextSeq:       7,
	}

	snap := record.Snapshot(created.Add(1500 * time.Millisecond))

	if snap.ElapsedMs != 1500 {
		t.Errorf("elapsedMs = %d, want 1500", snap.ElapsedMs)
	}
	if snap.LastEventSeq != 6 {
		t.Errorf("lastEventSeq = %d, want 6", snap.LastEventSeq)
	}
	if snap.Status != JobStatusRunning || snap.CurrentStage != StageFramePrep {
		t.Errorf("snapshot carried %s/%s", snap.Status, snap.CurrentStage)
	}
}

func TestJobRecord_SnapshotClampsNegativeElapsed(t *testing.T) {
	created := time.Now().Add(time.Minute)
	record := &JobRecord{JobID: "job-2", CreatedAt: created, NextSeq: 1}

	snap := record.Snapshot(time.Now())

	if snap.ElapsedMs != 0 {
		t.Errorf("elapsedMs = %d, want 0 for future created_at", snap.ElapsedMs)
	}
}

func TestJobRecord_Accepted(t *testing.T) {
	record := NewJobRecord(&ExportRequest{}, BackendRemote)
	record.Progress = 0

	accepted := record.Accepted()

	if accepted.JobID != record.JobID {
		t.Errorf("jobId = %s, want %s", accepted.JobID, record.JobID)
	}
	if accepted.Status != JobStatusQueued {
		t.Errorf("status = %s, want queued", accepted.Status)
	}
	if accepted.CurrentStage != StageQueued {
		t.Errorf("currentStage = %s, want queued", accepted.CurrentStage)
	}
	if !accepted.CreatedAt.Equal(record.CreatedAt) {
		t.Error("createdAt should match record")
	}
}
