package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventKind_Glyph(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{EventJobStarted, "▶"},
		{EventStageProgress, "•"},
		{EventStageHeartbeat, "…"},
		{EventJobCompleted, "✓"},
		{EventJobFailed, "✗"},
		{EventJobCanceled, "⊘"},
		{EventJobExpired, "⌛"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Glyph(); got != tt.want {
				t.Errorf("Glyph(%s) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestEventKind_IsTerminal(t *testing.T) {
	terminal := []EventKind{EventJobCompleted, EventJobFailed, EventJobCanceled, EventJobExpired}
	for _, kind := range terminal {
		if !kind.IsTerminal() {
			t.Errorf("expected %s to be terminal", kind)
		}
	}

	live := []EventKind{EventJobStarted, EventStageProgress, EventStageHeartbeat}
	for _, kind := range live {
		if kind.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", kind)
		}
	}
}

func TestExportEvent_WireKeys(t *testing.T) {
	stageProgress := 25.0
	event := ExportEvent{
		Seq:           3,
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		JobID:         "job-1",
		Kind:          EventStageProgress,
		Stage:         StageTransform,
		Progress:      5,
		StageProgress: &stageProgress,
		Glyph:         EventStageProgress.Glyph(),
		Message:       "Transforming graph data",
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"seq", "ts", "jobId", "type", "stage", "progress", "stageProgress", "glyph", "message"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing wire key %q", key)
		}
	}
	if _, ok := decoded["meta"]; ok {
		t.Error("meta should be omitted when empty")
	}
	if decoded["type"] != "stage-progress" {
		t.Errorf("type = %v, want stage-progress", decoded["type"])
	}
}
