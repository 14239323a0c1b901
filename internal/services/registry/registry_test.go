package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
)

func newTestService() *Service {
	return NewService(common.GetLogger())
}

func queuedRecord() *models.JobRecord {
	req := &models.ExportRequest{
		SessionID:   "session-1",
		ProjectName: "demo",
		Nodes:       []models.GraphNode{{ID: "n1", Label: "Function"}},
		Relationships: []models.GraphRelationship{
			{ID: "e1", SourceID: "n1", TargetID: "n1", Type: "CALLS", Confidence: 1},
		},
	}
	return models.NewJobRecord(req, models.BackendLocal)
}

func TestService_CreateRejectsDuplicateID(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()

	require.NoError(t, svc.Create(record))
	err := svc.Create(record)
	assert.Error(t, err)
	assert.Equal(t, 1, svc.Len())
}

func TestService_SnapshotUnknownJob(t *testing.T) {
	svc := newTestService()

	_, err := svc.Snapshot("missing")
	require.Error(t, err)

	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, models.ErrCodeJobNotFound, apiErr.Code)
}

func TestService_AppendEventSequencesAreContiguous(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	for i := 0; i < 10; i++ {
		_, appended, err := svc.AppendEvent(record.JobID, models.EventStageProgress, models.StageTransform, float64(i), nil, fmt.Sprintf("step %d", i), nil)
		require.NoError(t, err)
		require.True(t, appended)
	}

	resp, err := svc.EventsSince(record.JobID, 0, 100)
	require.NoError(t, err)
	require.Len(t, resp.Events, 10)

	for i, event := range resp.Events {
		assert.Equal(t, int64(i+1), event.Seq, "seq must increase by one from 1")
	}
	assert.Equal(t, int64(11), resp.NextSeq)
	assert.Equal(t, int64(10), resp.StatusSnapshot.LastEventSeq)
}

func TestService_AppendEventBoundsRing(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	total := models.MaxJobEvents + 25
	for i := 0; i < total; i++ {
		_, _, err := svc.AppendEvent(record.JobID, models.EventStageProgress, models.StageTransform, 10, nil, "tick", nil)
		require.NoError(t, err)
	}

	events, err := svc.ReplayEvents(record.JobID, 0)
	require.NoError(t, err)

	assert.Len(t, events, models.MaxJobEvents, "ring must cap at the configured bound")
	assert.Equal(t, int64(26), events[0].Seq, "oldest entries are dropped first")
	assert.Equal(t, int64(total), events[len(events)-1].Seq)
}

func TestService_AppendEventFiltersPostTerminal(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	require.NoError(t, svc.Update(record.JobID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCanceled
	}))

	// Non-terminal events are silently dropped after cancel.
	_, appended, err := svc.AppendEvent(record.JobID, models.EventStageProgress, models.StageWriteCapsule, 70, nil, "late straggler", nil)
	require.NoError(t, err)
	assert.False(t, appended)

	// Terminal kinds still pass so the cancel event itself lands.
	_, appended, err = svc.AppendEvent(record.JobID, models.EventJobCanceled, models.StageCanceled, 100, nil, "Export canceled", nil)
	require.NoError(t, err)
	assert.True(t, appended)

	events, err := svc.ReplayEvents(record.JobID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventJobCanceled, events[0].Kind)
}

func TestService_AppendEventClampsProgress(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	stageProgress := 250.0
	event, appended, err := svc.AppendEvent(record.JobID, models.EventStageProgress, models.StageTransform, -5, &stageProgress, "clamped", nil)
	require.NoError(t, err)
	require.True(t, appended)

	assert.Equal(t, 0.0, event.Progress)
	require.NotNil(t, event.StageProgress)
	assert.Equal(t, 100.0, *event.StageProgress)
}

func TestService_EventsSinceHonorsSinceSeqAndLimit(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	for i := 0; i < 8; i++ {
		_, _, err := svc.AppendEvent(record.JobID, models.EventStageProgress, models.StageTransform, float64(i), nil, "tick", nil)
		require.NoError(t, err)
	}

	resp, err := svc.EventsSince(record.JobID, 3, 2)
	require.NoError(t, err)

	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(4), resp.Events[0].Seq)
	assert.Equal(t, int64(5), resp.Events[1].Seq)
}

func TestService_EventsSinceExpiredJob(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	require.NoError(t, svc.Update(record.JobID, func(r *models.JobRecord) {
		r.Status = models.JobStatusExpired
	}))

	_, err := svc.EventsSince(record.JobID, 0, 10)
	require.Error(t, err)

	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, models.ErrCodeJobExpired, apiErr.Code)
}

func TestService_TerminalTransitionClearsRequest(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	snap, err := svc.UpdateAndSnapshot(record.JobID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCanceled
		r.CurrentStage = models.StageCanceled
		r.Progress = 100
		r.StageProgress = 100
		r.Request = nil
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCanceled, snap.Status)
	assert.Equal(t, 100.0, snap.Progress)

	_, err = svc.Request(record.JobID)
	assert.Error(t, err, "terminal jobs must not retain the request payload")
}

func TestService_LatestCompletedArtifact(t *testing.T) {
	svc := newTestService()

	first := queuedRecord()
	require.NoError(t, svc.Create(first))
	second := queuedRecord()
	require.NoError(t, svc.Create(second))

	base := time.Now().UTC()
	require.NoError(t, svc.Update(first.JobID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCompleted
		r.ArtifactPath = "/exports/a.mv2"
		r.UpdatedAt = base
	}))
	require.NoError(t, svc.Update(second.JobID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCompleted
		r.ArtifactPath = "/exports/b.mv2"
		r.UpdatedAt = base.Add(time.Second)
	}))

	path, err := svc.LatestCompletedArtifact()
	require.NoError(t, err)
	assert.Equal(t, "/exports/b.mv2", path)
}

func TestService_LatestCompletedArtifactNoneCompleted(t *testing.T) {
	svc := newTestService()
	record := queuedRecord()
	require.NoError(t, svc.Create(record))

	_, err := svc.LatestCompletedArtifact()
	require.Error(t, err)

	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, models.ErrCodeNotFound, apiErr.Code)
}

func TestService_ListTerminal(t *testing.T) {
	svc := newTestService()

	live := queuedRecord()
	require.NoError(t, svc.Create(live))

	done := queuedRecord()
	require.NoError(t, svc.Create(done))
	require.NoError(t, svc.Update(done.JobID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCompleted
	}))

	ids := svc.ListTerminal(func(r *models.JobRecord) bool { return true })
	require.Len(t, ids, 1)
	assert.Equal(t, done.JobID, ids[0])
}
