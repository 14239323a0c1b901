package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/artifacts"
	"github.com/gitnexus/capsuled/internal/services/capsule"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/registry"
	"github.com/gitnexus/capsuled/internal/services/remote"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

func pipelineRequest() *models.ExportRequest {
	return &models.ExportRequest{
		SessionID:   "session-1",
		ProjectName: "demo",
		Source:      models.ExportSource{Type: "repository", BaseName: "demo", DisplayName: "Demo"},
		Nodes: []models.GraphNode{
			{ID: "fn_main", Label: "Function", Properties: models.NodeProperties{Name: "main", FilePath: "src/main.go"}},
			{ID: "fn_helper", Label: "Function", Properties: models.NodeProperties{Name: "helper", FilePath: "src/helper.go"}},
		},
		Relationships: []models.GraphRelationship{
			{ID: "e1", SourceID: "fn_main", TargetID: "fn_helper", Type: "CALLS", Confidence: 0.9, Reason: "direct call"},
		},
		FileContents: map[string]string{
			"src/main.go": "package main\n\nfunc main() { helper() }\n",
		},
	}
}

type fixtureOptions struct {
	writer    capsule.CapsuleWriter
	configure func(cfg *common.Config)
	remote    remote.Executor
}

type pipelineFixture struct {
	cfg      *common.Config
	registry *registry.Service
	bus      *events.Bus
	events   *events.Service
	queue    *Queue
	store    *artifacts.Store
	loader   *sideindex.Loader
	worker   *Worker
	staging  *remote.Staging
}

func newPipelineFixture(t *testing.T, opts fixtureOptions) *pipelineFixture {
	t.Helper()
	logger := common.GetLogger()

	cfg := common.NewDefaultConfig()
	cfg.Export.Root = filepath.Join(t.TempDir(), "exports")
	cfg.Export.RetentionSeconds = 3600
	cfg.Backend.Remote.PollInterval = "10ms"
	cfg.Backend.Remote.StagingDir = filepath.Join(t.TempDir(), "staging")
	if opts.configure != nil {
		opts.configure(cfg)
	}

	reg := registry.NewService(logger)
	bus := events.NewBus(logger)
	eventService := events.NewService(reg, bus, logger)
	queue := NewQueue(cfg.Export.QueueCapacity, logger)

	store, err := artifacts.NewStore(cfg.Export.Root, logger)
	require.NoError(t, err)

	loader := sideindex.NewLoader(logger)

	writer := opts.writer
	if writer == nil {
		writer = capsule.NewContainerWriter()
	}

	var staging *remote.Staging
	if cfg.IsRemoteBackend() {
		staging, err = remote.NewStaging(cfg.Backend.Remote.StagingDir)
		require.NoError(t, err)
	}

	worker := NewWorker(Deps{
		Config:   cfg,
		Registry: reg,
		Events:   eventService,
		Queue:    queue,
		Store:    store,
		Writer:   writer,
		Loader:   loader,
		Remote:   opts.remote,
		Staging:  staging,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	t.Cleanup(func() {
		cancel()
		worker.Wait()
	})

	return &pipelineFixture{
		cfg:      cfg,
		registry: reg,
		bus:      bus,
		events:   eventService,
		queue:    queue,
		store:    store,
		loader:   loader,
		worker:   worker,
		staging:  staging,
	}
}

func (f *pipelineFixture) newJob(t *testing.T, req *models.ExportRequest, backend string) string {
	t.Helper()
	record := models.NewJobRecord(req, backend)
	require.NoError(t, f.registry.Create(record))
	f.events.Register(record.JobID)
	return record.JobID
}

func (f *pipelineFixture) submit(t *testing.T, req *models.ExportRequest) string {
	t.Helper()
	jobID := f.newJob(t, req, models.BackendLocal)
	require.NoError(t, f.queue.Submit(jobID))
	return jobID
}

func (f *pipelineFixture) waitStatus(t *testing.T, jobID string, status models.JobStatus) models.ExportJobResponse {
	t.Helper()
	var snap models.ExportJobResponse
	require.Eventually(t, func() bool {
		current, err := f.registry.Snapshot(jobID)
		if err != nil {
			return false
		}
		snap = current
		return current.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestWorker_HappyPathCompletesExport(t *testing.T) {
	fx := newPipelineFixture(t, fixtureOptions{})
	jobID := fx.submit(t, pipelineRequest())

	snap := fx.waitStatus(t, jobID, models.JobStatusCompleted)

	assert.Equal(t, float64(100), snap.Progress)
	assert.Equal(t, models.StageDownloadReady, snap.CurrentStage)
	assert.Equal(t, "Export completed", snap.Message)

	require.NotNil(t, snap.Artifact)
	assert.Contains(t, snap.Artifact.FileName, "demo-mem_capsule-")
	assert.Contains(t, snap.Artifact.FileName, ".mv2")
	assert.Equal(t, "/v1/exports/"+jobID+"/download", snap.Artifact.DownloadURL)
	assert.Greater(t, snap.Artifact.SizeBytes, int64(0))
	assert.True(t, snap.Artifact.ExpiresAt.After(time.Now()))

	artifactPath, err := fx.registry.JobArtifactPath(jobID)
	require.NoError(t, err)
	_, err = os.Stat(artifactPath)
	require.NoError(t, err)
	_, err = os.Stat(sideindex.SidecarPath(artifactPath))
	require.NoError(t, err)

	history, err := fx.registry.EventsSince(jobID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, history.Events)
	assert.Equal(t, models.EventJobStarted, history.Events[0].Kind)
	assert.Equal(t, int64(1), history.Events[0].Seq)

	last := history.Events[len(history.Events)-1]
	assert.Equal(t, models.EventJobCompleted, last.Kind)
	assert.Equal(t, snap.Artifact.FileName, last.Meta["fileName"])
}

func TestWorker_SkipsJobCanceledBeforePickup(t *testing.T) {
	fx := newPipelineFixture(t, fixtureOptions{})
	jobID := fx.newJob(t, pipelineRequest(), models.BackendLocal)

	require.NoError(t, fx.registry.Update(jobID, func(record *models.JobRecord) {
		record.Status = models.JobStatusCanceled
		record.Request = nil
	}))
	require.NoError(t, fx.queue.Submit(jobID))

	time.Sleep(150 * time.Millisecond)

	snap, err := fx.registry.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, snap.Status)
	assert.Nil(t, snap.Artifact)

	_, statErr := os.Stat(filepath.Join(fx.store.Root(), jobID))
	assert.True(t, os.IsNotExist(statErr))
}

// blockingWriter writes a placeholder artifact, signals the test and then
// waits for release, simulating a long capsule write.
type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (w *blockingWriter) Write(ctx context.Context, path string, docs []capsule.FrameDocument, opts capsule.WriterOptions, onProgress capsule.ProgressFunc) error {
	if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
		return err
	}
	w.once.Do(func() { close(w.started) })
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWorker_CancelMidFlightRemovesPartialArtifact(t *testing.T) {
	writer := &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
	fx := newPipelineFixture(t, fixtureOptions{writer: writer})
	jobID := fx.submit(t, pipelineRequest())

	select {
	case <-writer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never started")
	}

	require.NoError(t, fx.registry.Update(jobID, func(record *models.JobRecord) {
		record.Status = models.JobStatusCanceled
		record.Request = nil
	}))
	close(writer.release)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(fx.store.Root(), jobID))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := fx.registry.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, snap.Status)
	assert.Nil(t, snap.Artifact)
}

type failingWriter struct{}

func (failingWriter) Write(ctx context.Context, path string, docs []capsule.FrameDocument, opts capsule.WriterOptions, onProgress capsule.ProgressFunc) error {
	_ = os.WriteFile(path, []byte("partial"), 0o644)
	return errors.New("disk full")
}

func TestWorker_FailureRollsBackJobAndFiles(t *testing.T) {
	fx := newPipelineFixture(t, fixtureOptions{writer: failingWriter{}})
	jobID := fx.submit(t, pipelineRequest())

	snap := fx.waitStatus(t, jobID, models.JobStatusFailed)

	assert.Equal(t, float64(100), snap.Progress)
	assert.Equal(t, models.StageFailed, snap.CurrentStage)
	assert.Equal(t, "Export failed", snap.Message)
	require.NotNil(t, snap.Error)
	assert.Equal(t, models.ErrCodeExportFailed, snap.Error.Code)
	assert.Contains(t, snap.Error.Message, "disk full")
	assert.Nil(t, snap.Artifact)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(fx.store.Root(), jobID))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	history, err := fx.registry.EventsSince(jobID, 0, 100)
	require.NoError(t, err)
	last := history.Events[len(history.Events)-1]
	assert.Equal(t, models.EventJobFailed, last.Kind)
}

func TestQueue_FullSubmitReturnsQueueUnavailable(t *testing.T) {
	queue := NewQueue(1, common.GetLogger())

	require.NoError(t, queue.Submit("job-1"))
	err := queue.Submit("job-2")
	require.Error(t, err)

	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, models.ErrCodeQueueUnavailable, apiErr.Code)
	assert.Equal(t, 1, queue.Len())
}

// stubExecutor walks a fixed status sequence, holding the last entry.
type stubExecutor struct {
	mu        sync.Mutex
	statuses  []string
	polls     int
	output    map[string]interface{}
	failure   interface{}
	submitted remote.RunRequest
	canceled  bool
}

func (s *stubExecutor) Submit(ctx context.Context, req remote.RunRequest) (remote.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = req
	return remote.Job{ID: "r-1", Status: remote.StatusInQueue}, nil
}

func (s *stubExecutor) Status(ctx context.Context, remoteJobID string) (remote.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.polls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.polls++
	status := remote.StatusResponse{ID: remoteJobID, Status: s.statuses[idx]}
	if remote.IsTerminal(status.Status) {
		status.Output = s.output
		status.Error = s.failure
	}
	return status, nil
}

func (s *stubExecutor) Cancel(ctx context.Context, remoteJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	return nil
}

func TestWorker_RemoteBackendCompletesFromExecutorOutput(t *testing.T) {
	stub := &stubExecutor{statuses: []string{remote.StatusInQueue, remote.StatusInProgress, remote.StatusCompleted}}
	fx := newPipelineFixture(t, fixtureOptions{
		remote: stub,
		configure: func(cfg *common.Config) {
			cfg.Backend.Mode = common.BackendModeRemote
		},
	})

	jobID := fx.newJob(t, pipelineRequest(), models.BackendRemote)

	outputDir := fx.staging.OutputPrefix(jobID)
	require.NoError(t, os.MkdirAll(outputDir, 0o755))
	artifactPath := filepath.Join(outputDir, "demo.mv2")
	require.NoError(t, os.WriteFile(artifactPath, []byte("capsule-bytes"), 0o644))
	stub.output = map[string]interface{}{
		"artifactRef": "file://" + artifactPath,
		"fileName":    "demo.mv2",
	}

	require.NoError(t, fx.queue.Submit(jobID))

	snap := fx.waitStatus(t, jobID, models.JobStatusCompleted)

	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "demo.mv2", snap.Artifact.FileName)
	assert.Equal(t, int64(len("capsule-bytes")), snap.Artifact.SizeBytes)

	require.NotNil(t, snap.Backend)
	assert.Equal(t, "r-1", snap.Backend.RemoteJobID)
	assert.NotEmpty(t, snap.Backend.PayloadRef)
	assert.Equal(t, "file://"+artifactPath, snap.Backend.ArtifactRef)

	// Staged payload is cleaned up after the run.
	_, statErr := os.Stat(remote.ResolveFileRef(snap.Backend.PayloadRef))
	assert.True(t, os.IsNotExist(statErr))

	stub.mu.Lock()
	assert.Equal(t, jobID, stub.submitted.Input.JobID)
	assert.Equal(t, outputDir, stub.submitted.Input.OutputPrefix)
	stub.mu.Unlock()

	history, err := fx.registry.EventsSince(jobID, 0, 200)
	require.NoError(t, err)
	messages := make([]string, 0, len(history.Events))
	for _, event := range history.Events {
		messages = append(messages, event.Message)
	}
	assert.Contains(t, messages, "Remote queued")
	assert.Contains(t, messages, "Remote running")
}

func TestWorker_RemoteFailureRollsBack(t *testing.T) {
	stub := &stubExecutor{
		statuses: []string{remote.StatusInProgress, remote.StatusFailed},
		failure:  "out of memory",
	}
	fx := newPipelineFixture(t, fixtureOptions{
		remote: stub,
		configure: func(cfg *common.Config) {
			cfg.Backend.Mode = common.BackendModeRemote
		},
	})

	jobID := fx.newJob(t, pipelineRequest(), models.BackendRemote)
	require.NoError(t, fx.queue.Submit(jobID))

	snap := fx.waitStatus(t, jobID, models.JobStatusFailed)
	require.NotNil(t, snap.Error)
	assert.Equal(t, models.ErrCodeExportFailed, snap.Error.Code)
	assert.Contains(t, snap.Error.Message, "out of memory")
}
