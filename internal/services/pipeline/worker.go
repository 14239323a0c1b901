// -----------------------------------------------------------------------
// Pipeline Worker - Drains the queue and runs the export stages
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/artifacts"
	"github.com/gitnexus/capsuled/internal/services/capsule"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/registry"
	"github.com/gitnexus/capsuled/internal/services/remote"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

// heartbeatInterval paces stage-heartbeat events during the long stages.
const heartbeatInterval = 2 * time.Second

// sidecarCheckpoints cycle on the build-sidecar heartbeat while the
// derivation runs.
var sidecarCheckpoints = []string{
	"Indexing graph records",
	"Writing sidecar tables",
	"Verifying sidecar",
}

// Deps collects everything the worker needs. Remote and Staging are only
// required when the backend mode is remote.
type Deps struct {
	Config   *common.Config
	Registry *registry.Service
	Events   *events.Service
	Queue    *Queue
	Store    *artifacts.Store
	Writer   capsule.CapsuleWriter
	Loader   *sideindex.Loader
	Remote   remote.Executor
	Staging  *remote.Staging
	Identity *capsule.EmbeddingIdentity
	Logger   arbor.ILogger
}

// Worker is the single goroutine that turns queued export jobs into
// capsule artifacts. Escaped errors become job-failed transitions; the
// worker itself never crashes.
type Worker struct {
	config   *common.Config
	registry *registry.Service
	events   *events.Service
	queue    *Queue
	store    *artifacts.Store
	writer   capsule.CapsuleWriter
	loader   *sideindex.Loader
	remote   remote.Executor
	staging  *remote.Staging
	identity *capsule.EmbeddingIdentity
	logger   arbor.ILogger
	wg       sync.WaitGroup
}

// NewWorker wires the pipeline worker.
func NewWorker(deps Deps) *Worker {
	return &Worker{
		config:   deps.Config,
		registry: deps.Registry,
		events:   deps.Events,
		queue:    deps.Queue,
		store:    deps.Store,
		writer:   deps.Writer,
		loader:   deps.Loader,
		remote:   deps.Remote,
		staging:  deps.Staging,
		identity: deps.Identity,
		logger:   deps.Logger,
	}
}

// Start launches the worker loop. It ends when the context is canceled
// or the queue channel is closed.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case jobID, ok := <-w.queue.Receive():
				if !ok {
					return
				}
				w.logger.Info().Str("job_id", jobID).Msg("Worker picked export job")
				w.run(ctx, jobID)
			}
		}
	}()
}

// Wait blocks until the worker loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

type jobState struct {
	artifactPath string
}

func (w *Worker) run(ctx context.Context, jobID string) {
	state := &jobState{}
	defer func() {
		if r := recover(); r != nil {
			w.fail(jobID, fmt.Errorf("export worker panic: %v", r), state)
		}
	}()

	if err := w.process(ctx, jobID, state); err != nil {
		w.fail(jobID, err, state)
	}
}

func (w *Worker) process(ctx context.Context, jobID string, state *jobState) error {
	status, err := w.registry.Status(jobID)
	if err != nil {
		w.logger.Warn().Str("job_id", jobID).Msg("Queued job vanished before processing")
		return nil
	}
	if status == models.JobStatusCanceled {
		w.logger.Info().Str("job_id", jobID).Msg("Skipping canceled job")
		return nil
	}

	if err := w.registry.Update(jobID, func(record *models.JobRecord) {
		record.Status = models.JobStatusRunning
		record.Error = nil
	}); err != nil {
		return err
	}

	req, err := w.registry.Request(jobID)
	if err != nil {
		return err
	}

	_, recorded, err := w.events.Emit(jobID, models.EventJobStarted, models.StageTransform, 5, nil,
		"Transforming graph data", map[string]interface{}{
			"nodes":         len(req.Nodes),
			"relationships": len(req.Relationships),
			"files":         len(req.FileContents),
		})
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}

	w.logger.Info().
		Str("job_id", jobID).
		Str("session_id", req.SessionID).
		Str("project", req.ProjectName).
		Int("nodes", len(req.Nodes)).
		Int("relationships", len(req.Relationships)).
		Int("files", len(req.FileContents)).
		Msg("Export job started")

	if !w.progress(jobID, models.StageFramePrep, 20, "Preparing frame documents") {
		return nil
	}

	docs := capsule.BuildFrameDocuments(req)

	w.logger.Info().Str("job_id", jobID).Int("frames", len(docs)).Msg("Frame documents prepared")

	if !w.progress(jobID, models.StageFramePrep, 45, fmt.Sprintf("Prepared %d frames", len(docs))) {
		return nil
	}

	if w.config.IsRemoteBackend() {
		return w.processRemote(ctx, jobID, req, state)
	}
	return w.processLocal(ctx, jobID, req, docs, state)
}

func (w *Worker) processLocal(ctx context.Context, jobID string, req *models.ExportRequest, docs []capsule.FrameDocument, state *jobState) error {
	fileName := artifacts.FileName(req.Source.BaseName, time.Now().UTC())
	outputPath, err := w.store.JobPath(jobID, fileName)
	if err != nil {
		return err
	}
	state.artifactPath = outputPath

	if !w.progress(jobID, models.StageWriteCapsule, 60, fmt.Sprintf("Writing %d frames to capsule", len(docs))) {
		w.cleanupCanceled(jobID, state)
		return nil
	}

	if err := w.writeCapsule(ctx, jobID, outputPath, docs, req.Options.SemanticEnabled); err != nil {
		if w.isCanceled(jobID) {
			w.cleanupCanceled(jobID, state)
			return nil
		}
		return err
	}

	w.logger.Info().Str("job_id", jobID).Str("output_path", outputPath).Msg("Capsule artifact write finished")

	if w.isCanceled(jobID) {
		w.cleanupCanceled(jobID, state)
		return nil
	}

	w.buildSidecar(jobID, req, docs, outputPath)

	if w.isCanceled(jobID) {
		w.cleanupCanceled(jobID, state)
		return nil
	}

	if !w.progress(jobID, models.StageFinalize, 90, "Finalizing artifact metadata") {
		w.cleanupCanceled(jobID, state)
		return nil
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", outputPath, err)
	}

	if !w.progress(jobID, models.StageFinalize, 96, "Preparing download artifact") {
		w.cleanupCanceled(jobID, state)
		return nil
	}

	return w.complete(jobID, fileName, outputPath, info.Size())
}

// writeCapsule runs the writer under a cancelable context: the progress
// callback maintains a shared counter for the heartbeat goroutine and
// aborts the write as soon as the registry reports the job canceled.
func (w *Worker) writeCapsule(ctx context.Context, jobID, outputPath string, docs []capsule.FrameDocument, semanticRequested bool) error {
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()

	var written, total atomic.Int64
	total.Store(int64(len(docs)))

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cur := written.Load()
				if cur == last {
					continue
				}
				last = cur
				tot := total.Load()
				if tot < 1 {
					tot = 1
				}
				progress := 60 + float64(cur)/float64(tot)*19
				_, _, _ = w.events.Heartbeat(jobID, models.StageWriteCapsule, progress,
					fmt.Sprintf("Wrote %d/%d frames", cur, tot))
			}
		}
	}()
	defer close(done)

	onProgress := func(wr, tot int) {
		written.Store(int64(wr))
		total.Store(int64(tot))
		if w.isCanceled(jobID) {
			cancelWrite()
		}
	}

	// Semantic tagging needs a configured embedding identity; without one
	// the capsule is written plain and queries use the lexical fallback.
	opts := capsule.WriterOptions{
		SemanticEnabled: semanticRequested && w.identity != nil,
		Identity:        w.identity,
	}
	return w.writer.Write(writeCtx, outputPath, docs, opts, onProgress)
}

// buildSidecar derives and persists the query index next to the capsule.
// Failures are logged and surfaced as a heartbeat only; the export itself
// never fails on the sidecar.
func (w *Worker) buildSidecar(jobID string, req *models.ExportRequest, docs []capsule.FrameDocument, outputPath string) {
	w.progress(jobID, models.StageBuildSidecar, 79, sidecarCheckpoints[0])

	type sidecarResult struct {
		index *sideindex.CapsuleIndex
		err   error
	}
	resultCh := make(chan sidecarResult, 1)
	go func() {
		index := sideindex.BuildFromRequest(req, docs, outputPath)
		resultCh <- sidecarResult{index: index, err: sideindex.Persist(index)}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var result sidecarResult
	checkpoint := 1
	for waiting := true; waiting; {
		select {
		case result = <-resultCh:
			waiting = false
		case <-ticker.C:
			message := sidecarCheckpoints[checkpoint%len(sidecarCheckpoints)]
			progress := 79 + float64(checkpoint%len(sidecarCheckpoints))*4
			_, _, _ = w.events.Heartbeat(jobID, models.StageBuildSidecar, progress, message)
			checkpoint++
		}
	}

	if result.err != nil {
		w.logger.Warn().
			Str("job_id", jobID).
			Str("error", result.err.Error()).
			Msg("Failed to build sidecar index")
		_, _, _ = w.events.Heartbeat(jobID, models.StageBuildSidecar, 90,
			"Sidecar skipped (non-blocking): "+result.err.Error())
		return
	}

	w.logger.Info().
		Str("job_id", jobID).
		Str("sidecar", sideindex.SidecarPath(outputPath)).
		Int("nodes", len(result.index.Nodes)).
		Int("edges", len(result.index.Edges)).
		Msg("Sidecar index built")

	if w.loader != nil {
		w.loader.Put(result.index)
	}
}

func (w *Worker) processRemote(ctx context.Context, jobID string, req *models.ExportRequest, state *jobState) error {
	if w.remote == nil || w.staging == nil {
		return fmt.Errorf("remote backend selected but no executor is configured")
	}

	payloadRef, err := w.staging.StagePayload(jobID, req)
	if err != nil {
		return err
	}
	outputPrefix := w.staging.OutputPrefix(jobID)
	if err := os.MkdirAll(outputPrefix, 0o755); err != nil {
		return fmt.Errorf("failed to create remote output directory %s: %w", outputPrefix, err)
	}

	remoteCfg := w.config.Backend.Remote
	job, err := w.remote.Submit(ctx, remote.RunRequest{
		Input: remote.RunInput{
			JobID:        jobID,
			PayloadRef:   payloadRef,
			OutputPrefix: outputPrefix,
		},
		Policy: remote.RunPolicy{
			ExecutionTimeout: remoteCfg.ExecutionTimeoutSeconds,
			TTL:              remoteCfg.TTLSeconds,
		},
	})
	if err != nil {
		return err
	}

	if err := w.registry.Update(jobID, func(record *models.JobRecord) {
		if record.Backend == nil {
			record.Backend = &models.BackendMetadata{Backend: models.BackendRemote}
		}
		record.Backend.RemoteJobID = job.ID
		record.Backend.PayloadRef = payloadRef
	}); err != nil {
		return err
	}

	w.logger.Info().
		Str("job_id", jobID).
		Str("remote_job_id", job.ID).
		Str("status", job.Status).
		Msg("Export job submitted to remote executor")

	lastStatus := job.Status
	_, _, _ = w.events.Heartbeat(jobID, models.StageWriteCapsule, remoteProgress(job.Status), remote.StatusMessage(job.Status))

	deadline := time.Now().Add(time.Duration(remoteCfg.ExecutionTimeoutSeconds+remoteCfg.TTLSeconds) * time.Second)
	ticker := time.NewTicker(w.config.RemotePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.remote.Cancel(context.Background(), job.ID)
			return fmt.Errorf("remote polling interrupted: %w", ctx.Err())
		case <-ticker.C:
		}

		if w.isCanceled(jobID) {
			_ = w.remote.Cancel(ctx, job.ID)
			w.staging.RemovePayload(jobID)
			w.cleanupCanceled(jobID, state)
			return nil
		}
		if time.Now().After(deadline) {
			_ = w.remote.Cancel(ctx, job.ID)
			return fmt.Errorf("remote execution exceeded %ds budget", remoteCfg.ExecutionTimeoutSeconds+remoteCfg.TTLSeconds)
		}

		status, err := w.remote.Status(ctx, job.ID)
		if err != nil {
			w.logger.Warn().
				Str("job_id", jobID).
				Str("remote_job_id", job.ID).
				Str("error", err.Error()).
				Msg("Remote status poll failed, retrying")
			continue
		}

		if status.Status != lastStatus {
			lastStatus = status.Status
			_, _, _ = w.events.Heartbeat(jobID, models.StageWriteCapsule, remoteProgress(status.Status), remote.StatusMessage(status.Status))
		}

		if !remote.IsTerminal(status.Status) {
			continue
		}

		switch status.Status {
		case remote.StatusCompleted:
			err := w.finalizeRemote(jobID, status, state)
			w.staging.RemovePayload(jobID)
			return err
		case remote.StatusCancelled:
			w.staging.RemovePayload(jobID)
			if w.isCanceled(jobID) {
				w.cleanupCanceled(jobID, state)
				return nil
			}
			return fmt.Errorf("remote run was cancelled")
		default:
			w.staging.RemovePayload(jobID)
			return fmt.Errorf("remote run %s: %v", strings.ToLower(status.Status), status.Error)
		}
	}
}

func (w *Worker) finalizeRemote(jobID string, status remote.StatusResponse, state *jobState) error {
	artifactRef := outputString(status.Output, "artifactRef")
	if artifactRef == "" {
		artifactRef = outputString(status.Output, "artifactPath")
	}
	if artifactRef == "" {
		return fmt.Errorf("remote run completed without an artifact reference")
	}

	path := remote.ResolveFileRef(artifactRef)
	state.artifactPath = path

	fileName := outputString(status.Output, "fileName")
	if fileName == "" {
		fileName = filepath.Base(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat remote artifact %s: %w", path, err)
	}

	if err := w.registry.Update(jobID, func(record *models.JobRecord) {
		if record.Backend == nil {
			record.Backend = &models.BackendMetadata{Backend: models.BackendRemote}
		}
		record.Backend.ArtifactRef = artifactRef
		record.Backend.WorkerMetrics = status.Output
	}); err != nil {
		return err
	}

	if !w.progress(jobID, models.StageFinalize, 90, "Finalizing artifact metadata") {
		w.cleanupCanceled(jobID, state)
		return nil
	}

	return w.complete(jobID, fileName, path, info.Size())
}

// complete performs the atomic completed transition and emits the
// terminal event.
func (w *Worker) complete(jobID, fileName, outputPath string, sizeBytes int64) error {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(w.config.Export.RetentionSeconds) * time.Second)

	if err := w.registry.Update(jobID, func(record *models.JobRecord) {
		record.Status = models.JobStatusCompleted
		record.Artifact = &models.ExportArtifact{
			FileName:    fileName,
			DownloadURL: fmt.Sprintf("/v1/exports/%s/download", jobID),
			ExpiresAt:   expiresAt,
			SizeBytes:   sizeBytes,
		}
		record.ArtifactPath = outputPath
		record.Request = nil
		record.Error = nil
	}); err != nil {
		return err
	}

	full := 100.0
	_, _, err := w.events.Emit(jobID, models.EventJobCompleted, models.StageDownloadReady, 100, &full,
		"Export completed", map[string]interface{}{
			"fileName":  fileName,
			"sizeBytes": sizeBytes,
		})
	if err != nil {
		return err
	}

	w.logger.Info().
		Str("job_id", jobID).
		Str("artifact", fileName).
		Int64("size_bytes", sizeBytes).
		Msg("Export job completed")

	return nil
}

// fail rolls the job into the failed terminal state. Jobs already
// canceled or expired keep their state; the event append filter drops
// the straggler.
func (w *Worker) fail(jobID string, cause error, state *jobState) {
	w.logger.Error().
		Str("job_id", jobID).
		Str("error", cause.Error()).
		Msg("Export job failed")

	_ = w.registry.Update(jobID, func(record *models.JobRecord) {
		if record.Status == models.JobStatusCanceled || record.Status == models.JobStatusExpired {
			return
		}
		record.Status = models.JobStatusFailed
		record.Error = &models.ExportError{Code: models.ErrCodeExportFailed, Message: cause.Error()}
		record.Request = nil
		record.Artifact = nil
		record.ArtifactPath = ""
	})

	full := 100.0
	_, _, _ = w.events.Emit(jobID, models.EventJobFailed, models.StageFailed, 100, &full,
		"Export failed", map[string]interface{}{"error": cause.Error()})

	if state.artifactPath != "" {
		w.store.DeleteJobFiles(jobID, state.artifactPath)
	}
}

// progress emits a stage-progress event; false means the registry
// filtered it because the job turned terminal, which is the worker's
// cancellation signal between stages.
func (w *Worker) progress(jobID string, stage models.ExportStage, value float64, message string) bool {
	_, recorded, err := w.events.Progress(jobID, stage, value, nil, message, nil)
	if err != nil {
		w.logger.Warn().
			Str("job_id", jobID).
			Str("error", err.Error()).
			Msg("Failed recording progress event")
		return false
	}
	return recorded
}

func (w *Worker) isCanceled(jobID string) bool {
	status, err := w.registry.Status(jobID)
	return err == nil && status == models.JobStatusCanceled
}

func (w *Worker) cleanupCanceled(jobID string, state *jobState) {
	w.logger.Info().Str("job_id", jobID).Msg("Export canceled, removing partial artifact")
	if state.artifactPath != "" {
		w.store.DeleteJobFiles(jobID, state.artifactPath)
	}
}

func remoteProgress(status string) float64 {
	switch status {
	case remote.StatusInQueue:
		return 62
	case remote.StatusInProgress:
		return 70
	default:
		return 88
	}
}

func outputString(output map[string]interface{}, key string) string {
	if output == nil {
		return ""
	}
	if value, ok := output[key].(string); ok {
		return value
	}
	return ""
}
