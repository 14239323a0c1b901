// -----------------------------------------------------------------------
// Job Registry - Sole custodian of the in-memory job records
// -----------------------------------------------------------------------

package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
)

// Service owns the job-record map. Every mutation runs inside its
// exclusive lock; reads leave through value snapshots so callers never
// hold references into the map. Mutators must be bounded (no I/O).
type Service struct {
	mu     sync.RWMutex
	jobs   map[string]*models.JobRecord
	logger arbor.ILogger
}

// NewService creates an empty registry.
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		jobs:   make(map[string]*models.JobRecord),
		logger: logger,
	}
}

// Create inserts a freshly queued record. Fails if the id is taken.
func (s *Service) Create(record *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[record.JobID]; exists {
		return fmt.Errorf("job %s already exists", record.JobID)
	}
	s.jobs[record.JobID] = record

	s.logger.Debug().
		Str("job_id", record.JobID).
		Int("tracked_jobs", len(s.jobs)).
		Msg("Job record created")

	return nil
}

// Remove deletes a record outright. Used to roll back a submission the
// queue refused; expiry keeps records and only strips their artifacts.
func (s *Service) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Len returns the number of tracked jobs.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Snapshot returns the serializable status view of a job.
func (s *Service) Snapshot(jobID string) (models.ExportJobResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return models.ExportJobResponse{}, models.NewJobNotFound()
	}
	return record.Snapshot(time.Now().UTC()), nil
}

// Update runs the mutator on the record inside the critical section.
func (s *Service) Update(jobID string, mutate func(record *models.JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return models.NewJobNotFound()
	}
	mutate(record)
	return nil
}

// UpdateAndSnapshot runs the mutator and returns the resulting view in
// the same critical section, so the caller observes exactly what it wrote.
func (s *Service) UpdateAndSnapshot(jobID string, mutate func(record *models.JobRecord)) (models.ExportJobResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return models.ExportJobResponse{}, models.NewJobNotFound()
	}
	mutate(record)
	return record.Snapshot(time.Now().UTC()), nil
}

// Status returns just the lifecycle status of a job. The pipeline uses
// this at its cancellation checkpoints.
func (s *Service) Status(jobID string) (models.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return "", models.NewJobNotFound()
	}
	return record.Status, nil
}

// Request returns a processing copy of the stored payload. The payload is
// only present while the job is live.
func (s *Service) Request(jobID string) (*models.ExportRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return nil, models.NewJobNotFound()
	}
	if record.Request == nil {
		return nil, fmt.Errorf("job %s has no request payload", jobID)
	}
	return record.Request.Clone(), nil
}

// AppendEvent issues the next sequence number, pushes the event onto the
// job's bounded ring and folds stage/progress/message into the record,
// all inside one critical section. Returns false when the append was
// filtered: once a job is canceled or expired, only terminal kinds pass,
// which silences post-terminal stragglers from the worker.
func (s *Service) AppendEvent(jobID string, kind models.EventKind, stage models.ExportStage, progress float64, stageProgress *float64, message string, meta map[string]interface{}) (models.ExportEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return models.ExportEvent{}, false, models.NewJobNotFound()
	}

	if (record.Status == models.JobStatusCanceled || record.Status == models.JobStatusExpired) && !kind.IsTerminal() {
		return models.ExportEvent{}, false, nil
	}

	now := time.Now().UTC()
	progress = clampProgress(progress)
	if stageProgress != nil {
		clamped := clampProgress(*stageProgress)
		stageProgress = &clamped
	}

	event := models.ExportEvent{
		Seq:           record.NextSeq,
		Timestamp:     now,
		JobID:         jobID,
		Kind:          kind,
		Stage:         stage,
		Progress:      progress,
		StageProgress: stageProgress,
		Glyph:         kind.Glyph(),
		Message:       message,
		Meta:          meta,
	}

	record.Events = append(record.Events, event)
	if len(record.Events) > models.MaxJobEvents {
		record.Events = record.Events[len(record.Events)-models.MaxJobEvents:]
	}
	record.NextSeq++

	record.CurrentStage = stage
	if stageProgress != nil {
		record.StageProgress = *stageProgress
	}
	record.Progress = progress
	record.Message = message
	record.UpdatedAt = now
	record.LastEventAt = now

	return event, true, nil
}

// EventsSince returns events with seq > sinceSeq, in order, up to limit,
// together with the current status snapshot.
func (s *Service) EventsSince(jobID string, sinceSeq int64, limit int) (models.ExportEventsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return models.ExportEventsResponse{}, models.NewJobNotFound()
	}
	if record.Status == models.JobStatusExpired {
		return models.ExportEventsResponse{}, models.NewJobExpired()
	}

	events := make([]models.ExportEvent, 0, limit)
	for _, event := range record.Events {
		if event.Seq <= sinceSeq {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}

	return models.ExportEventsResponse{
		JobID:          jobID,
		Events:         events,
		NextSeq:        record.NextSeq,
		StatusSnapshot: record.Snapshot(time.Now().UTC()),
	}, nil
}

// ReplayEvents returns every buffered event with seq > sinceSeq. Stream
// subscribers drain this before switching to the live feed.
func (s *Service) ReplayEvents(jobID string, sinceSeq int64) ([]models.ExportEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return nil, models.NewJobNotFound()
	}
	if record.Status == models.JobStatusExpired {
		return nil, models.NewJobExpired()
	}

	events := make([]models.ExportEvent, 0, len(record.Events))
	for _, event := range record.Events {
		if event.Seq > sinceSeq {
			events = append(events, event)
		}
	}
	return events, nil
}

// ListTerminal returns ids of terminal jobs matching the predicate. The
// predicate runs under the read lock and must not block.
func (s *Service) ListTerminal(match func(record *models.JobRecord) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, record := range s.jobs {
		if record.IsTerminal() && match(record) {
			ids = append(ids, id)
		}
	}
	return ids
}

// JobArtifactPath resolves the on-disk artifact path recorded for a job.
func (s *Service) JobArtifactPath(jobID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return "", models.NewNotFound(fmt.Sprintf("Unknown jobId: %s", jobID))
	}
	if record.ArtifactPath == "" {
		return "", models.NewNotFound(fmt.Sprintf("Job %s has no available artifact path", jobID))
	}
	return record.ArtifactPath, nil
}

// LatestCompletedArtifact returns the artifact path of the most recently
// updated completed job.
func (s *Service) LatestCompletedArtifact() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.JobRecord
	for _, record := range s.jobs {
		if record.Status != models.JobStatusCompleted {
			continue
		}
		if latest == nil || record.UpdatedAt.After(latest.UpdatedAt) {
			latest = record
		}
	}

	if latest == nil {
		return "", models.NewNotFound("No completed exports found. Provide locator.jobId or locator.capsulePath")
	}
	if latest.ArtifactPath == "" {
		return "", models.NewNotFound("Latest completed export is missing artifact path")
	}
	return latest.ArtifactPath, nil
}

func clampProgress(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
