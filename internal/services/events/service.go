// -----------------------------------------------------------------------
// Event Service - Records events in the registry, then fans them out
// -----------------------------------------------------------------------

package events

import (
	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/registry"
)

// Service is the single entry point for emitting export events. Every
// event is first appended to the registry (sequence issuance and record
// fold happen inside the registry's critical section), then published to
// the live bus outside any lock.
type Service struct {
	registry *registry.Service
	bus      *Bus
	logger   arbor.ILogger
}

// NewService wires the event service over the registry and bus.
func NewService(reg *registry.Service, bus *Bus, logger arbor.ILogger) *Service {
	return &Service{
		registry: reg,
		bus:      bus,
		logger:   logger,
	}
}

// Bus exposes the underlying fan-out bus for stream handlers.
func (s *Service) Bus() *Bus {
	return s.bus
}

// Register creates the job's fan-out stream. Called at submission time,
// before the first event is emitted.
func (s *Service) Register(jobID string) {
	s.bus.Register(jobID)
}

// Unregister removes the job's stream, closing any open subscriptions.
func (s *Service) Unregister(jobID string) {
	s.bus.Remove(jobID)
}

// Emit appends the event to the job's log and publishes it to live
// subscribers. Returns the stored event and whether it was recorded;
// events filtered by the registry's post-terminal rule are not published.
func (s *Service) Emit(jobID string, kind models.EventKind, stage models.ExportStage, progress float64, stageProgress *float64, message string, meta map[string]interface{}) (models.ExportEvent, bool, error) {
	event, recorded, err := s.registry.AppendEvent(jobID, kind, stage, progress, stageProgress, message, meta)
	if err != nil {
		return models.ExportEvent{}, false, err
	}
	if !recorded {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("kind", string(kind)).
			Msg("Event filtered after terminal transition")
		return event, false, nil
	}

	s.bus.Publish(event)
	return event, true, nil
}

// Progress emits a stage-progress event.
func (s *Service) Progress(jobID string, stage models.ExportStage, progress float64, stageProgress *float64, message string, meta map[string]interface{}) (models.ExportEvent, bool, error) {
	return s.Emit(jobID, models.EventStageProgress, stage, progress, stageProgress, message, meta)
}

// Heartbeat emits a stage-heartbeat event at the job's current progress.
func (s *Service) Heartbeat(jobID string, stage models.ExportStage, progress float64, message string) (models.ExportEvent, bool, error) {
	return s.Emit(jobID, models.EventStageHeartbeat, stage, progress, nil, message, nil)
}
