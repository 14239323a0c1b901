// -----------------------------------------------------------------------
// Retention Collector - Expires completed artifacts past their TTL
// -----------------------------------------------------------------------

package pipeline

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/artifacts"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/registry"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

// retentionSchedule is the sweep cadence.
const retentionSchedule = "@every 60s"

// Retention expires completed jobs whose artifact passed its TTL: the
// record flips to expired, its event ring is cleared, and the on-disk
// files plus the live stream are removed.
type Retention struct {
	registry *registry.Service
	bus      *events.Bus
	loader   *sideindex.Loader
	store    *artifacts.Store
	cron     *cron.Cron
	logger   arbor.ILogger
}

// NewRetention wires the collector. Start schedules the sweep; Sweep can
// also be invoked directly.
func NewRetention(reg *registry.Service, bus *events.Bus, loader *sideindex.Loader, store *artifacts.Store, logger arbor.ILogger) *Retention {
	return &Retention{
		registry: reg,
		bus:      bus,
		loader:   loader,
		store:    store,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules the periodic sweep.
func (r *Retention) Start() error {
	if _, err := r.cron.AddFunc(retentionSchedule, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule; a running sweep finishes first.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep expires every completed job whose artifact TTL has passed.
// Registry mutation happens under the write lock; file deletion and
// stream teardown run after the lock releases.
func (r *Retention) Sweep() {
	now := time.Now().UTC()

	candidates := r.registry.ListTerminal(func(record *models.JobRecord) bool {
		return record.Status == models.JobStatusCompleted &&
			record.Artifact != nil &&
			!record.Artifact.ExpiresAt.After(now)
	})

	for _, jobID := range candidates {
		var artifactPath string
		err := r.registry.Update(jobID, func(record *models.JobRecord) {
			if record.Status != models.JobStatusCompleted || record.Artifact == nil || record.Artifact.ExpiresAt.After(now) {
				return
			}
			artifactPath = record.ArtifactPath
			record.Status = models.JobStatusExpired
			record.CurrentStage = models.StageExpired
			record.Progress = 100
			record.StageProgress = 100
			record.Message = "Artifact expired and removed"
			record.Artifact = nil
			record.ArtifactPath = ""
			record.Events = record.Events[:0]
			record.NextSeq = 1
			record.UpdatedAt = now
			record.LastEventAt = now
		})
		if err != nil {
			continue
		}
		if artifactPath == "" {
			// Another sweep or a cancel got here first.
			continue
		}

		r.logger.Info().
			Str("job_id", jobID).
			Str("artifact_path", artifactPath).
			Msg("Expiring export artifact")

		r.store.DeleteJobFiles(jobID, artifactPath)
		r.bus.Remove(jobID)
		if r.loader != nil {
			r.loader.Evict(artifactPath)
		}
	}
}
