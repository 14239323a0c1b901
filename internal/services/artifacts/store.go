// -----------------------------------------------------------------------
// Artifact Store - Export root resolution and on-disk artifact layout
// -----------------------------------------------------------------------

package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// Store places capsule artifacts under <root>/<jobID>/<fileName> and
// removes them when jobs are canceled, failed or expired.
type Store struct {
	root   string
	logger arbor.ILogger
}

// NewStore resolves the export root and ensures it exists. When the
// configured root is not writable it falls back through /tmp/exports,
// /dev/shm/exports and ./exports, first writable wins.
func NewStore(configuredRoot string, logger arbor.ILogger) (*Store, error) {
	candidates := []string{configuredRoot, "/tmp/exports", "/dev/shm/exports", "./exports"}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if err := ensureWritable(candidate); err != nil {
			logger.Warn().
				Str("root", candidate).
				Str("error", err.Error()).
				Msg("Export root not writable, trying next candidate")
			continue
		}
		if candidate != configuredRoot {
			logger.Warn().
				Str("configured", configuredRoot).
				Str("root", candidate).
				Msg("Using fallback export root")
		}
		return &Store{root: candidate, logger: logger}, nil
	}

	return nil, fmt.Errorf("no writable export root among %v", candidates)
}

// Root returns the resolved export root.
func (s *Store) Root() string {
	return s.root
}

// FileName builds the artifact name for one export:
// <base>-mem_capsule-<YYYY-MM-DD>.mv2.
func FileName(sourceBaseName string, at time.Time) string {
	base := sourceBaseName
	if base == "" {
		base = "export"
	}
	return fmt.Sprintf("%s-mem_capsule-%s.mv2", base, at.UTC().Format("2006-01-02"))
}

// JobPath returns the artifact path for a job, creating the job
// directory.
func (s *Store) JobPath(jobID, fileName string) (string, error) {
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory %s: %w", dir, err)
	}
	return filepath.Join(dir, fileName), nil
}

// DeleteIfExists removes a file, treating a missing file as success.
func (s *Store) DeleteIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// DeleteJobFiles removes the artifact, its sidecar and the job
// directory. Missing files are ignored; each failure is logged, not
// returned, so retention and rollback never stall on one bad file.
func (s *Store) DeleteJobFiles(jobID, artifactPath string) {
	paths := []string{artifactPath}
	if artifactPath != "" {
		paths = append(paths, artifactPath+".index.v1.sqlite")
	}
	for _, path := range paths {
		if err := s.DeleteIfExists(path); err != nil {
			s.logger.Warn().
				Str("job_id", jobID).
				Str("path", path).
				Str("error", err.Error()).
				Msg("Failed removing artifact file")
		}
	}
	if jobID != "" {
		// Removes the per-job directory once its files are gone.
		_ = os.Remove(filepath.Join(s.root, jobID))
	}
}

func ensureWritable(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(root, ".write-probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
