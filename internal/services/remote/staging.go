// -----------------------------------------------------------------------
// Remote Staging - Payload and output layout shared with the runner
// -----------------------------------------------------------------------

package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitnexus/capsuled/internal/models"
)

// Staging owns the local directory the remote runner and the API share:
// request payloads under <root>/payloads, run outputs under
// <root>/outputs/<jobID>.
type Staging struct {
	root string
}

// NewStaging ensures the staging root exists.
func NewStaging(root string) (*Staging, error) {
	if root == "" {
		return nil, fmt.Errorf("staging root is not configured")
	}
	for _, dir := range []string{root, filepath.Join(root, "payloads"), filepath.Join(root, "outputs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory %s: %w", dir, err)
		}
	}
	return &Staging{root: root}, nil
}

// Root returns the staging root.
func (s *Staging) Root() string {
	return s.root
}

// StagePayload writes the request JSON to <root>/payloads/<jobID>.json
// and returns its file:// reference.
func (s *Staging) StagePayload(jobID string, req *models.ExportRequest) (string, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed encoding payload for job %s: %w", jobID, err)
	}

	path := filepath.Join(s.root, "payloads", jobID+".json")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("failed staging payload %s: %w", path, err)
	}
	return "file://" + path, nil
}

// OutputPrefix returns the directory the remote run writes its artifact
// under for one job.
func (s *Staging) OutputPrefix(jobID string) string {
	return filepath.Join(s.root, "outputs", jobID)
}

// RemovePayload deletes a staged payload. Missing files are fine.
func (s *Staging) RemovePayload(jobID string) {
	_ = os.Remove(filepath.Join(s.root, "payloads", jobID+".json"))
}

// ResolveFileRef turns a file:// reference into a plain path. Plain paths
// pass through unchanged.
func ResolveFileRef(ref string) string {
	return strings.TrimPrefix(ref, "file://")
}
