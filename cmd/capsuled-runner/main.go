// -----------------------------------------------------------------------
// Capsuled Runner - Remote-execution entrypoint: staged payload in,
// capsule artifact plus sidecar out, one result JSON line on stdout
// -----------------------------------------------------------------------

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/artifacts"
	"github.com/gitnexus/capsuled/internal/services/capsule"
	"github.com/gitnexus/capsuled/internal/services/remote"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

var (
	jobID        = flag.String("job-id", "", "Export job id (required)")
	payloadRef   = flag.String("payload-ref", "", "Staged payload path or file:// reference (required)")
	outputPrefix = flag.String("output-prefix", "", "Directory the artifact is written under (required)")

	embeddingProvider = flag.String("embedding-provider", "", "Embedding provider tag for semantic capsules")
	embeddingModel    = flag.String("embedding-model", "", "Embedding model tag for semantic capsules")
	embeddingDim      = flag.Int("embedding-dimension", 0, "Embedding dimension tag for semantic capsules")
)

// sidecarStatus is the nested sidecar section of the result line.
type sidecarStatus struct {
	Status      string `json:"status"`
	SidecarPath string `json:"sidecarPath,omitempty"`
	Nodes       int    `json:"nodes,omitempty"`
	Edges       int    `json:"edges,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// runResult is the single JSON line the remote executor parses.
type runResult struct {
	Backend      string        `json:"backend"`
	JobID        string        `json:"jobId"`
	FileName     string        `json:"fileName"`
	ArtifactPath string        `json:"artifactPath"`
	ArtifactRef  string        `json:"artifactRef"`
	SizeBytes    int64         `json:"sizeBytes"`
	Sidecar      sidecarStatus `json:"sidecar"`
}

func main() {
	flag.Parse()

	// Diagnostics go to stderr; stdout carries only the result line.
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("Runner failed")
		fmt.Fprintf(os.Stderr, "capsuled-runner: %v\n", err)
		os.Exit(1)
	}
}

func run(logger arbor.ILogger) error {
	if *jobID == "" {
		return fmt.Errorf("--job-id is required")
	}
	if *payloadRef == "" {
		return fmt.Errorf("--payload-ref is required")
	}
	if *outputPrefix == "" {
		return fmt.Errorf("--output-prefix is required")
	}

	outputDir, err := resolveOutputPrefix(*outputPrefix)
	if err != nil {
		return err
	}

	payload, err := os.ReadFile(remote.ResolveFileRef(*payloadRef))
	if err != nil {
		return fmt.Errorf("failed reading staged payload: %w", err)
	}

	var req models.ExportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to decode staged payload JSON: %w", err)
	}

	docs := capsule.BuildFrameDocuments(&req)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	fileName := artifacts.FileName(req.Source.BaseName, time.Now().UTC())
	outputPath := filepath.Join(outputDir, fileName)

	writer := capsule.NewContainerWriter()
	identity := embeddingIdentity()
	opts := capsule.WriterOptions{
		SemanticEnabled: req.Options.SemanticEnabled && identity != nil,
		Identity:        identity,
	}
	if err := writer.Write(context.Background(), outputPath, docs, opts, nil); err != nil {
		return fmt.Errorf("capsule write failed: %w", err)
	}

	// The sidecar never fails the run; a broken index degrades queries,
	// not the export.
	sidecar := sidecarStatus{Status: "ready"}
	index := sideindex.BuildFromRequest(&req, docs, outputPath)
	if err := sideindex.Persist(index); err != nil {
		logger.Warn().Err(err).Str("job_id", *jobID).Msg("Sidecar build skipped")
		sidecar = sidecarStatus{Status: "skipped", Reason: err.Error()}
	} else {
		sidecar.SidecarPath = index.SidecarPath
		sidecar.Nodes = len(index.Nodes)
		sidecar.Edges = len(index.Edges)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", outputPath, err)
	}

	result := runResult{
		Backend:      "capsuled-runner",
		JobID:        *jobID,
		FileName:     fileName,
		ArtifactPath: outputPath,
		ArtifactRef:  "file://" + outputPath,
		SizeBytes:    info.Size(),
		Sidecar:      sidecar,
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}

// embeddingIdentity builds the identity tag set from flags; all three
// flags must be present for semantic tagging to engage.
func embeddingIdentity() *capsule.EmbeddingIdentity {
	if *embeddingProvider == "" || *embeddingModel == "" || *embeddingDim <= 0 {
		return nil
	}
	return &capsule.EmbeddingIdentity{
		Provider:  *embeddingProvider,
		Model:     *embeddingModel,
		Dimension: *embeddingDim,
	}
}

// resolveOutputPrefix rejects URL prefixes and the filesystem root.
func resolveOutputPrefix(prefix string) (string, error) {
	if strings.HasPrefix(prefix, "http://") || strings.HasPrefix(prefix, "https://") {
		return "", fmt.Errorf("HTTP output prefixes are not supported")
	}
	path := remote.ResolveFileRef(prefix)
	if filepath.Clean(path) == "/" {
		return "", fmt.Errorf("refusing to write output to filesystem root")
	}
	return path, nil
}
