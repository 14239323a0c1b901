// -----------------------------------------------------------------------
// Query Tools - Capsule resolution, caching and tool dispatch
// -----------------------------------------------------------------------

package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/querycache"
	"github.com/gitnexus/capsuled/internal/services/registry"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

// Pagination describes the window a tool returned.
type Pagination struct {
	NextCursor *string `json:"nextCursor"`
	Truncated  bool    `json:"truncated"`
	Returned   int     `json:"returned"`
}

// Output is one finished tool invocation, ready for envelope assembly.
type Output struct {
	TraceID    string
	Result     map[string]interface{}
	Pagination Pagination
	Confidence map[string]interface{}
}

// Service resolves capsules, serves cached responses and dispatches the
// sixteen query tools against the side-index.
type Service struct {
	registry      *registry.Service
	loader        *sideindex.Loader
	cache         *querycache.Cache
	exportRoot    string
	allowExternal bool
	logger        arbor.ILogger
}

// NewService wires the tool layer. The loader's rebuild hook purges the
// cache so replays never serve results computed from a stale index.
func NewService(reg *registry.Service, loader *sideindex.Loader, cache *querycache.Cache, exportRoot string, allowExternal bool, logger arbor.ILogger) *Service {
	svc := &Service{
		registry:      reg,
		loader:        loader,
		cache:         cache,
		exportRoot:    exportRoot,
		allowExternal: allowExternal,
		logger:        logger,
	}
	loader.OnRebuild = func(string) { cache.Purge() }
	return svc
}

type toolFunc func(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error)

func (s *Service) dispatch(tool string) (toolFunc, bool) {
	switch tool {
	case "symbol_lookup":
		return toolSymbolLookup, true
	case "node_get":
		return toolNodeGet, true
	case "neighbors_get":
		return toolNeighborsGet, true
	case "edge_get":
		return toolEdgeGet, true
	case "text_search":
		return toolTextSearch, true
	case "call_trace":
		return toolCallTrace, true
	case "callers_of":
		return toolCallersOf, true
	case "callees_of":
		return toolCalleesOf, true
	case "process_list":
		return toolProcessList, true
	case "process_get":
		return toolProcessGet, true
	case "impact_analysis":
		return toolImpactAnalysis, true
	case "file_outline":
		return toolFileOutline, true
	case "file_snippet":
		return toolFileSnippet, true
	case "community_list":
		return toolCommunityList, true
	case "manifest_get":
		return toolManifestGet, true
	case "query_explain":
		return toolQueryExplain, true
	}
	return nil, false
}

// Execute resolves the capsule named by args.locator, loads its index and
// runs one tool. Identical (capsule, tool, arguments) triples replay from
// the LRU cache under a fresh trace id.
func (s *Service) Execute(tool string, args map[string]interface{}) (*Output, error) {
	run, ok := s.dispatch(tool)
	if !ok {
		return nil, models.NewInvalidArgument(fmt.Sprintf("Unsupported tool: %s", tool))
	}

	capsulePath, err := s.resolveCapsulePath(args)
	if err != nil {
		return nil, err
	}

	index, err := s.loader.Get(capsulePath)
	if err != nil {
		return nil, err
	}

	traceID := uuid.NewString()

	cacheKey, keyErr := querycache.Key(capsulePath, tool, args)
	if keyErr == nil {
		if entry, hit := s.cache.Get(cacheKey); hit {
			return outputFromCache(traceID, entry), nil
		}
	}

	result, paged, confidence, err := run(index, args)
	if err != nil {
		return nil, err
	}

	output := &Output{
		TraceID:    traceID,
		Result:     result,
		Pagination: paged.info(),
		Confidence: confidence,
	}

	if keyErr == nil {
		s.cache.Add(cacheKey, querycache.Entry{
			TraceID:    traceID,
			Tool:       tool,
			Confidence: confidence,
			Result:     result,
			Pagination: output.Pagination,
		})
	}
	return output, nil
}

func outputFromCache(traceID string, entry querycache.Entry) *Output {
	result, _ := entry.Result.(map[string]interface{})
	if result == nil {
		result = map[string]interface{}{}
	}

	pagination, ok := entry.Pagination.(Pagination)
	if !ok {
		pagination = Pagination{}
	}

	confidence := entry.Confidence
	if confidence == nil {
		confidence = confidenceBlock(0.9, []string{"cache_hit"}, nil)
	}

	return &Output{
		TraceID:    traceID,
		Result:     result,
		Pagination: pagination,
		Confidence: confidence,
	}
}

// resolveCapsulePath maps args.locator onto a capsule on disk. Priority:
// jobId, then capsulePath (jailed inside the export root unless external
// capsules are allowed), then the most recent completed export.
func (s *Service) resolveCapsulePath(args map[string]interface{}) (string, error) {
	var jobID, capsulePath string
	if raw, ok := args["locator"]; ok {
		locator, ok := raw.(map[string]interface{})
		if !ok {
			return "", models.NewInvalidArgument("Invalid locator object")
		}
		jobID, _ = locator["jobId"].(string)
		capsulePath, _ = locator["capsulePath"].(string)
	}

	if jobID != "" {
		path, err := s.registry.JobArtifactPath(jobID)
		if err != nil {
			return "", err
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return "", models.NewNotFound(fmt.Sprintf("Artifact not found on disk for job %s", jobID))
		}
		return path, nil
	}

	if capsulePath != "" {
		resolved := capsulePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(s.exportRoot, resolved)
		}

		if !s.allowExternal {
			root := canonicalPath(s.exportRoot)
			candidate := canonicalPath(resolved)
			if !strings.HasPrefix(candidate, root+string(filepath.Separator)) && candidate != root {
				return "", models.NewInvalidArgument(
					"capsulePath must be inside export root unless CAPSULED_MCP_ALLOW_EXTERNAL_CAPSULES=true")
			}
		}

		if _, statErr := os.Stat(resolved); statErr != nil {
			return "", models.NewNotFound(fmt.Sprintf("capsulePath does not exist: %s", resolved))
		}
		return resolved, nil
	}

	path, err := s.registry.LatestCompletedArtifact()
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return "", models.NewNotFound(fmt.Sprintf("Latest artifact missing on disk: %s", path))
	}
	return path, nil
}

func canonicalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
