// -----------------------------------------------------------------------
// Side-Index Derivations - Steps, symbols, hotspots, communities
// -----------------------------------------------------------------------

package sideindex

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/gitnexus/capsuled/internal/common"
)

// deriveProcessSteps extracts (process, step, function) rows from
// STEP_IN_PROCESS edges. The process endpoint is discriminated by the
// "proc_" id convention: target first, then source, then a "_proc_" scan
// of the edge URI; edges matching nowhere are skipped with a warning.
// When both endpoints match, the target wins.
func deriveProcessSteps(edges []EdgeRecord) []ProcessStepRecord {
	logger := common.GetLogger()
	steps := make([]ProcessStepRecord, 0)

	for i := range edges {
		edge := &edges[i]
		if edge.RelationType != "STEP_IN_PROCESS" {
			continue
		}

		var processID string
		switch {
		case strings.Contains(edge.TargetID, "proc_"):
			processID = edge.TargetID
			if strings.Contains(edge.SourceID, "proc_") {
				logger.Warn().
					Str("edge_id", edge.ID).
					Msg("Both endpoints of STEP_IN_PROCESS edge look like processes, using target")
			}
		case strings.Contains(edge.SourceID, "proc_"):
			processID = edge.SourceID
		default:
			if pos := strings.Index(edge.URI, "_proc_"); pos >= 0 {
				processID = edge.URI[pos+1:]
			} else {
				logger.Warn().
					Str("edge_id", edge.ID).
					Msg("STEP_IN_PROCESS edge has no recognizable process endpoint, skipped")
				continue
			}
		}

		functionID := edge.SourceID
		if strings.Contains(edge.SourceID, "proc_") {
			functionID = edge.TargetID
		}

		step := 0
		if edge.Step != nil {
			step = *edge.Step
		}

		steps = append(steps, ProcessStepRecord{
			ProcessID:   processID,
			Step:        step,
			FunctionID:  functionID,
			RelationURI: edge.URI,
		})
	}

	sort.SliceStable(steps, func(a, b int) bool {
		if steps[a].ProcessID != steps[b].ProcessID {
			return steps[a].ProcessID < steps[b].ProcessID
		}
		if steps[a].Step != steps[b].Step {
			return steps[a].Step < steps[b].Step
		}
		return steps[a].FunctionID < steps[b].FunctionID
	})
	return steps
}

// deriveSymbols emits one row per distinct (normalized name, node id).
func deriveSymbols(nodes []NodeRecord) []SymbolRecord {
	out := make([]SymbolRecord, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))

	for i := range nodes {
		node := &nodes[i]
		if strings.TrimSpace(node.Name) == "" {
			continue
		}

		norm := NormalizeSymbol(node.Name)
		if norm == "" {
			continue
		}

		key := norm + "|" + node.ID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		out = append(out, SymbolRecord{
			SymbolNorm: norm,
			Symbol:     node.Name,
			NodeID:     node.ID,
			FilePath:   node.FilePath,
			NodeLabel:  node.Label,
		})
	}
	return out
}

// deriveHotspots scores each file 10 per outgoing CALLS edge plus 1 per
// node, ordered score descending then path ascending.
func deriveHotspots(nodes []NodeRecord, edges []EdgeRecord) []HotspotRecord {
	nodeFile := make(map[string]string, len(nodes))
	for i := range nodes {
		nodeFile[nodes[i].ID] = nodes[i].FilePath
	}

	callsByFile := make(map[string]int)
	for i := range edges {
		if edges[i].RelationType != "CALLS" {
			continue
		}
		if filePath, ok := nodeFile[edges[i].SourceID]; ok {
			callsByFile[filePath]++
		}
	}

	nodeCountByFile := make(map[string]int)
	for i := range nodes {
		if nodes[i].FilePath == "" {
			continue
		}
		nodeCountByFile[nodes[i].FilePath]++
	}

	files := make(map[string]struct{}, len(callsByFile)+len(nodeCountByFile))
	for filePath := range callsByFile {
		files[filePath] = struct{}{}
	}
	for filePath := range nodeCountByFile {
		files[filePath] = struct{}{}
	}

	hotspots := make([]HotspotRecord, 0, len(files))
	for filePath := range files {
		calls := callsByFile[filePath]
		count := nodeCountByFile[filePath]
		hotspots = append(hotspots, HotspotRecord{
			FilePath:   filePath,
			CallsCount: calls,
			NodeCount:  count,
			Score:      float64(calls)*10 + float64(count),
		})
	}

	sort.Slice(hotspots, func(a, b int) bool {
		if hotspots[a].Score != hotspots[b].Score {
			return hotspots[a].Score > hotspots[b].Score
		}
		return hotspots[a].FilePath < hotspots[b].FilePath
	})
	return hotspots
}

// deriveCommunityMembership expands each node's metadata.communities
// array into membership rows.
func deriveCommunityMembership(nodes []NodeRecord) []CommunityMembershipRecord {
	out := make([]CommunityMembershipRecord, 0)

	for i := range nodes {
		node := &nodes[i]
		raw, ok := node.Metadata["communities"]
		if !ok {
			continue
		}
		communities, ok := raw.([]interface{})
		if !ok {
			continue
		}

		for _, entry := range communities {
			communityID, ok := entry.(string)
			if !ok {
				continue
			}
			out = append(out, CommunityMembershipRecord{
				CommunityID: communityID,
				NodeID:      node.ID,
				NodeLabel:   node.Label,
				NodeName:    node.Name,
			})
		}
	}
	return out
}

// NormalizeSymbol lowercases, maps every non-[a-z0-9_] rune to a space
// and collapses whitespace runs. Shared with symbol_lookup matching.
func NormalizeSymbol(input string) string {
	var sb strings.Builder
	sb.Grow(len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + ('a' - 'A'))
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func sortProcessStepIndices(steps []ProcessStepRecord, entries []int) {
	sort.SliceStable(entries, func(a, b int) bool {
		left, right := steps[entries[a]], steps[entries[b]]
		if left.Step != right.Step {
			return left.Step < right.Step
		}
		return left.FunctionID < right.FunctionID
	})
}

// normalizeMetadata round-trips a metadata map through JSON so every
// value uses the plain decoded representation (maps, slices, float64),
// regardless of the Go types the transform stage put in.
func normalizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return metadata
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return metadata
	}
	return normalized
}

// parseMetadataJSON extracts the brace-matched JSON object following the
// first "metadata=" marker in a frame text.
func parseMetadataJSON(text string) map[string]interface{} {
	const marker = "metadata="
	start := strings.Index(text, marker)
	if start < 0 {
		return nil
	}
	slice := strings.TrimLeft(text[start+len(marker):], " \t")
	bracePos := strings.Index(slice, "{")
	if bracePos < 0 {
		return nil
	}
	slice = slice[bracePos:]

	depth := 0
	end := -1
	for idx, ch := range slice {
		switch ch {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return nil
			}
			depth--
			if depth == 0 {
				end = idx + 1
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(slice[:end]), &parsed); err != nil {
		return nil
	}
	return parsed
}

func parseLineValue(text, key string) string {
	prefix := key + "="
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

func parseLinePrefix(text, prefix string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

func parseStepLine(text string) *int {
	for _, line := range strings.Split(text, "\n") {
		if raw, ok := strings.CutPrefix(line, "step="); ok {
			if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
				return &v
			}
		}
	}
	return nil
}

func metaString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return value
	}
	return ""
}

func metaFloat(metadata map[string]interface{}, key string) float64 {
	if metadata == nil {
		return 0
	}
	if value, ok := metadata[key].(float64); ok {
		return value
	}
	return 0
}

func metaInt(metadata map[string]interface{}, key string) *int {
	if metadata == nil {
		return nil
	}
	if value, ok := metadata[key].(float64); ok {
		v := int(value)
		return &v
	}
	return nil
}
