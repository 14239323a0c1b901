// -----------------------------------------------------------------------
// Capsule Transform - Project graph to frame documents, pure and bounded
// -----------------------------------------------------------------------

package capsule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gitnexus/capsuled/internal/models"
)

// BuildFrameDocuments converts a submitted project graph into the ordered
// frame list written to the capsule: node docs, relation docs, the export
// manifest, then the four AI-bible docs. Frame caps from the request
// options are applied here; everything downstream sees the capped list.
func BuildFrameDocuments(req *models.ExportRequest) []FrameDocument {
	nodeLimit := req.Options.MaxNodeFrames
	if nodeLimit > len(req.Nodes) {
		nodeLimit = len(req.Nodes)
	}
	relationLimit := req.Options.MaxRelationFrames
	if relationLimit > len(req.Relationships) {
		relationLimit = len(req.Relationships)
	}

	nodeLookup := make(map[string]*models.GraphNode, len(req.Nodes))
	for i := range req.Nodes {
		nodeLookup[req.Nodes[i].ID] = &req.Nodes[i]
	}

	documents := make([]FrameDocument, 0, nodeLimit+relationLimit+5)

	for i := 0; i < nodeLimit; i++ {
		documents = append(documents, buildNodeDocument(req, &req.Nodes[i]))
	}

	for i := 0; i < relationLimit; i++ {
		documents = append(documents, buildRelationDocument(req, &req.Relationships[i], nodeLookup))
	}

	documents = append(documents, buildManifestDocument(req, nodeLimit, relationLimit))
	documents = append(documents, buildAIBibleDocuments(req)...)
	return documents
}

func buildNodeDocument(req *models.ExportRequest, node *models.GraphNode) FrameDocument {
	content, hasContent := req.FileContents[node.Properties.FilePath]
	snippet := buildSnippet(content, hasContent, node.Properties.StartLine, node.Properties.EndLine, req.Options.MaxSnippetChars, node.Label)

	metadata := map[string]interface{}{
		"id":               node.ID,
		"label":            node.Label,
		"name":             node.Properties.Name,
		"filePath":         node.Properties.FilePath,
		"startLine":        node.Properties.StartLine,
		"endLine":          node.Properties.EndLine,
		"language":         node.Properties.Language,
		"isExported":       node.Properties.IsExported,
		"heuristicLabel":   node.Properties.HeuristicLabel,
		"cohesion":         node.Properties.Cohesion,
		"symbolCount":      node.Properties.SymbolCount,
		"keywords":         node.Properties.Keywords,
		"description":      node.Properties.Description,
		"enrichedBy":       node.Properties.EnrichedBy,
		"processType":      node.Properties.ProcessType,
		"stepCount":        node.Properties.StepCount,
		"communities":      node.Properties.Communities,
		"entryPointId":     node.Properties.EntryPointID,
		"terminalId":       node.Properties.TerminalID,
		"entryPointScore":  node.Properties.EntryPointScore,
		"entryPointReason": node.Properties.EntryPointReason,
	}

	var uri string
	switch node.Label {
	case "Community":
		uri = fmt.Sprintf("mv2://communities/%s", node.ID)
	case "Process":
		uri = fmt.Sprintf("mv2://processes/%s", node.ID)
	default:
		uri = fmt.Sprintf("mv2://nodes/%s", node.ID)
	}

	text := fmt.Sprintf(
		"Node %s\nid=%s\nname=%s\nfilePath=%s\n\nsnippet:\n%s\n\nmetadata=%s",
		node.Label, node.ID, node.Properties.Name, node.Properties.FilePath,
		snippet, encodeMetadata(metadata),
	)

	return FrameDocument{
		Title: fmt.Sprintf("%s: %s", node.Label, node.Properties.Name),
		Label: node.Label,
		Text:  text,
		URI:   uri,
		Track: nodeTrack(node.Label),
		Tags: []string{
			"source=gitnexus",
			fmt.Sprintf("nodeLabel=%s", node.Label),
			fmt.Sprintf("sessionId=%s", req.SessionID),
		},
		Metadata: metadata,
	}
}

func buildRelationDocument(req *models.ExportRequest, rel *models.GraphRelationship, nodeLookup map[string]*models.GraphNode) FrameDocument {
	sourceName, sourceLabel := "<unknown>", "Unknown"
	if source, ok := nodeLookup[rel.SourceID]; ok {
		sourceName, sourceLabel = source.Properties.Name, source.Label
	}
	targetName, targetLabel := "<unknown>", "Unknown"
	if target, ok := nodeLookup[rel.TargetID]; ok {
		targetName, targetLabel = target.Properties.Name, target.Label
	}

	stepSuffix := ""
	if rel.Step != nil {
		stepSuffix = fmt.Sprintf(" step=%d", *rel.Step)
	}

	metadata := map[string]interface{}{
		"id":          rel.ID,
		"type":        rel.Type,
		"sourceId":    rel.SourceID,
		"targetId":    rel.TargetID,
		"sourceName":  sourceName,
		"targetName":  targetName,
		"sourceLabel": sourceLabel,
		"targetLabel": targetLabel,
		"confidence":  rel.Confidence,
		"reason":      rel.Reason,
		"step":        rel.Step,
	}

	summary := fmt.Sprintf(
		"Relationship %s\nsource=%s (%s)\ntarget=%s (%s)\nconfidence=%.3f\nreason=%s%s",
		rel.Type, sourceName, sourceLabel, targetName, targetLabel,
		rel.Confidence, rel.Reason, stepSuffix,
	)

	return FrameDocument{
		Title: fmt.Sprintf("%s %s %s", sourceName, rel.Type, targetName),
		Label: "relation",
		Text:  fmt.Sprintf("%s\n\nmetadata=%s", summary, encodeMetadata(metadata)),
		URI:   fmt.Sprintf("mv2://relations/%s", rel.ID),
		Track: fmt.Sprintf("relations/%s", rel.Type),
		Tags: []string{
			"source=gitnexus",
			fmt.Sprintf("relationType=%s", rel.Type),
			fmt.Sprintf("sessionId=%s", req.SessionID),
		},
		Metadata: metadata,
	}
}

func buildManifestDocument(req *models.ExportRequest, nodeFrames, relationFrames int) FrameDocument {
	labelCounts := make(map[string]int)
	for _, node := range req.Nodes {
		labelCounts[node.Label]++
	}
	relationCounts := make(map[string]int)
	for _, rel := range req.Relationships {
		relationCounts[rel.Type]++
	}

	metadata := map[string]interface{}{
		"generatedAt":         time.Now().UTC(),
		"mv2SchemaVersion":    MV2SchemaVersion,
		"exportSchemaVersion": ExportSchemaVersion,
		"aiBibleVersion":      AIBibleVersion,
		"sessionId":           req.SessionID,
		"projectName":         req.ProjectName,
		"source":              req.Source,
		"options":             req.Options,
		"capsuleCapabilities": map[string]interface{}{
			"strictJsonToolResponses":    true,
			"cursorPagination":           true,
			"semanticFallbackOnly":       true,
			"defaultResponseBudgetBytes": DefaultResponseBudgetBytes,
			"supportsLegacyCapsules":     true,
			"toolCount":                  ToolCount,
			"toolSetVersion":             ToolSetVersion,
		},
		"totals": map[string]interface{}{
			"nodes":                  len(req.Nodes),
			"relationships":          len(req.Relationships),
			"exportedNodeFrames":     nodeFrames,
			"exportedRelationFrames": relationFrames,
			"fileCount":              len(req.FileContents),
		},
		"nodeLabels":        labelCounts,
		"relationshipTypes": relationCounts,
	}

	return FrameDocument{
		Title: fmt.Sprintf("GitNexus manifest: %s", req.ProjectName),
		Label: "manifest",
		Text: fmt.Sprintf(
			"GitNexus export manifest\nproject=%s\nsource=%s\nnodes=%d\nrelationships=%d\n\nmetadata=%s",
			req.ProjectName, req.Source.BaseName, len(req.Nodes), len(req.Relationships),
			encodeMetadata(metadata),
		),
		URI:   "mv2://meta/manifest",
		Track: "meta",
		Tags: []string{
			"source=gitnexus",
			"kind=manifest",
			fmt.Sprintf("sessionId=%s", req.SessionID),
		},
		Metadata: metadata,
	}
}

func buildAIBibleDocuments(req *models.ExportRequest) []FrameDocument {
	tags := []string{
		"source=gitnexus",
		"kind=ai-bible",
		fmt.Sprintf("sessionId=%s", req.SessionID),
	}

	manifestMetadata := map[string]interface{}{
		"version":             AIBibleVersion,
		"schemaVersion":       "gitnexus.mcp.v1",
		"mcpTransport":        "streamable_http_jsonrpc",
		"primaryGoal":         "deterministic_accuracy",
		"responseBudgetBytes": DefaultResponseBudgetBytes,
		"semanticPolicy":      "fallback_only",
		"toolCount":           ToolCount,
	}

	toolMatrixMetadata := map[string]interface{}{
		"toolSetVersion": ToolSetVersion,
		"tools": []string{
			"symbol_lookup", "node_get", "neighbors_get", "edge_get",
			"text_search", "call_trace", "callers_of", "callees_of",
			"process_list", "process_get", "impact_analysis", "file_outline",
			"file_snippet", "community_list", "manifest_get", "query_explain",
		},
	}

	retrievalMetadata := map[string]interface{}{
		"ladder": []string{
			"graph_exact",
			"lexical_search",
			"graph_expansion_rerank",
			"semantic_fallback_if_low_confidence",
		},
		"rankingSignals": []string{
			"graph_structural_confidence",
			"lexical_relevance",
			"hotspot_locality",
			"semantic_fallback",
		},
	}

	playbookMetadata := map[string]interface{}{
		"playbooks": []string{
			"root_cause_from_symptom",
			"change_impact_before_edit",
			"subsystem_architecture_extraction",
			"process_comprehension_step_in_process",
		},
		"sessionId": req.SessionID,
	}

	return []FrameDocument{
		{
			Title: "AI Bible Manifest",
			Label: "ai_bible",
			Text: fmt.Sprintf("AI Bible manifest\nversion=%s\nproject=%s\n\nmetadata=%s",
				AIBibleVersion, req.ProjectName, encodeMetadata(manifestMetadata)),
			URI:      "mv2://meta/ai-bible/manifest",
			Track:    "meta",
			Tags:     tags,
			Metadata: manifestMetadata,
		},
		{
			Title: "AI Bible Tool Matrix",
			Label: "ai_bible",
			Text: fmt.Sprintf("AI Bible tool matrix\nmode=strict_json\ntransport=streamable_http_jsonrpc\n\nmetadata=%s",
				encodeMetadata(toolMatrixMetadata)),
			URI:      "mv2://meta/ai-bible/tool-matrix",
			Track:    "meta",
			Tags:     tags,
			Metadata: toolMatrixMetadata,
		},
		{
			Title: "AI Bible Retrieval Ladder",
			Label: "ai_bible",
			Text: fmt.Sprintf("AI Bible retrieval ladder\ndefault=deterministic\nsemantic=fallback_only\n\nmetadata=%s",
				encodeMetadata(retrievalMetadata)),
			URI:      "mv2://meta/ai-bible/retrieval-ladder",
			Track:    "meta",
			Tags:     tags,
			Metadata: retrievalMetadata,
		},
		{
			Title: "AI Bible Playbooks",
			Label: "ai_bible",
			Text: fmt.Sprintf("AI Bible playbooks\n1=root_cause_from_symptom\n2=change_impact_before_edit\n3=subsystem_architecture_extraction\n4=process_comprehension_step_in_process\n\nmetadata=%s",
				encodeMetadata(playbookMetadata)),
			URI:      "mv2://meta/ai-bible/playbooks/core",
			Track:    "meta",
			Tags:     tags,
			Metadata: playbookMetadata,
		},
	}
}

// buildSnippet cuts the node's line window out of its source file. File
// nodes default to an 80-line window, everything else to 40 lines; the
// result is capped at maxChars (floor 80) with a truncation marker.
func buildSnippet(content string, hasContent bool, startLine, endLine *int, maxChars int, label string) string {
	if !hasContent {
		return "<no source content available>"
	}

	lines := splitLines(content)
	defaultEnd := len(lines)
	if label == "File" {
		if defaultEnd > 80 {
			defaultEnd = 80
		}
	} else if defaultEnd > 40 {
		defaultEnd = 40
	}

	maxLine := len(lines)
	if maxLine < 1 {
		maxLine = 1
	}

	start := 1
	if startLine != nil {
		start = *startLine
	}
	if start < 1 {
		start = 1
	}
	if start > maxLine {
		start = maxLine
	}

	end := defaultEnd
	if endLine != nil {
		end = *endLine
	}
	if end < start {
		end = start
	}
	if end > maxLine {
		end = maxLine
	}

	snippet := ""
	if len(lines) > 0 {
		snippet = strings.Join(lines[start-1:end], "\n")
	}

	if maxChars < 80 {
		maxChars = 80
	}
	return truncateChars(snippet, maxChars)
}

func truncateChars(input string, maxChars int) string {
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}
	return string(runes[:maxChars]) + "\n...[truncated]"
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.TrimSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func nodeTrack(label string) string {
	switch label {
	case "Community":
		return "communities"
	case "Process":
		return "processes"
	case "File":
		return "files"
	default:
		return fmt.Sprintf("nodes/%s", label)
	}
}

func encodeMetadata(metadata map[string]interface{}) string {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
