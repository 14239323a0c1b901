// -----------------------------------------------------------------------
// Query Tools - Processes, communities, manifest and query routing
// -----------------------------------------------------------------------

package tools

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

func toolProcessList(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	limit := parseLimit(args, 20, 100)
	cursor := parseCursor(args)

	rows := make([]rankedItem, 0)
	for _, idx := range index.NodesByLabel["Process"] {
		node := &index.Nodes[idx]
		stepsCount := len(index.ProcessStepByProcess[node.ID])

		score := 0.6 + math.Min(float64(stepsCount), 20)/50
		rows = append(rows, rankedItem{
			score: score,
			key:   node.Name + "::" + node.ID,
			payload: map[string]interface{}{
				"processId":  node.ID,
				"name":       node.Name,
				"uri":        node.URI,
				"stepsCount": stepsCount,
			},
		})
	}

	paged := paginateRanked(rows, limit, cursor)
	result := map[string]interface{}{"items": paged.items}

	return result, paged,
		confidenceBlock(0.92, []string{"process_nodes", "step_index"}, nil), nil
}

func toolProcessGet(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	processID, err := requireString(args, "processId")
	if err != nil {
		return nil, page{}, nil, err
	}
	idx, ok := index.NodeByID[processID]
	if !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("processId not found: %s", processID))
	}
	node := &index.Nodes[idx]
	if node.Label != "Process" {
		return nil, page{}, nil, models.NewInvalidArgument(fmt.Sprintf("nodeId is not a Process node: %s", processID))
	}

	steps := make([]interface{}, 0)
	for _, stepIdx := range index.ProcessStepByProcess[processID] {
		step := &index.ProcessSteps[stepIdx]
		steps = append(steps, map[string]interface{}{
			"step":        step.Step,
			"functionId":  step.FunctionID,
			"function":    nodePayloadByID(index, step.FunctionID),
			"relationUri": step.RelationURI,
		})
	}

	result := map[string]interface{}{
		"process": nodePayload(node),
		"steps":   steps,
	}

	return result, page{items: steps},
		confidenceBlock(0.94, []string{"process_step_index", "exact_process_id"}, nil), nil
}

func toolCommunityList(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	limit := parseLimit(args, 20, 100)
	cursor := parseCursor(args)

	membersByCommunity := make(map[string]int)
	for i := range index.CommunityMembership {
		membersByCommunity[index.CommunityMembership[i].CommunityID]++
	}

	rows := make([]rankedItem, 0)
	for _, idx := range index.NodesByLabel["Community"] {
		node := &index.Nodes[idx]
		members := membersByCommunity[node.ID]

		score := 0.65 + math.Min(float64(members), 30)/100
		rows = append(rows, rankedItem{
			score: score,
			key:   node.Name + "::" + node.ID,
			payload: map[string]interface{}{
				"communityId": node.ID,
				"name":        node.Name,
				"uri":         node.URI,
				"members":     members,
			},
		})
	}

	paged := paginateRanked(rows, limit, cursor)
	result := map[string]interface{}{"items": paged.items}

	return result, paged,
		confidenceBlock(0.9, []string{"community_nodes", "membership_index"}, nil), nil
}

func toolManifestGet(index *sideindex.CapsuleIndex, _ map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	result := map[string]interface{}{
		"schemaVersion":       sideindex.MCPSchemaVersion,
		"indexSchemaVersion":  index.SchemaVersion,
		"generatedAt":         index.GeneratedAt.Format(time.RFC3339),
		"capsulePath":         index.CapsulePath,
		"sidecarPath":         index.SidecarPath,
		"manifest":            index.Manifest,
		"capsuleCapabilities": index.Capabilities,
		"counts": map[string]interface{}{
			"nodes":           len(index.Nodes),
			"edges":           len(index.Edges),
			"processSteps":    len(index.ProcessSteps),
			"fulltextEntries": len(index.Fulltext),
			"symbols":         len(index.Symbols),
			"hotspots":        len(index.Hotspots),
		},
	}

	return result, singlePage(map[string]interface{}{"kind": "manifest"}),
		confidenceBlock(0.99, []string{"manifest_frame", "index_metadata"}, nil), nil
}

func toolQueryExplain(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	task := strings.ToLower(stringArg(args, "task", "general"))
	query, _ := args["query"].(string)

	var recommended []string
	switch {
	case strings.Contains(task, "debug") || strings.Contains(task, "root"):
		recommended = []string{"text_search", "symbol_lookup", "call_trace", "impact_analysis", "file_snippet"}
	case strings.Contains(task, "impact") || strings.Contains(task, "change"):
		recommended = []string{"symbol_lookup", "node_get", "neighbors_get", "impact_analysis", "callers_of", "callees_of"}
	case strings.Contains(task, "arch") || strings.Contains(task, "subsystem"):
		recommended = []string{"community_list", "process_list", "process_get", "neighbors_get", "manifest_get"}
	default:
		recommended = []string{"text_search", "symbol_lookup", "node_get", "neighbors_get", "file_outline"}
	}

	result := map[string]interface{}{
		"task":  task,
		"query": query,
		"retrievalLadder": []string{
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
		"recommendedToolSequence": recommended,
		"capsuleStats": map[string]interface{}{
			"nodes":    len(index.Nodes),
			"edges":    len(index.Edges),
			"hotspots": len(index.Hotspots),
		},
	}

	return result, singlePage(map[string]interface{}{"kind": "query_explain"}),
		confidenceBlock(0.89, []string{"rule_based_routing", "deterministic_playbook"}, nil), nil
}
