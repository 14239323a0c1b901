// -----------------------------------------------------------------------
// Query Tools - Symbol, node and edge lookups
// -----------------------------------------------------------------------

package tools

import (
	"fmt"
	"strings"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

func toolSymbolLookup(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	query, err := requireString(args, "query")
	if err != nil {
		return nil, page{}, nil, err
	}
	norm := normalizeText(query)
	if norm == "" {
		return nil, page{}, nil, models.NewInvalidArgument("query cannot be empty after normalization")
	}

	limit := parseLimit(args, 20, 100)
	cursor := parseCursor(args)

	rows := make([]rankedItem, 0)
	for i := range index.Symbols {
		symbol := &index.Symbols[i]
		if !strings.Contains(symbol.SymbolNorm, norm) {
			continue
		}

		score := 0.78
		switch {
		case symbol.SymbolNorm == norm:
			score = 1.0
		case strings.HasPrefix(symbol.SymbolNorm, norm):
			score = 0.92
		}

		nodeURI := ""
		if idx, ok := index.NodeByID[symbol.NodeID]; ok {
			nodeURI = index.Nodes[idx].URI
		}

		rows = append(rows, rankedItem{
			score: score,
			key:   symbol.SymbolNorm + "::" + symbol.NodeID,
			payload: map[string]interface{}{
				"symbol":     symbol.Symbol,
				"symbolNorm": symbol.SymbolNorm,
				"nodeId":     symbol.NodeID,
				"filePath":   symbol.FilePath,
				"nodeLabel":  symbol.NodeLabel,
				"nodeUri":    nodeURI,
				"score":      score,
			},
		})
	}

	paged := paginateRanked(rows, limit, cursor)
	result := map[string]interface{}{
		"items": paged.items,
		"query": query,
	}

	score := 0.92
	if len(paged.items) == 0 {
		score = 0.2
	}
	return result, paged, confidenceBlock(score, []string{"symbol_norm_match", "deterministic_sort"}, nil), nil
}

func toolNodeGet(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	nodeID, err := requireString(args, "nodeId")
	if err != nil {
		return nil, page{}, nil, err
	}
	idx, ok := index.NodeByID[nodeID]
	if !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("nodeId not found: %s", nodeID))
	}
	node := &index.Nodes[idx]

	out := len(index.EdgesOutByNode[node.ID])
	in := len(index.EdgesInByNode[node.ID])

	result := map[string]interface{}{
		"node": nodePayload(node),
		"degree": map[string]interface{}{
			"out":   out,
			"in":    in,
			"total": out + in,
		},
		"metadata": node.Metadata,
	}

	return result, singlePage(nodePayload(node)),
		confidenceBlock(0.99, []string{"exact_id_match"}, nil), nil
}

func toolNeighborsGet(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	nodeID, err := requireString(args, "nodeId")
	if err != nil {
		return nil, page{}, nil, err
	}
	if _, ok := index.NodeByID[nodeID]; !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("nodeId not found: %s", nodeID))
	}

	direction := stringArg(args, "direction", "both")

	filterTypes := make(map[string]struct{})
	if raw, ok := args["relationTypes"].([]interface{}); ok {
		for _, entry := range raw {
			if relationType, ok := entry.(string); ok {
				filterTypes[relationType] = struct{}{}
			}
		}
	}

	limit := parseLimit(args, 25, 150)
	cursor := parseCursor(args)

	var candidates []int
	if direction == "out" || direction == "both" {
		candidates = append(candidates, index.EdgesOutByNode[nodeID]...)
	}
	if direction == "in" || direction == "both" {
		candidates = append(candidates, index.EdgesInByNode[nodeID]...)
	}

	rows := make([]rankedItem, 0, len(candidates))
	for _, edgeIdx := range candidates {
		edge := &index.Edges[edgeIdx]
		if len(filterTypes) > 0 {
			if _, ok := filterTypes[edge.RelationType]; !ok {
				continue
			}
		}

		neighborID := edge.TargetID
		edgeDirection := "out"
		if edge.SourceID != nodeID {
			neighborID = edge.SourceID
			edgeDirection = "in"
		}

		score := 0.70 + edge.Confidence*0.30
		rows = append(rows, rankedItem{
			score: score,
			key:   edge.ID + "::" + neighborID,
			payload: map[string]interface{}{
				"edge":      edgePayload(edge),
				"neighbor":  nodePayloadByID(index, neighborID),
				"direction": edgeDirection,
				"score":     score,
			},
		})
	}

	paged := paginateRanked(rows, limit, cursor)
	result := map[string]interface{}{
		"nodeId":    nodeID,
		"direction": direction,
		"items":     paged.items,
	}

	return result, paged,
		confidenceBlock(0.9, []string{"graph_adjacency", "edge_confidence"}, nil), nil
}

func toolEdgeGet(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	edgeID, err := requireString(args, "edgeId")
	if err != nil {
		return nil, page{}, nil, err
	}
	idx, ok := index.EdgeByID[edgeID]
	if !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("edgeId not found: %s", edgeID))
	}
	edge := &index.Edges[idx]

	result := map[string]interface{}{
		"edge":     edgePayload(edge),
		"source":   nodePayloadByID(index, edge.SourceID),
		"target":   nodePayloadByID(index, edge.TargetID),
		"metadata": edge.Metadata,
	}

	return result, singlePage(edgePayload(edge)),
		confidenceBlock(0.98, []string{"exact_id_match", "graph_edge_lookup"}, nil), nil
}
