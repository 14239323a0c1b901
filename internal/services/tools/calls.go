// -----------------------------------------------------------------------
// Query Tools - Call graph traversal and impact analysis
// -----------------------------------------------------------------------

package tools

import (
	"fmt"
	"sort"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

func toolCallTrace(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	fromNode, err := requireString(args, "fromNodeId")
	if err != nil {
		return nil, page{}, nil, err
	}
	toNode, _ := args["toNodeId"].(string)
	maxDepth := intArg(args, "maxDepth", 4, 1, 10)
	limitPaths := intArg(args, "limitPaths", 3, 1, 20)

	if _, ok := index.NodeByID[fromNode]; !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("fromNodeId not found: %s", fromNode))
	}
	if toNode != "" {
		if _, ok := index.NodeByID[toNode]; !ok {
			return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("toNodeId not found: %s", toNode))
		}
	}

	// Breadth-first over CALLS edges only, never revisiting a node
	// within one path.
	var paths [][]string
	queue := [][]string{{fromNode}}

	for len(queue) > 0 && len(paths) < limitPaths {
		path := queue[0]
		queue = queue[1:]
		last := path[len(path)-1]

		if toNode != "" {
			if last == toNode && len(path) > 1 {
				paths = append(paths, path)
				continue
			}
		} else if len(path) > 1 {
			paths = append(paths, path)
			continue
		}

		if len(path) > maxDepth {
			continue
		}

		for _, edgeIdx := range index.EdgesOutByNode[last] {
			edge := &index.Edges[edgeIdx]
			if edge.RelationType != "CALLS" {
				continue
			}
			if containsString(path, edge.TargetID) {
				continue
			}
			next := make([]string, len(path), len(path)+1)
			copy(next, path)
			queue = append(queue, append(next, edge.TargetID))
		}
	}

	rendered := make([]interface{}, 0, len(paths))
	for _, path := range paths {
		nodes := make([]interface{}, 0, len(path))
		for _, id := range path {
			if payload := nodePayloadByID(index, id); payload != nil {
				nodes = append(nodes, payload)
			} else {
				nodes = append(nodes, map[string]interface{}{"id": id})
			}
		}
		rendered = append(rendered, map[string]interface{}{
			"nodeIds": path,
			"nodes":   nodes,
		})
	}

	result := map[string]interface{}{
		"fromNodeId": fromNode,
		"toNodeId":   toNode,
		"maxDepth":   maxDepth,
		"paths":      rendered,
		"pathCount":  len(paths),
	}

	score := 0.88
	var warnings []string
	if len(paths) == 0 {
		score = 0.45
		warnings = []string{"no_path_within_depth"}
	}

	return result, page{items: rendered},
		confidenceBlock(score, []string{"graph_call_edges", "breadth_first_search"}, warnings), nil
}

func callersOrCallees(index *sideindex.CapsuleIndex, args map[string]interface{}, incoming bool) (map[string]interface{}, page, map[string]interface{}, error) {
	nodeID, err := requireString(args, "nodeId")
	if err != nil {
		return nil, page{}, nil, err
	}
	if _, ok := index.NodeByID[nodeID]; !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("nodeId not found: %s", nodeID))
	}

	limit := parseLimit(args, 25, 150)
	cursor := parseCursor(args)

	candidates := index.EdgesOutByNode[nodeID]
	if incoming {
		candidates = index.EdgesInByNode[nodeID]
	}

	rows := make([]rankedItem, 0, len(candidates))
	for _, edgeIdx := range candidates {
		edge := &index.Edges[edgeIdx]
		if edge.RelationType != "CALLS" {
			continue
		}

		otherID := edge.TargetID
		if incoming {
			otherID = edge.SourceID
		}

		rows = append(rows, rankedItem{
			score: 0.7 + edge.Confidence*0.3,
			key:   edge.ID + "::" + otherID,
			payload: map[string]interface{}{
				"edge": edgePayload(edge),
				"node": nodePayloadByID(index, otherID),
			},
		})
	}

	paged := paginateRanked(rows, limit, cursor)
	result := map[string]interface{}{
		"nodeId": nodeID,
		"items":  paged.items,
	}

	return result, paged,
		confidenceBlock(0.9, []string{"graph_call_edges", "edge_confidence"}, nil), nil
}

func toolCallersOf(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	return callersOrCallees(index, args, true)
}

func toolCalleesOf(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	return callersOrCallees(index, args, false)
}

func toolImpactAnalysis(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	nodeID, err := requireString(args, "nodeId")
	if err != nil {
		return nil, page{}, nil, err
	}
	if _, ok := index.NodeByID[nodeID]; !ok {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("nodeId not found: %s", nodeID))
	}

	maxDepth := intArg(args, "maxDepth", 3, 1, 8)

	// Undirected reachability, level by level.
	visited := map[string]struct{}{nodeID: {}}
	frontier := []string{nodeID}

	for depth := 0; depth < maxDepth; depth++ {
		var next []string
		for _, current := range frontier {
			for _, edgeIdx := range index.EdgesOutByNode[current] {
				target := index.Edges[edgeIdx].TargetID
				if _, seen := visited[target]; !seen {
					visited[target] = struct{}{}
					next = append(next, target)
				}
			}
			for _, edgeIdx := range index.EdgesInByNode[current] {
				source := index.Edges[edgeIdx].SourceID
				if _, seen := visited[source]; !seen {
					visited[source] = struct{}{}
					next = append(next, source)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	impactedNodes := make([]map[string]interface{}, 0, len(visited))
	for id := range visited {
		if payload := nodePayloadByID(index, id); payload != nil {
			impactedNodes = append(impactedNodes, payload)
		}
	}
	sort.Slice(impactedNodes, func(a, b int) bool {
		an, _ := impactedNodes[a]["name"].(string)
		bn, _ := impactedNodes[b]["name"].(string)
		return an < bn
	})

	impactedEdges := 0
	for i := range index.Edges {
		_, srcHit := visited[index.Edges[i].SourceID]
		_, dstHit := visited[index.Edges[i].TargetID]
		if srcHit || dstHit {
			impactedEdges++
		}
	}

	hotspots := make([]interface{}, 0, 10)
	for i := range index.Hotspots {
		if i >= 10 {
			break
		}
		hotspot := &index.Hotspots[i]
		hotspots = append(hotspots, map[string]interface{}{
			"filePath":   hotspot.FilePath,
			"callsCount": hotspot.CallsCount,
			"nodeCount":  hotspot.NodeCount,
			"score":      hotspot.Score,
		})
	}

	items := make([]interface{}, 0, len(impactedNodes))
	for _, node := range impactedNodes {
		items = append(items, node)
	}

	result := map[string]interface{}{
		"rootNodeId":        nodeID,
		"maxDepth":          maxDepth,
		"impactedNodeCount": len(impactedNodes),
		"impactedEdgeCount": impactedEdges,
		"impactedNodes":     items,
		"hotspots":          hotspots,
	}

	return result, page{items: items},
		confidenceBlock(0.87, []string{"graph_reachability", "deterministic_bfs"}, nil), nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
