// -----------------------------------------------------------------------
// Query Tools - Lexical search and file-level views
// -----------------------------------------------------------------------

package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

func toolTextSearch(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	query, err := requireString(args, "query")
	if err != nil {
		return nil, page{}, nil, err
	}
	scope, _ := args["scope"].(string)
	limit := parseLimit(args, 25, 150)
	cursor := parseCursor(args)

	terms := strings.Fields(normalizeText(query))
	if len(terms) == 0 {
		return nil, page{}, nil, models.NewInvalidArgument("query contains no searchable terms")
	}

	scopeLower := strings.ToLower(scope)

	rows := make([]rankedItem, 0)
	for i := range index.Fulltext {
		entry := &index.Fulltext[i]
		if scopeLower != "" {
			uriOK := strings.Contains(strings.ToLower(entry.URI), scopeLower)
			trackOK := strings.Contains(strings.ToLower(entry.Track), scopeLower)
			if !uriOK && !trackOK {
				continue
			}
		}

		score := lexicalScore(entry.Text, terms)
		if score <= 0 {
			continue
		}

		preview := entry.Text
		if runes := []rune(entry.Text); len(runes) > 260 {
			preview = string(runes[:260]) + "..."
		}

		rows = append(rows, rankedItem{
			score: score,
			key:   entry.URI + "::" + entry.RefID,
			payload: map[string]interface{}{
				"refKind": entry.RefKind,
				"refId":   entry.RefID,
				"uri":     entry.URI,
				"track":   entry.Track,
				"score":   score,
				"preview": preview,
			},
		})
	}

	paged := paginateRanked(rows, limit, cursor)
	result := map[string]interface{}{
		"query":        query,
		"scope":        scope,
		"items":        paged.items,
		"semanticUsed": false,
	}

	score := 0.86
	if len(paged.items) == 0 {
		score = 0.3
	}
	return result, paged, confidenceBlock(score,
		[]string{"lexical_match", "deterministic_scoring", "semantic_fallback_disabled"}, nil), nil
}

// outlineLabels are the node kinds a file outline reports.
var outlineLabels = map[string]struct{}{
	"Function": {}, "Method": {}, "Class": {}, "Interface": {},
	"Type": {}, "Enum": {}, "Variable": {}, "File": {},
}

func toolFileOutline(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	filePath, err := requireString(args, "filePath")
	if err != nil {
		return nil, page{}, nil, err
	}
	normalized := normalizePathLike(filePath)

	matchingFile := ""
	for candidate := range index.NodesByFile {
		c := normalizePathLike(candidate)
		if c == normalized || strings.HasSuffix(c, normalized) {
			matchingFile = candidate
			break
		}
	}
	if matchingFile == "" {
		return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("No indexed nodes found for filePath: %s", filePath))
	}

	type outlineSymbol struct {
		payload   map[string]interface{}
		startLine int
		name      string
	}

	symbols := make([]outlineSymbol, 0)
	for _, idx := range index.NodesByFile[matchingFile] {
		node := &index.Nodes[idx]
		if _, ok := outlineLabels[node.Label]; !ok {
			continue
		}
		startLine := 0
		if node.StartLine != nil {
			startLine = *node.StartLine
		}
		symbols = append(symbols, outlineSymbol{
			payload: map[string]interface{}{
				"id":        node.ID,
				"label":     node.Label,
				"name":      node.Name,
				"startLine": node.StartLine,
				"endLine":   node.EndLine,
				"uri":       node.URI,
			},
			startLine: startLine,
			name:      node.Name,
		})
	}

	sort.SliceStable(symbols, func(a, b int) bool {
		if symbols[a].startLine != symbols[b].startLine {
			return symbols[a].startLine < symbols[b].startLine
		}
		return symbols[a].name < symbols[b].name
	})

	items := make([]interface{}, 0, len(symbols))
	for _, symbol := range symbols {
		items = append(items, symbol.payload)
	}

	result := map[string]interface{}{
		"filePath":    matchingFile,
		"symbols":     items,
		"symbolCount": len(items),
	}

	return result, page{items: items},
		confidenceBlock(0.95, []string{"file_index", "line_sorted_symbols"}, nil), nil
}

func toolFileSnippet(index *sideindex.CapsuleIndex, args map[string]interface{}) (map[string]interface{}, page, map[string]interface{}, error) {
	maxChars := intArg(args, "maxChars", 1400, 80, 8000)

	var node *sideindex.NodeRecord
	if nodeID, ok := args["nodeId"].(string); ok && nodeID != "" {
		idx, found := index.NodeByID[nodeID]
		if !found {
			return nil, page{}, nil, models.NewNotFound(fmt.Sprintf("nodeId not found: %s", nodeID))
		}
		node = &index.Nodes[idx]
	} else {
		filePath, err := requireString(args, "filePath")
		if err != nil {
			return nil, page{}, nil, err
		}
		normalized := normalizePathLike(filePath)
		node = findSnippetNode(index, normalized)
	}
	if node == nil {
		return nil, page{}, nil, models.NewNotFound("Could not resolve node/file for snippet")
	}

	snippet := node.SearchText
	if runes := []rune(node.SearchText); len(runes) > maxChars {
		snippet = string(runes[:maxChars]) + "\n...[truncated]"
	}

	result := map[string]interface{}{
		"node":     nodePayload(node),
		"snippet":  snippet,
		"maxChars": maxChars,
	}

	item := map[string]interface{}{
		"nodeId":       node.ID,
		"snippetChars": len([]rune(snippet)),
	}

	return result, singlePage(item),
		confidenceBlock(0.93, []string{"indexed_search_text", "bounded_payload"}, nil), nil
}

func findSnippetNode(index *sideindex.CapsuleIndex, normalized string) *sideindex.NodeRecord {
	for i := range index.Nodes {
		fp := normalizePathLike(index.Nodes[i].FilePath)
		if fp == normalized || strings.HasSuffix(fp, normalized) {
			return &index.Nodes[i]
		}
	}
	for i := range index.Nodes {
		if index.Nodes[i].Label != "File" {
			continue
		}
		fp := normalizePathLike(index.Nodes[i].FilePath)
		if fp == normalized || strings.HasSuffix(fp, normalized) {
			return &index.Nodes[i]
		}
	}
	return nil
}
