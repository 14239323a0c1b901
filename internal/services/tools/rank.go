// -----------------------------------------------------------------------
// Query Tools - Deterministic ranking, cursors and shared helpers
// -----------------------------------------------------------------------

package tools

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/sideindex"
)

// rankedItem is one scored candidate before pagination. The key breaks
// score ties so identical requests always paginate identically.
type rankedItem struct {
	score   float64
	key     string
	payload interface{}
}

// page is a tool's selected window plus continuation state.
type page struct {
	items      []interface{}
	nextCursor *string
	truncated  bool
}

func (p page) info() Pagination {
	return Pagination{
		NextCursor: p.nextCursor,
		Truncated:  p.truncated,
		Returned:   len(p.items),
	}
}

func singlePage(items ...interface{}) page {
	return page{items: items}
}

// paginateRanked sorts rows by score descending then key ascending and
// returns the window strictly after the cursor position. The cursor
// encodes the last row of the previous window.
func paginateRanked(rows []rankedItem, limit int, cursor string) page {
	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].score != rows[b].score {
			return rows[a].score > rows[b].score
		}
		return rows[a].key < rows[b].key
	})

	start := 0
	if cursor != "" {
		if cursorScore, cursorKey, ok := decodeCursor(cursor); ok {
			start = len(rows)
			for i, row := range rows {
				if row.score < cursorScore ||
					(math.Abs(row.score-cursorScore) < 1e-9 && row.key > cursorKey) {
					start = i
					break
				}
			}
		}
	}

	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}

	items := make([]interface{}, 0, end-start)
	for _, row := range rows[start:end] {
		items = append(items, row.payload)
	}

	result := page{items: items, truncated: end < len(rows)}
	if result.truncated && end > 0 {
		last := rows[end-1]
		encoded := encodeCursor(last.score, last.key)
		result.nextCursor = &encoded
	}
	return result
}

func encodeCursor(score float64, key string) string {
	return fmt.Sprintf("%.6f::%s", score, key)
}

func decodeCursor(cursor string) (float64, string, bool) {
	score, key, found := strings.Cut(cursor, "::")
	if !found {
		return 0, "", false
	}
	parsed, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return 0, "", false
	}
	return parsed, key, true
}

// confidenceBlock builds the confidence object every tool response
// carries: a score rounded to three decimals, its tier, and the factors
// and warnings that produced it.
func confidenceBlock(score float64, factors, warnings []string) map[string]interface{} {
	tier := "low"
	switch {
	case score >= 0.85:
		tier = "high"
	case score >= 0.60:
		tier = "medium"
	}

	if factors == nil {
		factors = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}

	return map[string]interface{}{
		"score":    math.Round(score*1000) / 1000,
		"tier":     tier,
		"factors":  factors,
		"warnings": warnings,
	}
}

// normalizeText lowercases, maps non-alphanumeric runes (underscore
// excepted) to spaces and collapses whitespace runs. Shares semantics
// with sideindex.NormalizeSymbol so symbol queries match index rows.
func normalizeText(input string) string {
	return sideindex.NormalizeSymbol(input)
}

// lexicalScore is the fraction of query terms found in the text.
func lexicalScore(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	normalized := normalizeText(text)
	if normalized == "" {
		return 0
	}

	matched := 0
	for _, term := range terms {
		if strings.Contains(normalized, term) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(terms))
}

// normalizePathLike canonicalizes a user-supplied path for suffix
// matching: backslashes become slashes, surrounding whitespace and
// slashes are trimmed.
func normalizePathLike(input string) string {
	cleaned := strings.ReplaceAll(input, "\\", "/")
	cleaned = strings.TrimSpace(cleaned)
	return strings.Trim(cleaned, "/")
}

func requireString(args map[string]interface{}, field string) (string, error) {
	value, _ := args[field].(string)
	if strings.TrimSpace(value) == "" {
		return "", models.NewInvalidArgument(fmt.Sprintf("Missing required string field: %s", field))
	}
	return value, nil
}

func stringArg(args map[string]interface{}, field, fallback string) string {
	if value, ok := args[field].(string); ok && value != "" {
		return value
	}
	return fallback
}

func intArg(args map[string]interface{}, field string, fallback, min, max int) int {
	value := fallback
	switch raw := args[field].(type) {
	case float64:
		value = int(raw)
	case int:
		value = raw
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	return value
}

func parseLimit(args map[string]interface{}, fallback, max int) int {
	return intArg(args, "limit", fallback, 1, max)
}

func parseCursor(args map[string]interface{}) string {
	cursor, _ := args["cursor"].(string)
	return cursor
}

func nodePayload(node *sideindex.NodeRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":        node.ID,
		"label":     node.Label,
		"name":      node.Name,
		"filePath":  node.FilePath,
		"startLine": node.StartLine,
		"endLine":   node.EndLine,
		"language":  node.Language,
		"uri":       node.URI,
	}
}

func edgePayload(edge *sideindex.EdgeRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":         edge.ID,
		"type":       edge.RelationType,
		"sourceId":   edge.SourceID,
		"targetId":   edge.TargetID,
		"confidence": edge.Confidence,
		"reason":     edge.Reason,
		"step":       edge.Step,
		"uri":        edge.URI,
	}
}

func nodePayloadByID(index *sideindex.CapsuleIndex, nodeID string) map[string]interface{} {
	if idx, ok := index.NodeByID[nodeID]; ok {
		return nodePayload(&index.Nodes[idx])
	}
	return nil
}
