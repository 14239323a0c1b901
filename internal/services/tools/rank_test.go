package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedFixture() []rankedItem {
	return []rankedItem{
		{score: 0.5, key: "e", payload: "e"},
		{score: 0.9, key: "b", payload: "b"},
		{score: 0.9, key: "a", payload: "a"},
		{score: 0.7, key: "c", payload: "c"},
		{score: 0.7, key: "d", payload: "d"},
	}
}

func TestPaginateRanked_SortsScoreDescThenKeyAsc(t *testing.T) {
	paged := paginateRanked(rankedFixture(), 10, "")

	assert.Equal(t, []interface{}{"a", "b", "c", "d", "e"}, paged.items)
	assert.False(t, paged.truncated)
	assert.Nil(t, paged.nextCursor)
}

func TestPaginateRanked_CursorResumesAfterLastRow(t *testing.T) {
	first := paginateRanked(rankedFixture(), 2, "")
	require.Len(t, first.items, 2)
	assert.True(t, first.truncated)
	require.NotNil(t, first.nextCursor)
	assert.Equal(t, "0.900000::b", *first.nextCursor)

	second := paginateRanked(rankedFixture(), 2, *first.nextCursor)
	assert.Equal(t, []interface{}{"c", "d"}, second.items)
	assert.True(t, second.truncated)
	require.NotNil(t, second.nextCursor)

	third := paginateRanked(rankedFixture(), 2, *second.nextCursor)
	assert.Equal(t, []interface{}{"e"}, third.items)
	assert.False(t, third.truncated)
	assert.Nil(t, third.nextCursor)
}

func TestPaginateRanked_TieBreakWithinEqualScores(t *testing.T) {
	// Cursor lands between two rows sharing a score; resumption must
	// skip exactly the rows at or before the cursor key.
	paged := paginateRanked(rankedFixture(), 1, encodeCursor(0.9, "a"))
	assert.Equal(t, []interface{}{"b"}, paged.items)
}

func TestPaginateRanked_MalformedCursorStartsOver(t *testing.T) {
	paged := paginateRanked(rankedFixture(), 2, "not-a-cursor")
	assert.Equal(t, []interface{}{"a", "b"}, paged.items)
}

func TestCursorRoundTrip(t *testing.T) {
	encoded := encodeCursor(0.912345, "abc::1")
	score, key, ok := decodeCursor(encoded)
	require.True(t, ok)
	assert.InDelta(t, 0.912345, score, 0.0001)
	assert.Equal(t, "abc::1", key)

	_, _, ok = decodeCursor("plain")
	assert.False(t, ok)
}

func TestConfidenceBlock_TiersAndRounding(t *testing.T) {
	high := confidenceBlock(0.8567, []string{"x"}, nil)
	assert.Equal(t, "high", high["tier"])
	assert.Equal(t, 0.857, high["score"])
	assert.Equal(t, []string{"x"}, high["factors"])
	assert.Equal(t, []string{}, high["warnings"])

	medium := confidenceBlock(0.6, nil, nil)
	assert.Equal(t, "medium", medium["tier"])

	low := confidenceBlock(0.45, nil, []string{"no_path_within_depth"})
	assert.Equal(t, "low", low["tier"])
	assert.Equal(t, []string{"no_path_within_depth"}, low["warnings"])
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "foo bar baz", normalizeText("Foo::Bar-baz"))
	assert.Equal(t, "snake_case", normalizeText("snake_case"))
	assert.Equal(t, "", normalizeText("!!"))
}

func TestLexicalScore(t *testing.T) {
	assert.Equal(t, 1.0, lexicalScore("handleRequest parses input", []string{"handlerequest", "input"}))
	assert.Equal(t, 0.5, lexicalScore("handleRequest parses input", []string{"handlerequest", "missing"}))
	assert.Equal(t, 0.0, lexicalScore("unrelated", []string{"query"}))
	assert.Equal(t, 0.0, lexicalScore("text", nil))
}

func TestNormalizePathLike(t *testing.T) {
	assert.Equal(t, "src/main.go", normalizePathLike("  \\src\\main.go  "))
	assert.Equal(t, "a/b", normalizePathLike("/a/b/"))
}

func TestIntArgClamping(t *testing.T) {
	args := map[string]interface{}{"maxDepth": float64(99)}
	assert.Equal(t, 10, intArg(args, "maxDepth", 4, 1, 10))
	assert.Equal(t, 4, intArg(map[string]interface{}{}, "maxDepth", 4, 1, 10))
	assert.Equal(t, 1, intArg(map[string]interface{}{"maxDepth": float64(0)}, "maxDepth", 4, 1, 10))
}

func TestDefinitions_CoverEveryTool(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, 16)

	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		names[def.Name] = true
		assert.Equal(t, "#/toolOutputs/"+def.Name, def.OutputSchemaRef)
		assert.NotEmpty(t, def.InputSchema)
	}
	for _, name := range []string{
		"symbol_lookup", "node_get", "neighbors_get", "edge_get",
		"text_search", "call_trace", "callers_of", "callees_of",
		"process_list", "process_get", "impact_analysis", "file_outline",
		"file_snippet", "community_list", "manifest_get", "query_explain",
	} {
		assert.True(t, names[name], name)
	}
}
