// -----------------------------------------------------------------------
// Query Tools - Published tool catalog
// -----------------------------------------------------------------------

package tools

import "encoding/json"

// Definition is one published tool: its name, purpose and schemas.
type Definition struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"inputSchema"`
	OutputSchemaRef string          `json:"outputSchemaRef"`
}

func definition(name, description, inputSchema string) Definition {
	return Definition{
		Name:            name,
		Description:     description,
		InputSchema:     json.RawMessage(inputSchema),
		OutputSchemaRef: "#/toolOutputs/" + name,
	}
}

// Definitions lists every query tool in dispatch order.
func Definitions() []Definition {
	return []Definition{
		definition("symbol_lookup", "Find symbols by normalized name",
			`{"type":"object","required":["query"],"properties":{"query":{"type":"string"},"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("node_get", "Get one node by id",
			`{"type":"object","required":["nodeId"],"properties":{"nodeId":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("neighbors_get", "Get neighboring nodes and edges",
			`{"type":"object","required":["nodeId"],"properties":{"nodeId":{"type":"string"},"direction":{"type":"string"},"relationTypes":{"type":"array","items":{"type":"string"}},"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("edge_get", "Get one edge by id",
			`{"type":"object","required":["edgeId"],"properties":{"edgeId":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("text_search", "Lexical text search over indexed frames",
			`{"type":"object","required":["query"],"properties":{"query":{"type":"string"},"scope":{"type":"string"},"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("call_trace", "Trace CALLS paths between nodes",
			`{"type":"object","required":["fromNodeId"],"properties":{"fromNodeId":{"type":"string"},"toNodeId":{"type":"string"},"maxDepth":{"type":"integer"},"limitPaths":{"type":"integer"},"locator":{"type":"object"}}}`),
		definition("callers_of", "List incoming CALLS edges",
			`{"type":"object","required":["nodeId"],"properties":{"nodeId":{"type":"string"},"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("callees_of", "List outgoing CALLS edges",
			`{"type":"object","required":["nodeId"],"properties":{"nodeId":{"type":"string"},"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("process_list", "List process nodes",
			`{"type":"object","properties":{"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("process_get", "Get process details and ordered steps",
			`{"type":"object","required":["processId"],"properties":{"processId":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("impact_analysis", "Compute graph impact neighborhood",
			`{"type":"object","required":["nodeId"],"properties":{"nodeId":{"type":"string"},"maxDepth":{"type":"integer"},"locator":{"type":"object"}}}`),
		definition("file_outline", "List symbols in a file",
			`{"type":"object","required":["filePath"],"properties":{"filePath":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("file_snippet", "Get bounded snippet for node/file",
			`{"type":"object","properties":{"nodeId":{"type":"string"},"filePath":{"type":"string"},"maxChars":{"type":"integer"},"locator":{"type":"object"}}}`),
		definition("community_list", "List communities with membership counts",
			`{"type":"object","properties":{"limit":{"type":"integer"},"cursor":{"type":"string"},"locator":{"type":"object"}}}`),
		definition("manifest_get", "Return manifest and capabilities",
			`{"type":"object","properties":{"locator":{"type":"object"}}}`),
		definition("query_explain", "Explain retrieval/ranking and suggest tool sequence",
			`{"type":"object","properties":{"task":{"type":"string"},"query":{"type":"string"},"locator":{"type":"object"}}}`),
	}
}
