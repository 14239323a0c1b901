// -----------------------------------------------------------------------
// Capsule Frames - Document model shared by transform, writer and index
// -----------------------------------------------------------------------

package capsule

// Schema version identifiers stamped into every export.
const (
	MV2SchemaVersion    = "gitnexus.mv2.schema.v1"
	ExportSchemaVersion = "gitnexus.export.schema.v1"
	AIBibleVersion      = "gitnexus.ai-bible.v1"
	ToolSetVersion      = "gitnexus.tools.v1"
)

// ToolCount is the number of query tools every capsule advertises.
const ToolCount = 16

// DefaultResponseBudgetBytes is the advertised per-response size budget.
const DefaultResponseBudgetBytes = 65536

// FrameDocument is one logical document prepared for the capsule. The
// transform stage produces these; the writer persists them and the
// side-index derives its records from them.
type FrameDocument struct {
	Title    string
	Label    string
	Text     string
	URI      string
	Track    string
	Tags     []string // "key=value" pairs
	Metadata map[string]interface{}
}

// StoredFrame is a frame as it exists inside a capsule container, with
// the writer's assembled tag map.
type StoredFrame struct {
	Title    string                 `json:"title"`
	Label    string                 `json:"label"`
	URI      string                 `json:"uri"`
	Track    string                 `json:"track"`
	Text     string                 `json:"text"`
	Tags     map[string]string      `json:"tags"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
