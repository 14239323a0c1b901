// -----------------------------------------------------------------------
// Export Request - Submitted project graph payload
// -----------------------------------------------------------------------

package models

import (
	"github.com/go-playground/validator/v10"
)

// ExportSource describes where the submitted project graph came from.
type ExportSource struct {
	Type             string `json:"type"`
	BaseName         string `json:"baseName"`
	DisplayName      string `json:"displayName"`
	URL              string `json:"url,omitempty"`
	Branch           string `json:"branch,omitempty"`
	OriginalFileName string `json:"originalFileName,omitempty"`
	FolderName       string `json:"folderName,omitempty"`
}

// NodeProperties carries the analyzed attributes of a graph node. Most
// fields are optional enrichments; pointer fields distinguish "absent"
// from a genuine zero.
type NodeProperties struct {
	Name             string   `json:"name"`
	FilePath         string   `json:"filePath"`
	StartLine        *int     `json:"startLine,omitempty"`
	EndLine          *int     `json:"endLine,omitempty"`
	Language         string   `json:"language,omitempty"`
	IsExported       *bool    `json:"isExported,omitempty"`
	HeuristicLabel   string   `json:"heuristicLabel,omitempty"`
	Cohesion         *float64 `json:"cohesion,omitempty"`
	SymbolCount      *int     `json:"symbolCount,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	Description      string   `json:"description,omitempty"`
	EnrichedBy       string   `json:"enrichedBy,omitempty"`
	ProcessType      string   `json:"processType,omitempty"`
	StepCount        *int     `json:"stepCount,omitempty"`
	Communities      []string `json:"communities,omitempty"`
	EntryPointID     string   `json:"entryPointId,omitempty"`
	TerminalID       string   `json:"terminalId,omitempty"`
	EntryPointScore  *float64 `json:"entryPointScore,omitempty"`
	EntryPointReason string   `json:"entryPointReason,omitempty"`
}

// GraphNode is one node of the submitted project graph.
type GraphNode struct {
	ID         string         `json:"id" validate:"required"`
	Label      string         `json:"label" validate:"required"`
	Properties NodeProperties `json:"properties"`
}

// GraphRelationship is one directed edge of the submitted project graph.
type GraphRelationship struct {
	ID         string  `json:"id" validate:"required"`
	SourceID   string  `json:"sourceId" validate:"required"`
	TargetID   string  `json:"targetId" validate:"required"`
	Type       string  `json:"type" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reason     string  `json:"reason"`
	Step       *int    `json:"step,omitempty"`
}

// ExportOptions tunes frame generation during the transform stage.
type ExportOptions struct {
	SemanticEnabled   bool `json:"semanticEnabled"`
	MaxSnippetChars   int  `json:"maxSnippetChars"`
	MaxNodeFrames     int  `json:"maxNodeFrames"`
	MaxRelationFrames int  `json:"maxRelationFrames"`
}

// ExportRequest is the full submission payload: the project graph, raw
// file contents keyed by path, and transform options.
type ExportRequest struct {
	SessionID     string              `json:"sessionId" validate:"required"`
	ProjectName   string              `json:"projectName" validate:"required"`
	Source        ExportSource        `json:"source"`
	Nodes         []GraphNode         `json:"nodes" validate:"required,dive"`
	Relationships []GraphRelationship `json:"relationships" validate:"required,dive"`
	FileContents  map[string]string   `json:"fileContents"`
	Options       ExportOptions       `json:"options"`
}

// Validate validates the request using go-playground/validator tags.
// Emptiness of nodes/relationships is checked separately at the handler
// so the boundary can return its canonical message.
func (r *ExportRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Clone returns a structural copy safe to hand to the pipeline worker:
// slices and the file-contents map are copied, element structs are copied
// by value and treated as read-only downstream.
func (r *ExportRequest) Clone() *ExportRequest {
	nodes := make([]GraphNode, len(r.Nodes))
	copy(nodes, r.Nodes)

	relationships := make([]GraphRelationship, len(r.Relationships))
	copy(relationships, r.Relationships)

	files := make(map[string]string, len(r.FileContents))
	for path, content := range r.FileContents {
		files[path] = content
	}

	clone := *r
	clone.Nodes = nodes
	clone.Relationships = relationships
	clone.FileContents = files
	return &clone
}
