// -----------------------------------------------------------------------
// Side-Index - Queryable record model derived from an exported capsule
// -----------------------------------------------------------------------

package sideindex

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/capsule"
)

// Schema identifiers stamped into the capabilities blob and the sidecar.
const (
	MCPSchemaVersion   = "gitnexus.mcp.v1"
	IndexSchemaVersion = "gitnexus.mcp.index.v1"
)

// NodeRecord is one indexed graph node.
type NodeRecord struct {
	ID         string
	Label      string
	Name       string
	FilePath   string
	StartLine  *int
	EndLine    *int
	Language   string
	URI        string
	Title      string
	SearchText string
	Metadata   map[string]interface{}
}

// EdgeRecord is one indexed graph relationship.
type EdgeRecord struct {
	ID           string
	RelationType string
	SourceID     string
	TargetID     string
	Confidence   float64
	Reason       string
	Step         *int
	URI          string
	SearchText   string
	Metadata     map[string]interface{}
}

// ProcessStepRecord links one process to one function at one step.
type ProcessStepRecord struct {
	ProcessID   string
	Step        int
	FunctionID  string
	RelationURI string
}

// SymbolRecord maps a normalized symbol name back to its node.
type SymbolRecord struct {
	SymbolNorm string
	Symbol     string
	NodeID     string
	FilePath   string
	NodeLabel  string
}

// HotspotRecord scores one source file by call traffic and node density.
type HotspotRecord struct {
	FilePath   string
	CallsCount int
	NodeCount  int
	Score      float64
}

// CommunityMembershipRecord places one node inside one community.
type CommunityMembershipRecord struct {
	CommunityID string
	NodeID      string
	NodeLabel   string
	NodeName    string
}

// FulltextEntry is one lexical-search document.
type FulltextEntry struct {
	RefKind string
	RefID   string
	URI     string
	Track   string
	Text    string
}

// CapsuleIndex is the in-memory query structure for one capsule: the
// flat record lists plus the adjacency maps the tools traverse. Indexes
// into the record slices are stored in the maps, never pointers.
type CapsuleIndex struct {
	CapsulePath   string
	SidecarPath   string
	SchemaVersion string
	GeneratedAt   time.Time
	Manifest      map[string]interface{}
	Capabilities  map[string]interface{}

	Nodes               []NodeRecord
	Edges               []EdgeRecord
	ProcessSteps        []ProcessStepRecord
	Symbols             []SymbolRecord
	Hotspots            []HotspotRecord
	CommunityMembership []CommunityMembershipRecord
	Fulltext            []FulltextEntry

	NodeByID             map[string]int
	EdgeByID             map[string]int
	EdgesOutByNode       map[string][]int
	EdgesInByNode        map[string][]int
	NodesByLabel         map[string][]int
	NodesByFile          map[string][]int
	ProcessStepByProcess map[string][]int
	SymbolsByNorm        map[string][]int
}

// SidecarPath returns the sidecar filename beside the capsule:
// <capsule file name>.index.v1.sqlite in the same directory.
func SidecarPath(capsulePath string) string {
	fileName := filepath.Base(capsulePath)
	if fileName == "." || fileName == string(filepath.Separator) {
		fileName = "capsule.mv2"
	}
	dir := filepath.Dir(capsulePath)
	return filepath.Join(dir, fileName+".index.v1.sqlite")
}

// buildRuntimeMaps rebuilds every adjacency map from the record slices.
// Process steps per process are ordered by (step, functionID).
func (idx *CapsuleIndex) buildRuntimeMaps() {
	idx.NodeByID = make(map[string]int, len(idx.Nodes))
	idx.EdgeByID = make(map[string]int, len(idx.Edges))
	idx.EdgesOutByNode = make(map[string][]int)
	idx.EdgesInByNode = make(map[string][]int)
	idx.NodesByLabel = make(map[string][]int)
	idx.NodesByFile = make(map[string][]int)
	idx.ProcessStepByProcess = make(map[string][]int)
	idx.SymbolsByNorm = make(map[string][]int)

	for i := range idx.Nodes {
		node := &idx.Nodes[i]
		idx.NodeByID[node.ID] = i
		idx.NodesByLabel[node.Label] = append(idx.NodesByLabel[node.Label], i)
		idx.NodesByFile[node.FilePath] = append(idx.NodesByFile[node.FilePath], i)
	}

	for i := range idx.Edges {
		edge := &idx.Edges[i]
		idx.EdgeByID[edge.ID] = i
		idx.EdgesOutByNode[edge.SourceID] = append(idx.EdgesOutByNode[edge.SourceID], i)
		idx.EdgesInByNode[edge.TargetID] = append(idx.EdgesInByNode[edge.TargetID], i)
	}

	for i := range idx.ProcessSteps {
		step := &idx.ProcessSteps[i]
		idx.ProcessStepByProcess[step.ProcessID] = append(idx.ProcessStepByProcess[step.ProcessID], i)
	}
	for _, entries := range idx.ProcessStepByProcess {
		sortProcessStepIndices(idx.ProcessSteps, entries)
	}

	for i := range idx.Symbols {
		symbol := &idx.Symbols[i]
		idx.SymbolsByNorm[symbol.SymbolNorm] = append(idx.SymbolsByNorm[symbol.SymbolNorm], i)
	}
}

// BuildFromRequest derives the index straight from the submitted request
// and its prepared frame documents. Frames are routed by label: relation
// frames become edges, the manifest frame becomes the manifest blob,
// AI-bible frames only flip the hasAiBible capability, everything else
// becomes a node. Every frame contributes one fulltext entry.
func BuildFromRequest(req *models.ExportRequest, docs []capsule.FrameDocument, capsulePath string) *CapsuleIndex {
	var (
		nodes      []NodeRecord
		edges      []EdgeRecord
		fulltext   []FulltextEntry
		manifest   map[string]interface{}
		hasAiBible bool
	)

	for i := range docs {
		doc := &docs[i]
		if strings.HasPrefix(doc.URI, "mv2://meta/ai-bible/") {
			hasAiBible = true
		}

		kind := "node"
		switch doc.Label {
		case "relation":
			kind = "relation"
		case "manifest":
			kind = "manifest"
		case "ai_bible":
			kind = "ai_bible"
		}

		fulltext = append(fulltext, FulltextEntry{
			RefKind: kind,
			RefID:   doc.URI,
			URI:     doc.URI,
			Track:   doc.Track,
			Text:    doc.Text,
		})

		switch doc.Label {
		case "manifest":
			manifest = normalizeMetadata(doc.Metadata)
		case "relation":
			edges = append(edges, edgeFromMetadata(doc.URI, doc.Text, doc.Metadata))
		case "ai_bible":
			// Indexed for fulltext only.
		default:
			nodes = append(nodes, nodeFromRequestDoc(doc))
		}
	}

	index := &CapsuleIndex{
		CapsulePath:         capsulePath,
		SidecarPath:         SidecarPath(capsulePath),
		SchemaVersion:       IndexSchemaVersion,
		GeneratedAt:         time.Now().UTC(),
		Manifest:            manifest,
		Nodes:               nodes,
		Edges:               edges,
		Fulltext:            fulltext,
		ProcessSteps:        deriveProcessSteps(edges),
		Symbols:             deriveSymbols(nodes),
		Hotspots:            deriveHotspots(nodes, edges),
		CommunityMembership: deriveCommunityMembership(nodes),
	}
	index.Capabilities = capabilitiesBlob(index, req.Options.SemanticEnabled, hasAiBible, nil)
	index.buildRuntimeMaps()
	return index
}

// BuildFromCapsule re-derives the index from a capsule's stored frames.
// Classification follows URI prefixes; node and edge fields are recovered
// from the frame text (`id=`/`name=`/`filePath=` lines, the trailing
// `metadata={...}` JSON) so legacy capsules without structured metadata
// still index.
func BuildFromCapsule(capsulePath string) (*CapsuleIndex, error) {
	header, frames, err := capsule.OpenCapsule(capsulePath)
	if err != nil {
		return nil, err
	}

	var (
		nodes      []NodeRecord
		edges      []EdgeRecord
		fulltext   []FulltextEntry
		manifest   map[string]interface{}
		hasAiBible bool
	)

	for i := range frames {
		frame := &frames[i]
		uri := frame.URI
		text := frame.Text

		refKind := "node"
		switch {
		case strings.HasPrefix(uri, "mv2://relations/"):
			refKind = "relation"
		case strings.HasPrefix(uri, "mv2://meta/manifest"):
			refKind = "manifest"
		case strings.HasPrefix(uri, "mv2://meta/ai-bible/"):
			refKind = "ai_bible"
			hasAiBible = true
		}

		fulltext = append(fulltext, FulltextEntry{
			RefKind: refKind,
			RefID:   uri,
			URI:     uri,
			Track:   frame.Track,
			Text:    text,
		})

		switch refKind {
		case "manifest":
			manifest = parseMetadataJSON(text)
		case "ai_bible":
			// Indexed for fulltext only.
		case "relation":
			metadata := parseMetadataJSON(text)
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			edge := EdgeRecord{
				ID:           strings.TrimPrefix(uri, "mv2://relations/"),
				RelationType: metaString(metadata, "type"),
				SourceID:     metaString(metadata, "sourceId"),
				TargetID:     metaString(metadata, "targetId"),
				Confidence:   metaFloat(metadata, "confidence"),
				Reason:       metaString(metadata, "reason"),
				Step:         metaInt(metadata, "step"),
				URI:          uri,
				SearchText:   text,
				Metadata:     metadata,
			}
			if edge.RelationType == "" {
				edge.RelationType = parseLinePrefix(text, "Relationship ")
			}
			if edge.RelationType == "" {
				edge.RelationType = "UNKNOWN"
			}
			if edge.Step == nil {
				edge.Step = parseStepLine(text)
			}
			edges = append(edges, edge)
		default:
			metadata := parseMetadataJSON(text)

			label := ""
			switch {
			case strings.HasPrefix(uri, "mv2://communities/"):
				label = "Community"
			case strings.HasPrefix(uri, "mv2://processes/"):
				label = "Process"
			default:
				label = parseLinePrefix(text, "Node ")
				if label == "" {
					label = "Node"
				}
			}

			id := parseLineValue(text, "id")
			if id == "" {
				if pos := strings.LastIndex(uri, "/"); pos >= 0 {
					id = uri[pos+1:]
				}
			}
			name := parseLineValue(text, "name")
			if name == "" {
				name = id
			}

			nodes = append(nodes, NodeRecord{
				ID:         id,
				Label:      label,
				Name:       name,
				FilePath:   parseLineValue(text, "filePath"),
				StartLine:  metaInt(metadata, "startLine"),
				EndLine:    metaInt(metadata, "endLine"),
				Language:   metaString(metadata, "language"),
				URI:        uri,
				Title:      name,
				SearchText: text,
				Metadata:   metadata,
			})
		}
	}

	index := &CapsuleIndex{
		CapsulePath:         capsulePath,
		SidecarPath:         SidecarPath(capsulePath),
		SchemaVersion:       IndexSchemaVersion,
		GeneratedAt:         time.Now().UTC(),
		Manifest:            manifest,
		Nodes:               nodes,
		Edges:               edges,
		Fulltext:            fulltext,
		ProcessSteps:        deriveProcessSteps(edges),
		Symbols:             deriveSymbols(nodes),
		Hotspots:            deriveHotspots(nodes, edges),
		CommunityMembership: deriveCommunityMembership(nodes),
	}
	stats := map[string]interface{}{"container": header.Format}
	index.Capabilities = capabilitiesBlob(index, header.Semantic, hasAiBible, stats)
	index.buildRuntimeMaps()
	return index, nil
}

func capabilitiesBlob(index *CapsuleIndex, supportsSemantic, hasAiBible bool, stats map[string]interface{}) map[string]interface{} {
	capabilities := map[string]interface{}{
		"schemaVersion":            MCPSchemaVersion,
		"indexSchemaVersion":       IndexSchemaVersion,
		"supportsSemanticFallback": supportsSemantic,
		"hasAiBible":               hasAiBible,
		"hasManifest":              index.Manifest != nil,
		"nodeCount":                len(index.Nodes),
		"edgeCount":                len(index.Edges),
		"fulltextCount":            len(index.Fulltext),
	}
	if stats != nil {
		capabilities["stats"] = stats
	}
	return capabilities
}

func nodeFromRequestDoc(doc *capsule.FrameDocument) NodeRecord {
	metadata := normalizeMetadata(doc.Metadata)

	id := metaString(metadata, "id")
	if id == "" {
		id = strings.TrimPrefix(doc.URI, "mv2://nodes/")
	}
	label := metaString(metadata, "label")
	if label == "" {
		label = doc.Label
	}
	name := metaString(metadata, "name")
	if name == "" {
		name = doc.Title
	}

	return NodeRecord{
		ID:         id,
		Label:      label,
		Name:       name,
		FilePath:   metaString(metadata, "filePath"),
		StartLine:  metaInt(metadata, "startLine"),
		EndLine:    metaInt(metadata, "endLine"),
		Language:   metaString(metadata, "language"),
		URI:        doc.URI,
		Title:      doc.Title,
		SearchText: doc.Text,
		Metadata:   metadata,
	}
}

func edgeFromMetadata(uri, text string, raw map[string]interface{}) EdgeRecord {
	metadata := normalizeMetadata(raw)

	id := metaString(metadata, "id")
	if id == "" {
		id = strings.TrimPrefix(uri, "mv2://relations/")
	}
	relationType := metaString(metadata, "type")
	if relationType == "" {
		relationType = "UNKNOWN"
	}

	return EdgeRecord{
		ID:           id,
		RelationType: relationType,
		SourceID:     metaString(metadata, "sourceId"),
		TargetID:     metaString(metadata, "targetId"),
		Confidence:   metaFloat(metadata, "confidence"),
		Reason:       metaString(metadata, "reason"),
		Step:         metaInt(metadata, "step"),
		URI:          uri,
		SearchText:   text,
		Metadata:     metadata,
	}
}
