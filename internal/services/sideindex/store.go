// -----------------------------------------------------------------------
// Side-Index Store - SQLite sidecar persistence beside the capsule
// -----------------------------------------------------------------------

package sideindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sidecarSchema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes_by_id (
	node_id TEXT PRIMARY KEY,
	node_label TEXT NOT NULL,
	node_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	start_line INTEGER,
	end_line INTEGER,
	language TEXT,
	uri TEXT NOT NULL,
	title TEXT NOT NULL,
	search_text TEXT NOT NULL,
	metadata_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes_by_label (
	node_label TEXT NOT NULL,
	node_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes_by_file (
	file_path TEXT NOT NULL,
	node_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS symbols_by_name_normalized (
	symbol_norm TEXT NOT NULL,
	symbol TEXT NOT NULL,
	node_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	node_label TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS edges (
	edge_id TEXT PRIMARY KEY,
	relation_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason TEXT NOT NULL,
	step INTEGER,
	uri TEXT NOT NULL,
	search_text TEXT NOT NULL,
	metadata_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS edges_by_source_type (
	source_id TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	edge_id TEXT NOT NULL,
	target_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS edges_by_target_type (
	target_id TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	edge_id TEXT NOT NULL,
	source_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS process_steps_by_process_id (
	process_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	function_id TEXT NOT NULL,
	relation_uri TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fulltext_lexical_index (
	ref_kind TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	uri TEXT NOT NULL,
	track TEXT NOT NULL,
	text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hotspots (
	file_path TEXT PRIMARY KEY,
	calls_count INTEGER NOT NULL,
	node_count INTEGER NOT NULL,
	score REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS community_membership (
	community_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	node_label TEXT NOT NULL,
	node_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_label ON nodes_by_label(node_label);
CREATE INDEX IF NOT EXISTS idx_nodes_file ON nodes_by_file(file_path);
CREATE INDEX IF NOT EXISTS idx_symbols_norm ON symbols_by_name_normalized(symbol_norm);
CREATE INDEX IF NOT EXISTS idx_edges_source_type ON edges_by_source_type(source_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_edges_target_type ON edges_by_target_type(target_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_process_steps ON process_steps_by_process_id(process_id, step);
CREATE INDEX IF NOT EXISTS idx_fulltext_kind ON fulltext_lexical_index(ref_kind);
CREATE INDEX IF NOT EXISTS idx_fulltext_uri ON fulltext_lexical_index(uri);
CREATE INDEX IF NOT EXISTS idx_community_id ON community_membership(community_id);
`

// Persist writes the index to its sidecar: schema is ensured, every
// table is cleared, then the full record set is rewritten inside one
// transaction.
func Persist(index *CapsuleIndex) error {
	if parent := filepath.Dir(index.SidecarPath); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("failed creating sidecar directory %s: %w", parent, err)
		}
	}

	db, err := sql.Open("sqlite", index.SidecarPath)
	if err != nil {
		return fmt.Errorf("failed opening sidecar %s: %w", index.SidecarPath, err)
	}
	defer db.Close()

	if _, err := db.Exec(sidecarSchema); err != nil {
		return fmt.Errorf("failed ensuring sidecar schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed opening sidecar transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"meta", "nodes_by_id", "nodes_by_label", "nodes_by_file",
		"symbols_by_name_normalized", "edges", "edges_by_source_type",
		"edges_by_target_type", "process_steps_by_process_id",
		"fulltext_lexical_index", "hotspots", "community_membership",
	} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed clearing sidecar table %s: %w", table, err)
		}
	}

	metaRows := [][2]string{
		{"index_schema_version", index.SchemaVersion},
		{"generated_at", index.GeneratedAt.Format(time.RFC3339)},
		{"manifest_json", encodeJSON(index.Manifest)},
		{"capabilities_json", encodeJSON(index.Capabilities)},
	}
	for _, row := range metaRows {
		if _, err := tx.Exec("INSERT INTO meta(key,value) VALUES(?,?)", row[0], row[1]); err != nil {
			return fmt.Errorf("failed writing sidecar meta %s: %w", row[0], err)
		}
	}

	for i := range index.Nodes {
		node := &index.Nodes[i]
		if _, err := tx.Exec(
			"INSERT INTO nodes_by_id(node_id,node_label,node_name,file_path,start_line,end_line,language,uri,title,search_text,metadata_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)",
			node.ID, node.Label, node.Name, node.FilePath,
			nullableInt(node.StartLine), nullableInt(node.EndLine), node.Language,
			node.URI, node.Title, node.SearchText, encodeJSON(node.Metadata),
		); err != nil {
			return fmt.Errorf("failed writing node %s: %w", node.ID, err)
		}
		if _, err := tx.Exec("INSERT INTO nodes_by_label(node_label,node_id) VALUES(?,?)", node.Label, node.ID); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO nodes_by_file(file_path,node_id) VALUES(?,?)", node.FilePath, node.ID); err != nil {
			return err
		}
	}

	for i := range index.Symbols {
		symbol := &index.Symbols[i]
		if _, err := tx.Exec(
			"INSERT INTO symbols_by_name_normalized(symbol_norm,symbol,node_id,file_path,node_label) VALUES(?,?,?,?,?)",
			symbol.SymbolNorm, symbol.Symbol, symbol.NodeID, symbol.FilePath, symbol.NodeLabel,
		); err != nil {
			return fmt.Errorf("failed writing symbol %s: %w", symbol.Symbol, err)
		}
	}

	for i := range index.Edges {
		edge := &index.Edges[i]
		if _, err := tx.Exec(
			"INSERT INTO edges(edge_id,relation_type,source_id,target_id,confidence,reason,step,uri,search_text,metadata_json) VALUES(?,?,?,?,?,?,?,?,?,?)",
			edge.ID, edge.RelationType, edge.SourceID, edge.TargetID,
			edge.Confidence, edge.Reason, nullableInt(edge.Step),
			edge.URI, edge.SearchText, encodeJSON(edge.Metadata),
		); err != nil {
			return fmt.Errorf("failed writing edge %s: %w", edge.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO edges_by_source_type(source_id,relation_type,edge_id,target_id) VALUES(?,?,?,?)",
			edge.SourceID, edge.RelationType, edge.ID, edge.TargetID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO edges_by_target_type(target_id,relation_type,edge_id,source_id) VALUES(?,?,?,?)",
			edge.TargetID, edge.RelationType, edge.ID, edge.SourceID,
		); err != nil {
			return err
		}
	}

	for i := range index.ProcessSteps {
		step := &index.ProcessSteps[i]
		if _, err := tx.Exec(
			"INSERT INTO process_steps_by_process_id(process_id,step,function_id,relation_uri) VALUES(?,?,?,?)",
			step.ProcessID, step.Step, step.FunctionID, step.RelationURI,
		); err != nil {
			return fmt.Errorf("failed writing process step: %w", err)
		}
	}

	for i := range index.Fulltext {
		entry := &index.Fulltext[i]
		if _, err := tx.Exec(
			"INSERT INTO fulltext_lexical_index(ref_kind,ref_id,uri,track,text) VALUES(?,?,?,?,?)",
			entry.RefKind, entry.RefID, entry.URI, entry.Track, entry.Text,
		); err != nil {
			return fmt.Errorf("failed writing fulltext entry %s: %w", entry.URI, err)
		}
	}

	for i := range index.Hotspots {
		hotspot := &index.Hotspots[i]
		if _, err := tx.Exec(
			"INSERT INTO hotspots(file_path,calls_count,node_count,score) VALUES(?,?,?,?)",
			hotspot.FilePath, hotspot.CallsCount, hotspot.NodeCount, hotspot.Score,
		); err != nil {
			return fmt.Errorf("failed writing hotspot %s: %w", hotspot.FilePath, err)
		}
	}

	for i := range index.CommunityMembership {
		membership := &index.CommunityMembership[i]
		if _, err := tx.Exec(
			"INSERT INTO community_membership(community_id,node_id,node_label,node_name) VALUES(?,?,?,?)",
			membership.CommunityID, membership.NodeID, membership.NodeLabel, membership.NodeName,
		); err != nil {
			return fmt.Errorf("failed writing community membership: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed committing sidecar %s: %w", index.SidecarPath, err)
	}
	return nil
}

// Load reads a previously persisted sidecar into a fresh index. A
// sidecar with a different index schema version is rejected.
func Load(capsulePath string) (*CapsuleIndex, error) {
	sidecarPath := SidecarPath(capsulePath)
	if _, err := os.Stat(sidecarPath); err != nil {
		return nil, fmt.Errorf("sidecar %s is not readable: %w", sidecarPath, err)
	}

	db, err := sql.Open("sqlite", sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("failed opening sidecar %s: %w", sidecarPath, err)
	}
	defer db.Close()

	index := &CapsuleIndex{
		CapsulePath: capsulePath,
		SidecarPath: sidecarPath,
	}

	if err := db.QueryRow("SELECT value FROM meta WHERE key='index_schema_version'").Scan(&index.SchemaVersion); err != nil {
		return nil, fmt.Errorf("sidecar %s has no schema version: %w", sidecarPath, err)
	}
	if index.SchemaVersion != IndexSchemaVersion {
		return nil, fmt.Errorf("sidecar %s uses schema %q, expected %q", sidecarPath, index.SchemaVersion, IndexSchemaVersion)
	}

	var generatedAt string
	if err := db.QueryRow("SELECT value FROM meta WHERE key='generated_at'").Scan(&generatedAt); err == nil {
		if parsed, parseErr := time.Parse(time.RFC3339, generatedAt); parseErr == nil {
			index.GeneratedAt = parsed
		}
	}
	if index.GeneratedAt.IsZero() {
		index.GeneratedAt = time.Now().UTC()
	}

	var manifestJSON, capabilitiesJSON string
	if err := db.QueryRow("SELECT value FROM meta WHERE key='manifest_json'").Scan(&manifestJSON); err == nil {
		index.Manifest = decodeJSON(manifestJSON)
	}
	if err := db.QueryRow("SELECT value FROM meta WHERE key='capabilities_json'").Scan(&capabilitiesJSON); err == nil {
		index.Capabilities = decodeJSON(capabilitiesJSON)
	}

	if index.Nodes, err = loadNodes(db); err != nil {
		return nil, err
	}
	if index.Edges, err = loadEdges(db); err != nil {
		return nil, err
	}
	if index.ProcessSteps, err = loadProcessSteps(db); err != nil {
		return nil, err
	}
	if index.Symbols, err = loadSymbols(db); err != nil {
		return nil, err
	}
	if index.Hotspots, err = loadHotspots(db); err != nil {
		return nil, err
	}
	if index.CommunityMembership, err = loadCommunityMembership(db); err != nil {
		return nil, err
	}
	if index.Fulltext, err = loadFulltext(db); err != nil {
		return nil, err
	}

	index.buildRuntimeMaps()
	return index, nil
}

func loadNodes(db *sql.DB) ([]NodeRecord, error) {
	rows, err := db.Query("SELECT node_id,node_label,node_name,file_path,start_line,end_line,language,uri,title,search_text,metadata_json FROM nodes_by_id")
	if err != nil {
		return nil, fmt.Errorf("failed reading nodes: %w", err)
	}
	defer rows.Close()

	var nodes []NodeRecord
	for rows.Next() {
		var (
			node         NodeRecord
			startLine    sql.NullInt64
			endLine      sql.NullInt64
			language     sql.NullString
			metadataJSON string
		)
		if err := rows.Scan(&node.ID, &node.Label, &node.Name, &node.FilePath,
			&startLine, &endLine, &language, &node.URI, &node.Title,
			&node.SearchText, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed scanning node row: %w", err)
		}
		node.StartLine = fromNullInt(startLine)
		node.EndLine = fromNullInt(endLine)
		node.Language = language.String
		node.Metadata = decodeJSON(metadataJSON)
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func loadEdges(db *sql.DB) ([]EdgeRecord, error) {
	rows, err := db.Query("SELECT edge_id,relation_type,source_id,target_id,confidence,reason,step,uri,search_text,metadata_json FROM edges")
	if err != nil {
		return nil, fmt.Errorf("failed reading edges: %w", err)
	}
	defer rows.Close()

	var edges []EdgeRecord
	for rows.Next() {
		var (
			edge         EdgeRecord
			step         sql.NullInt64
			metadataJSON string
		)
		if err := rows.Scan(&edge.ID, &edge.RelationType, &edge.SourceID,
			&edge.TargetID, &edge.Confidence, &edge.Reason, &step,
			&edge.URI, &edge.SearchText, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed scanning edge row: %w", err)
		}
		edge.Step = fromNullInt(step)
		edge.Metadata = decodeJSON(metadataJSON)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func loadProcessSteps(db *sql.DB) ([]ProcessStepRecord, error) {
	rows, err := db.Query("SELECT process_id,step,function_id,relation_uri FROM process_steps_by_process_id")
	if err != nil {
		return nil, fmt.Errorf("failed reading process steps: %w", err)
	}
	defer rows.Close()

	var steps []ProcessStepRecord
	for rows.Next() {
		var step ProcessStepRecord
		if err := rows.Scan(&step.ProcessID, &step.Step, &step.FunctionID, &step.RelationURI); err != nil {
			return nil, fmt.Errorf("failed scanning process step row: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func loadSymbols(db *sql.DB) ([]SymbolRecord, error) {
	rows, err := db.Query("SELECT symbol_norm,symbol,node_id,file_path,node_label FROM symbols_by_name_normalized")
	if err != nil {
		return nil, fmt.Errorf("failed reading symbols: %w", err)
	}
	defer rows.Close()

	var symbols []SymbolRecord
	for rows.Next() {
		var symbol SymbolRecord
		if err := rows.Scan(&symbol.SymbolNorm, &symbol.Symbol, &symbol.NodeID, &symbol.FilePath, &symbol.NodeLabel); err != nil {
			return nil, fmt.Errorf("failed scanning symbol row: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

func loadHotspots(db *sql.DB) ([]HotspotRecord, error) {
	rows, err := db.Query("SELECT file_path,calls_count,node_count,score FROM hotspots")
	if err != nil {
		return nil, fmt.Errorf("failed reading hotspots: %w", err)
	}
	defer rows.Close()

	var hotspots []HotspotRecord
	for rows.Next() {
		var hotspot HotspotRecord
		if err := rows.Scan(&hotspot.FilePath, &hotspot.CallsCount, &hotspot.NodeCount, &hotspot.Score); err != nil {
			return nil, fmt.Errorf("failed scanning hotspot row: %w", err)
		}
		hotspots = append(hotspots, hotspot)
	}
	return hotspots, rows.Err()
}

func loadCommunityMembership(db *sql.DB) ([]CommunityMembershipRecord, error) {
	rows, err := db.Query("SELECT community_id,node_id,node_label,node_name FROM community_membership")
	if err != nil {
		return nil, fmt.Errorf("failed reading community membership: %w", err)
	}
	defer rows.Close()

	var memberships []CommunityMembershipRecord
	for rows.Next() {
		var membership CommunityMembershipRecord
		if err := rows.Scan(&membership.CommunityID, &membership.NodeID, &membership.NodeLabel, &membership.NodeName); err != nil {
			return nil, fmt.Errorf("failed scanning community membership row: %w", err)
		}
		memberships = append(memberships, membership)
	}
	return memberships, rows.Err()
}

func loadFulltext(db *sql.DB) ([]FulltextEntry, error) {
	rows, err := db.Query("SELECT ref_kind,ref_id,uri,track,text FROM fulltext_lexical_index")
	if err != nil {
		return nil, fmt.Errorf("failed reading fulltext entries: %w", err)
	}
	defer rows.Close()

	var entries []FulltextEntry
	for rows.Next() {
		var entry FulltextEntry
		if err := rows.Scan(&entry.RefKind, &entry.RefID, &entry.URI, &entry.Track, &entry.Text); err != nil {
			return nil, fmt.Errorf("failed scanning fulltext row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func fromNullInt(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func encodeJSON(value map[string]interface{}) string {
	if value == nil {
		return "null"
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func decodeJSON(raw string) map[string]interface{} {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}

func nullableInt(value *int) interface{} {
	if value == nil {
		return nil
	}
	return int64(*value)
}
