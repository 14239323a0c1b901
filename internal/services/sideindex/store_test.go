package sideindex

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/capsule"
)

func writtenCapsule(t *testing.T) (string, *CapsuleIndex) {
	t.Helper()
	dir := t.TempDir()
	capsulePath := filepath.Join(dir, "demo.mv2")

	req := indexRequest()
	docs := capsule.BuildFrameDocuments(req)
	writer := capsule.NewContainerWriter()
	require.NoError(t, writer.Write(context.Background(), capsulePath, docs, capsule.WriterOptions{}, nil))

	return capsulePath, BuildFromRequest(req, docs, capsulePath)
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	capsulePath, index := writtenCapsule(t)

	require.NoError(t, Persist(index))
	_, err := os.Stat(SidecarPath(capsulePath))
	require.NoError(t, err)

	loaded, err := Load(capsulePath)
	require.NoError(t, err)

	assert.Equal(t, IndexSchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, len(index.Nodes), len(loaded.Nodes))
	assert.Equal(t, len(index.Edges), len(loaded.Edges))
	assert.Equal(t, len(index.ProcessSteps), len(loaded.ProcessSteps))
	assert.Equal(t, len(index.Symbols), len(loaded.Symbols))
	assert.Equal(t, len(index.Hotspots), len(loaded.Hotspots))
	assert.Equal(t, len(index.CommunityMembership), len(loaded.CommunityMembership))
	assert.Equal(t, len(index.Fulltext), len(loaded.Fulltext))

	assert.Equal(t, "demo", loaded.Manifest["projectName"])
	assert.Equal(t, MCPSchemaVersion, loaded.Capabilities["schemaVersion"])

	// Node fields survive, including nullable lines and metadata.
	idx, ok := loaded.NodeByID["fn_helper"]
	require.True(t, ok)
	node := loaded.Nodes[idx]
	assert.Equal(t, "helperFunc", node.Name)
	assert.Equal(t, "src/util.go", node.FilePath)
	assert.Nil(t, node.StartLine)
	require.NotNil(t, node.Metadata)
	assert.Equal(t, "fn_helper", node.Metadata["id"])

	// Edge fields survive, including the step pointer.
	edgeIdx, ok := loaded.EdgeByID["e_step2"]
	require.True(t, ok)
	edge := loaded.Edges[edgeIdx]
	assert.Equal(t, "STEP_IN_PROCESS", edge.RelationType)
	require.NotNil(t, edge.Step)
	assert.Equal(t, 1, *edge.Step)

	// Runtime maps are rebuilt from the loaded records.
	assert.Len(t, loaded.ProcessStepByProcess["proc_boot"], 2)
	assert.Len(t, loaded.EdgesOutByNode["fn_main"], 2)
}

func TestPersist_IsIdempotent(t *testing.T) {
	_, index := writtenCapsule(t)

	require.NoError(t, Persist(index))
	require.NoError(t, Persist(index))

	loaded, err := Load(index.CapsulePath)
	require.NoError(t, err)
	assert.Equal(t, len(index.Nodes), len(loaded.Nodes), "rewrite replaces rows instead of appending")
	assert.Equal(t, len(index.Fulltext), len(loaded.Fulltext))
}

func TestLoad_MissingSidecar(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.mv2"))
	require.Error(t, err)
}

func TestLoad_RejectsForeignSchemaVersion(t *testing.T) {
	capsulePath, index := writtenCapsule(t)
	require.NoError(t, Persist(index))

	db, err := sql.Open("sqlite", SidecarPath(capsulePath))
	require.NoError(t, err)
	_, err = db.Exec("UPDATE meta SET value='gitnexus.mcp.index.v0' WHERE key='index_schema_version'")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Load(capsulePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gitnexus.mcp.index.v0")
}

func TestLoader_ServesPersistedSidecar(t *testing.T) {
	capsulePath, index := writtenCapsule(t)
	require.NoError(t, Persist(index))

	loader := NewLoader(common.GetLogger())
	rebuilds := 0
	loader.OnRebuild = func(string) { rebuilds++ }

	got, err := loader.Get(capsulePath)
	require.NoError(t, err)
	assert.Equal(t, len(index.Nodes), len(got.Nodes))
	assert.Equal(t, 0, rebuilds)

	again, err := loader.Get(capsulePath)
	require.NoError(t, err)
	assert.Same(t, got, again)
}

func TestLoader_RebuildsFromCapsuleOnce(t *testing.T) {
	capsulePath, _ := writtenCapsule(t)

	loader := NewLoader(common.GetLogger())
	rebuilds := 0
	loader.OnRebuild = func(path string) {
		rebuilds++
		assert.Equal(t, capsulePath, path)
	}

	got, err := loader.Get(capsulePath)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Nodes)
	assert.Equal(t, 1, rebuilds)

	// The rebuild persisted the sidecar back beside the capsule.
	_, err = os.Stat(SidecarPath(capsulePath))
	require.NoError(t, err)

	_, err = loader.Get(capsulePath)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilds)
}

func TestLoader_IncompatibleCapsule(t *testing.T) {
	dir := t.TempDir()
	capsulePath := filepath.Join(dir, "broken.mv2")
	require.NoError(t, os.WriteFile(capsulePath, []byte("not a capsule"), 0o644))

	loader := NewLoader(common.GetLogger())
	_, err := loader.Get(capsulePath)
	require.Error(t, err)

	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, models.ErrCodeCapsuleIncompatible, apiErr.Code)
}

func TestLoader_EvictForcesReload(t *testing.T) {
	capsulePath, index := writtenCapsule(t)
	require.NoError(t, Persist(index))

	loader := NewLoader(common.GetLogger())
	first, err := loader.Get(capsulePath)
	require.NoError(t, err)

	loader.Evict(capsulePath)

	second, err := loader.Get(capsulePath)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
