package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
)

func TestClient_SubmitStatusCancelRoundTrip(t *testing.T) {
	var submitted RunRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer remote-key", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/ep-1/run":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_ = json.NewEncoder(w).Encode(Job{ID: "r-1", Status: StatusInQueue})
		case r.Method == http.MethodGet && r.URL.Path == "/ep-1/status/r-1":
			_ = json.NewEncoder(w).Encode(StatusResponse{
				ID:     "r-1",
				Status: StatusCompleted,
				Output: map[string]interface{}{"fileName": "demo.mv2"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/ep-1/cancel/r-1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "r-1", "status": StatusCancelRequested})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "ep-1", "remote-key", common.GetLogger())

	job, err := client.Submit(context.Background(), RunRequest{
		Input:  RunInput{JobID: "job-1", PayloadRef: "file:///tmp/p.json", OutputPrefix: "/tmp/out"},
		Policy: RunPolicy{ExecutionTimeout: 600, TTL: 900},
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", job.ID)
	assert.Equal(t, StatusInQueue, job.Status)
	assert.Equal(t, "job-1", submitted.Input.JobID)
	assert.Equal(t, int64(600), submitted.Policy.ExecutionTimeout)

	status, err := client.Status(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, "demo.mv2", status.Output["fileName"])

	assert.NoError(t, client.Cancel(context.Background(), "r-1"))
}

func TestClient_SubmitSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint disabled", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.URL, "ep-1", "remote-key", common.GetLogger())
	_, err := client.Submit(context.Background(), RunRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestClient_CancelFailureIsBestEffort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "ep-1", "remote-key", common.GetLogger())
	assert.NoError(t, client.Cancel(context.Background(), "r-9"))
}

func TestStatusMessageMapping(t *testing.T) {
	assert.Equal(t, "Remote queued", StatusMessage(StatusInQueue))
	assert.Equal(t, "Remote running", StatusMessage(StatusInProgress))
	assert.Equal(t, "Remote completed", StatusMessage(StatusCompleted))
	assert.Equal(t, "Remote failed", StatusMessage(StatusFailed))
	assert.Equal(t, "Remote cancelled", StatusMessage(StatusCancelled))
	assert.Equal(t, "Remote timed out", StatusMessage(StatusTimedOut))
	assert.Equal(t, "Remote status: WARMING", StatusMessage("WARMING"))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusInQueue))
	assert.False(t, IsTerminal(StatusInProgress))
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusCancelled))
	assert.True(t, IsTerminal(StatusTimedOut))
}

func TestStaging_PayloadLifecycle(t *testing.T) {
	staging, err := NewStaging(filepath.Join(t.TempDir(), "staging"))
	require.NoError(t, err)

	req := &models.ExportRequest{SessionID: "s-1", ProjectName: "demo"}
	ref, err := staging.StagePayload("job-1", req)
	require.NoError(t, err)

	path := ResolveFileRef(ref)
	assert.Equal(t, filepath.Join(staging.Root(), "payloads", "job-1.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded models.ExportRequest
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "demo", decoded.ProjectName)

	assert.Equal(t, filepath.Join(staging.Root(), "outputs", "job-1"), staging.OutputPrefix("job-1"))

	staging.RemovePayload("job-1")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	staging.RemovePayload("job-1") // already gone, still fine
}

func TestResolveFileRef_PassesPlainPaths(t *testing.T) {
	assert.Equal(t, "/data/out/x.mv2", ResolveFileRef("/data/out/x.mv2"))
	assert.Equal(t, "/data/out/x.mv2", ResolveFileRef("file:///data/out/x.mv2"))
}
