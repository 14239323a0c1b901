package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/models"
)

func TestListHandler_ReturnsEventHistory(t *testing.T) {
	fx := newHandlerFixture(t, nil)
	jobID := fx.queuedJob(t)

	_, _, err := fx.events.Progress(jobID, models.StageTransform, 5, nil, "Transforming graph data", nil)
	require.NoError(t, err)
	_, _, err = fx.events.Progress(jobID, models.StageFramePrep, 20, nil, "Preparing frame documents", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	fx.evh.ListHandler(rr, authedRequest(t, http.MethodGet, "/v1/exports/"+jobID+"/events", nil), jobID)

	require.Equal(t, http.StatusOK, rr.Code)
	var response models.ExportEventsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, jobID, response.JobID)
	require.Len(t, response.Events, 2)
	assert.Equal(t, int64(1), response.Events[0].Seq)
	assert.Equal(t, int64(2), response.Events[1].Seq)
	assert.Equal(t, int64(3), response.NextSeq)
	assert.Equal(t, models.JobStatusQueued, response.StatusSnapshot.Status)
}

func TestListHandler_ResumesPastSinceSeq(t *testing.T) {
	fx := newHandlerFixture(t, nil)
	jobID := fx.queuedJob(t)

	_, _, err := fx.events.Progress(jobID, models.StageTransform, 5, nil, "Transforming graph data", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	fx.evh.ListHandler(rr, authedRequest(t, http.MethodGet, "/v1/exports/"+jobID+"/events?sinceSeq=1", nil), jobID)

	require.Equal(t, http.StatusOK, rr.Code)
	var response models.ExportEventsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Empty(t, response.Events)
	assert.Equal(t, int64(2), response.NextSeq)
}

func TestListHandler_ClampsLimit(t *testing.T) {
	fx := newHandlerFixture(t, nil)
	jobID := fx.queuedJob(t)

	for i := 0; i < 3; i++ {
		_, _, err := fx.events.Heartbeat(jobID, models.StageWriteCapsule, 60, "Writing frames")
		require.NoError(t, err)
	}

	rr := httptest.NewRecorder()
	fx.evh.ListHandler(rr, authedRequest(t, http.MethodGet, "/v1/exports/"+jobID+"/events?limit=0", nil), jobID)

	require.Equal(t, http.StatusOK, rr.Code)
	var response models.ExportEventsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Len(t, response.Events, 1, "limit below 1 clamps to 1")
}

func TestListHandler_ExpiredJob(t *testing.T) {
	fx := newHandlerFixture(t, nil)
	jobID := fx.queuedJob(t)

	require.NoError(t, fx.registry.Update(jobID, func(record *models.JobRecord) {
		record.Status = models.JobStatusExpired
	}))

	rr := httptest.NewRecorder()
	fx.evh.ListHandler(rr, authedRequest(t, http.MethodGet, "/v1/exports/"+jobID+"/events", nil), jobID)

	assert.Equal(t, http.StatusGone, rr.Code)
	code, message := decodeAPIError(t, rr)
	assert.Equal(t, models.ErrCodeJobExpired, code)
	assert.Equal(t, "Export job has expired.", message)
}

func TestStreamHandler_UnknownJob(t *testing.T) {
	fx := newHandlerFixture(t, nil)

	rr := httptest.NewRecorder()
	fx.evh.StreamHandler(rr, authedRequest(t, http.MethodGet, "/v1/exports/nope/events/stream", nil), "nope")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	code, _ := decodeAPIError(t, rr)
	assert.Equal(t, models.ErrCodeJobNotFound, code)
}

func TestStreamHandler_StreamTornDown(t *testing.T) {
	fx := newHandlerFixture(t, nil)
	jobID := fx.queuedJob(t)

	// The registry still knows the job, but the bus stream is gone.
	fx.events.Unregister(jobID)

	rr := httptest.NewRecorder()
	fx.evh.StreamHandler(rr, authedRequest(t, http.MethodGet, "/v1/exports/"+jobID+"/events/stream", nil), jobID)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	code, message := decodeAPIError(t, rr)
	assert.Equal(t, models.ErrCodeEventStreamNotFound, code)
	assert.Equal(t, "Event stream unavailable for this export job.", message)
}

// TestStreamHandler_ReplaysThenStreams drives the SSE endpoint over a
// real connection: historical events arrive first, then a live event
// published after the stream attached.
func TestStreamHandler_ReplaysThenStreams(t *testing.T) {
	fx := newHandlerFixture(t, nil)
	jobID := fx.queuedJob(t)

	_, _, err := fx.events.Progress(jobID, models.StageTransform, 5, nil, "Transforming graph data", nil)
	require.NoError(t, err)
	_, _, err = fx.events.Progress(jobID, models.StageFramePrep, 20, nil, "Preparing frame documents", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.evh.StreamHandler(w, r, jobID)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Query-token auth: EventSource clients cannot set headers.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?access_token="+testAPIKey, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	frames := make(chan string, 16)
	go func() {
		for {
			line, readErr := reader.ReadString('\n')
			if readErr != nil {
				close(frames)
				return
			}
			frames <- strings.TrimRight(line, "\n")
		}
	}()

	expectLine := func(want string) {
		t.Helper()
		for {
			select {
			case line, open := <-frames:
				if !open {
					t.Fatalf("stream closed while waiting for %q", want)
				}
				if line == "" || strings.HasPrefix(line, ":") {
					continue // keep-alive and frame separators
				}
				assert.Equal(t, want, line)
				return
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	skipData := func() {
		t.Helper()
		for {
			select {
			case line := <-frames:
				if strings.HasPrefix(line, "data: ") {
					return
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for data line")
			}
		}
	}

	expectLine("id: 1")
	expectLine("event: stage-progress")
	skipData()
	expectLine("id: 2")
	expectLine("event: stage-progress")
	skipData()

	// A live event published after attach flows through the same stream.
	_, _, err = fx.events.Progress(jobID, models.StageWriteCapsule, 60, nil, "Writing frames", nil)
	require.NoError(t, err)

	expectLine("id: 3")
	expectLine("event: stage-progress")
	skipData()
}
