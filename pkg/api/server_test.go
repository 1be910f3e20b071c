package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/coordinator"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/events"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/handler"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/queue"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passHandler partitions inline records one per batch and is never run
type passHandler struct{}

func (passHandler) Partition(ctx context.Context, spec *types.JobSpec, artifacts *artifact.Store, jobID string) ([]handler.BatchInput, error) {
	var out []handler.BatchInput
	for range spec.Input.Records {
		out = append(out, handler.BatchInput{RecordCount: 1})
	}
	return out, nil
}

func (passHandler) Run(ctx context.Context, tc *handler.TaskContext) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifacts, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ref := "apitest/" + t.Name()
	handler.Register(ref, passHandler{})

	coord := coordinator.New(coordinator.Config{}, store, queue.New(store), artifacts, broker)
	server := NewServer(coord, store, broker, t.TempDir())

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, ref
}

func submitJob(t *testing.T, ts *httptest.Server, ref string) *types.Job {
	t.Helper()
	body, err := json.Marshal(SubmitRequest{
		Spec: &types.JobSpec{
			Name:       "api-test",
			HandlerRef: ref,
			Input:      types.InputSpec{Type: "inline", Records: []string{"a", "b"}},
		},
		SubmittedBy: "tester",
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job types.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return &job
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndGetJob(t *testing.T) {
	ts, ref := newTestServer(t)
	job := submitJob(t, ts, ref)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 2, job.BatchCount)
	assert.Equal(t, types.JobStatusPending, job.Status)

	resp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got types.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "tester", got.SubmittedBy)
}

func TestSubmitUnknownHandler(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(SubmitRequest{Spec: &types.JobSpec{
		Name:       "nope",
		HandlerRef: "missing/handler",
		Input:      types.InputSpec{Type: "inline"},
	}})
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, CodeUnknownHandler, errResp.Code)
}

func TestSubmitInvalidSpec(t *testing.T) {
	ts, ref := newTestServer(t)

	body, _ := json.Marshal(SubmitRequest{Spec: &types.JobSpec{HandlerRef: ref}})
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, CodeInvalidSpec, errResp.Code)
}

func TestGetJobNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/jobs/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, CodeJobNotFound, errResp.Code)
}

func TestListJobsAndTasks(t *testing.T) {
	ts, ref := newTestServer(t)
	job := submitJob(t, ts, ref)

	resp, err := http.Get(ts.URL + "/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []*types.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)

	resp, err = http.Get(ts.URL + "/v1/jobs/" + job.ID + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []*types.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	assert.Len(t, tasks, 2)

	// Status filter narrows the listing
	resp, err = http.Get(ts.URL + "/v1/jobs/" + job.ID + "/tasks?status=success")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	assert.Empty(t, tasks)
}

func TestCancelJob(t *testing.T) {
	ts, ref := newTestServer(t)
	job := submitJob(t, ts, ref)

	resp, err := http.Post(ts.URL+"/v1/jobs/"+job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A second cancel conflicts with the terminal state
	resp, err = http.Post(ts.URL+"/v1/jobs/"+job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, CodeJobTerminal, errResp.Code)
}

func TestLogsForMissingJob(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/jobs/no-such-job/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	ts, ref := newTestServer(t)
	submitJob(t, ts, ref)

	resp, err := http.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
