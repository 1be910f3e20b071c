package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/api"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/events"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/hashicorp/go-cleanhttp"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a job-not-found response
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == api.CodeJobNotFound
}

// IsUnknownHandler reports whether err is an unknown-handler rejection
func IsUnknownHandler(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == api.CodeUnknownHandler
}

// IsInvalidSpec reports whether err is a spec validation rejection
func IsInvalidSpec(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == api.CodeInvalidSpec
}

// Client talks to a running server over HTTP JSON
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given server address
func New(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	c := cleanhttp.DefaultClient()
	c.Timeout = 30 * time.Second
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    c,
	}
}

// Submit sends a job spec for execution
func (c *Client) Submit(ctx context.Context, spec *types.JobSpec, submittedBy string) (*types.Job, error) {
	var job types.Job
	req := api.SubmitRequest{Spec: spec, SubmittedBy: submittedBy}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job manifest
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches all job manifests
func (c *Client) ListJobs(ctx context.Context) ([]*types.Job, error) {
	var jobs []*types.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListTasks fetches a job's tasks, optionally filtered by status
func (c *Client) ListTasks(ctx context.Context, jobID, status string) ([]*types.Task, error) {
	path := "/v1/jobs/" + jobID + "/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var tasks []*types.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Cancel requests cancellation of a job
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, nil)
}

// Logs streams the job's log file to w
func (c *Client) Logs(ctx context.Context, jobID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID+"/logs", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Events fetches the server's recent event ring
func (c *Client) Events(ctx context.Context) ([]*events.Event, error) {
	var evts []*events.Event
	if err := c.do(ctx, http.MethodGet, "/v1/events", nil, &evts); err != nil {
		return nil, err
	}
	return evts, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: api.CodeInternal, Message: resp.Status}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error}
}
