// Package backend talks to the remote simulation job-execution backend:
// job records (create, query, delete), simulation triggers and result
// downloads, for any job type described by a jobtype.Descriptor.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/metrics"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// Run trigger statuses reported by the backend.
const (
	RunStatusSuccess = "success"
	RunStatusInfo    = "info"
	RunStatusError   = "error"
)

// maxArtifactBytes bounds a downloaded report.
const maxArtifactBytes = 256 << 20

// RunOutcome is the backend's answer to a simulation trigger. It says
// nothing about whether the simulation itself succeeds.
type RunOutcome struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HTTPClient is the backend client shared by every job type.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	metrics *metrics.Collector
}

// NewHTTPClient creates a backend client. token may be empty; m may be nil.
func NewHTTPClient(baseURL, token string, timeout time.Duration, m *metrics.Collector) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// For returns a client bound to one job type.
func (c *HTTPClient) For(d jobtype.Descriptor) *JobTypeClient {
	return &JobTypeClient{http: c, desc: d}
}

// JobTypeClient performs job, simulation and result operations for one job
// type. Every method is a single round trip.
type JobTypeClient struct {
	http *HTTPClient
	desc jobtype.Descriptor
}

// Create asks the backend to create a job. The backend assigns uid, status
// and timestamps.
func (j *JobTypeClient) Create(ctx context.Context, name string, parameter map[string]any, ownerUID string) (job *models.Job, err error) {
	defer j.observe("create", time.Now(), &err)

	body := map[string]any{
		j.desc.NameField():      name,
		j.desc.ParameterField(): parameter,
		"f_user_uid":            ownerUID,
	}
	env, err := j.http.postJSON(ctx, ErrCreate, j.desc.CreatePath(), body)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &APIError{Op: ErrCreate, Message: env.Message, cause: fmt.Errorf("response has no job")}
	}

	created, err := decodeJob(j.desc, env.Data)
	if err != nil {
		return nil, &APIError{Op: ErrCreate, cause: err}
	}
	if created.UID == "" {
		return nil, &APIError{Op: ErrCreate, cause: fmt.Errorf("response job has no uid")}
	}
	return &created, nil
}

// QueryByUser returns every job of this type owned by ownerUID. An empty
// list is not an error.
func (j *JobTypeClient) QueryByUser(ctx context.Context, ownerUID string) (jobs []models.Job, err error) {
	defer j.observe("query", time.Now(), &err)

	env, err := j.http.postJSON(ctx, ErrQuery, j.desc.QueryByUserPath(), map[string]any{"user_uid": ownerUID})
	if err != nil {
		return nil, err
	}

	raws, err := jobList(j.desc, env.Data)
	if err != nil {
		return nil, &APIError{Op: ErrQuery, cause: err}
	}

	jobs = make([]models.Job, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeJob(j.desc, raw)
		if err != nil {
			return nil, &APIError{Op: ErrQuery, cause: err}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Delete removes a job. Whether deletion is allowed is decided by the
// caller before this is invoked.
func (j *JobTypeClient) Delete(ctx context.Context, uid string) (err error) {
	defer j.observe("delete", time.Now(), &err)

	_, err = j.http.postJSON(ctx, ErrDelete, j.desc.DeletePath(), map[string]any{j.desc.UIDField(): uid})
	return err
}

// Run triggers the simulation of a created job. It returns as soon as the
// backend accepted or rejected the trigger.
func (j *JobTypeClient) Run(ctx context.Context, uid string) (out RunOutcome, err error) {
	defer j.observe("run", time.Now(), &err)

	env, err := j.http.postJSON(ctx, ErrRun, j.desc.RunPath(), map[string]any{j.desc.UIDField(): uid})
	if err != nil {
		return RunOutcome{}, err
	}
	status := env.Status
	if status == "" {
		status = RunStatusSuccess
	}
	return RunOutcome{Status: status, Message: env.Message}, nil
}

// Download fetches the PDF report of a job. It does not check the job's
// status; the backend decides what a premature download returns.
func (j *JobTypeClient) Download(ctx context.Context, uid string) (data []byte, err error) {
	defer j.observe("download", time.Now(), &err)

	resp, err := j.http.post(ctx, ErrDownload, j.desc.DownloadPath(), map[string]any{j.desc.UIDField(): uid})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || isJSON(resp.Header.Get("Content-Type")) {
		return nil, errorFromResponse(ErrDownload, resp)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, classifyError(ErrDownload, err)
	}
	if len(data) == 0 {
		return nil, &APIError{Op: ErrDownload, cause: fmt.Errorf("empty result")}
	}
	if len(data) > maxArtifactBytes {
		return nil, &APIError{Op: ErrDownload, cause: fmt.Errorf("result exceeds %d bytes", maxArtifactBytes)}
	}
	return data, nil
}

func (j *JobTypeClient) observe(op string, start time.Time, err *error) {
	j.http.metrics.ObserveBackend(j.desc.Key, op, start, *err)
}

// --- transport ---

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *HTTPClient) post(ctx context.Context, op error, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &APIError{Op: op, cause: fmt.Errorf("encoding request: %w", err)}
	}

	u := fmt.Sprintf("%s/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Op: op, cause: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(op, err)
	}
	return resp, nil
}

// postJSON performs a call answered with the {status, data, message}
// envelope. A non-2xx response or status "error" fails with op.
func (c *HTTPClient) postJSON(ctx context.Context, op error, path string, body any) (*envelope, error) {
	resp, err := c.post(ctx, op, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(op, resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &APIError{Op: op, cause: fmt.Errorf("decoding response: %w", err)}
	}
	if env.Status == RunStatusError {
		return nil, &APIError{Op: op, HTTPStatus: resp.StatusCode, Message: env.Message}
	}
	return &env, nil
}

func errorFromResponse(op error, resp *http.Response) error {
	apiErr := &APIError{Op: op}
	if resp.StatusCode != http.StatusOK {
		apiErr.HTTPStatus = resp.StatusCode
	}
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil {
		apiErr.Message = env.Message
	}
	if apiErr.HTTPStatus == 0 && apiErr.Message == "" {
		apiErr.cause = fmt.Errorf("unexpected non-binary response")
	}
	return apiErr
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

// Compile-time check that JobTypeClient can be used as every lifecycle
// collaborator.
var _ interface {
	Create(context.Context, string, map[string]any, string) (*models.Job, error)
	QueryByUser(context.Context, string) ([]models.Job, error)
	Delete(context.Context, string) error
	Run(context.Context, string) (RunOutcome, error)
	Download(context.Context, string) ([]byte, error)
} = (*JobTypeClient)(nil)
