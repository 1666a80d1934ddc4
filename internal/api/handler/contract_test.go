package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/kiranshivaraju/simconsole/internal/api"
	"github.com/kiranshivaraju/simconsole/internal/api/handler"
	mw "github.com/kiranshivaraju/simconsole/internal/api/middleware"
	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/lifecycle"
	"github.com/kiranshivaraju/simconsole/internal/notify"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/internal/store"
	"github.com/kiranshivaraju/simconsole/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testUserID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testRawKey = "sc_test_contract_key_1234567890"
	testPrefix = testRawKey[:mw.KeyPrefixLen]
	epoch      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func testKeyHash() string {
	h, _ := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	return string(h)
}

func handoverParameter() map[string]any {
	return map[string]any{
		"constellation":     "Starlink",
		"handover_strategy": "MinRange",
		"handover_decision": "Nonpreemptive",
		"beam_count":        16,
		"reuse_factor":      1,
		"cell_ut":           "cell_01",
	}
}

// ─── mock store ──────────────────────────────────────────────────────────────

type mockStore struct {
	store.Store

	mu       sync.Mutex
	users    []*models.User
	keys     []*models.APIKey
	activity []*models.ActivityEvent
}

func newMockStore() *mockStore {
	return &mockStore{
		users: []*models.User{{ID: testUserID, Username: "operator"}},
		keys: []*models.APIKey{{
			ID:        uuid.New(),
			UserID:    testUserID,
			Name:      "test-key",
			KeyHash:   testKeyHash(),
			KeyPrefix: testPrefix,
			Scopes:    []string{"jobs", "read", "admin"},
		}},
	}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }

func (s *mockStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return store.ErrDuplicateKey
		}
	}
	s.users = append(s.users, u)
	return nil
}

func (s *mockStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *mockStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (s *mockStore) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.UserID == userID && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) RevokeAPIKey(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id && k.UserID == userID && k.DeletedAt == nil {
			now := time.Now()
			k.DeletedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *mockStore) RecordActivity(_ context.Context, ev *models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, ev)
	return nil
}

func (s *mockStore) ListActivity(_ context.Context, f store.ActivityFilter) ([]*models.ActivityEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ActivityEvent
	for _, ev := range s.activity {
		if ev.UserID != f.UserID {
			continue
		}
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.JobType != "" && ev.JobType != f.JobType {
			continue
		}
		out = append(out, ev)
	}
	return out, len(out), nil
}

// ─── mock limiter ────────────────────────────────────────────────────────────

type mockLimiter struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (c *mockLimiter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

// ─── scripted simulation backend ─────────────────────────────────────────────

type scriptedBackend struct {
	mu    sync.Mutex
	calls []string

	listed    []models.Job
	listErr   error
	created   models.Job
	afterRun  []models.Job
	runErr    error
	deleteErr error
	report    []byte
}

func (b *scriptedBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *scriptedBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *scriptedBackend) Create(_ context.Context, name string, parameter map[string]any, _ string) (*models.Job, error) {
	b.record("create")
	j := b.created
	j.Name = name
	j.Parameter = parameter
	return &j, nil
}

func (b *scriptedBackend) QueryByUser(_ context.Context, _ string) ([]models.Job, error) {
	b.record("query")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]models.Job(nil), b.listed...), nil
}

func (b *scriptedBackend) Delete(_ context.Context, uid string) error {
	b.record("delete:" + uid)
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.listed[:0]
	for _, j := range b.listed {
		if j.UID != uid {
			kept = append(kept, j)
		}
	}
	b.listed = kept
	return nil
}

func (b *scriptedBackend) Run(_ context.Context, uid string) (backend.RunOutcome, error) {
	b.record("run:" + uid)
	if b.runErr != nil {
		return backend.RunOutcome{}, b.runErr
	}
	b.mu.Lock()
	if b.afterRun != nil {
		b.listed = b.afterRun
	}
	b.mu.Unlock()
	return backend.RunOutcome{Status: backend.RunStatusSuccess}, nil
}

func (b *scriptedBackend) Download(_ context.Context, uid string) ([]byte, error) {
	b.record("download:" + uid)
	return b.report, nil
}

// ─── result cache ────────────────────────────────────────────────────────────

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server  *httptest.Server
	store   *mockStore
	backend *scriptedBackend
}

func newTestServer(t *testing.T, sim *scriptedBackend, opts ...handler.JobsOption) *testServer {
	t.Helper()

	ms := newMockStore()
	limiter := &mockLimiter{counters: make(map[string]int64)}

	types, err := jobtype.Builtin()
	require.NoError(t, err)
	registry := lifecycle.NewRegistry(types, func(_ models.UserRef, _ jobtype.Descriptor) lifecycle.Config {
		return lifecycle.Config{
			Repository: sim,
			Runner:     sim,
			Fetcher:    sim,
			Session:    session.ContextAccessor{},
			Activity:   ms,
			Notifier:   notify.NewChannel(notify.WithClock(testclock.NewClock(epoch))),
			// Never advanced, so pollers stay parked.
			Clock: testclock.NewClock(epoch),
		}
	})
	t.Cleanup(registry.Close)

	jobs := handler.NewJobs(registry, opts...)
	accounts := handler.NewAccounts(ms, bcrypt.MinCost)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(ms),
		RateLimit: mw.NewRateLimit(limiter, 20), // low limit for rate-limit tests

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{"database": ms}),

		ListJobTypes:  jobs.ListJobTypes,
		ListJobs:      jobs.List,
		SubmitJob:     jobs.Submit,
		RerunJob:      jobs.Rerun,
		DeleteJob:     jobs.Delete,
		JobResult:     jobs.Result,
		Notifications: jobs.Notifications,
		Activity:      handler.NewActivityHandler(ms),

		CreateKeyHandler:  accounts.CreateKey,
		ListKeysHandler:   accounts.ListKeys,
		RevokeKeyHandler:  accounts.RevokeKey,
		CreateUserHandler: accounts.CreateUser,
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: ms, backend: sim}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return ts.doWithKey(t, testRawKey, method, path, body)
}

func (ts *testServer) doWithKey(t *testing.T, key, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, resp *http.Response) (string, map[string]any) {
	t.Helper()
	body := parseBody(t, resp)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	details, _ := errObj["details"].(map[string]any)
	return errObj["code"].(string), details
}

func submitBody() map[string]any {
	return map[string]any{"parameter": handoverParameter()}
}

// ─── Job types ───────────────────────────────────────────────────────────────

func TestJobTypes_200_Catalog(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "GET", "/api/v1/jobtypes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := parseBody(t, resp)
	data := body["data"].([]any)
	assert.Len(t, data, 10)
}

func TestJobs_404_UnknownJobType(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "GET", "/api/v1/jobs/teleport", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "UNKNOWN_JOB_TYPE", code)
}

// ─── List ────────────────────────────────────────────────────────────────────

func TestList_200_WithControls(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{listed: []models.Job{
		{UID: "ho_1", Name: "a", Status: models.JobStatusProcessing},
		{UID: "ho_2", Name: "b", Status: models.JobStatusCompleted},
	}})

	resp := ts.do(t, "GET", "/api/v1/jobs/handover", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "handover", data["job_type"])
	jobs := data["jobs"].([]any)
	require.Len(t, jobs, 2)

	processing := jobs[0].(map[string]any)["controls"].(map[string]any)
	assert.Equal(t, false, processing["can_delete"])
	assert.Equal(t, false, processing["can_rerun"])
	assert.Equal(t, false, processing["can_download"])

	completed := jobs[1].(map[string]any)["controls"].(map[string]any)
	assert.Equal(t, true, completed["can_delete"])
	assert.Equal(t, true, completed["can_download"])
}

func TestList_502_BackendUnreachable(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{listErr: backend.ErrBackendUnreachable})

	resp := ts.do(t, "GET", "/api/v1/jobs/handover", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "BACKEND_ERROR", code)
}

// ─── Submit ──────────────────────────────────────────────────────────────────

func TestSubmit_201_CreatesAndRuns(t *testing.T) {
	sim := &scriptedBackend{
		created: models.Job{UID: "ho_abc123", Status: models.JobStatusNone},
		afterRun: []models.Job{{
			UID:       "ho_abc123",
			Name:      "handover_run",
			Parameter: handoverParameter(),
			Status:    models.JobStatusProcessing,
		}},
	}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "POST", "/api/v1/jobs/handover", submitBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	job := data["job"].(map[string]any)
	assert.Equal(t, "ho_abc123", job["uid"])
	assert.Equal(t, models.JobStatusProcessing, job["status"])
	assert.Equal(t, backend.RunStatusSuccess, data["run_status"])
	assert.Equal(t, []string{"query", "create", "run:ho_abc123", "query"}, sim.Calls())
}

func TestSubmit_400_ValidationFailed(t *testing.T) {
	sim := &scriptedBackend{}
	ts := newTestServer(t, sim)

	p := handoverParameter()
	p["beam_count"] = 150
	resp := ts.do(t, "POST", "/api/v1/jobs/handover", map[string]any{"parameter": p})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, details := errorCode(t, resp)
	assert.Equal(t, "VALIDATION_FAILED", code)
	assert.Equal(t, "beam_count", details["field"])
	assert.NotContains(t, sim.Calls(), "create")
}

func TestSubmit_400_MissingParameter(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "POST", "/api/v1/jobs/handover", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "INVALID_REQUEST", code)
}

func TestSubmit_409_Duplicate(t *testing.T) {
	sim := &scriptedBackend{listed: []models.Job{{
		UID:  "ho_existing",
		Name: "handover_old",
		Parameter: map[string]any{
			"constellation":     "Starlink",
			"handover_strategy": "MinRange",
			"handover_decision": "Nonpreemptive",
			"beam_count":        "16",
			"reuse_factor":      "1",
			"cell_ut":           "cell_01",
		},
		Status: models.JobStatusCompleted,
	}}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "POST", "/api/v1/jobs/handover", submitBody())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	code, details := errorCode(t, resp)
	assert.Equal(t, "DUPLICATE_PARAMETER_SET", code)
	assert.Equal(t, "ho_existing", details["existing_uid"])
	assert.Equal(t, "handover_old", details["existing_name"])
	assert.NotContains(t, sim.Calls(), "create")
}

func TestSubmit_502_RunFailedKeepsJob(t *testing.T) {
	sim := &scriptedBackend{
		created: models.Job{UID: "ho_abc123", Status: models.JobStatusNone},
		runErr:  fmt.Errorf("%w: queue full", backend.ErrRun),
	}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "POST", "/api/v1/jobs/handover", submitBody())
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	code, details := errorCode(t, resp)
	assert.Equal(t, "SIMULATION_START_FAILED", code)
	assert.Equal(t, "ho_abc123", details["job"].(map[string]any)["uid"])
	for _, c := range sim.Calls() {
		assert.False(t, strings.HasPrefix(c, "delete"), "created job must not be rolled back")
	}
}

// ─── Delete ──────────────────────────────────────────────────────────────────

func TestDelete_200(t *testing.T) {
	sim := &scriptedBackend{listed: []models.Job{{UID: "ho_1", Status: models.JobStatusCompleted}}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "DELETE", "/api/v1/jobs/handover/ho_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, sim.Calls(), "delete:ho_1")
}

func TestDelete_409_WhileProcessing(t *testing.T) {
	sim := &scriptedBackend{listed: []models.Job{{UID: "ho_1", Status: models.JobStatusProcessing}}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "DELETE", "/api/v1/jobs/handover/ho_1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "JOB_PROCESSING", code)
	assert.NotContains(t, sim.Calls(), "delete:ho_1")
}

func TestDelete_404_UnknownJob(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "DELETE", "/api/v1/jobs/handover/ho_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "JOB_NOT_FOUND", code)
}

// ─── Rerun ───────────────────────────────────────────────────────────────────

func TestRerun_202(t *testing.T) {
	sim := &scriptedBackend{listed: []models.Job{{UID: "ho_1", Status: models.JobStatusSimulationFailed}}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "POST", "/api/v1/jobs/handover/ho_1/run", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, sim.Calls(), "run:ho_1")
}

func TestRerun_409_WhileProcessing(t *testing.T) {
	sim := &scriptedBackend{listed: []models.Job{{UID: "ho_1", Status: models.JobStatusProcessing}}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "POST", "/api/v1/jobs/handover/ho_1/run", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotContains(t, sim.Calls(), "run:ho_1")
}

// ─── Result ──────────────────────────────────────────────────────────────────

func TestResult_200_PDF(t *testing.T) {
	sim := &scriptedBackend{
		listed: []models.Job{{UID: "ho_1", Status: models.JobStatusCompleted}},
		report: []byte("%PDF-1.4 report"),
	}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "GET", "/api/v1/jobs/handover/ho_1/result", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "simulation-result-handover.pdf")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 report", string(data))
}

func TestResult_ServedFromCache(t *testing.T) {
	updated := epoch.Add(time.Hour)
	sim := &scriptedBackend{
		listed: []models.Job{{UID: "ho_1", Status: models.JobStatusCompleted, UpdatedTime: &updated}},
		report: []byte("%PDF-1.4 report"),
	}
	results := &mapCache{entries: make(map[string][]byte)}
	ts := newTestServer(t, sim, handler.WithResultCache(results, time.Minute))

	for i := 0; i < 2; i++ {
		resp := ts.do(t, "GET", "/api/v1/jobs/handover/ho_1/result", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "simulation-result-handover.pdf")
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4 report", string(data))
	}

	downloads := 0
	for _, c := range sim.Calls() {
		if c == "download:ho_1" {
			downloads++
		}
	}
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 1, results.Len())

	resp := ts.do(t, "DELETE", "/api/v1/jobs/handover/ho_1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, results.Len())
}

func TestResult_CacheDisabledWithoutTTL(t *testing.T) {
	sim := &scriptedBackend{
		listed: []models.Job{{UID: "ho_1", Status: models.JobStatusCompleted}},
		report: []byte("%PDF-1.4 report"),
	}
	results := &mapCache{entries: make(map[string][]byte)}
	ts := newTestServer(t, sim, handler.WithResultCache(results, 0))

	resp := ts.do(t, "GET", "/api/v1/jobs/handover/ho_1/result", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, results.Len())
}

func TestResult_409_NotCompleted(t *testing.T) {
	sim := &scriptedBackend{listed: []models.Job{{UID: "ho_1", Status: models.JobStatusSimulationFailed}}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "GET", "/api/v1/jobs/handover/ho_1/result", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	code, details := errorCode(t, resp)
	assert.Equal(t, "JOB_NOT_COMPLETED", code)
	assert.Equal(t, models.JobStatusSimulationFailed, details["status"])
	assert.NotContains(t, sim.Calls(), "download:ho_1")
}

// ─── Notifications and activity ─────────────────────────────────────────────

func TestNotifications_ShowValidationError(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	p := handoverParameter()
	p["beam_count"] = 0
	resp := ts.do(t, "POST", "/api/v1/jobs/handover", map[string]any{"parameter": p})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/notifications/handover", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	notes := parseBody(t, resp)["data"].([]any)
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationError, notes[0].(map[string]any)["level"])
}

func TestActivity_200_RecordsSubmission(t *testing.T) {
	sim := &scriptedBackend{created: models.Job{UID: "ho_abc123", Status: models.JobStatusNone}}
	ts := newTestServer(t, sim)

	resp := ts.do(t, "POST", "/api/v1/jobs/handover", submitBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/activity?kind=submitted", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)

	events := body["data"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "handover", ev["job_type"])
	assert.Equal(t, "ho_abc123", ev["job_uid"])
	assert.Equal(t, testUserID.String(), ev["user_uid"])

	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["total"])
}

func TestActivity_400_InvalidSince(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "GET", "/api/v1/activity?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Accounts ────────────────────────────────────────────────────────────────

func TestCreateUser_201_KeyWorks(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "POST", "/api/v1/admin/users", map[string]any{"username": "analyst"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "analyst", data["user"].(map[string]any)["username"])
	key := data["api_key"].(map[string]any)
	raw := key["key"].(string)
	assert.True(t, strings.HasPrefix(raw, "sc_"))
	assert.Equal(t, raw[:mw.KeyPrefixLen], key["key_prefix"])
	assert.NotContains(t, key, "key_hash")

	// The new key authenticates as the new user.
	resp = ts.doWithKey(t, raw, "GET", "/api/v1/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := parseBody(t, resp)["data"].([]any)
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0].(map[string]any), "key")
}

func TestCreateUser_409_UsernameTaken(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "POST", "/api/v1/admin/users", map[string]any{"username": "operator"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "USERNAME_TAKEN", code)
}

func TestCreateKey_400_InvalidScope(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "POST", "/api/v1/keys", map[string]any{"name": "ci", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevokeKey(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.do(t, "POST", "/api/v1/keys", map[string]any{"name": "ci"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := parseBody(t, resp)["data"].(map[string]any)["id"].(string)

	resp = ts.do(t, "DELETE", "/api/v1/keys/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "DELETE", "/api/v1/keys/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "DELETE", "/api/v1/keys/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Auth, rate limit and envelope contracts ─────────────────────────────────

func TestAuth_AllProtectedEndpoints_Reject401(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/jobtypes"},
		{"GET", "/api/v1/jobs/handover"},
		{"POST", "/api/v1/jobs/handover"},
		{"DELETE", "/api/v1/jobs/handover/ho_1"},
		{"POST", "/api/v1/jobs/handover/ho_1/run"},
		{"GET", "/api/v1/jobs/handover/ho_1/result"},
		{"GET", "/api/v1/notifications/handover"},
		{"GET", "/api/v1/activity"},
		{"GET", "/api/v1/keys"},
		{"POST", "/api/v1/admin/users"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := ts.doWithKey(t, "", ep.method, ep.path, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			code, _ := errorCode(t, resp)
			assert.Equal(t, "INVALID_TOKEN", code)
		})
	}
	assert.Empty(t, ts.backend.Calls())
}

func TestAuth_InvalidBearerToken(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.doWithKey(t, "sc_test_wrong_key_000000000", "GET", "/api/v1/jobtypes", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminEndpoints_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	noAdminKey := "sc_noadmin_1234567890abcdef"
	hash, _ := bcrypt.GenerateFromPassword([]byte(noAdminKey), bcrypt.MinCost)
	ts.store.keys = append(ts.store.keys, &models.APIKey{
		ID:        uuid.New(),
		UserID:    testUserID,
		Name:      "no-admin-key",
		KeyHash:   string(hash),
		KeyPrefix: noAdminKey[:mw.KeyPrefixLen],
		Scopes:    []string{"jobs", "read"},
	})

	resp := ts.doWithKey(t, noAdminKey, "POST", "/api/v1/admin/users", map[string]any{"username": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "FORBIDDEN", code)
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	// The rate limit is set to 20 in newTestServer.
	for i := 0; i < 20; i++ {
		resp := ts.do(t, "GET", "/api/v1/jobtypes", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp := ts.do(t, "GET", "/api/v1/jobtypes", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	code, _ := errorCode(t, resp)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", code)
}

func TestResponseFormat_SuccessEnvelope(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	resp := ts.doWithKey(t, "", "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, parseBody(t, resp), "data")
}
