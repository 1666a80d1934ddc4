package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/simconsole/internal/api"
	mw "github.com/kiranshivaraju/simconsole/internal/api/middleware"
	"github.com/kiranshivaraju/simconsole/internal/store"
	"github.com/kiranshivaraju/simconsole/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "sc_0123456789abcdef"

// --- stub store that knows a single API key ---

type stubStore struct {
	store.Store
	keys []*models.APIKey
}

func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
func (s *stubStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- stub limiter ---

type stubLimiter struct{}

func (stubLimiter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func newTestRouter(t *testing.T, scopes ...string) http.Handler {
	t.Helper()
	s := &stubStore{}
	if len(scopes) > 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
		require.NoError(t, err)
		s.keys = []*models.APIKey{{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			KeyHash:   string(hash),
			KeyPrefix: testKey[:mw.KeyPrefixLen],
			Scopes:    scopes,
		}}
	}
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
	return api.NewRouter(api.Dependencies{
		Auth:              mw.NewAuth(s),
		RateLimit:         mw.NewRateLimit(stubLimiter{}, 60),
		HealthHandler:     ok,
		ListJobTypes:      ok,
		ListJobs:          ok,
		CreateUserHandler: ok,
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t)

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
		{"POST", "/api/v1/keys"},
		{"GET", "/api/v1/keys"},
		{"POST", "/api/v1/admin/users"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AuthenticatedRoutes(t *testing.T) {
	router := newTestRouter(t, "jobs", "read")

	req := httptest.NewRequest("GET", "/api/v1/jobs/handover", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/activity", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_AdminRequiresScope(t *testing.T) {
	t.Run("without admin scope", func(t *testing.T) {
		router := newTestRouter(t, "jobs")
		req := httptest.NewRequest("POST", "/api/v1/admin/users", nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("with admin scope", func(t *testing.T) {
		router := newTestRouter(t, "admin")
		req := httptest.NewRequest("POST", "/api/v1/admin/users", nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
