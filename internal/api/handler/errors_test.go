package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/lifecycle"
	"github.com/kiranshivaraju/simconsole/internal/params"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLifecycleError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &params.ValidationError{Field: "beam_count", Reason: "beam_count must be in [1,100]"}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"duplicate", &lifecycle.DuplicateError{ExistingUID: "ho_1"}, http.StatusConflict, "DUPLICATE_PARAMETER_SET"},
		{"partial", &lifecycle.PartialFailureError{Err: backend.ErrRun}, http.StatusBadGateway, "SIMULATION_START_FAILED"},
		{"processing", lifecycle.ErrJobProcessing, http.StatusConflict, "JOB_PROCESSING"},
		{"in flight", lifecycle.ErrOperationInFlight, http.StatusConflict, "OPERATION_IN_FLIGHT"},
		{"not found", fmt.Errorf("%w: ho_1", lifecycle.ErrJobNotFound), http.StatusNotFound, "JOB_NOT_FOUND"},
		{"unknown type", jobtype.ErrUnknownJobType, http.StatusNotFound, "UNKNOWN_JOB_TYPE"},
		{"no session", session.ErrNotAuthenticated, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"shutting down", lifecycle.ErrRegistryClosed, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{"backend timeout", fmt.Errorf("query: %w", backend.ErrBackendTimeout), http.StatusBadGateway, "BACKEND_ERROR"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeLifecycleError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestLifecycleProblem_Details(t *testing.T) {
	p := lifecycleProblem(&lifecycle.DuplicateError{ExistingUID: "ho_1", ExistingName: "handover_a"})
	assert.Equal(t, map[string]string{"existing_uid": "ho_1", "existing_name": "handover_a"}, p.Details)

	p = lifecycleProblem(fmt.Errorf("wrapped: %w", &params.ValidationError{Field: "beam_count", Reason: "beam_count must be in [1,100]"}))
	assert.Equal(t, "beam_count must be in [1,100]", p.Message)
	assert.Equal(t, map[string]string{"field": "beam_count"}, p.Details)

	p = lifecycleProblem(lifecycle.ErrOperationInFlight)
	assert.Nil(t, p.Details)
	assert.NotContains(t, p.Message, "submission")
}

func TestNormalizeScopes(t *testing.T) {
	scopes, ok := normalizeScopes(nil)
	assert.True(t, ok)
	assert.Equal(t, []string{"jobs", "read"}, scopes)

	scopes, ok = normalizeScopes([]string{" Admin", "jobs", "admin"})
	assert.True(t, ok)
	assert.Equal(t, []string{"admin", "jobs"}, scopes)

	_, ok = normalizeScopes([]string{"root"})
	assert.False(t, ok)
}

func TestGenerateRawKey(t *testing.T) {
	a, err := generateRawKey()
	require.NoError(t, err)
	b, err := generateRawKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, len(rawKeyPrefix)+48)
}
