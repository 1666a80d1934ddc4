package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/simconsole/internal/api/response"
	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/lifecycle"
	"github.com/kiranshivaraju/simconsole/internal/params"
	"github.com/kiranshivaraju/simconsole/internal/session"
)

// writeLifecycleError maps an orchestrator error onto the error envelope.
func writeLifecycleError(w http.ResponseWriter, err error) {
	p := lifecycleProblem(err)
	if p.Status == http.StatusInternalServerError {
		slog.Error("unexpected lifecycle error", "error", err)
	}
	p.Write(w)
}

func lifecycleProblem(err error) response.Problem {
	var (
		verr    *params.ValidationError
		dup     *lifecycle.DuplicateError
		partial *lifecycle.PartialFailureError
	)
	switch {
	case errors.As(err, &verr):
		return response.Problem{Status: http.StatusBadRequest, Code: "VALIDATION_FAILED", Message: verr.Reason,
			Details: map[string]string{"field": verr.Field}}
	case errors.As(err, &dup):
		return response.Problem{Status: http.StatusConflict, Code: "DUPLICATE_PARAMETER_SET",
			Message: "An identical simulation already exists",
			Details: map[string]string{
				"existing_uid":  dup.ExistingUID,
				"existing_name": dup.ExistingName,
			}}
	case errors.As(err, &partial):
		return response.Problem{Status: http.StatusBadGateway, Code: "SIMULATION_START_FAILED",
			Message: partial.UserMessage(), Details: map[string]any{"job": partial.Job}}
	case errors.Is(err, lifecycle.ErrJobProcessing):
		return response.Problem{Status: http.StatusConflict, Code: "JOB_PROCESSING",
			Message: "The job is processing; try again when it has finished"}
	case errors.Is(err, lifecycle.ErrOperationInFlight):
		return response.Problem{Status: http.StatusConflict, Code: "OPERATION_IN_FLIGHT",
			Message: "Another operation is still in progress"}
	case errors.Is(err, lifecycle.ErrJobNotFound):
		return response.Problem{Status: http.StatusNotFound, Code: "JOB_NOT_FOUND", Message: "Job not found"}
	case errors.Is(err, jobtype.ErrUnknownJobType):
		return response.Problem{Status: http.StatusNotFound, Code: "UNKNOWN_JOB_TYPE", Message: "Unknown job type"}
	case errors.Is(err, session.ErrNotAuthenticated):
		return response.Problem{Status: http.StatusUnauthorized, Code: "INVALID_TOKEN", Message: "Not authenticated"}
	case errors.Is(err, lifecycle.ErrRegistryClosed):
		return response.Problem{Status: http.StatusServiceUnavailable, Code: "SHUTTING_DOWN",
			Message: "The console is shutting down"}
	case isBackendError(err):
		return response.Problem{Status: http.StatusBadGateway, Code: "BACKEND_ERROR", Message: backend.UserMessage(err)}
	default:
		return response.Problem{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR",
			Message: "An unexpected error occurred"}
	}
}

func isBackendError(err error) bool {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	for _, sentinel := range []error{
		backend.ErrBackendUnreachable, backend.ErrBackendTimeout,
		backend.ErrCreate, backend.ErrQuery, backend.ErrDelete, backend.ErrRun, backend.ErrDownload,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
