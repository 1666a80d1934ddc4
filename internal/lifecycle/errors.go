package lifecycle

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

var (
	ErrDuplicateParameterSet = errors.New("duplicate parameter set")
	ErrOperationInFlight     = errors.New("an operation is already in flight")
	ErrJobProcessing         = errors.New("job is processing")
	ErrJobNotFound           = errors.New("job not found")
	ErrRegistryClosed        = errors.New("lifecycle registry is closed")
)

// DuplicateError reports that an existing job already covers the submitted
// parameter set. It is a warning, not a failure of the backend.
type DuplicateError struct {
	ExistingUID  string
	ExistingName string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v: matches existing job %s", ErrDuplicateParameterSet, e.ExistingUID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateParameterSet }

// PartialFailureError reports a job that was created but whose simulation
// could not be started. The job stays in place so it can be re-run.
type PartialFailureError struct {
	Job models.Job
	Err error
}

func (e *PartialFailureError) Error() string {
	return "created but simulation failed to start: " + e.Err.Error()
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// UserMessage is the text shown in the error notification.
func (e *PartialFailureError) UserMessage() string {
	return "Created but simulation failed to start: " + backend.UserMessage(e.Err)
}
