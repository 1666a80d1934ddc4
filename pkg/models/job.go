package models

import (
	"encoding/json"
	"time"
)

const (
	JobStatusNone             = "none"
	JobStatusProcessing       = "processing"
	JobStatusCompleted        = "completed"
	JobStatusSimulationFailed = "simulation_failed"
)

// Job is one simulation job of a job-type family. The backend assigns UID,
// Status and the timestamps; Parameter is the simulation input and is fixed
// per job type.
type Job struct {
	UID              string          `json:"uid"`
	Name             string          `json:"name"`
	Parameter        map[string]any  `json:"parameter"`
	Status           string          `json:"status"`
	CreatedTime      *time.Time      `json:"created_time,omitempty"`
	UpdatedTime      *time.Time      `json:"updated_time,omitempty"`
	SimulationResult json.RawMessage `json:"simulation_result,omitempty"`
}

var validTransitions = map[string][]string{
	JobStatusNone:             {JobStatusProcessing},
	JobStatusProcessing:       {JobStatusCompleted, JobStatusSimulationFailed},
	JobStatusCompleted:        {JobStatusProcessing},
	JobStatusSimulationFailed: {JobStatusProcessing},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends a simulation run.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusSimulationFailed
}

// NormalizeStatus maps an empty status reported by the backend to none.
func NormalizeStatus(status string) string {
	if status == "" {
		return JobStatusNone
	}
	return status
}
