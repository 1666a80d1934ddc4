package models

import (
	"time"

	"github.com/google/uuid"
)

// Activity kinds recorded by the lifecycle orchestrator.
const (
	ActivitySubmitted        = "submitted"
	ActivityDuplicateBlocked = "duplicate_blocked"
	ActivityCreateFailed     = "create_failed"
	ActivityRunFailed        = "run_failed"
	ActivityRerun            = "rerun"
	ActivityDeleted          = "deleted"
	ActivityDownloaded       = "downloaded"
	ActivityStatusChanged    = "status_changed"
)

// ActivityEvent is one entry of a user's experiment history.
type ActivityEvent struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	UserID    string    `db:"user_id"    json:"user_uid"`
	JobType   string    `db:"job_type"   json:"job_type"`
	JobUID    *string   `db:"job_uid"    json:"job_uid,omitempty"`
	Kind      string    `db:"kind"       json:"kind"`
	Message   string    `db:"message"    json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
