package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationSuccess = "success"
	NotificationError   = "error"
	NotificationInfo    = "info"
	NotificationWarning = "warning"
)

// Notification is user feedback emitted by an orchestrator. It is visible
// until ExpiresAt.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
