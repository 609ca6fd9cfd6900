package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationInfo    NotificationType = "info"
)

// Notification is an event for one user, handed to the notification port.
type Notification struct {
	UserID    uuid.UUID        `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
