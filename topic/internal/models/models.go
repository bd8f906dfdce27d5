package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicStatusProposed = "proposed"
	TopicStatusApproved = "approved"
	TopicStatusRejected = "rejected"
)

type Topic struct {
	TopicID   uuid.UUID `json:"topic_id"`
	Title     string    `json:"title"`
	Channel   string    `json:"channel,omitempty"`
	Source    string    `json:"source,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
