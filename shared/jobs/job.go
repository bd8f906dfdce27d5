package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one service-local async unit of work. Result and ErrorMessage are
// mutually exclusive and both empty while the job is not terminal. Stage
// carries optional service-specific sub-stage labels (e.g. "translated").
type Job struct {
	ID            uuid.UUID `json:"id"`
	Status        string    `json:"status"`
	Stage         string    `json:"stage,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Input         []byte    `json:"input,omitempty"`
	Result        []byte    `json:"result,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
)

var transitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusDone, StatusFailed},
	// failed -> pending only through an explicit retry.
	StatusFailed: {StatusPending},
	StatusDone:   {},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(from string, to string) bool {
	from = NormalizeStatus(from)
	to = NormalizeStatus(to)
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	switch NormalizeStatus(status) {
	case StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

func AllStatuses() []string {
	return []string{StatusPending, StatusProcessing, StatusDone, StatusFailed}
}
