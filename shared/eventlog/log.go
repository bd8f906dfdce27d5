package eventlog

import (
	"context"
	"errors"
	"time"
)

// Entry is one immutable record in the shared log. ID is log-assigned,
// strictly increasing, and usable as a resume cursor.
type Entry struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Log is the shared append-only, capacity-bounded, ordered record store.
// Appends are totally ordered. Each named group receives every entry
// independently (fan-out); within a group each entry is delivered to at most
// one consumer at a time until acknowledged (competing consumers). Entries
// past the retention cap are evicted oldest-first; consumers that fall far
// enough behind may miss trimmed entries.
type Log interface {
	Append(ctx context.Context, fields map[string]string) (string, error)
	// EnsureGroup creates the group at the tail of the log if it does not
	// exist yet. Idempotent; new groups see new entries only.
	EnsureGroup(ctx context.Context, group string) error
	// ReadGroup claims up to count unassigned entries for (group, consumer),
	// waiting at most block for new entries. Returns nil when the wait
	// elapses with nothing to deliver.
	ReadGroup(ctx context.Context, group string, consumer string, count int64, block time.Duration) ([]Entry, error)
	// Ack acknowledges delivered entries. Acknowledging an already-acked or
	// unknown id is a no-op.
	Ack(ctx context.Context, group string, ids ...string) error
	// Reclaim transfers entries that have been pending for at least minIdle
	// to the calling consumer. Used for crash recovery.
	Reclaim(ctx context.Context, group string, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	// Range reads entries by cursor, oldest retained first. start may be
	// "-" for the beginning of retained history.
	Range(ctx context.Context, start string, end string, count int64) ([]Entry, error)
}

var ErrClosed = errors.New("event log closed")
