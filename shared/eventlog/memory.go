package eventlog

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryLog is an in-process Log used by tests and stream-less development.
// It keeps the same delivery semantics as the Redis-backed log: capped
// retention, independent per-group cursors, competing consumers within a
// group, and explicit acknowledgment.
type MemoryLog struct {
	mu      sync.Mutex
	seq     int64
	maxLen  int
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	seq   int64
	entry Entry
}

type memGroup struct {
	cursor  int64
	pending map[string]*memPending
}

type memPending struct {
	entry       Entry
	consumer    string
	deliveredAt time.Time
}

func NewMemoryLog(maxLen int) *MemoryLog {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryLog{maxLen: maxLen, groups: make(map[string]*memGroup)}
}

func (l *MemoryLog) Append(_ context.Context, fields map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	id := strconv.FormatInt(l.seq, 10) + "-0"
	l.entries = append(l.entries, memEntry{seq: l.seq, entry: Entry{ID: id, Fields: copied}})
	if len(l.entries) > l.maxLen {
		l.entries = l.entries[len(l.entries)-l.maxLen:]
	}
	return id, nil
}

func (l *MemoryLog) EnsureGroup(_ context.Context, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.groups[group]; ok {
		return nil
	}
	l.groups[group] = &memGroup{cursor: l.seq, pending: make(map[string]*memPending)}
	return nil
}

func (l *MemoryLog) ReadGroup(_ context.Context, group string, consumer string, count int64, _ time.Duration) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[group]
	if !ok {
		g = &memGroup{cursor: 0, pending: make(map[string]*memPending)}
		l.groups[group] = g
	}

	var out []Entry
	for _, e := range l.entries {
		if int64(len(out)) >= count {
			break
		}
		if e.seq <= g.cursor {
			continue
		}
		g.cursor = e.seq
		g.pending[e.entry.ID] = &memPending{entry: e.entry, consumer: consumer, deliveredAt: time.Now()}
		out = append(out, e.entry)
	}
	return out, nil
}

func (l *MemoryLog) Ack(_ context.Context, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (l *MemoryLog) Reclaim(_ context.Context, group string, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[group]
	if !ok {
		return nil, nil
	}
	cutoff := time.Now().Add(-minIdle)
	var out []Entry
	for _, p := range g.pending {
		if int64(len(out)) >= count {
			break
		}
		if p.deliveredAt.After(cutoff) {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = time.Now()
		out = append(out, p.entry)
	}
	return out, nil
}

func (l *MemoryLog) Range(_ context.Context, start string, _ string, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := int64(0)
	exclusive := strings.HasPrefix(start, "(")
	start = strings.TrimPrefix(start, "(")
	if start != "" && start != "-" && start != "0" {
		n, err := strconv.ParseInt(strings.SplitN(start, "-", 2)[0], 10, 64)
		if err == nil {
			from = n
		}
	}

	var out []Entry
	for _, e := range l.entries {
		if int64(len(out)) >= count {
			break
		}
		if e.seq < from || (exclusive && e.seq == from) {
			continue
		}
		out = append(out, e.entry)
	}
	return out, nil
}

// PendingCount reports delivered-but-unacknowledged entries for a group.
func (l *MemoryLog) PendingCount(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Len reports the number of retained entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
