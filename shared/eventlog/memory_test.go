package eventlog

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"
)

func appendN(t *testing.T, l *MemoryLog, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := l.Append(context.Background(), map[string]string{"n": strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func entrySeq(t *testing.T, e Entry) int64 {
	t.Helper()
	n, err := strconv.ParseInt(strings.SplitN(e.ID, "-", 2)[0], 10, 64)
	if err != nil {
		t.Fatalf("bad entry id %q: %v", e.ID, err)
	}
	return n
}

func TestAppendIDsStrictlyIncrease(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	appendN(t, l, 10)

	entries, err := l.ReadGroup(ctx, "g", "c1", 100, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	last := int64(0)
	for _, e := range entries {
		seq := entrySeq(t, e)
		if seq <= last {
			t.Fatalf("ids not strictly increasing: %d after %d", seq, last)
		}
		last = seq
	}
}

func TestGroupCreatedAtTailSeesNewEntriesOnly(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	appendN(t, l, 5)
	if err := l.EnsureGroup(ctx, "late"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	appendN(t, l, 3)

	entries, _ := l.ReadGroup(ctx, "late", "c1", 100, 0)
	if len(entries) != 3 {
		t.Fatalf("expected only the 3 entries appended after group creation, got %d", len(entries))
	}
}

func TestCompetingConsumersSplitDelivery(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	appendN(t, l, 6)

	a, _ := l.ReadGroup(ctx, "g", "a", 3, 0)
	b, _ := l.ReadGroup(ctx, "g", "b", 100, 0)
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("expected 3/3 split, got %d/%d", len(a), len(b))
	}
	seen := map[string]bool{}
	for _, e := range append(a, b...) {
		if seen[e.ID] {
			t.Fatalf("entry %s delivered to both consumers in one group", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestFanOutAcrossGroups(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g1"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	if err := l.EnsureGroup(ctx, "g2"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	appendN(t, l, 4)

	e1, _ := l.ReadGroup(ctx, "g1", "c", 100, 0)
	e2, _ := l.ReadGroup(ctx, "g2", "c", 100, 0)
	if len(e1) != 4 || len(e2) != 4 {
		t.Fatalf("expected both groups to receive all 4 entries, got %d and %d", len(e1), len(e2))
	}
}

func TestDoubleAckIsNoOp(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	appendN(t, l, 1)
	entries, _ := l.ReadGroup(ctx, "g", "c", 1, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if err := l.Ack(ctx, "g", entries[0].ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := l.Ack(ctx, "g", entries[0].ID); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
	if got := l.PendingCount("g"); got != 0 {
		t.Fatalf("expected 0 pending, got %d", got)
	}
}

func TestTrimEvictsOldestOnly(t *testing.T) {
	l := NewMemoryLog(5)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "ahead"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	ids := appendN(t, l, 6)

	// A consumer already past the trimmed entry is unaffected.
	entries, _ := l.ReadGroup(ctx, "ahead", "c", 100, 0)
	if len(entries) != 5 {
		t.Fatalf("expected the 5 retained entries, got %d", len(entries))
	}

	// A fresh cursor read no longer sees the first entry.
	all, err := l.Range(ctx, "-", "+", 100)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 retained entries, got %d", len(all))
	}
	if all[0].ID == ids[0] {
		t.Fatalf("expected oldest entry %s to be trimmed", ids[0])
	}
}

func TestReclaimStalePending(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	appendN(t, l, 2)
	if _, err := l.ReadGroup(ctx, "g", "crashed", 100, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// Nothing is stale yet.
	got, err := l.Reclaim(ctx, "g", "survivor", time.Hour, 100)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no stale entries, got %d", len(got))
	}

	got, err = l.Reclaim(ctx, "g", "survivor", 0, 100)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 reclaimed entries, got %d", len(got))
	}
}

func TestRangeCursorReads(t *testing.T) {
	l := NewMemoryLog(100)
	ctx := context.Background()
	ids := appendN(t, l, 5)

	all, err := l.Range(ctx, "", "", 100)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}

	// Exclusive cursor: resume after an already-seen id.
	rest, err := l.Range(ctx, "("+ids[2], "", 100)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 entries after cursor, got %d", len(rest))
	}
	if rest[0].ID != ids[3] {
		t.Fatalf("expected first entry %s, got %s", ids[3], rest[0].ID)
	}

	limited, err := l.Range(ctx, "", "", 2)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results, got %d", len(limited))
	}
}

func TestEntryJSONUsesSnakeCaseKeys(t *testing.T) {
	b, err := json.Marshal(Entry{ID: "1-0", Fields: map[string]string{"type": "topic.approved"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"id":"1-0","fields":{"type":"topic.approved"}}`
	if string(b) != want {
		t.Fatalf("entry json = %s, want %s", b, want)
	}
}
