package breaker

import (
	"testing"
	"time"
)

func TestOpensAtThreshold(t *testing.T) {
	b := New(3, time.Hour)
	for i := 0; i < 2; i++ {
		b.Fail()
		if b.Open() {
			t.Fatalf("open after %d failures, threshold is 3", i+1)
		}
	}
	b.Fail()
	if !b.Open() {
		t.Fatalf("expected open after 3 failures")
	}
}

func TestSuccessCloses(t *testing.T) {
	b := New(1, time.Hour)
	b.Fail()
	if !b.Open() {
		t.Fatalf("expected open")
	}
	b.Success()
	if b.Open() {
		t.Fatalf("expected closed after success")
	}
}

func TestResetAfterDuration(t *testing.T) {
	b := New(1, time.Millisecond)
	b.Fail()
	time.Sleep(5 * time.Millisecond)
	if b.Open() {
		t.Fatalf("expected closed after reset duration")
	}
}
