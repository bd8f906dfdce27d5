package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("en, es, ,ja,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "en" || got[1] != "es" || got[2] != "ja" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestApplyConfigMapStreamKnobs(t *testing.T) {
	cfg := Config{StreamName: "pipeline.events", StreamMaxLen: 10000}
	problems := []Problem{}
	applyConfigMap(&cfg, map[string]any{
		"EVENT_STREAM":        "content.events",
		"EVENT_STREAM_MAXLEN": float64(500),
		"EVENT_STREAM_GROUP":  "script-service",
	}, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.StreamName != "content.events" {
		t.Fatalf("unexpected stream name: %q", cfg.StreamName)
	}
	if cfg.StreamMaxLen != 500 {
		t.Fatalf("unexpected maxlen: %d", cfg.StreamMaxLen)
	}
	if cfg.StreamGroup != "script-service" {
		t.Fatalf("unexpected group: %q", cfg.StreamGroup)
	}
}

func TestApplyConfigMapRejectsBadInt(t *testing.T) {
	cfg := Config{}
	problems := []Problem{}
	applyConfigMap(&cfg, map[string]any{"JOB_WORKERS": "not-a-number"}, &problems)
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %d", len(problems))
	}
	if problems[0].Field != "JOB_WORKERS" {
		t.Fatalf("unexpected field: %q", problems[0].Field)
	}
}
