package events

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelopeStampsFields(t *testing.T) {
	env, err := NewEnvelope(TypeTopicApproved, "topic", "corr-1", TopicApproved{TopicID: "T1", Title: "go generics"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.Type != TypeTopicApproved || env.Source != "topic" || env.CorrelationID != "corr-1" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	if env.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestDecodeValidates(t *testing.T) {
	env, err := NewEnvelope(TypeTopicApproved, "topic", "", TopicApproved{TopicID: "T1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	var p TopicApproved
	if err := Decode(env, &p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.TopicID != "T1" {
		t.Fatalf("unexpected payload: %#v", p)
	}

	env.Payload = json.RawMessage(`{"title":"missing id"}`)
	if err := Decode(env, &p); err == nil {
		t.Fatalf("expected validation error for missing topic_id")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	env := Envelope{Type: TypeScriptGenerated, Payload: json.RawMessage(`{`)}
	var p ScriptGenerated
	if err := Decode(env, &p); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}
