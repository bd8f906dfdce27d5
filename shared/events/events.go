package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Envelope is the flat cross-service wire format carried on the event log.
// CorrelationID is empty when absent; Payload's shape is defined per Type.
type Envelope struct {
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Event type vocabulary. Additive-only: consumers ignore unknown types, so
// new stages can introduce types without breaking deployed subscribers.
const (
	TypeTopicApproved          = "topic.approved"
	TypeScriptGenerated        = "script.generated"
	TypeScriptApproved         = "script.approved"
	TypeVoiceSynthesized       = "voice.synthesized"
	TypeVideoRendered          = "video.rendered"
	TypeThumbnailABWinner      = "thumbnail.ab_test_winner"
	TypeAnalyticsReady         = "analytics.report_ready"
	TypeCompetitorIdeaExported = "competitor.idea_exported"
)

// One consumer group per logical subscriber, regardless of instance count.
const (
	GroupScriptService    = "script-service"
	GroupVoiceService     = "voice-service"
	GroupMediaService     = "media-service"
	GroupAnalyticsService = "analytics-service"
	GroupExportBridge     = "export-bridge"
)

// KnownGroups lists every group the ops reclaimer sweeps for stale entries.
func KnownGroups() []string {
	return []string{
		GroupScriptService,
		GroupVoiceService,
		GroupMediaService,
		GroupAnalyticsService,
		GroupExportBridge,
	}
}

var ErrInvalidPayload = errors.New("invalid event payload")

type TopicApproved struct {
	TopicID string `json:"topic_id"`
	Title   string `json:"title"`
	Channel string `json:"channel,omitempty"`
}

type ScriptGenerated struct {
	ScriptID string `json:"script_id"`
	TopicID  string `json:"topic_id"`
	Language string `json:"language,omitempty"`
}

type VoiceSynthesized struct {
	VoiceID   string   `json:"voice_id"`
	ScriptID  string   `json:"script_id"`
	Languages []string `json:"languages"`
}

type VideoRendered struct {
	VideoID  string `json:"video_id"`
	VoiceID  string `json:"voice_id"`
	MediaURL string `json:"media_url"`
}

type ThumbnailABWinner struct {
	VideoID     string  `json:"video_id"`
	VariantID   string  `json:"variant_id"`
	ClickRate   float64 `json:"click_rate"`
	SampleCount int     `json:"sample_count"`
}

type AnalyticsReady struct {
	ReportID string  `json:"report_id"`
	VideoID  string  `json:"video_id"`
	Score    float64 `json:"score"`
}

type CompetitorIdeaExported struct {
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

func (p TopicApproved) Validate() error {
	if strings.TrimSpace(p.TopicID) == "" {
		return ErrInvalidPayload
	}
	return nil
}

func (p ScriptGenerated) Validate() error {
	if strings.TrimSpace(p.ScriptID) == "" || strings.TrimSpace(p.TopicID) == "" {
		return ErrInvalidPayload
	}
	return nil
}

func (p VoiceSynthesized) Validate() error {
	if strings.TrimSpace(p.VoiceID) == "" || strings.TrimSpace(p.ScriptID) == "" {
		return ErrInvalidPayload
	}
	return nil
}

func (p VideoRendered) Validate() error {
	if strings.TrimSpace(p.VideoID) == "" {
		return ErrInvalidPayload
	}
	return nil
}

func (p ThumbnailABWinner) Validate() error {
	if strings.TrimSpace(p.VideoID) == "" || strings.TrimSpace(p.VariantID) == "" {
		return ErrInvalidPayload
	}
	return nil
}

func (p AnalyticsReady) Validate() error {
	if strings.TrimSpace(p.ReportID) == "" || strings.TrimSpace(p.VideoID) == "" {
		return ErrInvalidPayload
	}
	return nil
}

func (p CompetitorIdeaExported) Validate() error {
	if strings.TrimSpace(p.BatchID) == "" || p.Count < 0 {
		return ErrInvalidPayload
	}
	return nil
}

// Decode unmarshals an envelope payload into a typed payload struct and runs
// its validation. Used at the handler boundary so consumers never work on a
// raw blob.
func Decode[T interface{ Validate() error }](env Envelope, dst *T) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return err
	}
	return (*dst).Validate()
}

// NewEnvelope stamps source and timestamp and serializes the payload.
func NewEnvelope(eventType string, source string, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:          strings.TrimSpace(eventType),
		Source:        strings.TrimSpace(source),
		CorrelationID: strings.TrimSpace(correlationID),
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}
