package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"content-pipeline/shared/clients/breaker"
	"content-pipeline/shared/config"
	"content-pipeline/shared/metricsx"
)

// Client talks to the speech synthesis service. One call synthesizes one
// language; callers iterate languages themselves so a single bad language
// does not sink the rest.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *breaker.Breaker
}

type SynthesizeRequest struct {
	ScriptID string `json:"script_id"`
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

type SynthesizeResponse struct {
	AudioURL        string  `json:"audio_url"`
	Language        string  `json:"language"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.TTSServiceURL == "" {
		return nil, errors.New("TTS_SERVICE_URL is required")
	}
	timeout := time.Duration(cfg.ClientTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.TTSServiceURL,
		timeout:  timeout,
		retryMax: cfg.ClientRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker.New(5, 30*time.Second),
	}, nil
}

func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeResponse, error) {
	if c == nil || c.http == nil {
		return SynthesizeResponse{}, errors.New("tts client not initialized")
	}
	if c.breaker.Open() {
		return SynthesizeResponse{}, errors.New("tts circuit open")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SynthesizeResponse{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/voice/synthesize", bytes.NewReader(body))
		if err != nil {
			return SynthesizeResponse{}, err
		}
		reqHTTP.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(reqHTTP)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = errors.New("tts service error")
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			metricsx.IncUpstreamCall("tts", "rejected")
			return SynthesizeResponse{}, errors.New("tts request failed")
		}
		var out SynthesizeResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			metricsx.IncUpstreamCall("tts", "error")
			return SynthesizeResponse{}, err
		}
		c.breaker.Success()
		metricsx.IncUpstreamCall("tts", "ok")
		metricsx.ObserveUpstreamLatency("tts", time.Since(start))
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("tts request failed")
	}
	metricsx.IncUpstreamCall("tts", "error")
	return SynthesizeResponse{}, lastErr
}
