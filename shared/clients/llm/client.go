package llm

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

// Client talks to the script generation service.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *breaker.Breaker
}

type GenerateRequest struct {
	Topic         string   `json:"topic"`
	Audience      string   `json:"audience,omitempty"`
	ToneHints     []string `json:"tone_hints,omitempty"`
	TargetSeconds int      `json:"target_seconds,omitempty"`
}

type GenerateResponse struct {
	ScriptID string    `json:"script_id"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.LLMServiceURL == "" {
		return nil, errors.New("LLM_SERVICE_URL is required")
	}
	timeout := time.Duration(cfg.ClientTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.LLMServiceURL,
		timeout:  timeout,
		retryMax: cfg.ClientRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker.New(5, 30*time.Second),
	}, nil
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if c == nil || c.http == nil {
		return GenerateResponse{}, errors.New("llm client not initialized")
	}
	if c.breaker.Open() {
		return GenerateResponse{}, errors.New("llm circuit open")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/scripts/generate", bytes.NewReader(body))
		if err != nil {
			return GenerateResponse{}, err
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
			lastErr = errors.New("llm service error")
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			metricsx.IncUpstreamCall("llm", "rejected")
			return GenerateResponse{}, errors.New("llm request failed")
		}
		var out GenerateResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			metricsx.IncUpstreamCall("llm", "error")
			return GenerateResponse{}, err
		}
		c.breaker.Success()
		metricsx.IncUpstreamCall("llm", "ok")
		metricsx.ObserveUpstreamLatency("llm", time.Since(start))
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("llm request failed")
	}
	metricsx.IncUpstreamCall("llm", "error")
	return GenerateResponse{}, lastErr
}
