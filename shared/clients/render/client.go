package render

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

// Client talks to the video rendering service. Rendering is all or
// nothing: any upstream failure fails the whole request, there is no
// partial video.
type Client struct {
	baseURL  string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *breaker.Breaker
}

type RenderRequest struct {
	ScriptID  string   `json:"script_id"`
	VoiceID   string   `json:"voice_id"`
	Languages []string `json:"languages,omitempty"`
	Template  string   `json:"template,omitempty"`
}

type RenderResponse struct {
	VideoURL        string   `json:"video_url"`
	ThumbnailURLs   []string `json:"thumbnail_urls,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RenderServiceURL == "" {
		return nil, errors.New("RENDER_SERVICE_URL is required")
	}
	timeout := time.Duration(cfg.ClientTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.RenderServiceURL,
		timeout:  timeout,
		retryMax: cfg.ClientRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker.New(5, 30*time.Second),
	}, nil
}

func (c *Client) Render(ctx context.Context, req RenderRequest) (RenderResponse, error) {
	if c == nil || c.http == nil {
		return RenderResponse{}, errors.New("render client not initialized")
	}
	if c.breaker.Open() {
		return RenderResponse{}, errors.New("render circuit open")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return RenderResponse{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/videos/render", bytes.NewReader(body))
		if err != nil {
			return RenderResponse{}, err
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
			lastErr = errors.New("render service error")
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			metricsx.IncUpstreamCall("render", "rejected")
			return RenderResponse{}, errors.New("render request failed")
		}
		var out RenderResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			metricsx.IncUpstreamCall("render", "error")
			return RenderResponse{}, err
		}
		c.breaker.Success()
		metricsx.IncUpstreamCall("render", "ok")
		metricsx.ObserveUpstreamLatency("render", time.Since(start))
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("render request failed")
	}
	metricsx.IncUpstreamCall("render", "error")
	return RenderResponse{}, lastErr
}
