package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"audiobookd/pkg/types"
)

// Client speaks the engine process contract over HTTP. Every engine, local
// or containerized, exposes the same surface: /health, /load, one verb
// endpoint per category, /info, /models, /speakers and /shutdown.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client. Timeouts ride on the per-call contexts.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 0}}
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	return c.get(ctx, baseURL+"/health", nil)
}

// LoadModel issues POST /load. Engines answer 503 while the previous load
// is still in flight.
func (c *Client) LoadModel(ctx context.Context, baseURL, model string) error {
	body := map[string]string{"model_name": model}
	return c.post(ctx, baseURL+"/load", body, nil)
}

// Invoke calls the category verb (generate/transcribe/segment/analyze).
func (c *Client) Invoke(ctx context.Context, baseURL, verb string, payload interface{}, out interface{}) error {
	return c.post(ctx, baseURL+"/"+verb, payload, out)
}

// Shutdown asks the engine to exit cleanly. Best effort; runners still
// terminate the process afterwards.
func (c *Client) Shutdown(ctx context.Context, baseURL string) error {
	return c.post(ctx, baseURL+"/shutdown", nil, nil)
}

// Info fetches the engine's self-description from GET /info.
func (c *Client) Info(ctx context.Context, baseURL string) (types.Manifest, error) {
	var m types.Manifest
	if err := c.get(ctx, baseURL+"/info", &m); err != nil {
		return types.Manifest{}, err
	}
	return m, nil
}

// Models fetches the engine's available model list.
func (c *Client) Models(ctx context.Context, baseURL string) ([]string, error) {
	var resp struct {
		Models []string `json:"models"`
	}
	if err := c.get(ctx, baseURL+"/models", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// SpeakerIDs returns the reference ids the engine already holds.
func (c *Client) SpeakerIDs(ctx context.Context, baseURL string) ([]string, error) {
	var resp struct {
		Speakers []string `json:"speakers"`
	}
	if err := c.get(ctx, baseURL+"/speakers", &resp); err != nil {
		return nil, err
	}
	return resp.Speakers, nil
}

// UploadSpeaker pushes one reference asset to the engine.
func (c *Client) UploadSpeaker(ctx context.Context, baseURL, id string, audioB64 string) error {
	body := map[string]string{"speaker_id": id, "audio_base64": audioB64}
	return c.post(ctx, baseURL+"/speakers", body, nil)
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrServerFault(err.Error())
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, url string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return ErrClientInvalid(fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return ErrServerFault(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request and folds the response into the retry taxonomy.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		// transport failure: the process is suspect
		return ErrServerFault(fmt.Sprintf("engine call %s: %v", req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return ErrServerFault(fmt.Sprintf("decode engine response %s: %v", req.URL.Path, err))
		}
		return nil
	}

	detail := readErrorDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return ErrClientInvalid(fmt.Sprintf("engine rejected %s: %s", req.URL.Path, detail))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrLoading(req.URL.Host)
	case resp.StatusCode >= 500:
		return ErrServerFault(fmt.Sprintf("engine error on %s: %s (%d)", req.URL.Path, detail, resp.StatusCode))
	default:
		return ErrClientInvalid(fmt.Sprintf("engine returned %d on %s: %s", resp.StatusCode, req.URL.Path, detail))
	}
}

func readErrorDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(b, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	if len(b) == 0 {
		return "no detail"
	}
	return string(b)
}

// loadingRetryDelay paces retries while an engine reports 503.
const loadingRetryDelay = 2 * time.Second
