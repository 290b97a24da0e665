// Package agent is the client for the agent runtime that executes thread
// runs. The bridge authorizes a thread operation, attaches the user's
// delegated credentials, and hands the work over; the runtime's own
// behaviour is out of scope here.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obobridge/obo-bridge/internal/config"
)

const maxResponseBytes = 1 << 20

// Tokens carries the delegated credentials forwarded with each request.
// The access token is the user's primary token; the id token lets the
// runtime display who it is acting for.
type Tokens struct {
	AccessToken string
	IDToken     string

	// Delegated holds on-behalf-of tokens for downstream resources the
	// run was asked to reach, keyed by resource name.
	Delegated map[string]string
}

// Client delegates thread operations to the agent runtime over HTTP. A
// client with no base URL is disabled: Enabled reports false and the
// bridge records ownership without delegating.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(cfg config.AgentConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Transport: httpClient.Transport,
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// CreateThread registers a new thread with the runtime.
func (c *Client) CreateThread(ctx context.Context, threadID string, tok Tokens) error {
	body, err := json.Marshal(map[string]string{"thread_id": threadID})
	if err != nil {
		return fmt.Errorf("encoding thread request: %w", err)
	}

	_, err = c.post(ctx, "/threads", body, tok)
	return err
}

// RunThread submits a run on an existing thread and returns the runtime's
// response document.
func (c *Client) RunThread(ctx context.Context, threadID string, input json.RawMessage, tok Tokens) (json.RawMessage, error) {
	return c.post(ctx, "/threads/"+threadID+"/runs", input, tok)
}

func (c *Client) post(ctx context.Context, path string, body []byte, tok Tokens) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if tok.IDToken != "" {
		req.Header.Set("X-Azure-Id-Token", tok.IDToken)
	}
	for resource, delegated := range tok.Delegated {
		req.Header.Set("X-Azure-Token-"+resource, delegated)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agent runtime: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// response bodies from the runtime are logged, never relayed
		log.Info().Int("status", resp.StatusCode).Str("path", path).
			Bytes("body", payload).Msg("agent runtime rejected request")
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	return payload, nil
}

// StatusError reports a non-2xx response from the agent runtime.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent runtime returned status %d", e.StatusCode)
}
