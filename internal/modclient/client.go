// Package modclient implements the narrow typed RPC to module services: POST
// JSON, wait at most the configured timeout, strictly validate the response
// envelope and output schema. Retries and fallbacks are the modules' own
// business; this client surfaces exactly what came back.
package modclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/danshapiro/talespin/internal/contract"
)

// DefaultTimeout applies when MODULE_REQUEST_TIMEOUT_MS is unset or invalid.
const DefaultTimeout = 20 * time.Second

// Response body snippets in HTTPError are capped to keep pipeline events small.
const bodySnippetLimit = 512

// Client posts requests to module endpoints. The zero value is not usable;
// construct with New.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New builds a client with the given per-request timeout. A non-positive
// timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// NewFromEnv reads MODULE_REQUEST_TIMEOUT_MS and builds a client.
func NewFromEnv() *Client {
	return New(TimeoutFromEnv(os.Getenv))
}

// TimeoutFromEnv parses MODULE_REQUEST_TIMEOUT_MS via the given getter.
func TimeoutFromEnv(getenv func(string) string) time.Duration {
	raw := getenv("MODULE_REQUEST_TIMEOUT_MS")
	if raw == "" {
		return DefaultTimeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return DefaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// Timeout returns the configured per-request timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Invoke posts the request body to endpoint and validates the response as the
// given stage's output. All failures implement the modclient.Error interface.
func (c *Client) Invoke(ctx context.Context, stage, endpoint string, request any) (*contract.Envelope, error) {
	base := errBase{stage: stage, endpoint: endpoint}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, &SchemaError{errBase: base, Issue: fmt.Sprintf("encode request: %v", err)}
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{errBase: base, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(cctx, err) {
			return nil, &TimeoutError{errBase: base, TimeoutMS: c.timeout.Milliseconds()}
		}
		return nil, &NetworkError{errBase: base, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeoutErr(cctx, err) {
			return nil, &TimeoutError{errBase: base, TimeoutMS: c.timeout.Milliseconds()}
		}
		return nil, &NetworkError{errBase: base, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{errBase: base, Status: resp.StatusCode, BodySnippet: snippet(raw)}
	}

	env, err := contract.DecodeEnvelope(raw)
	if err != nil {
		return nil, &SchemaError{errBase: base, Issue: fmt.Sprintf("envelope: %v", err)}
	}
	if err := contract.ValidateStageOutput(stage, env.Output); err != nil {
		return nil, &SchemaError{errBase: base, Issue: fmt.Sprintf("output: %v", err)}
	}
	return env, nil
}

func isTimeoutErr(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(b []byte) string {
	if len(b) > bodySnippetLimit {
		b = b[:bodySnippetLimit]
	}
	return string(b)
}
