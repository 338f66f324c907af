// Package interpreter connects the dispatcher to the external flow
// interpreter.
package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"bitpart/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
	maxResultBody  = 4 << 20
)

// HTTPConfig configures an HTTP interpreter client.
type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTP posts each request as JSON to an interpreter service and decodes
// {"actions": [...]}. Network failures, 5xx and 429 are retryable errors;
// other 4xx and malformed results are terminal.
type HTTP struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

var _ domain.Interpreter = (*HTTP)(nil)

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("interpreter url is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTP{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: newHTTPClient(cfg.Timeout),
		logger: cfg.Logger,
	}, nil
}

// newHTTPClient returns a pooled client; one per interpreter endpoint.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// statusError is a non-2xx reply of the interpreter.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("interpreter returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (h *HTTP) Interpret(ctx context.Context, req domain.Request) (domain.Result, error) {
	const op = "interpret"
	var res domain.Result

	body, err := json.Marshal(req)
	if err != nil {
		return res, domain.E(domain.KindInterpreter, op, fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return res, domain.E(domain.KindInterpreter, op, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return res, domain.E(domain.KindInterpreter, op, err)
		}
		return res, domain.Retry(domain.KindInterpreter, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &statusError{StatusCode: resp.StatusCode, Body: string(snippet)}
		h.logger.Warn("interpreter error", "status", resp.StatusCode, "bot", req.BotID)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return res, domain.Retry(domain.KindInterpreter, op, serr)
		}
		return res, domain.E(domain.KindInterpreter, op, serr)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBody)).Decode(&res); err != nil {
		return res, domain.E(domain.KindInterpreter, op, fmt.Errorf("decode result: %w", err))
	}
	return res, nil
}

// Healthy checks that the interpreter answers at all.
func (h *HTTP) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("interpreter not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("interpreter returned %d", resp.StatusCode)
	}
	return nil
}
