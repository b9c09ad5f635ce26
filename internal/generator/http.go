package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/kiln/internal/config"
)

// CallerHeader carries Request.Caller to the endpoint.
const CallerHeader = "X-Kiln-Caller"

// HTTPConfig configures an HTTP generator.
type HTTPConfig struct {
	Endpoint        string
	Model           string
	APIKey          string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration // first retry delay, default 500ms
	HTTPClient      *http.Client
}

// HTTPConfigFrom builds an HTTPConfig from kiln.yml, reading the bearer key
// from the configured environment variable.
func HTTPConfigFrom(cfg config.GeneratorConfig) HTTPConfig {
	retries := 3
	if cfg.MaxRetries != nil {
		retries = *cfg.MaxRetries
	}
	return HTTPConfig{
		Endpoint:   cfg.Endpoint,
		Model:      cfg.Model,
		APIKey:     os.Getenv(cfg.APIKeyEnv),
		Timeout:    cfg.Timeout,
		MaxRetries: retries,
	}
}

// HTTP calls an OpenAI-compatible chat completions endpoint.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP generator.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("generator endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{cfg: cfg, client: client}, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Generate posts the request and returns the first choice's content.
// Network errors, 429 and 5xx responses are retried with exponential
// backoff; other 4xx responses fail immediately. Every error wraps
// ErrGeneration.
func (h *HTTP) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{Model: h.cfg.Model, Messages: req.Messages})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrGeneration, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.cfg.InitialInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(h.cfg.MaxRetries)), ctx)

	var content string
	attempt := 0
	op := func() error {
		attempt++
		text, err := h.do(ctx, body, req.Caller)
		if err != nil {
			log.Printf("[Generator] Attempt %d failed: caller=%s error=%v", attempt, req.Caller, err)
			return err
		}
		content = text
		return nil
	}

	if err := backoff.Retry(op, retry); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%v (%w)", err, ctxErr)
		}
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return content, nil
}

func (h *HTTP) do(ctx context.Context, body []byte, caller string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}
	if caller != "" {
		httpReq.Header.Set(CallerHeader, caller)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("generator unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", backoff.Permanent(fmt.Errorf("generator rejected request: %s: %s", resp.Status, strings.TrimSpace(string(snippet))))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", backoff.Permanent(errors.New("response contained no content"))
	}
	return decoded.Choices[0].Message.Content, nil
}
