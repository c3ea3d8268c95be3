package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultModel       = "text-davinci-003"
	defaultTemperature = 0.6
	defaultMaxTokens   = 2000
)

// completionRequest is the minimal request shape for the Completions endpoint.
type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stop        []string `json:"stop,omitempty"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// completionResponse is the minimal response shape returned by the
// Completions endpoint. Only the first choice is consumed.
type completionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index int    `json:"index"`
		Text  string `json:"text"`
	} `json:"choices"`
}

// KeySource resolves the API key used to authenticate completion calls.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeySource holding a key already in hand, typically from an
// environment variable.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	if k == "" {
		return "", errors.New("openai: static API key is empty")
	}
	return string(k), nil
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Completions endpoint with a fixed stop sequence,
// temperature, and output budget, retrying rate-limit rejections with
// exponential backoff. No other failure is retried.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	keys        KeySource
	model       string
	stop        []string
	temperature float64
	maxTokens   int

	retryInitial    time.Duration
	retryMultiplier float64
	retryMaxElapsed time.Duration // 0 retries until the context is done

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithStop overrides the stop sequence list sent with every request.
func WithStop(stop ...string) Option {
	return func(c *Client) {
		c.stop = stop
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithRetryPolicy tunes the rate-limit backoff: the first delay, the growth
// factor, and a cap on total time spent retrying. A zero maxElapsed keeps
// retrying until the call's context is cancelled, matching the default.
func WithRetryPolicy(initial time.Duration, multiplier float64, maxElapsed time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.retryInitial = initial
		}
		if multiplier > 1 {
			c.retryMultiplier = multiplier
		}
		c.retryMaxElapsed = maxElapsed
	}
}

// NewClient creates a Client backed by the given KeySource. The key is
// resolved on the first call to Complete and reused for the lifetime of the
// process.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	c := &Client{
		baseURL:         "https://api.openai.com/v1",
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		keys:            keys,
		model:           defaultModel,
		stop:            []string{"\nHuman"},
		temperature:     defaultTemperature,
		maxTokens:       defaultMaxTokens,
		retryInitial:    500 * time.Millisecond,
		retryMultiplier: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the key on the first call and returns the cached
// result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = c.keys.APIKey(ctx)
	})
	return c.apiKey, c.keyErr
}

func completionsURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/completions"
	}
	return base + "/v1/completions"
}

// Complete sends the rendered prompt and returns the first candidate's text.
// A 429 from the service is retried with exponential backoff; every other
// failure surfaces immediately. The call blocks for the duration of backoff
// delays, bounded only by ctx unless a retry cap was configured.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.Multiplier = c.retryMultiplier
	bo.MaxElapsedTime = c.retryMaxElapsed

	return backoff.RetryWithData(func() (string, error) {
		text, err := c.completeOnce(ctx, prompt, apiKey)
		if err != nil {
			if isRateLimited(err) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return text, nil
	}, backoff.WithContext(bo, ctx))
}

// completeOnce performs a single request with no retry.
func (c *Client) completeOnce(ctx context.Context, prompt, apiKey string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Prompt:      prompt,
		Stop:        c.stop,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := completionsURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var payload completionResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Text, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// isRateLimited reports whether err is an HTTP 429 from the service.
func isRateLimited(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests
}
