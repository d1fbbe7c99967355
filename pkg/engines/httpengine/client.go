// Package httpengine submits runnables to an engine that exposes a small
// REST API and maps its JSON responses onto job statuses with jq.
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/runplane/runplane/pkg/engine"
)

const maxResponseSize = 4 << 20

// Config configures the REST engine client.
type Config struct {
	BaseURL string            `yaml:"base_url" json:"base_url" validate:"required,url"`
	Token   string            `yaml:"token" json:"token"`
	Headers map[string]string `yaml:"headers" json:"headers"`

	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`

	// RateLimit is the number of requests per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"min=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"min=0"`

	// jq expressions evaluated against every response body.
	HandleQuery  string `yaml:"handle_query" json:"handle_query"`
	StateQuery   string `yaml:"state_query" json:"state_query"`
	MessageQuery string `yaml:"message_query" json:"message_query"`
}

// DefaultConfig returns the queries for an engine that answers
// {"id": ..., "state": ..., "message": ...}.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		RateLimit:    10,
		Burst:        10,
		HandleQuery:  ".id",
		StateQuery:   ".state",
		MessageQuery: `.message // ""`,
	}
}

// Client implements engine.EngineClient over HTTP.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	handle  *gojq.Code
	state   *gojq.Code
	message *gojq.Code
}

// New compiles the configured jq queries and creates a client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.HandleQuery == "" {
		cfg.HandleQuery = def.HandleQuery
	}
	if cfg.StateQuery == "" {
		cfg.StateQuery = def.StateQuery
	}
	if cfg.MessageQuery == "" {
		cfg.MessageQuery = def.MessageQuery
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, engine.NewValidationError("invalid engine base url", err)
	}

	c := &Client{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "http-engine").Logger(),
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	var err error
	if c.handle, err = compile("handle_query", cfg.HandleQuery); err != nil {
		return nil, err
	}
	if c.state, err = compile("state_query", cfg.StateQuery); err != nil {
		return nil, err
	}
	if c.message, err = compile("message_query", cfg.MessageQuery); err != nil {
		return nil, err
	}
	return c, nil
}

func compile(name, expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid %s %q", name, expr), err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("cannot compile %s %q", name, expr), err)
	}
	return code, nil
}

func (c *Client) Name() string { return "http" }

// Submit posts the runnable to {base}/jobs.
func (c *Client) Submit(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error) {
	body, err := json.Marshal(runnable)
	if err != nil {
		return nil, engine.NewExternalEngineFatalError("cannot encode runnable", err)
	}
	data, err := c.do(ctx, http.MethodPost, "/jobs", body)
	if err != nil {
		return nil, err
	}

	st, err := c.decode(ctx, data)
	if err != nil {
		return nil, err
	}
	if st.State == engine.JobStateFailed || st.State == engine.JobStateError {
		return nil, engine.NewExternalEngineFatalError(fmt.Sprintf("engine rejected job: %s", st.Message), nil).
			WithResource(runnable.RunID)
	}
	c.logger.Debug().Str("run_id", runnable.RunID).Str("handle", st.Handle).Msg("Job submitted")
	return st, nil
}

// Status fetches {base}/jobs/{handle}.
func (c *Client) Status(ctx context.Context, handle string) (*engine.JobStatus, error) {
	data, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}
	st, err := c.decode(ctx, data)
	if err != nil {
		return nil, err
	}
	if st.Handle == "" {
		st.Handle = handle
	}
	return st, nil
}

// Cancel deletes {base}/jobs/{handle}. A job the engine no longer knows
// counts as cancelled.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	_, err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(handle), nil)
	var he *statusError
	if err != nil && errors.As(err, &he) && he.code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, engine.NewExternalEngineError("rate limiter", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, engine.NewExternalEngineFatalError("cannot build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.NewExternalEngineError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, engine.NewExternalEngineError("cannot read response", err)
	}

	if resp.StatusCode >= 300 {
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
		msg := fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return nil, engine.NewExternalEngineError(msg, se)
		default:
			return nil, engine.NewExternalEngineFatalError(msg, se)
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, engine.NewExternalEngineError("malformed response body", err)
	}
	return data, nil
}

func (c *Client) decode(ctx context.Context, data interface{}) (*engine.JobStatus, error) {
	if data == nil {
		return nil, engine.NewExternalEngineError("empty response body", nil)
	}

	handle, err := query(ctx, c.handle, data)
	if err != nil {
		return nil, err
	}
	state, err := query(ctx, c.state, data)
	if err != nil {
		return nil, err
	}
	message, err := query(ctx, c.message, data)
	if err != nil {
		return nil, err
	}

	js, ok := engine.ParseJobState(state)
	if !ok {
		return nil, engine.NewExternalEngineError(fmt.Sprintf("unrecognized job state %q", state), nil)
	}

	st := &engine.JobStatus{State: js, Handle: handle, Message: message}
	if m, ok := data.(map[string]interface{}); ok {
		st.Raw = m
	}
	return st, nil
}

// query returns the first result of code as a string. null and no result
// both yield "".
func query(ctx context.Context, code *gojq.Code, data interface{}) (string, error) {
	iter := code.RunWithContext(ctx, data)
	v, ok := iter.Next()
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case error:
		return "", engine.NewExternalEngineError("response mapping failed", t)
	case string:
		return t, nil
	default:
		return fmt.Sprint(t), nil
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return http.StatusText(e.code)
	}
	return e.body
}
