// Package remote is the HTTP client for the reward service. It implements
// the orchestrator's Backend contract: exactly one request per call, no
// retries, business rejections as *protocol.Failure and everything else as
// a transport error whose outcome is unknown.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/lootcore/internal/circuitbreaker"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/traces"
)

// ErrServer wraps 5xx responses.
var ErrServer = errors.New("reward service error")

// ErrBadResponse wraps bodies that could not be decoded.
var ErrBadResponse = errors.New("undecodable response")

const (
	DefaultTimeout = 10 * time.Second
	breakerKey     = "reward_service"
	maxBodyBytes   = 1 << 20
)

// Config holds the connection settings.
type Config struct {
	BaseURL string        // e.g. "http://localhost:8080"
	Timeout time.Duration // per call
	// BreakerThreshold consecutive transport failures open the circuit for
	// BreakerCooldown. Zero values use the breaker defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client talks to the reward service over HTTP/JSON.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		breaker:    circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Breaker exposes the circuit breaker state for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// failureBody is the shared shape of every failed response.
type failureBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	Required     int64  `json:"required"`
	Current      int64  `json:"current"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

func isTransport(err error) bool {
	var f *protocol.Failure
	return !errors.As(err, &f)
}

// do issues one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, span := traces.StartSpan(ctx, "remote."+op)
	defer span.End()

	err := c.breaker.Execute(breakerKey, isTransport, func() error {
		return c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err != nil && isTransport(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	case resp.StatusCode >= 400:
		var fb failureBody
		if json.Unmarshal(data, &fb) != nil || fb.Error == "" {
			return fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
		}
		f := &protocol.Failure{
			Code:       fb.Error,
			Message:    fb.Message,
			Required:   fb.Required,
			Current:    fb.Current,
			RetryAfter: time.Duration(fb.RetryAfterMs) * time.Millisecond,
		}
		if f.RetryAfter == 0 {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				f.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return f
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	return nil
}

func actorPath(actorID, rest string) string {
	return "/v1/actors/" + url.PathEscape(actorID) + rest
}

// OpenContainer calls POST /v1/open_container.
func (c *Client) OpenContainer(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error) {
	var resp protocol.OpenResponse
	if err := c.do(ctx, "open_container", http.MethodPost, "/v1/open_container", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KeepReward calls POST /v1/keep_reward.
func (c *Client) KeepReward(ctx context.Context, req protocol.KeepRequest) (*protocol.KeepResponse, error) {
	var resp protocol.KeepResponse
	if err := c.do(ctx, "keep_reward", http.MethodPost, "/v1/keep_reward", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LiquidateReward calls POST /v1/liquidate_reward.
func (c *Client) LiquidateReward(ctx context.Context, req protocol.LiquidateRequest) (*protocol.LiquidateResponse, error) {
	var resp protocol.LiquidateResponse
	if err := c.do(ctx, "liquidate_reward", http.MethodPost, "/v1/liquidate_reward", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LookupOutcome reads the committed result of an earlier open by its
// request key.
func (c *Client) LookupOutcome(ctx context.Context, actorID, requestKey string) (*protocol.OpenResponse, error) {
	var resp protocol.OpenResponse
	path := actorPath(actorID, "/outcomes/"+url.PathEscape(requestKey))
	if err := c.do(ctx, "lookup_outcome", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchBalance reads the authoritative balance.
func (c *Client) FetchBalance(ctx context.Context, actorID string) (int64, error) {
	var resp protocol.BalanceResponse
	if err := c.do(ctx, "fetch_balance", http.MethodGet, actorPath(actorID, "/balance"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Containers lists the containers on offer.
func (c *Client) Containers(ctx context.Context) ([]ContainerView, error) {
	var resp struct {
		Containers []ContainerView `json:"containers"`
	}
	if err := c.do(ctx, "containers", http.MethodGet, "/v1/containers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// ContainerView is one listed container.
type ContainerView struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Price  int64                  `json:"price"`
	Prizes []protocol.DisplayItem `json:"prizes"`
}
