// Package transport moves A2A messages between the engine and
// candidate agents over HTTP. Replies arrive either inline in the
// HTTP response (sync mode) or later through the ingest API, which
// hands them to a Deliverer.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/circuitbreaker"
	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/tracing"
)

// Deliverer accepts inbound candidate replies and routes them to
// whatever evaluation is waiting on them. Implemented by the
// orchestrator router.
type Deliverer interface {
	DeliverResponse(resp *models.AgentResponse) bool
	DeliverRebuttal(reb *models.DebateRebuttal) bool
}

// Config tunes the outbound HTTP client.
type Config struct {
	Timeout          time.Duration
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 2
	}
	if c.RetryWaitTime <= 0 {
		c.RetryWaitTime = 500 * time.Millisecond
	}
	if c.RetryMaxWaitTime <= 0 {
		c.RetryMaxWaitTime = 5 * time.Second
	}
	return c
}

// Client posts A2A messages to candidate endpoints. One breaker per
// endpoint keeps a dead candidate from consuming the retry budget of
// every task in a batch.
type Client struct {
	http   *resty.Client
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	http := resty.New()
	http.SetTimeout(cfg.Timeout)
	http.SetRetryCount(cfg.RetryCount)
	http.SetRetryWaitTime(cfg.RetryWaitTime)
	http.SetRetryMaxWaitTime(cfg.RetryMaxWaitTime)
	http.SetHeader("User-Agent", "fabench/1.0")
	http.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500
	})

	return &Client{
		http:     http,
		logger:   logger.With(zap.String("component", "transport")),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Send posts a message and expects only an acknowledgement; the
// candidate replies later through the ingest API. Satisfies the
// orchestrator's Sender.
func (c *Client) Send(ctx context.Context, endpoint string, msg *models.A2AMessage) error {
	start := time.Now()
	err := c.breakerFor(endpoint).Execute(ctx, func() error {
		resp, err := c.request(ctx, msg).Post(endpoint)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 300 {
			return fmt.Errorf("endpoint returned %d", resp.StatusCode())
		}
		return nil
	})
	c.observe("async", start, err)

	if err != nil {
		c.logger.Warn("Message send failed",
			zap.String("endpoint", endpoint),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("send %s to %s: %v: %w", msg.Type, endpoint, err, models.ErrTransportFailure)
	}
	return nil
}

// SendSync posts a message and decodes the reply from the HTTP
// response body, for candidates that answer inline rather than
// calling back.
func (c *Client) SendSync(ctx context.Context, endpoint string, msg *models.A2AMessage) (*models.A2AMessage, error) {
	var reply models.A2AMessage
	start := time.Now()
	var malformed error
	err := c.breakerFor(endpoint).Execute(ctx, func() error {
		resp, err := c.request(ctx, msg).Post(endpoint)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 300 {
			return fmt.Errorf("endpoint returned %d", resp.StatusCode())
		}
		if err := json.Unmarshal(resp.Body(), &reply); err != nil {
			// The endpoint answered; a garbled body is the agent's
			// failure, not the transport's, so don't trip the breaker.
			malformed = fmt.Errorf("%w: decode reply from %s: %v", models.ErrMalformedResponse, endpoint, err)
		}
		return nil
	})
	switch {
	case err != nil:
		c.observe("sync", start, err)
		return nil, fmt.Errorf("send %s to %s: %v: %w", msg.Type, endpoint, err, models.ErrTransportFailure)
	case malformed != nil:
		c.observe("sync", start, malformed)
		return nil, malformed
	}
	c.observe("sync", start, nil)
	return &reply, nil
}

func (c *Client) request(ctx context.Context, msg *models.A2AMessage) *resty.Request {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(msg)
	if tp := tracing.W3CTraceparent(ctx); tp != "" {
		req.SetHeader("traceparent", tp)
	}
	return req
}

func (c *Client) breakerFor(endpoint string) *circuitbreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[endpoint]
	if !ok {
		cb = circuitbreaker.NewCircuitBreaker(endpoint, circuitbreaker.AgentConfig(), c.logger)
		c.breakers[endpoint] = cb
	}
	return cb
}

func (c *Client) observe(mode string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordTransportMetrics(mode, status, time.Since(start).Seconds())
}
