package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
)

const maxResponseBody = 1 << 20

// MaxDelay caps a single wait between attempts. Longer waits from large
// policies saturate here instead of overflowing time.Duration.
const MaxDelay = time.Duration(1 << 62)

var (
	attemptSuccessCounter   = metrics.GetOrCreateCounter(`gateway_attempts_total{result="success"}`)
	attemptTransientCounter = metrics.GetOrCreateCounter(`gateway_attempts_total{result="transient"}`)
	attemptPermanentCounter = metrics.GetOrCreateCounter(`gateway_attempts_total{result="permanent"}`)

	requestSuccessCounter   = metrics.GetOrCreateCounter(`gateway_requests_total{result="success"}`)
	requestExhaustedCounter = metrics.GetOrCreateCounter(`gateway_requests_total{result="retry_exhausted"}`)
	requestPermanentCounter = metrics.GetOrCreateCounter(`gateway_requests_total{result="permanent"}`)
	requestCanceledCounter  = metrics.GetOrCreateCounter(`gateway_requests_total{result="canceled"}`)
)

// RetryPolicy is pure configuration. Backoff state lives in each Execute call.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffFactor  float64
	InitialDelay   time.Duration
	AttemptTimeout time.Duration
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if !(p.BackoffFactor > 1) || math.IsInf(p.BackoffFactor, 0) {
		return fmt.Errorf("retry policy: backoff factor must be a finite number above 1, got %v", p.BackoffFactor)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry policy: initial delay must not be negative, got %s", p.InitialDelay)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("retry policy: attempt timeout must be positive, got %s", p.AttemptTimeout)
	}
	return nil
}

// Delay is the wait before the given retry (1 = the wait between the first
// and second attempt): InitialDelay * BackoffFactor^(retry-1), capped at
// MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 || p.InitialDelay == 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(retry-1))
	if d >= float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = p.Delay(p.MaxAttempts - 1)
	if b.MaxInterval < p.InitialDelay {
		b.MaxInterval = p.InitialDelay
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Option func(*RetryingClient)

// WithTimer replaces the timer used for inter-attempt waits. newTimer is
// called once per Execute.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *RetryingClient) {
		c.newTimer = newTimer
	}
}

type RetryingClient struct {
	doer     Doer
	policy   RetryPolicy
	logger   *slog.Logger
	newTimer func() backoff.Timer
}

func NewRetryingClient(doer Doer, policy RetryPolicy, logger *slog.Logger, opts ...Option) (*RetryingClient, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := &RetryingClient{
		doer:   doer,
		policy: policy,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RetryingClient) Policy() RetryPolicy {
	return c.policy
}

// Execute sends the request built by newRequest, retrying transient failures
// per the policy. newRequest runs once per attempt and must produce an
// equivalent request each time, including the same idempotency key.
//
// The first attempt is sent immediately. The wait before attempt n (n >= 2)
// is Delay(n-1), so the first wait is InitialDelay and each later wait grows
// by BackoffFactor.
//
// The caller may abandon the call by cancelling ctx; the wait between
// attempts stops immediately and ctx.Err() is returned.
func (c *RetryingClient) Execute(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var (
		resp          *Response
		attempts      int
		lastTransient bool
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		r, err := c.attempt(ctx, newRequest)
		if err == nil {
			attemptSuccessCounter.Inc()
			resp = r
			return nil
		}

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			attemptPermanentCounter.Inc()
			lastTransient = false
			return backoff.Permanent(err)
		}

		attemptTransientCounter.Inc()
		lastTransient = true
		return err
	}

	notify := func(err error, next time.Duration) {
		c.logger.WarnContext(ctx, "Gateway attempt failed, retrying",
			"attempt", attempts, "maxAttempts", c.policy.MaxAttempts, "delay", next, "error", err)
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, c.policy.backOff(ctx), notify, timer)
	switch {
	case err == nil:
		requestSuccessCounter.Inc()
		return resp, nil
	case ctx.Err() != nil:
		requestCanceledCounter.Inc()
		return nil, ctx.Err()
	case lastTransient:
		requestExhaustedCounter.Inc()
		c.logger.ErrorContext(ctx, "Gateway retries exhausted", "attempts", attempts, "error", err)
		return nil, &RetryExhaustedError{Attempts: attempts, Last: err}
	default:
		requestPermanentCounter.Inc()
		return nil, err
	}
}

func (c *RetryingClient) attempt(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	req, err := newRequest(attemptCtx)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	httpResp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}
