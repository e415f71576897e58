package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/observability"
)

// ErrNotConfigured is returned when the URL or secret is missing.
var ErrNotConfigured = errors.New("webhook url or secret not configured")

// DeliveryError reports a delivery that exhausted its attempts.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded with %d: %s", e.StatusCode, e.Body)
}

// Dispatcher signs and delivers envelopes with retries behind a circuit breaker.
type Dispatcher struct {
	client  *resty.Client
	url     string
	secret  string
	policy  RetryPolicy
	breaker *Breaker
	logger  *zap.Logger
	metrics *observability.Metrics

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewDispatcher builds a dispatcher from configuration.
func NewDispatcher(cfg config.WebhookConfig, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	client := resty.New().
		SetTimeout(time.Duration(cfg.TimeoutMS)*time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &Dispatcher{
		client: client,
		url:    cfg.URL,
		secret: cfg.Secret,
		policy: RetryPolicy{
			MaxRetries: cfg.RetryMax,
			Base:       time.Duration(cfg.RetryBaseMS) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
			Jitter:     100 * time.Millisecond,
		},
		breaker: NewBreaker(cfg.CircuitFailures, time.Duration(cfg.CircuitCooldownMS)*time.Millisecond, nil),
		logger:  logger.Named("webhook"),
		metrics: metrics,
		Sleep:   sleepContext,
		Now:     time.Now,
	}
}

// Breaker exposes the breaker for health reporting.
func (d *Dispatcher) Breaker() *Breaker {
	return d.breaker
}

// Emit wraps data in a fresh envelope and delivers it.
func (d *Dispatcher) Emit(ctx context.Context, eventType EventType, correlationID string, data any) (Envelope, error) {
	env, err := NewEnvelope(eventType, correlationID, data, d.Now())
	if err != nil {
		return Envelope{}, err
	}
	return env, d.Deliver(ctx, env)
}

// Deliver posts env until it is accepted, the attempts run out or the breaker opens.
func (d *Dispatcher) Deliver(ctx context.Context, env Envelope) error {
	fields := []zap.Field{
		zap.String("event_id", env.EventID),
		zap.String("correlation_id", env.CorrelationID),
		zap.String("event_type", string(env.EventType)),
	}
	if !d.breaker.Allow() {
		d.logger.Warn("webhook circuit open, skipping delivery", fields...)
		d.metrics.Inc(observability.CounterWebhookFailed)
		return ErrCircuitOpen
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = d.postOnce(ctx, body, env)
		kind := classify(lastErr)
		if kind == FailureNone {
			d.breaker.RecordSuccess()
			d.metrics.Inc(observability.CounterWebhookDelivered)
			d.logger.Info("webhook delivered", append(fields, zap.Int("attempt", attempt))...)
			return nil
		}

		d.metrics.Inc(observability.CounterWebhookAttempt)
		if d.breaker.RecordFailure() {
			d.metrics.Inc(observability.CounterCircuitOpened)
			d.logger.Warn("webhook circuit opened", fields...)
		}
		d.logger.Warn("webhook delivery failed", append(fields, zap.Int("attempt", attempt), zap.Error(lastErr))...)

		if kind == FailureTransient && !d.breaker.Allow() {
			kind = FailureCircuitOpen
		}
		if d.policy.Decide(attempt, kind) != ActionRetry {
			d.metrics.Inc(observability.CounterWebhookFailed)
			if kind == FailureConfig {
				return lastErr
			}
			return &DeliveryError{Attempts: attempt + 1, Err: lastErr}
		}
		if err := d.Sleep(ctx, d.policy.Delay(attempt)); err != nil {
			return &DeliveryError{Attempts: attempt + 1, Err: err}
		}
	}
}

func (d *Dispatcher) postOnce(ctx context.Context, body []byte, env Envelope) error {
	if d.url == "" || d.secret == "" {
		return ErrNotConfigured
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader(HeaderSignature, Sign(body, d.secret)).
		SetHeader(HeaderEventID, env.EventID).
		SetHeader(HeaderTimestamp, strconv.FormatInt(d.Now().Unix(), 10)).
		SetHeader(HeaderCorrelationID, env.CorrelationID).
		SetBody(body).
		Post(d.url)
	if err != nil {
		return err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 200)}
	}
	return nil
}

func classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNotConfigured):
		return FailureConfig
	case errors.Is(err, ErrCircuitOpen):
		return FailureCircuitOpen
	}
	return FailureTransient
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
