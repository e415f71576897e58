package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/observability"
)

func newTestDispatcher(url string, retries, circuit int) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(config.WebhookConfig{
		URL:               url,
		Secret:            "s3cret",
		TimeoutMS:         1000,
		RetryMax:          retries,
		RetryBaseMS:       500,
		RetryMaxDelayMS:   30000,
		CircuitFailures:   circuit,
		CircuitCooldownMS: 60000,
	}, zap.NewNop(), observability.NewMetrics())
	d.policy.Jitter = 0
	var slept []time.Duration
	d.Sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, &slept
}

func TestDeliverSignsAndSetsHeaders(t *testing.T) {
	var got struct {
		sig, eventID, corr, ts string
		body                   []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.sig = r.Header.Get(HeaderSignature)
		got.eventID = r.Header.Get(HeaderEventID)
		got.corr = r.Header.Get(HeaderCorrelationID)
		got.ts = r.Header.Get(HeaderTimestamp)
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(srv.URL, 5, 10)
	env, err := d.Emit(context.Background(), EventMessageAck, "wamid-1", AckData{WaMessageID: "wamid-1", Ack: "read"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !Verify(got.body, "s3cret", got.sig) {
		t.Fatal("signature does not match body")
	}
	if got.eventID != env.EventID || got.corr != "wamid-1" || got.ts == "" {
		t.Fatalf("unexpected headers: %+v", got)
	}
	var decoded Envelope
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventVersion != EnvelopeVersion || decoded.EventType != EventMessageAck {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, slept := newTestDispatcher(srv.URL, 5, 10)
	if _, err := d.Emit(context.Background(), EventMessageIncoming, "", map[string]string{}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("unexpected backoff %v", *slept)
	}
	if state, failures := d.Breaker().State(); state != BreakerClosed || failures != 0 {
		t.Fatalf("success should reset breaker, got %s/%d", state, failures)
	}
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(srv.URL, 2, 0)
	_, err := d.Emit(context.Background(), EventMessageIncoming, "", map[string]string{})
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Attempts != 3 {
		t.Fatalf("expected DeliveryError after 3 attempts, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDeliverCircuitOpensAndFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(srv.URL, 5, 2)
	if _, err := d.Emit(context.Background(), EventMessageIncoming, "", map[string]string{}); err == nil {
		t.Fatal("expected failure")
	}
	if calls != 2 {
		t.Fatalf("breaker should stop retries at threshold, got %d calls", calls)
	}

	_, err := d.Emit(context.Background(), EventMessageIncoming, "", map[string]string{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatal("open circuit must not touch the network")
	}
}

func TestDeliverNotConfigured(t *testing.T) {
	d, slept := newTestDispatcher("", 5, 10)
	_, err := d.Emit(context.Background(), EventMessageIncoming, "", map[string]string{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(*slept) != 0 {
		t.Fatal("configuration errors should not back off")
	}
}
