package bus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testEvent() Event {
	return Event{
		Topic:   "universal_agent_completed",
		Key:     "sess-1",
		EventID: "evt-1",
		Payload: []byte(`{"ok":true}`),
		Headers: map[string]string{"tenant": "t1"},
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("schema rejected")
	if !IsPermanent(Permanent(base)) {
		t.Error("IsPermanent(Permanent(err)) = false")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent on unwrapped error = true")
	}
	if IsPermanent(nil) {
		t.Error("IsPermanent(nil) = true")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent does not unwrap to the cause")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}

func TestMemorySink(t *testing.T) {
	t.Parallel()
	s := NewMemorySink()

	if err := s.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	events := s.Events()
	if len(events) != 1 || events[0].EventID != "evt-1" {
		t.Errorf("Events() = %+v, want one evt-1", events)
	}

	injected := errors.New("down")
	s.SetFailure(injected)
	if err := s.Publish(context.Background(), testEvent()); !errors.Is(err, injected) {
		t.Errorf("Publish() error = %v, want injected failure", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Publish(ctx, testEvent()); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() on cancelled ctx error = %v", err)
	}
}

func TestRedisSinkPublish(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	ctx := context.Background()
	s, err := NewRedisSink(ctx, RedisOptions{Addr: mr.Addr(), Stream: "test:events"})
	if err != nil {
		t.Fatalf("NewRedisSink() error = %v", err)
	}
	defer s.Close()

	if err := s.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	entries, err := client.XRange(ctx, "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	got := entries[0].Values
	if got["event_id"] != "evt-1" {
		t.Errorf("event_id = %v, want evt-1", got["event_id"])
	}
	if got["topic"] != "universal_agent_completed" {
		t.Errorf("topic = %v", got["topic"])
	}
	if got["hdr:tenant"] != "t1" {
		t.Errorf("hdr:tenant = %v, want t1", got["hdr:tenant"])
	}
}

func TestNewRedisSinkUnreachable(t *testing.T) {
	t.Parallel()
	if _, err := NewRedisSink(context.Background(), RedisOptions{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("NewRedisSink() to closed port succeeded")
	}
}

func TestHTTPSinkStatusHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{"ok", http.StatusOK, false, false},
		{"created", http.StatusCreated, false, false},
		{"bad request", http.StatusBadRequest, true, true},
		{"unauthorized", http.StatusUnauthorized, true, true},
		{"request timeout", http.StatusRequestTimeout, true, false},
		{"too many requests", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := NewHTTPSink(HTTPOptions{URL: srv.URL})
			err := s.Publish(context.Background(), testEvent())
			if gotErr := err != nil; gotErr != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %t", err, tt.wantErr)
			}
			if got := IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %t, want %t", got, tt.wantPermanent)
			}
		})
	}
}

func TestHTTPSinkHeaders(t *testing.T) {
	t.Parallel()

	var gotIdem, gotAuth, gotTopic atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem.Store(r.Header.Get("Idempotency-Key"))
		gotAuth.Store(r.Header.Get("Authorization"))
		gotTopic.Store(r.Header.Get("X-Event-Topic"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(HTTPOptions{URL: srv.URL, AuthToken: "secret"})
	if err := s.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if gotIdem.Load() != "evt-1" {
		t.Errorf("Idempotency-Key = %v, want evt-1", gotIdem.Load())
	}
	if gotAuth.Load() != "Bearer secret" {
		t.Errorf("Authorization = %v", gotAuth.Load())
	}
	if gotTopic.Load() != "universal_agent_completed" {
		t.Errorf("X-Event-Topic = %v", gotTopic.Load())
	}
}
