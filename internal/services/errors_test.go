package services_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"callpipe/internal/services"
)

func TestWrapPreservesMarker(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrValidation, "transcribe", "parse", "bad payload", base)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "fetch", "download", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		expect bool
	}{
		{"validation", services.Wrap(services.ErrValidation, "s", "o", "", nil), true},
		{"configuration", services.Wrap(services.ErrConfiguration, "s", "o", "", nil), true},
		{"not found", services.Wrap(services.ErrNotFound, "s", "o", "", nil), true},
		{"transient", services.Wrap(services.ErrTransient, "s", "o", "", nil), false},
		{"rate limited", services.Wrap(services.ErrRateLimited, "s", "o", "", nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.IsPermanent(tc.err); got != tc.expect {
				t.Fatalf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.expect)
			}
		})
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	attempts := 0
	err := services.Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return services.Wrap(services.ErrValidation, "stage", "op", "", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected single attempt for permanent error, got %d", attempts)
	}
}

func TestRetryRetriesTransient(t *testing.T) {
	attempts := 0
	err := services.Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return services.Wrap(services.ErrTransient, "stage", "op", "", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestStatusErrorCarriesRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Status:     "429 Too Many Requests",
		Header:     http.Header{"Retry-After": []string{"7"}},
		Body:       io.NopCloser(strings.NewReader("slow down")),
	}
	err := services.StatusError("analyze", "complete", resp)
	if !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate-limited marker, got %v", err)
	}
	var delayed *services.DelayedError
	if !errors.As(err, &delayed) {
		t.Fatalf("expected delayed error, got %v", err)
	}
	if delayed.Delay != 7*time.Second {
		t.Fatalf("expected 7s delay, got %s", delayed.Delay)
	}
}

func TestRetryHonorsServerDelay(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := services.Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts == 1 {
			return &services.DelayedError{
				Err:   services.Wrap(services.ErrRateLimited, "stage", "op", "", nil),
				Delay: 250 * time.Millisecond,
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after delayed retry, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	// MaxInterval caps the server-requested delay at 2ms, so the whole run
	// finishes quickly even though the server asked for 250ms.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("delay was not capped by MaxInterval, elapsed %s", elapsed)
	}
}

func fastPolicy() services.RetryPolicy {
	return services.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}
