package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func TestLinearSucceedsEventually(t *testing.T) {
	attempts := 0
	err := Linear(context.Background(), 5, time.Millisecond, AlwaysTransient, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestLinearExhausted(t *testing.T) {
	attempts := 0
	err := Linear(context.Background(), 3, time.Millisecond, AlwaysTransient, func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !IsExhausted(err) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestLinearStopsOnFatalError(t *testing.T) {
	attempts := 0
	isTransient := func(err error) bool { return !errors.Is(err, errFatal) }
	err := Linear(context.Background(), 5, time.Millisecond, isTransient, func(ctx context.Context) error {
		attempts++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Errorf("expected fatal error to propagate immediately, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a fatal error, got %d", attempts)
	}
}

func TestJitteredSucceedsEventually(t *testing.T) {
	attempts := 0
	err := Jittered(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJitteredExhausted(t *testing.T) {
	attempts := 0
	err := Jittered(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	if !IsExhausted(err) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestLinearRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Linear(ctx, 3, 10*time.Millisecond, AlwaysTransient, func(ctx context.Context) error {
		return errTransient
	})
	if err == nil {
		t.Fatal("expected error when context is already cancelled")
	}
}
