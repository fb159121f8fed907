package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{
			name:            "server error config",
			errorClass:      ErrorClassServer,
			expectedInitial: 2 * time.Second,
			expectedMax:     60 * time.Second,
		},
		{
			name:            "rate limit config",
			errorClass:      ErrorClassRateLimit,
			expectedInitial: 5 * time.Second,
			expectedMax:     60 * time.Second,
		},
		{
			name:            "network error config",
			errorClass:      ErrorClassNetwork,
			expectedInitial: 1 * time.Second,
			expectedMax:     30 * time.Second,
		},
		{
			name:            "unknown error class uses default",
			errorClass:      "",
			expectedInitial: 1 * time.Second,
			expectedMax:     30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(tt.errorClass)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
		})
	}
}

func alwaysServer(error) ErrorClass { return ErrorClassServer }

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), 3, func() error {
		callCount++
		return nil
	}, alwaysServer)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	fastBackoff(t)

	callCount := 0
	err := retryWithBackoff(context.Background(), 3, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, alwaysServer)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	fastBackoff(t)

	callCount := 0
	testErr := errors.New("persistent error")
	err := retryWithBackoff(context.Background(), 3, func() error {
		callCount++
		return testErr
	}, alwaysServer)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxAttempts), got %d", callCount)
	}
}

func TestRetryWithBackoff_SingleAttempt(t *testing.T) {
	callCount := 0
	testErr := errors.New("server down")
	err := retryWithBackoff(context.Background(), 1, func() error {
		callCount++
		return testErr
	}, alwaysServer)

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("a single attempt should return the original error")
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestRetryWithBackoff_ClientErrorNoRetry(t *testing.T) {
	callCount := 0
	testErr := errors.New("client error")
	err := retryWithBackoff(context.Background(), 3, func() error {
		callCount++
		return testErr
	}, func(error) ErrorClass { return ErrorClassClient })

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for client errors), got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for client errors (no retry attempted)")
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	err := retryWithBackoff(ctx, 3, func() error {
		callCount++
		if callCount == 1 {
			cancel()
		}
		return errors.New("error")
	}, alwaysServer)

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount >= 3 {
		t.Errorf("Expected fewer than 3 calls due to cancellation, got %d", callCount)
	}
}

func TestRetryWithBackoff_ExponentialBackoff(t *testing.T) {
	fastBackoff(t)

	var timestamps []time.Time
	_ = retryWithBackoff(context.Background(), 3, func() error {
		timestamps = append(timestamps, time.Now())
		return errors.New("error")
	}, func(error) ErrorClass { return ErrorClassNetwork })

	if len(timestamps) != 3 {
		t.Fatalf("Expected 3 timestamps, got %d", len(timestamps))
	}

	// Network: ~1 unit then ~2 units, ±20% jitter
	firstDelay := timestamps[1].Sub(timestamps[0])
	secondDelay := timestamps[2].Sub(timestamps[1])
	if firstDelay < 800*time.Microsecond {
		t.Errorf("first delay too short: %v", firstDelay)
	}
	if secondDelay < 1600*time.Microsecond {
		t.Errorf("second delay too short: %v", secondDelay)
	}
}

func TestRetryWithBackoff_RetryAfter(t *testing.T) {
	fastBackoff(t)

	tests := []struct {
		name       string
		retryAfter time.Duration
		minDelay   time.Duration
		maxDelay   time.Duration
	}{
		// rate_limit schedule: 5 units initial, 60 units max
		{name: "server wait replaces initial backoff", retryAfter: 30 * time.Millisecond, minDelay: 30 * time.Millisecond, maxDelay: time.Second},
		{name: "server wait capped at max backoff", retryAfter: time.Hour, minDelay: 60 * time.Millisecond, maxDelay: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var timestamps []time.Time
			err := retryWithBackoff(context.Background(), 2, func() error {
				timestamps = append(timestamps, time.Now())
				if len(timestamps) == 1 {
					return &RemoteRequestError{
						StatusCode: 429,
						ErrorClass: ErrorClassRateLimit,
						Endpoint:   "analytics",
						RetryAfter: tt.retryAfter,
					}
				}
				return nil
			}, classifyError)
			if err != nil {
				t.Fatalf("retryWithBackoff() error = %v", err)
			}
			if len(timestamps) != 2 {
				t.Fatalf("calls = %d, want 2", len(timestamps))
			}

			delay := timestamps[1].Sub(timestamps[0])
			if delay < tt.minDelay || delay > tt.maxDelay {
				t.Errorf("delay = %v, want between %v and %v", delay, tt.minDelay, tt.maxDelay)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "empty", value: "", want: 0},
		{name: "seconds", value: "120", want: 2 * time.Minute},
		{name: "padded seconds", value: " 3 ", want: 3 * time.Second},
		{name: "zero", value: "0", want: 0},
		{name: "negative", value: "-5", want: 0},
		{name: "garbage", value: "soon", want: 0},
		{name: "past date", value: time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	t.Run("future date", func(t *testing.T) {
		got := parseRetryAfter(time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat))
		if got < 85*time.Second || got > 90*time.Second {
			t.Errorf("parseRetryAfter(date) = %v, want about 90s", got)
		}
	})
}
