package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_DelayWithinJitterBounds(t *testing.T) {
	tests := []struct {
		name string
		b    Backoff
	}{
		{name: "default", b: DefaultBackoff()},
		{name: "no jitter", b: Backoff{Base: 10 * time.Millisecond, Multiplier: 3, Max: time.Second}},
		{name: "wide jitter", b: Backoff{Base: time.Millisecond, Multiplier: 1.5, Max: 2 * time.Second, Jitter: 0.9}},
		{name: "flat", b: Backoff{Base: 50 * time.Millisecond, Multiplier: 1, Max: time.Second, Jitter: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for n := 0; n < 80; n++ {
				capped := float64(tt.b.Capped(n))
				lo := time.Duration(capped * (1 - tt.b.Jitter))
				hi := time.Duration(capped * (1 + tt.b.Jitter))

				for _, u := range []float64{0, 0.25, 0.5, 0.999999} {
					d := tt.b.delay(n, u)
					if d < lo || d > hi {
						t.Fatalf("delay(%d, %v) = %v, want within [%v, %v]", n, u, d, lo, hi)
					}
				}
				for i := 0; i < 20; i++ {
					d := tt.b.Delay(n)
					if d < lo || d > hi {
						t.Fatalf("Delay(%d) = %v, want within [%v, %v]", n, d, lo, hi)
					}
				}
			}
		})
	}
}

func TestBackoff_Capped(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{n: 0, want: 100 * time.Millisecond},
		{n: 1, want: 200 * time.Millisecond},
		{n: 3, want: 800 * time.Millisecond},
		{n: 4, want: time.Second},
		{n: 5000, want: time.Second},
		{n: -1, want: 100 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := b.Capped(tt.n); got != tt.want {
			t.Errorf("Capped(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "clickhouse connection lost", err: errors.New("code: 999, message: lost"), want: true},
		{name: "syntax error", err: errors.New("code: 62, syntax error"), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "unknown", err: errors.New("bad request"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err, cfg); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Base: time.Millisecond, Multiplier: 1, Max: time.Millisecond}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithResult_StopsOnPermanentError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Base: time.Millisecond, Multiplier: 1, Max: time.Millisecond}

	calls := 0
	_, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("invalid credentials")
	})
	if err == nil {
		t.Fatalf("DoWithResult() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
}
