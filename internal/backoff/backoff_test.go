package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsAndClamps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 1 * time.Second, Factor: 2, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: 1 * time.Second},
		{attempt: 10, want: 1 * time.Second},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt, 0); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterStaysUnderCeiling(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 1 * time.Second, Factor: 2, Jitter: 0.5}

	if got := p.delay(1, 1.0); got != 150*time.Millisecond {
		t.Fatalf("delay(1) with full jitter = %v, want 150ms", got)
	}
	// Near the ceiling the jittered total clamps instead of overshooting.
	if got := p.delay(4, 1.0); got != 1*time.Second {
		t.Fatalf("delay(4) with full jitter = %v, want 1s", got)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	p := Policy{Initial: 10 * time.Second, Max: 10 * time.Second, Factor: 1, Jitter: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, p, 1); err != context.Canceled {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Sleep() blocked %v after cancel", elapsed)
	}
}

func TestSleepCompletes(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0}
	if err := Sleep(context.Background(), p, 1); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
}
