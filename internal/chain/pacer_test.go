package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPacerZeroIntervalNeverBlocks(t *testing.T) {
	t.Parallel()

	p := NewPacer(0)
	for i := 0; i < 5; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

func TestPacerAllowsBurstThenThrottles(t *testing.T) {
	t.Parallel()

	start := time.Now()
	p := NewPacer(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("burst Wait %d: %v", i, err)
		}
	}
	if burst := time.Since(start); burst > 40*time.Millisecond {
		t.Errorf("burst of 3 should not block, took %v", burst)
	}

	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("throttled Wait: %v", err)
	}
	// The fourth token cannot exist until a full refill interval has
	// passed since the bucket was created.
	if total := time.Since(start); total < 45*time.Millisecond {
		t.Errorf("fourth call should wait for a refill, all four done in %v", total)
	}
}

func TestPacerWaitHonorsCancel(t *testing.T) {
	t.Parallel()

	p := NewPacer(time.Hour)
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("burst Wait %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
