package retry

import (
	"context"
	"fmt"
	"time"
)

// Pauser sleeps between attempts. Implementations must return early with
// an error when ctx ends.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser sleeps on a real timer.
type TimerPauser struct{}

// Pause waits for delay or until ctx is done.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
