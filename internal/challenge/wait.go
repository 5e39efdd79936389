package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/types"
)

// Prober supplies the current tab title.
type Prober interface {
	Title(ctx context.Context) (string, error)
}

// Waiter polls the tab title until an interstitial clears.
type Waiter struct {
	detector *Detector
	interval time.Duration
}

// NewWaiter returns a Waiter polling at 1 Hz.
func NewWaiter(d *Detector) *Waiter {
	return &Waiter{detector: d, interval: time.Second}
}

// WithInterval returns a copy of the waiter polling at the given interval.
func (w *Waiter) WithInterval(interval time.Duration) *Waiter {
	return &Waiter{detector: w.detector, interval: interval}
}

// Wait polls until kind is no longer showing or budget runs out.
// The title is checked immediately on entry and then once per tick.
// Budget exhaustion and cancellation of ctx both surface as
// ErrChallengeTimeout within one tick.
func (w *Waiter) Wait(ctx context.Context, p Prober, kind Kind, budget time.Duration) error {
	if kind == KindNone {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	started := time.Now()
	for {
		title, err := p.Title(ctx)
		if err != nil {
			// The interstitial reloads the page while it works, and a
			// probe can land mid-navigation. Keep polling; the budget
			// bounds the retries.
			log.Debug().Err(err).Stringer("kind", kind).Msg("Title probe failed, retrying")
		} else if !w.detector.Present(kind, title) {
			log.Debug().
				Stringer("kind", kind).
				Dur("waited", time.Since(started)).
				Msg("Challenge cleared")
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s still showing after %s", types.ErrChallengeTimeout, kind, budget)
		case <-ticker.C:
		}
	}
}
