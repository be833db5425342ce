package wire

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
)

// ChaffInterval is the mean interval between Chaff frames; actual
// intervals are jittered uniformly across [0.5x, 1.5x) so an observer
// cannot fingerprint the schedule.
const ChaffInterval = 5 * time.Second

// RunChaffScheduler emits Chaff frames on s at a jittered interval
// around ChaffInterval until ctx is cancelled, reporting the first
// send error (if any) once the group is stopped. currentEpoch is
// called on every tick so Chaff frames always carry the session's live
// epoch rather than a stale snapshot.
func RunChaffScheduler(ctx context.Context, s *Session, currentEpoch func() uint32) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			wait := jitteredInterval(ChaffInterval)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
				if err := s.SendChaff(ctx, currentEpoch()); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

func jitteredInterval(base time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(base) * factor)
}
