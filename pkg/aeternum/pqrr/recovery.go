package pqrr

import (
	"time"

	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

// DefaultRecoveryWindowDuration is 48 hours, per spec §3/§5. No
// clock-drift tolerance is applied: Elapsed and the I4 check compare
// times exactly against StartedAt + Duration.
const DefaultRecoveryWindowDuration = 48 * time.Hour

// RecoveryWindow is { request_id, started_at, duration, vetoes,
// signature }.
type RecoveryWindow struct {
	RequestID string
	StartedAt time.Time
	Duration  time.Duration
	Vetoes    map[vault.DeviceID]struct{}
	Signature []byte
}

func newRecoveryWindow(requestID string, startedAt time.Time, duration time.Duration, signature []byte) *RecoveryWindow {
	return &RecoveryWindow{
		RequestID: requestID,
		StartedAt: startedAt,
		Duration:  duration,
		Vetoes:    make(map[vault.DeviceID]struct{}),
		Signature: append([]byte(nil), signature...),
	}
}

// Elapsed reports whether now is at or past the window's deadline.
func (w *RecoveryWindow) Elapsed(now time.Time) bool {
	return !now.Before(w.StartedAt.Add(w.Duration))
}
