// Package invariants implements the four pure, stateless checks that
// must hold after every committed kernel operation (spec §3, §4.5).
// None of these functions perform I/O; a failure is always an
// InvariantViolation and is non-recoverable from the caller's
// perspective — callers must not catch and ignore it.
package invariants

import (
	"fmt"
	"time"

	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

// Violation is the single error type for I1-I4 failures. Kind
// identifies which invariant failed; Detail carries a human-readable,
// secret-free description.
type Violation struct {
	Kind   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", v.Kind, v.Detail)
}

func violation(kind, detail string) *Violation {
	return &Violation{Kind: kind, Detail: detail}
}

// CheckEpochMonotonicity is I1: passes iff new.version > current.version.
func CheckEpochMonotonicity(current, next vault.Epoch) error {
	if next.Version > current.Version {
		return nil
	}
	return violation("I1_EpochMonotonicity",
		fmt.Sprintf("current=%d attempted=%d", current.Version, next.Version))
}

// Role is a session's current privilege role (spec §4.6 set_role, I3).
type Role int

const (
	RoleManagement Role = iota
	RoleRecovery
)

// Operation names an action subject to the causal barrier, I3.
type Operation int

const (
	OperationOther Operation = iota
	OperationRootRotate
)

// CheckHeaderCompleteness is I2: passes iff the multiset of
// header.device_id restricted to active devices equals the active set
// with multiplicity exactly 1.
func CheckHeaderCompleteness(headers []*vault.DeviceHeader, activeDevices []vault.DeviceID) error {
	active := make(map[vault.DeviceID]struct{}, len(activeDevices))
	for _, id := range activeDevices {
		active[id] = struct{}{}
	}

	counts := make(map[vault.DeviceID]int, len(headers))
	for _, h := range headers {
		if _, ok := active[h.DeviceID]; !ok {
			continue
		}
		if h.Status != vault.DeviceStatusActive {
			continue
		}
		counts[h.DeviceID]++
	}

	for id := range active {
		c := counts[id]
		if c == 0 {
			return violation("I2_HeaderCompleteness", fmt.Sprintf("missing header for device %s", id))
		}
		if c > 1 {
			return violation("I2_HeaderCompleteness", fmt.Sprintf("duplicate header for device %s (count=%d)", id, c))
		}
	}
	return nil
}

// CheckCausalBarrier is I3: fails iff role == Recovery and operation ==
// RootRotate. A session in role RECOVERY cannot invoke root-rotation;
// decryption authority is not management authority.
func CheckCausalBarrier(role Role, op Operation) error {
	if role == RoleRecovery && op == OperationRootRotate {
		return violation("I3_CausalBarrier", "recovery role may not invoke root_rotate")
	}
	return nil
}

// CheckVetoSupremacy is I4: fails iff now - window.started_at <
// window.duration and vetoes is non-empty.
func CheckVetoSupremacy(startedAt time.Time, duration time.Duration, now time.Time, vetoCount int) error {
	if now.Sub(startedAt) < duration && vetoCount > 0 {
		return violation("I4_VetoSupremacy", fmt.Sprintf("%d veto(es) outstanding within window", vetoCount))
	}
	return nil
}
