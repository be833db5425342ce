package session

import (
	"errors"
	"fmt"

	"github.com/aeternum/vault-kernel/pkg/aeternum/invariants"
	"github.com/aeternum/vault-kernel/pkg/aeternum/keys"
	"github.com/aeternum/vault-kernel/pkg/aeternum/persistence"
	"github.com/aeternum/vault-kernel/pkg/aeternum/pqrr"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
	"github.com/aeternum/vault-kernel/pkg/aeternum/wire"
)

// The session layer's error taxonomy, per spec §7: every internal
// package error a caller might see is remapped to one of these
// sentinels, so a host application never needs to import pqrr,
// invariants, or persistence just to switch on an error kind.
var (
	ErrEpochRegression        = errors.New("session: epoch regression (I1)")
	ErrHeaderIncomplete       = errors.New("session: device header set incomplete (I2)")
	ErrInsufficientPrivileges = errors.New("session: insufficient privileges for this role (I3)")
	ErrPermissionDenied       = errors.New("session: permission denied")
	ErrVetoed                 = errors.New("session: recovery vetoed (I4)")
	ErrVetoExpired            = errors.New("session: veto submitted outside its window")
	ErrInvalidStateTransition = errors.New("session: invalid state transition")
	ErrStorageError           = errors.New("session: storage error")
	ErrIntegrityFailure       = errors.New("session: vault integrity check failed")
	ErrUnsupportedVersion     = errors.New("session: unsupported vault blob version")
	ErrPeerProtocolTooOld     = errors.New("session: peer protocol version below the configured floor (§4.8)")
	ErrInvalidMnemonic        = errors.New("session: invalid mnemonic")
	ErrLocked                 = errors.New("session: vault is locked")
	ErrUnknownDevice          = errors.New("session: unknown device")
	ErrRecordNotFound         = errors.New("session: record not found")
	ErrFieldNotFound          = errors.New("session: field not found")
)

// mapErr translates an internal package error into the session
// taxonomy above. Errors it doesn't recognize are returned unchanged
// rather than swallowed, so callers using errors.Is against a
// lower-level sentinel (a programming error but not one worth hiding)
// still see something.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var violation *invariants.Violation
	if errors.As(err, &violation) {
		switch violation.Kind {
		case "I1_EpochMonotonicity":
			return fmt.Errorf("%w: %s", ErrEpochRegression, violation.Detail)
		case "I2_HeaderCompleteness":
			return fmt.Errorf("%w: %s", ErrHeaderIncomplete, violation.Detail)
		case "I3_CausalBarrier":
			return fmt.Errorf("%w: %s", ErrInsufficientPrivileges, violation.Detail)
		case "I4_VetoSupremacy":
			return fmt.Errorf("%w: %s", ErrVetoed, violation.Detail)
		default:
			return err
		}
	}

	var invalidTransition *pqrr.ErrInvalidTransition
	if errors.As(err, &invalidTransition) {
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}

	var meltdown *persistence.Meltdown
	if errors.As(err, &meltdown) {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	switch {
	case errors.Is(err, pqrr.ErrInsufficientPrivileges):
		return fmt.Errorf("%w: %v", ErrInsufficientPrivileges, err)
	case errors.Is(err, pqrr.ErrVetoed):
		return fmt.Errorf("%w: %v", ErrVetoed, err)
	case errors.Is(err, pqrr.ErrVetoExpired):
		return fmt.Errorf("%w: %v", ErrVetoExpired, err)
	case errors.Is(err, pqrr.ErrUnknownDevice):
		return fmt.Errorf("%w: %v", ErrUnknownDevice, err)
	case errors.Is(err, pqrr.ErrInvalidSignature):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, pqrr.ErrRecoveryNotDue):
		return err
	case errors.Is(err, vault.ErrHeaderIncomplete):
		return fmt.Errorf("%w: %v", ErrHeaderIncomplete, err)
	case errors.Is(err, vault.ErrIntegrityFailure):
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	case errors.Is(err, vault.ErrUnsupportedVersion):
		return fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
	case errors.Is(err, vault.ErrCorruptHeader), errors.Is(err, vault.ErrTruncated):
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	case errors.Is(err, persistence.ErrStorageError), errors.Is(err, persistence.ErrCrossMount):
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	case errors.Is(err, keys.ErrInvalidMnemonic):
		return fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	case errors.Is(err, wire.ErrUnsupportedProtocolVersion), errors.Is(err, wire.ErrForcedUpgrade):
		return fmt.Errorf("%w: %v", ErrPeerProtocolTooOld, err)
	default:
		return err
	}
}
