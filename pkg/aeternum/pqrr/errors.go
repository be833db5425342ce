package pqrr

import "errors"

var (
	ErrDeviceAlreadyRegistered = errors.New("pqrr: device already registered")
	ErrTooManyActiveDevices    = errors.New("pqrr: active device cap reached")
	ErrNotInIdle               = errors.New("pqrr: operation only valid in idle state")
	ErrNotInRekeying           = errors.New("pqrr: operation only valid while rekeying")
	ErrNotInRecovery           = errors.New("pqrr: no recovery window is open")
	ErrUnknownDevice           = errors.New("pqrr: unknown device")
	ErrVetoed                  = errors.New("pqrr: recovery vetoed")
	ErrVetoExpired             = errors.New("pqrr: veto submitted outside its window")
	ErrRecoveryNotDue          = errors.New("pqrr: recovery window has not elapsed")
	ErrInsufficientPrivileges  = errors.New("pqrr: insufficient privileges for this role")
	ErrInvalidSignature        = errors.New("pqrr: signature verification failed")
	ErrRekeyingMismatch        = errors.New("pqrr: rekeying context does not match the in-flight upgrade")
)
