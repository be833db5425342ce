package vault

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// DeviceID is the 16-byte identifier of a device. The all-zero id is the
// shadow anchor (Device_0): a logical pseudo-device whose public key is
// derived from MRS and whose header makes the recovery path
// indistinguishable from a real device.
type DeviceID [16]byte

// ShadowAnchorID is the all-zero Device_0 identifier.
var ShadowAnchorID = DeviceID{}

// IsShadowAnchor reports whether id is the all-zero shadow anchor.
func (id DeviceID) IsShadowAnchor() bool { return id == ShadowAnchorID }

// String renders the id as lowercase hex.
func (id DeviceID) String() string { return hex.EncodeToString(id[:]) }

// MarshalText renders the id as a hex string. Implementing
// encoding.TextMarshaler (rather than just json.Marshaler) lets
// DeviceID serialize both as an ordinary JSON value and as a JSON
// object key, e.g. in map[DeviceID]*DeviceHeader.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the hex string produced by MarshalText.
func (id *DeviceID) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil || len(decoded) != len(id) {
		return ErrCorruptHeader
	}
	copy(id[:], decoded)
	return nil
}

// NewDeviceID generates a fresh random (non-shadow) device id.
func NewDeviceID() (DeviceID, error) {
	var id DeviceID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			return DeviceID{}, err
		}
		if !id.IsShadowAnchor() {
			return id, nil
		}
	}
}

// DeviceStatus is the lifecycle state of a device's current header.
type DeviceStatus int

const (
	DeviceStatusActive DeviceStatus = iota
	DeviceStatusRevoked
	DeviceStatusDegraded
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceStatusActive:
		return "active"
	case DeviceStatusRevoked:
		return "revoked"
	case DeviceStatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Unwrapper is implemented by whatever can decapsulate a hybrid
// ciphertext for a device — hardware-backed or the shadow anchor's
// derived key. It is the unwrap-probe's only dependency, so
// NewDeviceHeader never needs to know which backend it's talking to.
type Unwrapper interface {
	// Decapsulate recovers the DEK from encryptedDEK, the hybrid
	// ciphertext produced at header-construction time.
	Decapsulate(encryptedDEK []byte) (dek []byte, err error)
}

// DeviceHeader is { device_id, epoch, public_key, encrypted_dek,
// status, created_at }. Exactly one valid header exists per active
// device per epoch.
type DeviceHeader struct {
	DeviceID     DeviceID
	Epoch        Epoch
	PublicKey    []byte // hybrid: lattice PK || curve PK
	EncryptedDEK []byte // hybrid KEM ciphertext + wrapped DEK
	Status       DeviceStatus
	CreatedAt    time.Time
}

// NewDeviceHeader constructs a DeviceHeader and runs the unwrap probe:
// decapsulating encryptedDEK with unwrap must recover exactly dek, or
// construction fails with ErrHeaderIncomplete. This makes I2 a local
// precondition rather than a retrospective check.
func NewDeviceHeader(id DeviceID, epoch Epoch, publicKey, encryptedDEK []byte, dek []byte, unwrap Unwrapper, createdAt time.Time) (*DeviceHeader, error) {
	recovered, err := unwrap.Decapsulate(encryptedDEK)
	if err != nil {
		return nil, ErrHeaderIncomplete
	}
	defer zero(recovered)
	if !primitives.ConstantTimeEqual(recovered, dek) {
		return nil, ErrHeaderIncomplete
	}
	return &DeviceHeader{
		DeviceID:     id,
		Epoch:        epoch,
		PublicKey:    append([]byte(nil), publicKey...),
		EncryptedDEK: append([]byte(nil), encryptedDEK...),
		Status:       DeviceStatusActive,
		CreatedAt:    createdAt,
	}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
