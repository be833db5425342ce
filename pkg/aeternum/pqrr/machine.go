package pqrr

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/aeternum/vault-kernel/pkg/aeternum/invariants"
	"github.com/aeternum/vault-kernel/pkg/aeternum/logging"
	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

// Machine is the PQRR state machine for a single vault. It owns the
// active device set, the current epoch, any in-flight rekeying or
// recovery context, and the session's current role. All mutating
// methods hold mu for their duration; none perform blob I/O
// themselves — that is the AUP coordinator's job, which calls back
// into Machine to validate and commit/abort.
type Machine struct {
	mu sync.Mutex

	state          State
	epoch          vault.Epoch
	headers        map[vault.DeviceID]*vault.DeviceHeader
	signingKeys    map[vault.DeviceID]*btcec.PublicKey
	role           invariants.Role
	rekeying       *RekeyingContext
	recovery       *RecoveryWindow
	degradedReason string

	maxActiveDevices int
	nextCtxID        uint64

	log logging.Logger
}

// NewMachine returns a Machine in StateUninitialized.
func NewMachine(maxActiveDevices int, log logging.Logger) *Machine {
	if log == nil {
		log = logging.Noop()
	}
	return &Machine{
		state:            StateUninitialized,
		headers:          make(map[vault.DeviceID]*vault.DeviceHeader),
		signingKeys:      make(map[vault.DeviceID]*btcec.PublicKey),
		role:             invariants.RoleManagement,
		maxActiveDevices: maxActiveDevices,
		log:              log,
	}
}

func (m *Machine) transition(to State) error {
	if err := checkTransition(m.state, to); err != nil {
		return err
	}
	m.log.Info(context.Background(), "pqrr state transition", "from", m.state.String(), "to", to.String())
	m.state = to
	return nil
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentEpoch returns the currently committed epoch.
func (m *Machine) CurrentEpoch() vault.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// SetRole sets the session's current privilege role (I3's input).
func (m *Machine) SetRole(r invariants.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = r
}

// Role returns the session's current privilege role.
func (m *Machine) Role() invariants.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// ActiveDevices returns the device ids with an active header in the
// current epoch.
func (m *Machine) ActiveDevices() []vault.DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeDevicesLocked()
}

// Header returns the current header for id, if any, regardless of its
// status — used by callers surfacing device metadata (e.g.
// get_device_list) rather than driving machine transitions.
func (m *Machine) Header(id vault.DeviceID) (*vault.DeviceHeader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.headers[id]
	return h, ok
}

func (m *Machine) activeDevicesLocked() []vault.DeviceID {
	ids := make([]vault.DeviceID, 0, len(m.headers))
	for id, h := range m.headers {
		if h.Status == vault.DeviceStatusActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Initialize moves the machine from Uninitialized to Idle, seeding the
// genesis epoch and the shadow anchor's header plus at least one real
// device's header. Both headers must already have passed the unwrap
// probe (vault.NewDeviceHeader does this at construction). The shadow
// anchor's own signing key is registered alongside the real device's:
// a fresh handset holding only the mnemonic can rederive it and sign an
// initiate_recovery request as Device_0 (spec §4.6).
func (m *Machine) Initialize(genesis vault.Epoch, shadowHeader, deviceHeader *vault.DeviceHeader, shadowSigningKey, deviceSigningKey *btcec.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(StateInitializing); err != nil {
		return err
	}

	m.epoch = genesis
	m.headers[shadowHeader.DeviceID] = shadowHeader
	m.headers[deviceHeader.DeviceID] = deviceHeader
	m.signingKeys[shadowHeader.DeviceID] = shadowSigningKey
	m.signingKeys[deviceHeader.DeviceID] = deviceSigningKey

	if err := invariants.CheckHeaderCompleteness(m.headerSliceLocked(), m.activeDevicesLocked()); err != nil {
		m.state = StateUninitialized
		return err
	}

	return m.transition(StateIdle)
}

func (m *Machine) headerSliceLocked() []*vault.DeviceHeader {
	out := make([]*vault.DeviceHeader, 0, len(m.headers))
	for _, h := range m.headers {
		out = append(out, h)
	}
	return out
}

// RegisterDevice adds a newly-probed header to the active set outside
// of an epoch upgrade (e.g. re-registering after recovery). The
// machine must be Idle.
func (m *Machine) RegisterDevice(h *vault.DeviceHeader, signingKey *btcec.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrNotInIdle
	}
	if existing, ok := m.headers[h.DeviceID]; ok && existing.Status == vault.DeviceStatusActive {
		return ErrDeviceAlreadyRegistered
	}
	if len(m.activeDevicesLocked()) >= m.maxActiveDevices {
		return ErrTooManyActiveDevices
	}
	m.headers[h.DeviceID] = h
	m.signingKeys[h.DeviceID] = signingKey
	return nil
}

// BeginEpochUpgrade validates the proposed next epoch against I1 and
// opens a RekeyingContext tracking every currently-active device (the
// shadow anchor included) as pending. Callers use the returned context
// to build new per-device headers; AddHeader marks each one complete
// as its unwrap probe succeeds.
func (m *Machine) BeginEpochUpgrade(next vault.Epoch) (*RekeyingContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return nil, ErrNotInIdle
	}
	if err := invariants.CheckEpochMonotonicity(m.epoch, next); err != nil {
		return nil, err
	}

	pending := make(map[vault.DeviceID]struct{})
	for _, id := range m.activeDevicesLocked() {
		pending[id] = struct{}{}
	}

	m.nextCtxID++
	ctx := &RekeyingContext{
		OldEpoch:   m.epoch,
		NewEpoch:   next,
		Pending:    pending,
		Completed:  make(map[vault.DeviceID]struct{}),
		NewHeaders: make(map[vault.DeviceID]*vault.DeviceHeader),
		id:         m.nextCtxID,
	}
	if err := m.transition(StateRekeying); err != nil {
		return nil, err
	}
	m.rekeying = ctx
	return ctx, nil
}

// ValidateEpochUpgrade checks I1 and I2 against the rekeying context's
// fully-built header set. It must be called before CommitEpochUpgrade
// and does not mutate machine state.
func (m *Machine) ValidateEpochUpgrade(ctx *RekeyingContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rekeying == nil || m.rekeying.id != ctx.id {
		return ErrRekeyingMismatch
	}
	if !ctx.Done() {
		return vault.ErrHeaderIncomplete
	}
	if err := invariants.CheckEpochMonotonicity(m.epoch, ctx.NewEpoch); err != nil {
		return err
	}
	headers := make([]*vault.DeviceHeader, 0, len(ctx.NewHeaders))
	for _, h := range ctx.NewHeaders {
		headers = append(headers, h)
	}
	return invariants.CheckHeaderCompleteness(headers, ctx.NewActiveSet())
}

// CommitEpochUpgrade atomically replaces the active header set with
// the rekeying context's new headers and advances the epoch. The
// caller (the AUP coordinator) must have already durably persisted the
// new blob; this call only updates in-memory state and the machine's
// lifecycle.
func (m *Machine) CommitEpochUpgrade(ctx *RekeyingContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rekeying == nil || m.rekeying.id != ctx.id {
		return ErrRekeyingMismatch
	}
	if !ctx.Done() {
		return vault.ErrHeaderIncomplete
	}

	m.headers = ctx.NewHeaders
	m.epoch = ctx.NewEpoch
	m.rekeying = nil
	return m.transition(StateIdle)
}

// AbortEpochUpgrade discards the in-flight rekeying context without
// touching committed state, per the AUP cancellation contract (spec
// §5): safe any time before the shadow write's fsync has returned.
func (m *Machine) AbortEpochUpgrade(ctx *RekeyingContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rekeying == nil || m.rekeying.id != ctx.id {
		return ErrRekeyingMismatch
	}
	m.rekeying = nil
	return m.transition(StateIdle)
}

// RootRotate begins an epoch upgrade that re-wraps every active
// device's DEK under a freshly generated one without changing the
// active set — a full root-key rotation. I3 forbids a session in the
// Recovery role from invoking it: decryption authority is not
// management authority.
func (m *Machine) RootRotate(next vault.Epoch) (*RekeyingContext, error) {
	m.mu.Lock()
	role := m.role
	m.mu.Unlock()

	if err := invariants.CheckCausalBarrier(role, invariants.OperationRootRotate); err != nil {
		return nil, ErrInsufficientPrivileges
	}
	return m.BeginEpochUpgrade(next)
}

// RevokeDevice marks a device's header Revoked and removes it from the
// active set. It is expressed as an epoch upgrade whose new active set
// omits the revoked device (its header is carried forward with status
// Revoked), so it shares I1/I2 enforcement with every other rekey.
func (m *Machine) RevokeDevice(id vault.DeviceID, next vault.Epoch) error {
	m.mu.Lock()
	header, ok := m.headers[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	ctx, err := m.BeginEpochUpgrade(next)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for devID, h := range m.headers {
		if devID == id {
			continue
		}
		ctx.AddHeader(h)
	}
	revoked := *header
	revoked.Status = vault.DeviceStatusRevoked
	ctx.NewHeaders[id] = &revoked

	if err := m.validateEpochUpgradeLocked(ctx); err != nil {
		m.rekeying = nil
		m.state = StateIdle
		return err
	}
	m.headers = ctx.NewHeaders
	m.epoch = ctx.NewEpoch
	m.rekeying = nil
	return m.transition(StateIdle)
}

func (m *Machine) validateEpochUpgradeLocked(ctx *RekeyingContext) error {
	if err := invariants.CheckEpochMonotonicity(m.epoch, ctx.NewEpoch); err != nil {
		return err
	}
	headers := make([]*vault.DeviceHeader, 0, len(ctx.NewHeaders))
	for _, h := range ctx.NewHeaders {
		if h.Status == vault.DeviceStatusActive {
			headers = append(headers, h)
		}
	}
	return invariants.CheckHeaderCompleteness(headers, ctx.NewActiveSet())
}

// InitiateRecovery opens a 48-hour recovery window (spec §3, §4.6). The
// request must be signed by IK (verified against the registering
// device's stored identity signing key) and the machine must be Idle.
// The causal barrier (I3) is checked as a non-rotation operation, so a
// session in either role may open a window.
func (m *Machine) InitiateRecovery(requestID string, requestorDevice vault.DeviceID, message, signature []byte, startedAt time.Time, duration time.Duration) (*RecoveryWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := invariants.CheckCausalBarrier(m.role, invariants.OperationOther); err != nil {
		return nil, err
	}
	if m.state != StateIdle {
		return nil, ErrNotInIdle
	}
	pk, ok := m.signingKeys[requestorDevice]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if !primitives.Verify(pk, message, signature) {
		return nil, ErrInvalidSignature
	}

	m.recovery = newRecoveryWindow(requestID, startedAt, duration, signature)
	return m.recovery, m.transition(StateRecoveryInitiated)
}

// SubmitVeto records a veto from a management device against the
// currently open recovery window. I4: a veto submitted at or after the
// window's deadline is too late and returns ErrVetoExpired rather than
// being silently accepted or rejected as a no-op.
func (m *Machine) SubmitVeto(vetoingDevice vault.DeviceID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecoveryInitiated || m.recovery == nil {
		return ErrNotInRecovery
	}
	if _, ok := m.headers[vetoingDevice]; !ok {
		return ErrUnknownDevice
	}
	if m.recovery.Elapsed(now) {
		return ErrVetoExpired
	}
	m.recovery.Vetoes[vetoingDevice] = struct{}{}
	return nil
}

// FinalizeRecovery closes the recovery window. If any veto was
// recorded within the window (I4), recovery fails regardless of
// elapsed time — a veto that lands inside the window cannot be raced
// by a late FinalizeRecovery call. While the window is still open the
// I4 check fails with an invariants.Violation and the window stays
// open; once it has elapsed the window is closed, the machine returns
// to Idle, and ErrVetoed is returned. If the window has not yet
// elapsed and carries no veto, it is not yet due.
//
// On success it performs the forced root rotation spec §4.6 describes:
// newDevice (already unwrap-probed for next) becomes the sole real
// active device and every prior real device is dropped from the active
// set in the same stroke. The shadow anchor's header is rebuilt for the
// same next epoch and kept alongside it — Device_0 must always remain
// publishable (DESIGN.md), and unlock requires its header to exist —
// so I2 checks against the two-device active set {shadow, newDevice}.
func (m *Machine) FinalizeRecovery(now time.Time, next vault.Epoch, shadowHeader, newDevice *vault.DeviceHeader, shadowSigningKey, newDeviceSigningKey *btcec.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecoveryInitiated || m.recovery == nil {
		return ErrNotInRecovery
	}

	vetoCount := len(m.recovery.Vetoes)
	if err := invariants.CheckVetoSupremacy(m.recovery.StartedAt, m.recovery.Duration, now, vetoCount); err != nil {
		return err
	}
	if vetoCount > 0 {
		m.recovery = nil
		if err := m.transition(StateIdle); err != nil {
			return err
		}
		return ErrVetoed
	}
	if !m.recovery.Elapsed(now) {
		return ErrRecoveryNotDue
	}
	if err := invariants.CheckEpochMonotonicity(m.epoch, next); err != nil {
		return err
	}
	newHeaders := []*vault.DeviceHeader{shadowHeader, newDevice}
	newActive := []vault.DeviceID{shadowHeader.DeviceID, newDevice.DeviceID}
	if err := invariants.CheckHeaderCompleteness(newHeaders, newActive); err != nil {
		return err
	}

	m.recovery = nil
	m.headers = map[vault.DeviceID]*vault.DeviceHeader{
		shadowHeader.DeviceID: shadowHeader,
		newDevice.DeviceID:    newDevice,
	}
	m.signingKeys = map[vault.DeviceID]*btcec.PublicKey{
		shadowHeader.DeviceID: shadowSigningKey,
		newDevice.DeviceID:    newDeviceSigningKey,
	}
	m.epoch = next
	return m.transition(StateIdle)
}

// Degrade moves the machine into Degraded with a human-readable
// reason (e.g. a MetadataAhead CrashRecovery finding that could not
// auto-heal).
func (m *Machine) Degrade(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(StateDegraded); err != nil {
		return err
	}
	m.degradedReason = reason
	return nil
}

// DegradedReason returns the reason passed to the last Degrade call.
func (m *Machine) DegradedReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degradedReason
}

// Recover moves the machine from Degraded back to Idle once the
// underlying condition has been resolved.
func (m *Machine) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degradedReason = ""
	return m.transition(StateIdle)
}

// Revoke moves the machine to the terminal Revoked state (e.g. the
// vault owner has declared the entire vault compromised).
func (m *Machine) Revoke() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(StateRevoked)
}
