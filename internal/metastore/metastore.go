// Package metastore models the external transactional key-value
// metadata store (spec §1, §6): a small record containing
// {local_epoch, last_known_device_set_hash}. The real store lives
// outside this kernel (a database on the host); this package provides
// the interface the kernel depends on plus an in-memory implementation
// for tests and a file-backed implementation for the CLI.
package metastore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
)

// Record is the persisted metadata record. DeviceHeaders carries the
// opaque, kernel-serialized device header set (vault.MarshalHeaderSet):
// spec §6 permits only vault.db/vault.tmp inside the vault directory
// itself, so headers — which a device must be able to read before it
// can derive VK to open vault.db at all — live here instead.
type Record struct {
	LocalEpoch             uint64 `json:"local_epoch"`
	LastKnownDeviceSetHash string `json:"last_known_device_set_hash"`
	DeviceHeaders          []byte `json:"device_headers,omitempty"`
}

// Store is the metadata store's surface area. It satisfies
// persistence.MetadataStore (LocalEpoch/SetLocalEpoch) plus the device
// set hash tracking used by AUP's commit phase and the device header
// set the session layer needs before it can open the vault file.
type Store interface {
	LocalEpoch(ctx context.Context) (uint64, error)
	SetLocalEpoch(ctx context.Context, version uint64) error
	DeviceSetHash(ctx context.Context) (string, error)
	SetDeviceSetHash(ctx context.Context, hash string) error
	DeviceHeaders(ctx context.Context) ([]byte, error)
	SetDeviceHeaders(ctx context.Context, data []byte) error
}

// Memory is an in-process Store, used by tests and by CrashRecovery
// scenarios that don't need real durability across OS restarts.
type Memory struct {
	mu  sync.RWMutex
	rec Record
}

// NewMemory returns an empty in-memory store (epoch 0).
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LocalEpoch(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.LocalEpoch, nil
}

func (m *Memory) SetLocalEpoch(ctx context.Context, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.LocalEpoch = version
	return nil
}

func (m *Memory) DeviceSetHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.LastKnownDeviceSetHash, nil
}

func (m *Memory) SetDeviceSetHash(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.LastKnownDeviceSetHash = hash
	return nil
}

func (m *Memory) DeviceHeaders(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.rec.DeviceHeaders...), nil
}

func (m *Memory) SetDeviceHeaders(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.DeviceHeaders = append([]byte(nil), data...)
	return nil
}

// File is a file-backed Store used by the CLI: the record is
// rewritten as a whole JSON document on every update. It is not meant
// to race with concurrent writers — the kernel's single-threaded-per-
// session model (spec §5) guarantees only one logical writer.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile opens (without requiring existence) a file-backed metadata
// store at path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) read() (Record, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (f *File) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *File) LocalEpoch(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read()
	if err != nil {
		return 0, err
	}
	return rec.LocalEpoch, nil
}

func (f *File) SetLocalEpoch(ctx context.Context, version uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read()
	if err != nil {
		return err
	}
	rec.LocalEpoch = version
	return f.write(rec)
}

func (f *File) DeviceSetHash(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read()
	if err != nil {
		return "", err
	}
	return rec.LastKnownDeviceSetHash, nil
}

func (f *File) SetDeviceSetHash(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read()
	if err != nil {
		return err
	}
	rec.LastKnownDeviceSetHash = hash
	return f.write(rec)
}

func (f *File) DeviceHeaders(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.DeviceHeaders...), nil
}

func (f *File) SetDeviceHeaders(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read()
	if err != nil {
		return err
	}
	rec.DeviceHeaders = append([]byte(nil), data...)
	return f.write(rec)
}
