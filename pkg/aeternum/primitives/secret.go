package primitives

import (
	"crypto/subtle"
	"fmt"
)

// Secret is a fixed-purpose container for key material that guarantees
// the bytes are overwritten on every exit path — normal release, error,
// or panic/unwind. Construct with NewSecret, always release with a
// deferred call to Release (or Scoped, which does this for you).
type Secret struct {
	b        []byte
	released bool
}

// NewSecret takes ownership of b. Callers must not retain other
// references to b after calling NewSecret.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// Bytes returns the underlying secret bytes. The returned slice aliases
// the Secret's storage; callers must not retain it past Release.
func (s *Secret) Bytes() []byte {
	if s == nil || s.released {
		return nil
	}
	return s.b
}

// Len reports the secret length without exposing the bytes.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Release zeroes the underlying storage. Safe to call multiple times.
func (s *Secret) Release() {
	if s == nil || s.released {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.released = true
}

// Equal performs a constant-time comparison against another secret.
func (s *Secret) Equal(other *Secret) bool {
	if s == nil || other == nil {
		return false
	}
	if len(s.b) != len(other.b) {
		return false
	}
	return subtle.ConstantTimeCompare(s.b, other.b) == 1
}

// GoString and String never print secret bytes.
func (s *Secret) GoString() string { return "primitives.Secret([REDACTED])" }
func (s *Secret) String() string   { return "[REDACTED]" }

// Format implements fmt.Formatter so %v, %x, %s etc. never leak bytes,
// including through fmt.Sprintf("%#v", secret) or similar debug paths.
func (s *Secret) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte("[REDACTED]"))
}

// Scoped runs fn with a freshly constructed Secret and guarantees
// Release runs on every exit path, including a panic inside fn.
func Scoped(b []byte, fn func(s *Secret) error) (err error) {
	sec := NewSecret(b)
	defer sec.Release()
	return fn(sec)
}

// ConstantTimeEqual is the byte-slice equivalent of Secret.Equal, for
// comparisons that don't own a Secret wrapper (e.g. MAC verification).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
