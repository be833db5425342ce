package primitives

import "golang.org/x/crypto/argon2"

// Argon2idParams holds the OWASP-2024-recommended Argon2id cost
// parameters. Callers building a custom config must not go below the
// floors enforced by Validate.
type Argon2idParams struct {
	MemoryKiB   uint32 // m_cost, in KiB
	Iterations  uint32 // t_cost
	Parallelism uint8  // p_cost
	KeyLen      uint32
}

// DefaultArgon2idParams returns OWASP's 2024 defaults: m=64MiB, t=3, p=4.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// Validate rejects parameters weaker than the floor spec §4.1 requires:
// m_cost < 8 MiB or t_cost < 1.
func (p Argon2idParams) Validate() error {
	const minMemoryKiB = 8 * 1024
	if p.MemoryKiB < minMemoryKiB {
		return ErrKdfParamError
	}
	if p.Iterations < 1 {
		return ErrKdfParamError
	}
	if p.Parallelism < 1 {
		return ErrKdfParamError
	}
	return nil
}

// Argon2idDerive derives a key from password and salt under the given
// parameters.
func Argon2idDerive(password, salt []byte, p Argon2idParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	keyLen := p.KeyLen
	if keyLen == 0 {
		keyLen = 32
	}
	return argon2.IDKey(password, salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen), nil
}
