package storage

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/nobat/internal/util"
)

const sealerSalt = "nobat:storage:v1"

// Sealer seals and opens envelopes with a key derived from an operator
// secret. The derived key lives in a memguard Enclave and is only decrypted
// into locked memory for the duration of a single operation.
type Sealer struct {
	key *memguard.Enclave
}

// NewSealer derives a record key from secret. Different purposes yield
// unrelated keys for the same secret.
func NewSealer(secret []byte, purpose string) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("sealer secret must not be empty")
	}
	key, err := util.HKDF(secret, []byte(sealerSalt), []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("deriving storage key: %w", err)
	}
	// NewEnclave wipes key.
	return &Sealer{key: memguard.NewEnclave(key)}, nil
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad []byte) (*Envelope, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening storage key: %w", err)
	}
	defer buf.Destroy()
	return SealRecord(buf.Bytes(), plaintext, aad)
}

// Open decrypts env bound to aad.
func (s *Sealer) Open(env *Envelope, aad []byte) ([]byte, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening storage key: %w", err)
	}
	defer buf.Destroy()
	return OpenRecord(buf.Bytes(), env, aad)
}
