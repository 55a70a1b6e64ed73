// Package secure keeps raw key material out of plain process memory while it
// is held between reading and use. It wraps memguard: material is encrypted
// at rest in an enclave, mlocked while open, and wiped on release.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Material holds a secret access key (or other raw credential bytes) in an
// encrypted memguard enclave. The plaintext only exists inside WithBytes.
type Material struct {
	enclave *memguard.Enclave
	mu      sync.Mutex
	wiped   bool
}

// NewMaterial copies data into a protected enclave and wipes the caller's
// copy. The zero-length case is allowed so callers do not need to special
// case empty input; memguard itself rejects empty buffers.
func NewMaterial(data []byte) *Material {
	if len(data) == 0 {
		return &Material{wiped: true}
	}
	enclave := memguard.NewEnclave(data)
	memguard.WipeBytes(data)
	return &Material{enclave: enclave}
}

// WithBytes decrypts the material, passes the plaintext to fn, and wipes the
// plaintext again before returning. The slice handed to fn must not escape.
func (m *Material) WithBytes(fn func([]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wiped || m.enclave == nil {
		return fn(nil)
	}

	locked, err := m.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Wipe discards the material. Idempotent; WithBytes after Wipe sees nil.
// memguard.Purge() in main handles whole-process cleanup at exit.
func (m *Material) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enclave = nil
	m.wiped = true
}
