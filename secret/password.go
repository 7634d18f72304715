// Package secret holds keystore and key passwords in locked, wipeable memory.
package secret

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Password is a scoped secret. The plaintext lives in a memguard LockedBuffer
// until Destroy is called; callers borrow copies only for the duration of a
// library call and wipe them afterwards through Use.
type Password struct {
	mu  sync.Mutex
	buf *memguard.LockedBuffer
}

// NewPassword takes ownership of b. The source slice is wiped.
func NewPassword(b []byte) *Password {
	p := &Password{}
	if len(b) > 0 {
		p.buf = memguard.NewBufferFromBytes(b)
	}
	return p
}

// FromString returns a Password holding s. The string itself cannot be wiped,
// so prefer NewPassword for material read from files or terminals.
func FromString(s string) *Password {
	return NewPassword([]byte(s))
}

// Use calls fn with a temporary copy of the password and wipes the copy when
// fn returns. A nil or destroyed password is passed as an empty slice.
func (p *Password) Use(fn func(pw []byte) error) error {
	pw := p.Copy()
	defer memguard.WipeBytes(pw)
	return fn(pw)
}

// Copy returns a fresh copy of the password bytes. The caller must wipe it.
func (p *Password) Copy() []byte {
	if p == nil {
		return []byte{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil || !p.buf.IsAlive() {
		return []byte{}
	}
	return append([]byte{}, p.buf.Bytes()...)
}

// Clone returns an independent Password with the same content.
func (p *Password) Clone() *Password {
	return NewPassword(p.Copy())
}

// Empty reports whether the password has no content.
func (p *Password) Empty() bool {
	if p == nil {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf == nil || !p.buf.IsAlive() || p.buf.Size() == 0
}

// Destroy wipes the password. It is safe to call more than once.
func (p *Password) Destroy() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf != nil {
		p.buf.Destroy()
		p.buf = nil
	}
}

// String never reveals the secret.
func (p *Password) String() string {
	return "[redacted]"
}
