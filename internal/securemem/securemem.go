// Package securemem holds the agent auth token in memory protected by
// memguard, so the token cannot be read via debugger, memory dump, or swap
// between config load and process spawn.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// String stores one sensitive string value in encrypted memory.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString creates a secure string from the given plaintext.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// NewStringFromBytes creates a secure string from the given bytes.
// NOTE: memguard may wipe the input slice.
func NewStringFromBytes(data []byte) *String {
	return &String{
		buf: memguard.NewBufferFromBytes(data),
	}
}

// String returns the plaintext value.
// WARNING: the returned string is a copy in regular memory.
func (s *String) String() string {
	if s == nil || s.invalid || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or was destroyed.
func (s *String) IsEmpty() bool {
	if s == nil || s.invalid || s.buf == nil {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// Len returns the length of the stored value.
func (s *String) Len() int {
	if s == nil || s.invalid || s.buf == nil {
		return 0
	}
	return len(s.buf.Bytes())
}

// Equal compares against a plaintext string in constant time.
func (s *String) Equal(other string) bool {
	if s == nil || s.invalid || s.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// EqualSecure compares two secure strings in constant time.
func (s *String) EqualSecure(other *String) bool {
	if s == nil || s.invalid {
		return other == nil || other.invalid
	}
	if other == nil || other.invalid {
		return false
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), other.buf.Bytes()) == 1
}

// WithValue executes fn with the plaintext value. fn must not retain the
// string beyond the call; the supervisor uses this to build the child
// environment at spawn time.
func (s *String) WithValue(fn func(string)) {
	if s == nil || s.invalid || s.buf == nil {
		return
	}
	fn(string(s.buf.Bytes()))
}

// Clone creates an independent copy of the secure string.
func (s *String) Clone() *String {
	if s == nil || s.invalid || s.buf == nil {
		return NewString("")
	}
	b := s.buf.Bytes()
	data := make([]byte, len(b))
	copy(data, b)
	return NewStringFromBytes(data)
}

// Destroy securely wipes the value. The string must not be used afterwards.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// Init arms memguard's interrupt handler. Call once from main.
func Init() {
	memguard.CatchInterrupt()
}

// Purge destroys all secure memory. Call before process exit.
func Purge() {
	memguard.Purge()
}
