// Package secure provides zeroizing byte containers for key material and
// authentication tokens that pass through the replication path. Go has no
// destructor, so "zeroized on drop" becomes an explicit Wipe/Close plus a
// best-effort runtime finalizer backstop.
package secure

import (
	"crypto/subtle"
	"runtime"
)

// Bytes is a zeroizing byte container. The backing array is overwritten
// with zeroes before release; equality is constant-time; debug formatting
// never reveals contents.
type Bytes struct {
	data []byte
}

// NewBytes copies src into a new zeroizing container. The caller retains
// ownership of src; NewBytes does not wipe it.
func NewBytes(src []byte) *Bytes {
	b := &Bytes{data: make([]byte, len(src))}
	copy(b.data, src)
	runtime.SetFinalizer(b, (*Bytes).Wipe)
	return b
}

// Len reports the number of bytes held.
func (b *Bytes) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Bytes returns the raw contents. The returned slice aliases the internal
// buffer; callers must not retain it past Wipe.
func (b *Bytes) Bytes() []byte {
	return b.data
}

// Equal reports whether b and other hold identical contents, compared in
// constant time with respect to the contents (not the lengths).
func (b *Bytes) Equal(other *Bytes) bool {
	if b == nil || other == nil {
		return b == other
	}
	if len(b.data) != len(other.data) {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, other.data) == 1
}

// Wipe overwrites the backing array with zeroes and releases it. Safe to
// call more than once; subsequent calls are no-ops.
func (b *Bytes) Wipe() {
	if b == nil || b.data == nil {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	runtime.SetFinalizer(b, nil)
}

// String never reveals contents (nor the length); it returns a fixed
// redacted marker, matching the "debug formatting never reveals contents"
// contract.
func (b *Bytes) String() string {
	return "secure.Bytes(redacted)"
}

// GoString satisfies fmt's %#v formatting without leaking contents.
func (b *Bytes) GoString() string {
	return b.String()
}

// Key is a fixed-size zeroizing key container, e.g. for replication
// authentication tokens or dictionary keys. Size is the key length in
// bytes (e.g. 32 for a symmetric key).
type Key struct {
	data []byte
	size int
}

// NewKey allocates a zeroed Key of size bytes.
func NewKey(size int) *Key {
	k := &Key{data: make([]byte, size), size: size}
	runtime.SetFinalizer(k, (*Key).Wipe)
	return k
}

// NewKeyFrom copies src into a Key of len(src) bytes.
func NewKeyFrom(src []byte) *Key {
	k := NewKey(len(src))
	copy(k.data, src)
	return k
}

// Size returns the key's fixed length in bytes.
func (k *Key) Size() int {
	if k == nil {
		return 0
	}
	return k.size
}

// Bytes returns the raw key material. The returned slice aliases the
// internal buffer; callers must not retain it past Wipe.
func (k *Key) Bytes() []byte {
	return k.data
}

// Equal performs a constant-time comparison of two keys' contents.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.size != other.size {
		return false
	}
	return subtle.ConstantTimeCompare(k.data, other.data) == 1
}

// Wipe overwrites the key material with zeroes. Safe to call more than
// once.
func (k *Key) Wipe() {
	if k == nil || k.data == nil {
		return
	}
	for i := range k.data {
		k.data[i] = 0
	}
	k.data = nil
	runtime.SetFinalizer(k, nil)
}

func (k *Key) String() string {
	return "secure.Key(redacted)"
}

func (k *Key) GoString() string {
	return k.String()
}
