package kmem

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value is a typed view of target memory at Addr. It does not own target
// memory. Values returned by Accessor.ReadField and Accessor.Load carry the
// bytes that were read, and the scalar getters decode those bytes. The
// getters of a Value that was never loaded return zero.
type Value struct {
	Addr uint64
	Type *Type

	bitOffset int64
	bitSize   int64

	buf []byte
}

// At returns an unloaded value of type t at addr.
func At(addr uint64, t *Type) Value {
	return Value{Addr: addr, Type: t}
}

// IsNull returns true for the value produced by dereferencing a pointer
// that holds 0.
func (v Value) IsNull() bool {
	return v.Addr == 0
}

// Loaded returns true if v carries the bytes of its object.
func (v Value) Loaded() bool {
	return v.buf != nil
}

// Bytes returns the loaded bytes of v. The returned slice must not be
// modified.
func (v Value) Bytes() []byte {
	return v.buf
}

// Equal reports whether v and o denote the same object: same address and
// same type.
func (v Value) Equal(o Value) bool {
	if v.Addr != o.Addr {
		return false
	}
	if v.Type == o.Type {
		return true
	}
	if v.Type == nil || o.Type == nil {
		return false
	}
	return v.Type.Kind == o.Type.Kind && v.Type.String() == o.Type.String()
}

func (v Value) raw() uint64 {
	var b [8]byte
	copy(b[:], v.buf)
	return binary.LittleEndian.Uint64(b[:])
}

// Uint64 returns the value as an unsigned integer. Bitfields are extracted
// and zero extended.
func (v Value) Uint64() uint64 {
	x := v.raw()
	if v.bitSize > 0 {
		x >>= uint(v.bitOffset)
		if v.bitSize < 64 {
			x &= 1<<uint(v.bitSize) - 1
		}
		return x
	}
	if n := len(v.buf); n < 8 {
		x &= 1<<(uint(n)*8) - 1
	}
	return x
}

// Int64 returns the value as a signed integer, sign extended from its
// declared width.
func (v Value) Int64() int64 {
	bits := v.bitSize
	if bits == 0 {
		n := int64(len(v.buf))
		if n > 8 {
			n = 8
		}
		bits = n * 8
	}
	if bits == 0 {
		return 0
	}
	shift := uint(64 - bits)
	return int64(v.Uint64()<<shift) >> shift
}

// Pointer returns the address stored in a pointer value.
func (v Value) Pointer() uint64 {
	return v.Uint64()
}

// Bool returns true if the value is not zero.
func (v Value) Bool() bool {
	return v.Uint64() != 0
}

// Float64 decodes a 4 or 8 byte IEEE 754 value.
func (v Value) Float64() float64 {
	switch len(v.buf) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v.buf)))
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(v.buf))
	}
	return 0
}

// CString decodes the loaded bytes of a char array up to the first NUL.
func (v Value) CString() string {
	for i, c := range v.buf {
		if c == 0 {
			return string(v.buf[:i])
		}
	}
	return string(v.buf)
}

func (v Value) String() string {
	return fmt.Sprintf("(%s) %#x", v.Type, v.Addr)
}
