package kmem

import (
	"errors"
	"fmt"
)

// ErrNotAttached is returned when an operation needs target memory but no
// target is attached.
var ErrNotAttached = errors.New("no target attached")

// UnknownTypeError is returned when debug metadata has no type with the
// requested name.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown type %q", e.Name)
}

// UnknownSymbolError is returned when no global symbol matches.
type UnknownSymbolError struct {
	Name string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("unknown symbol %q", e.Name)
}

// NoSuchFieldError is returned when a field is absent from a layout.
type NoSuchFieldError struct {
	Type  string
	Field string
}

func (e *NoSuchFieldError) Error() string {
	return fmt.Sprintf("%s has no member named %q", e.Type, e.Field)
}

// UnreadableMemoryError is returned when a target address range can not be
// read. Err is the error reported by the backend, if any.
type UnreadableMemoryError struct {
	Addr uint64
	Size int64
	Err  error
}

func (e *UnreadableMemoryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("can not read %d bytes at %#x", e.Size, e.Addr)
	}
	return fmt.Sprintf("can not read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *UnreadableMemoryError) Unwrap() error {
	return e.Err
}

// InvalidCPUIndexError is returned for a CPU index outside [0, NumCPU).
type InvalidCPUIndexError struct {
	CPU    int
	NumCPU int
}

func (e *InvalidCPUIndexError) Error() string {
	return fmt.Sprintf("invalid cpu index %d, target has %d cpus", e.CPU, e.NumCPU)
}

// MalformedArgumentError is returned when a command argument is neither a
// decimal nor a hexadecimal number (nor, for addresses, a symbol).
type MalformedArgumentError struct {
	Arg  string
	What string
}

func (e *MalformedArgumentError) Error() string {
	if e.What == "" {
		return fmt.Sprintf("malformed argument %q", e.Arg)
	}
	return fmt.Sprintf("malformed %s %q", e.What, e.Arg)
}

// CorruptListError is returned by a list walk that reaches a link it has
// already visited without passing through the head again.
type CorruptListError struct {
	Head uint64
	Link uint64
	// Count is the number of elements yielded before the repeat.
	Count int
}

func (e *CorruptListError) Error() string {
	return fmt.Sprintf("list at %#x is corrupt: link %#x repeated after %d elements", e.Head, e.Link, e.Count)
}
