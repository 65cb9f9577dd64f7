// Package kmem reads typed objects out of the memory of a halted target.
//
// An Accessor combines a proc.MemoryReader with debug metadata (type
// layouts and symbols) and provides field projection, pointer dereference,
// casts, per-CPU resolution, container-of and chain walking on top of it.
// Nothing in this package writes target memory.
package kmem

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/kmemscope/kmemscope/pkg/proc"
)

// Symbol is a global symbol of the target. Type is nil when debug
// metadata does not describe the symbol.
type Symbol struct {
	Name string
	Addr uint64
	Type *Type
}

// Debuginfo is the debug metadata of the target.
type Debuginfo interface {
	LookupType(name string) (*Type, bool)
	LookupSymbol(name string) (Symbol, bool)
}

// Config configures an Accessor.
type Config struct {
	// SymbolOffset is added to every symbol address (KASLR slide).
	SymbolOffset uint64

	// PerCPU resolves per-CPU area bases. When nil a KernelPerCPU using
	// PerCPUOffsetSymbol and NrCPUsSymbol is used.
	PerCPU             PerCPU
	PerCPUOffsetSymbol string
	NrCPUsSymbol       string

	// LayoutCacheSize is the number of resolved type names kept.
	LayoutCacheSize int
}

const defaultLayoutCacheSize = 512

var errNullAddress = errors.New("null address")

// Accessor reads typed values from target memory.
type Accessor struct {
	mem     proc.MemoryReader
	info    Debuginfo
	cfg     Config
	layouts *lru.Cache
	percpu  PerCPU
	log     *logrus.Entry
}

// New returns an Accessor reading mem and resolving names with info.
func New(mem proc.MemoryReader, info Debuginfo, cfg Config) *Accessor {
	size := cfg.LayoutCacheSize
	if size <= 0 {
		size = defaultLayoutCacheSize
	}
	layouts, err := lru.New(size)
	if err != nil {
		// only fails for non positive sizes
		panic(err)
	}
	a := &Accessor{
		mem:     mem,
		info:    info,
		cfg:     cfg,
		layouts: layouts,
		log:     logflags.KmemLogger(),
	}
	a.percpu = cfg.PerCPU
	if a.percpu == nil {
		a.percpu = &KernelPerCPU{
			Accessor:     a,
			OffsetSymbol: cfg.PerCPUOffsetSymbol,
			NrCPUsSymbol: cfg.NrCPUsSymbol,
		}
	}
	return a
}

// cached returns a copy of a that serves reads inside [addr, addr+size)
// from a single read of the range.
func (a *Accessor) cached(addr uint64, size int) *Accessor {
	c := *a
	c.mem = proc.CacheMemory(a.mem, addr, size)
	return &c
}

// Memory returns the memory reader of the accessor.
func (a *Accessor) Memory() proc.MemoryReader {
	return a.mem
}

// ResolveType returns the layout of the named type. Names ending in '*'
// resolve to pointers. A bare tag name also matches "struct name" and
// "union name".
func (a *Accessor) ResolveType(name string) (*Type, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &UnknownTypeError{Name: name}
	}
	if t, ok := a.layouts.Get(name); ok {
		return t.(*Type), nil
	}
	var t *Type
	if strings.HasSuffix(name, "*") {
		elem, err := a.ResolveType(strings.TrimSuffix(name, "*"))
		if err != nil {
			return nil, &UnknownTypeError{Name: name}
		}
		t = elem.PointerTo()
	} else {
		t = a.lookupType(name)
		if t == nil {
			return nil, &UnknownTypeError{Name: name}
		}
	}
	a.layouts.Add(name, t)
	return t, nil
}

func (a *Accessor) lookupType(name string) *Type {
	if name == "void" {
		return VoidType
	}
	if t, ok := a.info.LookupType(name); ok {
		return t
	}
	if strings.HasPrefix(name, "struct ") || strings.HasPrefix(name, "union ") || strings.HasPrefix(name, "enum ") {
		return nil
	}
	for _, prefix := range []string{"struct ", "union "} {
		if t, ok := a.info.LookupType(prefix + name); ok {
			return t
		}
	}
	return nil
}

// ResolveSymbol returns a value at the address of the named symbol,
// relocated by Config.SymbolOffset. Symbols without type information are
// typed unsigned long.
func (a *Accessor) ResolveSymbol(name string) (Value, error) {
	sym, ok := a.info.LookupSymbol(name)
	if !ok {
		return Value{}, &UnknownSymbolError{Name: name}
	}
	t := sym.Type
	if t == nil {
		t = UnsignedLong
	}
	return Value{Addr: sym.Addr + a.cfg.SymbolOffset, Type: t}, nil
}

func (a *Accessor) read(addr uint64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if addr == 0 {
		return nil, &UnreadableMemoryError{Addr: addr, Size: size, Err: errNullAddress}
	}
	if logflags.Kmem() {
		a.log.Debugf("read %d bytes at %#x", size, addr)
	}
	if _, err := proc.ReadFull(a.mem, buf, addr); err != nil {
		return nil, &UnreadableMemoryError{Addr: addr, Size: size, Err: err}
	}
	return buf, nil
}

// ReadUint reads a little endian unsigned integer of size bytes at addr.
func (a *Accessor) ReadUint(addr uint64, size int64) (uint64, error) {
	if size <= 0 || size > 8 {
		return 0, fmt.Errorf("unsupported integer size %d", size)
	}
	buf, err := a.read(addr, size)
	if err != nil {
		return 0, err
	}
	return Value{buf: buf}.Uint64(), nil
}

// Load reads the whole object denoted by v. Loaded values are returned
// unchanged.
func (a *Accessor) Load(v Value) (Value, error) {
	if v.Type == nil {
		return v, fmt.Errorf("value at %#x has no type", v.Addr)
	}
	if v.Loaded() && int64(len(v.buf)) >= v.Type.Size {
		return v, nil
	}
	size := v.Type.Size
	if v.bitSize > 0 {
		size = (v.bitOffset + v.bitSize + 7) / 8
	}
	buf, err := a.read(v.Addr, size)
	if err != nil {
		return v, err
	}
	v.buf = buf
	return v, nil
}

// Cast reinterprets v as type t at the same address. Loaded bytes are kept
// when they cover t.
func (a *Accessor) Cast(v Value, t *Type) Value {
	r := Value{Addr: v.Addr, Type: t}
	if v.buf != nil && v.bitSize == 0 && int64(len(v.buf)) >= t.Size {
		r.buf = v.buf[:t.Size]
	}
	return r
}

// Deref returns the object a pointer value points to. A pointer holding 0
// dereferences to the null value of the pointee type, without error.
func (a *Accessor) Deref(v Value) (Value, error) {
	if v.Type == nil || v.Type.Kind != Pointer {
		return Value{}, fmt.Errorf("can not dereference %s: not a pointer", v.Type)
	}
	v, err := a.Load(v)
	if err != nil {
		return Value{}, err
	}
	return Value{Addr: v.Pointer(), Type: v.Type.Elem()}, nil
}

// ReadField reads the named member of v. Pointers to structs are
// dereferenced first, so ReadField(p, "x") behaves like p->x. The bytes of
// the member are sliced out of v when v is loaded and read from the
// target otherwise.
func (a *Accessor) ReadField(v Value, name string) (Value, error) {
	if v.Type != nil && v.Type.Kind == Pointer {
		p, err := a.Deref(v)
		if err != nil {
			return Value{}, err
		}
		if _, ok := p.Type.Field(name); !ok {
			return Value{}, &NoSuchFieldError{Type: p.Type.String(), Field: name}
		}
		if p.IsNull() {
			return Value{}, &UnreadableMemoryError{Addr: 0, Size: p.Type.Size, Err: errNullAddress}
		}
		v = p
	}
	f, ok := v.Type.Field(name)
	if !ok {
		return Value{}, &NoSuchFieldError{Type: v.Type.String(), Field: name}
	}
	fv := Value{
		Addr:      v.Addr + uint64(f.Offset),
		Type:      f.Type,
		bitOffset: f.BitOffset,
		bitSize:   f.BitSize,
	}
	size := f.storage()
	if v.Loaded() && f.Offset+size <= int64(len(v.buf)) {
		fv.buf = v.buf[f.Offset : f.Offset+size]
		return fv, nil
	}
	buf, err := a.read(fv.Addr, size)
	if err != nil {
		return Value{}, err
	}
	fv.buf = buf
	return fv, nil
}

// FieldUint reads the named integer member of v.
func (a *Accessor) FieldUint(v Value, name string) (uint64, error) {
	fv, err := a.ReadField(v, name)
	if err != nil {
		return 0, err
	}
	return fv.Uint64(), nil
}

// FieldInt reads the named signed integer member of v.
func (a *Accessor) FieldInt(v Value, name string) (int64, error) {
	fv, err := a.ReadField(v, name)
	if err != nil {
		return 0, err
	}
	return fv.Int64(), nil
}

// FieldPointer reads the named pointer member of v.
func (a *Accessor) FieldPointer(v Value, name string) (uint64, error) {
	fv, err := a.ReadField(v, name)
	if err != nil {
		return 0, err
	}
	return fv.Pointer(), nil
}

// MaxStringLen bounds the strings read by FieldString.
const MaxStringLen = 256

// FieldString reads a string member of v, either a char pointer or a char
// array.
func (a *Accessor) FieldString(v Value, name string) (string, error) {
	fv, err := a.ReadField(v, name)
	if err != nil {
		return "", err
	}
	return a.String(fv)
}

// String decodes a char pointer or char array value.
func (a *Accessor) String(v Value) (string, error) {
	switch {
	case v.Type.IsCString():
		v, err := a.Load(v)
		if err != nil {
			return "", err
		}
		return a.ReadCString(v.Pointer(), MaxStringLen)
	case v.Type.Kind == Array && isChar(v.Type.Elem()):
		v, err := a.Load(v)
		if err != nil {
			return "", err
		}
		return v.CString(), nil
	}
	return "", fmt.Errorf("%s is not a string", v.Type)
}

const pageSize = 0x1000

// ReadCString reads a NUL terminated string of at most max bytes at addr.
// Reads never cross a page boundary past the terminator. A NULL address
// reads as the empty string.
func (a *Accessor) ReadCString(addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	// one read up to the end of the page serves the usual short string
	window := max
	if left := int(pageSize - (addr % pageSize)); left < window {
		window = left
	}
	a = a.cached(addr, window)
	var r []byte
	for len(r) < max {
		n := int64(64)
		if left := int64(pageSize - (addr % pageSize)); left < n {
			n = left
		}
		if left := int64(max - len(r)); left < n {
			n = left
		}
		buf, err := a.read(addr, n)
		if err != nil {
			return string(r), err
		}
		for i, c := range buf {
			if c == 0 {
				return string(append(r, buf[:i]...)), nil
			}
		}
		r = append(r, buf...)
		addr += uint64(n)
	}
	return string(r), nil
}
