// Package kmemtest builds in-memory targets for tests: a sparse memory
// image with a bump allocator, and debug metadata assembled by hand.
package kmemtest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/kmemscope/kmemscope/pkg/kmem"
)

// Base is the address of the first allocation.
const Base = 0xffff888000001000

type region struct {
	addr uint64
	data []byte
}

// Memory is a sparse target memory image. Reads of unmapped addresses
// fail.
type Memory struct {
	regions []*region
	next    uint64
}

// NewMemory returns an empty memory image.
func NewMemory() *Memory {
	return &Memory{next: Base}
}

// Map maps size zeroed bytes at addr and returns them.
func (m *Memory) Map(addr uint64, size int) []byte {
	r := &region{addr: addr, data: make([]byte, size)}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
	return r.data
}

// Unmap removes the region mapped at addr.
func (m *Memory) Unmap(addr uint64) {
	for i, r := range m.regions {
		if r.addr == addr {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// Alloc maps size bytes at a fresh 64 byte aligned address.
func (m *Memory) Alloc(size int) uint64 {
	addr := m.next
	m.Map(addr, size)
	m.next += (uint64(size) + 64 + 63) &^ 63
	return addr
}

func (m *Memory) find(addr uint64) *region {
	for _, r := range m.regions {
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return r
		}
	}
	return nil
}

// ReadMemory implements proc.MemoryReader.
func (m *Memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		cur := addr + uint64(n)
		r := m.find(cur)
		if r == nil {
			return n, fmt.Errorf("address %#x is not mapped", cur)
		}
		n += copy(buf[n:], r.data[cur-r.addr:])
	}
	return n, nil
}

func (m *Memory) slice(addr uint64, size int) []byte {
	r := m.find(addr)
	if r == nil || addr+uint64(size) > r.addr+uint64(len(r.data)) {
		panic(fmt.Sprintf("write of %d bytes at %#x outside of mapped memory", size, addr))
	}
	return r.data[addr-r.addr : addr-r.addr+uint64(size)]
}

// PutUint writes a little endian integer of size bytes.
func (m *Memory) PutUint(addr uint64, size int, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	copy(m.slice(addr, size), b[:size])
}

// PutPointer writes a pointer.
func (m *Memory) PutPointer(addr, v uint64) {
	m.PutUint(addr, kmem.PtrSize, v)
}

// PutBytes writes b at addr.
func (m *Memory) PutBytes(addr uint64, b []byte) {
	copy(m.slice(addr, len(b)), b)
}

// String allocates a NUL terminated copy of s and returns its address.
// The mapping is padded to 64 bytes, the granularity of string reads.
func (m *Memory) String(s string) uint64 {
	addr := m.Alloc((len(s) + 1 + 63) &^ 63)
	m.PutBytes(addr, []byte(s))
	return addr
}

// Debuginfo is hand written debug metadata. It implements kmem.Debuginfo.
type Debuginfo struct {
	types map[string]*kmem.Type
	syms  map[string]kmem.Symbol
}

// NewDebuginfo returns metadata that knows the basic C types.
func NewDebuginfo() *Debuginfo {
	d := &Debuginfo{types: map[string]*kmem.Type{}, syms: map[string]kmem.Symbol{}}
	for _, t := range []*kmem.Type{Char, UChar, Short, UShort, Int, UInt, Long, ULong, Bool} {
		d.AddType(t)
	}
	return d
}

// AddType registers t under its name.
func (d *Debuginfo) AddType(t *kmem.Type) *kmem.Type {
	d.types[t.Name] = t
	return t
}

// AddSymbol registers a symbol. t may be nil.
func (d *Debuginfo) AddSymbol(name string, addr uint64, t *kmem.Type) {
	d.syms[name] = kmem.Symbol{Name: name, Addr: addr, Type: t}
}

// LookupType implements kmem.Debuginfo.
func (d *Debuginfo) LookupType(name string) (*kmem.Type, bool) {
	t, ok := d.types[name]
	return t, ok
}

// LookupSymbol implements kmem.Debuginfo.
func (d *Debuginfo) LookupSymbol(name string) (kmem.Symbol, bool) {
	s, ok := d.syms[name]
	return s, ok
}

// Basic C types of an LP64 target.
var (
	Char   = kmem.NewBasic("char", kmem.Int, 1)
	UChar  = kmem.NewBasic("unsigned char", kmem.Uint, 1)
	Short  = kmem.NewBasic("short", kmem.Int, 2)
	UShort = kmem.NewBasic("unsigned short", kmem.Uint, 2)
	Int    = kmem.NewBasic("int", kmem.Int, 4)
	UInt   = kmem.NewBasic("unsigned int", kmem.Uint, 4)
	Long   = kmem.NewBasic("long", kmem.Int, 8)
	ULong  = kmem.NewBasic("unsigned long", kmem.Uint, 8)
	Bool   = kmem.NewBasic("_Bool", kmem.Bool, 1)
)

// F returns a member of type t at off.
func F(name string, off int64, t *kmem.Type) *kmem.Field {
	return &kmem.Field{Name: name, Offset: off, Type: t}
}

// Bits returns a bitfield member of bitSize bits, bitOffset bits above the
// least significant bit of the storage unit at off.
func Bits(name string, off int64, t *kmem.Type, bitOffset, bitSize int64) *kmem.Field {
	return &kmem.Field{Name: name, Offset: off, Type: t, BitOffset: bitOffset, BitSize: bitSize}
}

// Struct returns a struct type.
func Struct(name string, size int64, fields ...*kmem.Field) *kmem.Type {
	return kmem.NewStruct(name, kmem.Struct, size, fields)
}

// Union returns a union type.
func Union(name string, size int64, fields ...*kmem.Field) *kmem.Type {
	return kmem.NewStruct(name, kmem.Union, size, fields)
}

// Ptr returns a pointer to t.
func Ptr(t *kmem.Type) *kmem.Type {
	return t.PointerTo()
}

// ListHead returns the layout of struct list_head.
func ListHead() *kmem.Type {
	var lh *kmem.Type
	p := kmem.NewPointer("struct list_head *", func() *kmem.Type { return lh })
	lh = Struct("struct list_head", 16, F("next", 0, p), F("prev", 8, p))
	return lh
}

// Target is a memory image with its metadata.
type Target struct {
	Mem  *Memory
	Info *Debuginfo
}

// New returns an empty target.
func New() *Target {
	return &Target{Mem: NewMemory(), Info: NewDebuginfo()}
}

// Accessor returns an accessor for the target.
func (t *Target) Accessor(cfg kmem.Config) *kmem.Accessor {
	return kmem.New(t.Mem, t.Info, cfg)
}

// Global allocates size bytes and registers them as symbol name of type
// typ, which may be nil.
func (t *Target) Global(name string, size int, typ *kmem.Type) uint64 {
	addr := t.Mem.Alloc(size)
	t.Info.AddSymbol(name, addr, typ)
	return addr
}

// StaticPerCPU is a kmem.PerCPU with fixed area bases.
type StaticPerCPU []uint64

// NumCPU implements kmem.PerCPU.
func (s StaticPerCPU) NumCPU() (int, error) { return len(s), nil }

// AreaBase implements kmem.PerCPU.
func (s StaticPerCPU) AreaBase(cpu int) (uint64, error) { return s[cpu], nil }

// PerCPUAreas sets up the kernel per-CPU symbols nr_cpu_ids and
// __per_cpu_offset for n CPUs, each with an area of size bytes, and
// returns the area bases.
func (t *Target) PerCPUAreas(n, size int) []uint64 {
	nr := t.Global("nr_cpu_ids", 4, UInt)
	t.Mem.PutUint(nr, 4, uint64(n))
	offs := t.Global("__per_cpu_offset", n*kmem.PtrSize, nil)
	bases := make([]uint64, n)
	for i := range bases {
		bases[i] = t.Mem.Alloc(size)
		t.Mem.PutPointer(offs+uint64(i)*kmem.PtrSize, bases[i])
	}
	return bases
}
