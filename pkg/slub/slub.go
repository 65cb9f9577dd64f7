// Package slub models the SLUB allocator of a Linux kernel on top of
// package kmem: the registry of caches, the per-CPU state of each cache
// and the slabs it points to.
//
// Nothing is cached. Every call reads the current state of the target.
package slub

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/logflags"
)

// Allocator is the SLUB allocator of the target.
type Allocator struct {
	a      *kmem.Accessor
	layout Layout
	log    *logrus.Entry
}

// New returns the allocator model of the target read by a.
func New(a *kmem.Accessor, layout Layout) *Allocator {
	if layout.PartialLimit <= 0 {
		layout.PartialLimit = DefaultLayout().PartialLimit
	}
	return &Allocator{a: a, layout: layout, log: logflags.SlubLogger()}
}

// Accessor returns the accessor used to read the target.
func (al *Allocator) Accessor() *kmem.Accessor {
	return al.a
}

// Layout returns the layout of the allocator.
func (al *Allocator) Layout() Layout {
	return al.layout
}

// Caches returns the caches of the registry, in registry order. If the
// walk fails after some caches have been read they are returned together
// with the error.
func (al *Allocator) Caches() ([]*Cache, error) {
	reg, err := al.a.ResolveSymbol(al.layout.RegistrySymbol)
	if err != nil {
		return nil, err
	}
	typ, err := al.a.ResolveType(al.layout.CacheType)
	if err != nil {
		return nil, err
	}
	var r []*Cache
	w := al.a.WalkList(reg, typ, al.layout.ListField, kmem.ListOptions{})
	for w.Next() {
		c, err := al.newCache(w.Value())
		if err != nil {
			return r, err
		}
		r = append(r, c)
	}
	if logflags.Slub() {
		al.log.Debugf("%d caches in %s", len(r), al.layout.RegistrySymbol)
	}
	return r, w.Err()
}

// NoSuchCacheError is returned by Find when no cache has the name.
type NoSuchCacheError struct {
	Name string
}

func (e *NoSuchCacheError) Error() string {
	return fmt.Sprintf("no cache named %q", e.Name)
}

// Find returns the cache with the given name.
func (al *Allocator) Find(name string) (*Cache, error) {
	caches, err := al.Caches()
	for _, c := range caches {
		if c.Name == name {
			return c, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, &NoSuchCacheError{Name: name}
}

// CacheAt returns the cache whose descriptor is at addr.
func (al *Allocator) CacheAt(addr uint64) (*Cache, error) {
	typ, err := al.a.ResolveType(al.layout.CacheType)
	if err != nil {
		return nil, err
	}
	v, err := al.a.Load(kmem.At(addr, typ))
	if err != nil {
		return nil, err
	}
	return al.newCache(v)
}

// Cache is one kmem_cache.
type Cache struct {
	Addr       uint64
	Name       string
	ObjectSize uint64
	// Size is the size of an object including metadata.
	Size uint64
	// Offset is the offset of the free pointer inside a free object.
	Offset uint64
	// Random is the freelist pointer obfuscation key of kernels built with
	// CONFIG_SLAB_FREELIST_HARDENED, hardened is false when the cache
	// descriptor has no such member.
	Random   uint64
	hardened bool

	al      *Allocator
	value   kmem.Value
	cpuSlab kmem.Value
}

func (al *Allocator) newCache(v kmem.Value) (*Cache, error) {
	l := al.layout
	c := &Cache{Addr: v.Addr, al: al, value: v}
	var err error
	if c.Name, err = al.a.FieldString(v, l.NameField); err != nil {
		return nil, err
	}
	if c.ObjectSize, err = al.a.FieldUint(v, l.ObjectSizeField); err != nil {
		return nil, err
	}
	if c.cpuSlab, err = al.a.ReadField(v, l.CPUSlabField); err != nil {
		return nil, err
	}
	optional := func(name string) (uint64, bool, error) {
		if !v.Type.HasField(name) {
			return 0, false, nil
		}
		n, err := al.a.FieldUint(v, name)
		return n, err == nil, err
	}
	if c.Size, _, err = optional(l.SizeField); err != nil {
		return nil, err
	}
	if c.Offset, _, err = optional(l.OffsetField); err != nil {
		return nil, err
	}
	if c.Random, c.hardened, err = optional(l.RandomField); err != nil {
		return nil, err
	}
	return c, nil
}

// Value returns the cache descriptor.
func (c *Cache) Value() kmem.Value {
	return c.value
}

// NumCPU returns the number of CPUs of the target.
func (c *Cache) NumCPU() (int, error) {
	return c.al.a.NumCPU()
}

// CPUState is the state of a cache on one CPU, read by Cache.PerCPU.
type CPUState struct {
	CPU int
	// Addr is the address of the per-CPU structure.
	Addr     uint64
	Freelist uint64
	// Active is the address of the active slab, 0 if there is none.
	Active  uint64
	Partial uint64

	cache       *Cache
	value       kmem.Value
	activeType  *kmem.Type
	partialType *kmem.Type
}

// PerCPU reads the state of the cache on cpu.
func (c *Cache) PerCPU(cpu int) (*CPUState, error) {
	a, l := c.al.a, c.al.layout
	v, err := a.PerCPU(c.cpuSlab, cpu)
	if err != nil {
		return nil, err
	}
	if v, err = a.Load(v); err != nil {
		return nil, err
	}
	s := &CPUState{CPU: cpu, Addr: v.Addr, cache: c, value: v}
	if s.Freelist, err = a.FieldPointer(v, l.FreelistField); err != nil {
		return nil, err
	}

	active := ""
	for _, name := range l.ActiveSlabFields {
		if v.Type.HasField(name) {
			active = name
			break
		}
	}
	if active == "" {
		name := ""
		if len(l.ActiveSlabFields) > 0 {
			name = l.ActiveSlabFields[0]
		}
		return nil, &kmem.NoSuchFieldError{Type: v.Type.String(), Field: name}
	}
	av, err := a.ReadField(v, active)
	if err != nil {
		return nil, err
	}
	s.Active = av.Pointer()
	s.activeType = av.Type.Elem()

	// kernels built without CONFIG_SLUB_CPU_PARTIAL have no partial chain
	if v.Type.HasField(l.PartialField) {
		pv, err := a.ReadField(v, l.PartialField)
		if err != nil {
			return nil, err
		}
		s.Partial = pv.Pointer()
		s.partialType = pv.Type.Elem()
	}
	if logflags.Slub() {
		c.al.log.Debugf("%s cpu %d: state %#x freelist %#x active %#x partial %#x", c.Name, cpu, s.Addr, s.Freelist, s.Active, s.Partial)
	}
	return s, nil
}

// Value returns the per-CPU structure.
func (s *CPUState) Value() kmem.Value {
	return s.value
}

// Slab is a slab descriptor.
type Slab struct {
	Addr     uint64
	Objects  uint64
	InUse    uint64
	Freelist uint64
	Next     uint64
}

// Available returns the number of free objects. It is negative for
// inconsistent slabs.
func (s *Slab) Available() int64 {
	return int64(s.Objects) - int64(s.InUse)
}

// Consistent returns true if InUse does not exceed Objects.
func (s *Slab) Consistent() bool {
	return s.InUse <= s.Objects
}

// InconsistentSlabError reports a slab with more objects in use than it
// holds. It is a warning: the values are returned unchanged alongside it.
type InconsistentSlabError struct {
	Slab *Slab
}

func (e *InconsistentSlabError) Error() string {
	return fmt.Sprintf("slab at %#x is inconsistent: inuse %d > objects %d", e.Slab.Addr, e.Slab.InUse, e.Slab.Objects)
}

// InconsistencyWarning lists the inconsistent slabs found in a chain.
type InconsistencyWarning struct {
	Slabs []*Slab
}

func (w *InconsistencyWarning) Error() string {
	if len(w.Slabs) == 1 {
		return (&InconsistentSlabError{Slab: w.Slabs[0]}).Error()
	}
	return fmt.Sprintf("%d inconsistent slabs, first at %#x", len(w.Slabs), w.Slabs[0].Addr)
}

// TruncatedChainWarning reports a partial chain longer than
// Layout.PartialLimit. The slabs read before the limit are returned
// alongside it.
type TruncatedChainWarning struct {
	Limit int
	// Rest is the first slab that was not read.
	Rest uint64
}

func (w *TruncatedChainWarning) Error() string {
	return fmt.Sprintf("partial chain truncated after %d slabs, next slab at %#x", w.Limit, w.Rest)
}

// IsWarning returns true if err only reports inconsistent or incomplete
// target data.
func IsWarning(err error) bool {
	var ise *InconsistentSlabError
	var iw *InconsistencyWarning
	var tw *TruncatedChainWarning
	return errors.As(err, &ise) || errors.As(err, &iw) || errors.As(err, &tw)
}

func (al *Allocator) readSlab(addr uint64, typ *kmem.Type) (*Slab, error) {
	v, err := al.a.Load(kmem.At(addr, typ))
	if err != nil {
		return nil, err
	}
	return al.slabFrom(v)
}

func (al *Allocator) slabFrom(v kmem.Value) (*Slab, error) {
	l := al.layout
	typ := v.Type
	s := &Slab{Addr: v.Addr}
	var err error
	if s.Objects, err = al.a.FieldUint(v, l.ObjectsField); err != nil {
		return nil, err
	}
	if s.InUse, err = al.a.FieldUint(v, l.InUseField); err != nil {
		return nil, err
	}
	if s.Freelist, err = al.a.FieldPointer(v, l.SlabFreelist); err != nil {
		return nil, err
	}
	if typ.HasField(l.NextField) {
		if s.Next, err = al.a.FieldPointer(v, l.NextField); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Availability is the number of free objects of the active slab of a CPU.
type Availability struct {
	Free int64
	// NoActiveSlab is true when the CPU has no active slab. Free is 0 then,
	// which is not the same as an active slab that is full.
	NoActiveSlab bool
	Slab         *Slab
}

// Available reads the active slab and returns its free object count. An
// inconsistent slab is returned with an *InconsistentSlabError.
func (s *CPUState) Available() (Availability, error) {
	if s.Active == 0 {
		return Availability{NoActiveSlab: true}, nil
	}
	slab, err := s.cache.al.readSlab(s.Active, s.activeType)
	if err != nil {
		return Availability{}, err
	}
	r := Availability{Free: slab.Available(), Slab: slab}
	if !slab.Consistent() {
		return r, &InconsistentSlabError{Slab: slab}
	}
	return r, nil
}

// PartialChain returns the slabs of the partial chain that have free
// objects, in chain order. Inconsistent slabs are left out and reported by
// an *InconsistencyWarning returned with the result. A chain longer than
// Layout.PartialLimit is cut and reported by a *TruncatedChainWarning.
func (s *CPUState) PartialChain() ([]*Slab, error) {
	if s.Partial == 0 {
		return nil, nil
	}
	al := s.cache.al
	var r, bad []*Slab
	w := al.a.WalkChain(s.Partial, s.partialType, al.layout.NextField, al.layout.PartialLimit-1)
	for w.Next() {
		slab, err := al.slabFrom(w.Value())
		if err != nil {
			return r, err
		}
		switch {
		case !slab.Consistent():
			bad = append(bad, slab)
		case slab.Available() > 0:
			r = append(r, slab)
		}
	}
	if err := w.Err(); err != nil {
		return r, err
	}
	var warnings []error
	if len(bad) > 0 {
		warnings = append(warnings, &InconsistencyWarning{Slabs: bad})
	}
	if w.Truncated() {
		warnings = append(warnings, &TruncatedChainWarning{Limit: al.layout.PartialLimit, Rest: w.Rest()})
	}
	switch len(warnings) {
	case 0:
		return r, nil
	case 1:
		return r, warnings[0]
	}
	return r, errors.Join(warnings...)
}

// FreelistChain returns the addresses of the objects on the lockless
// freelist of the CPU, following the free pointer stored at the cache's
// free pointer offset of each object. At most limit objects are read, a
// limit of 0 or less reads at most 4096.
func (s *CPUState) FreelistChain(limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 4096
	}
	c := s.cache
	var r []uint64
	seen := make(map[uint64]bool)
	for p := s.Freelist; p != 0 && len(r) < limit; {
		if seen[p] {
			return r, &kmem.CorruptListError{Head: s.Freelist, Link: p, Count: len(r)}
		}
		seen[p] = true
		r = append(r, p)
		ptrAddr := p + c.Offset
		stored, err := c.al.a.ReadUint(ptrAddr, kmem.PtrSize)
		if err != nil {
			return r, err
		}
		p = c.freePointer(stored, ptrAddr)
	}
	return r, nil
}

// freePointer decodes a free pointer read from ptrAddr.
func (c *Cache) freePointer(stored, ptrAddr uint64) uint64 {
	if !c.hardened {
		return stored
	}
	if c.al.layout.FreelistEncoding == PlainEncoding {
		return stored ^ c.Random ^ ptrAddr
	}
	return stored ^ c.Random ^ bits.ReverseBytes64(ptrAddr)
}

// NameFilter selects caches by name and object size. The zero value
// matches every cache.
type NameFilter struct {
	// Prefix is required at the start of the name.
	Prefix string
	// Exclude rejects names containing it.
	Exclude string
	// MaxObjectSize rejects caches whose object size is not below it.
	MaxObjectSize uint64
}

// MatchName applies the name conditions of the filter.
func (f NameFilter) MatchName(name string) bool {
	if !strings.HasPrefix(name, f.Prefix) {
		return false
	}
	if f.Exclude != "" && strings.Contains(name, f.Exclude) {
		return false
	}
	return true
}

// Match applies every condition of the filter.
func (f NameFilter) Match(c *Cache) bool {
	if f.MaxObjectSize > 0 && c.ObjectSize >= f.MaxObjectSize {
		return false
	}
	return f.MatchName(c.Name)
}

// Filter returns the caches matching f, keeping their order.
func Filter(caches []*Cache, f NameFilter) []*Cache {
	var r []*Cache
	for _, c := range caches {
		if f.Match(c) {
			r = append(r, c)
		}
	}
	return r
}
