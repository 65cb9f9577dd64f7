// Package slubtest builds an in-memory kernel with SLUB caches for tests.
package slubtest

import (
	"math/bits"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/kmem/kmemtest"
)

// Options configures a fixture kernel.
type Options struct {
	NCPU int
	// Hardened adds the freelist obfuscation key to struct kmem_cache.
	Hardened bool
	// PlainFreelist encodes hardened free pointers without the byte swap
	// of the pointer address, as kernels before 5.7 do.
	PlainFreelist bool
	// LegacyPage names the active slab member "page", as kernels before
	// 5.17 do.
	LegacyPage bool
}

// Kernel is a fixture kernel.
type Kernel struct {
	*kmemtest.Target
	Opts  Options
	Bases []uint64

	CacheType *kmem.Type
	CPUType   *kmem.Type
	SlabType  *kmem.Type

	Registry uint64
	links    []uint64
	nextPCPU uint64
}

const (
	cacheSize = 80
	cpuSize   = 32
	slabSize  = 64
	areaSize  = 0x1000
)

// NewKernel returns a kernel with an empty cache registry.
func NewKernel(opts Options) *Kernel {
	if opts.NCPU <= 0 {
		opts.NCPU = 1
	}
	k := &Kernel{Target: kmemtest.New(), Opts: opts, nextPCPU: 0x100}
	info := k.Info
	lh := info.AddType(kmemtest.ListHead())

	// struct slab {
	//	unsigned long flags;
	//	struct kmem_cache *slab_cache;
	//	union {
	//		struct list_head slab_list;
	//		struct { struct slab *next; int slabs; };
	//	};
	//	void *freelist;
	//	union {
	//		unsigned long counters;
	//		struct { unsigned inuse:16; unsigned objects:15; unsigned frozen:1; };
	//	};
	// };
	var slab, cache, cpu *kmem.Type
	slabp := kmem.NewPointer("struct slab *", func() *kmem.Type { return slab })
	cachep := kmem.NewPointer("struct kmem_cache *", func() *kmem.Type { return cache })
	cpup := kmem.NewPointer("struct kmem_cache_cpu *", func() *kmem.Type { return cpu })
	voidp := kmem.VoidType.PointerTo()

	slabName := "struct slab"
	if opts.LegacyPage {
		slabName = "struct page"
	}
	partialUnion := kmemtest.Union("", 16,
		kmemtest.F("slab_list", 0, lh),
		kmemtest.F("", 0, kmemtest.Struct("", 16,
			kmemtest.F("next", 0, slabp),
			kmemtest.F("slabs", 8, kmemtest.Int))))
	countersUnion := kmemtest.Union("", 8,
		kmemtest.F("counters", 0, kmemtest.ULong),
		kmemtest.F("", 0, kmemtest.Struct("", 4,
			kmemtest.Bits("inuse", 0, kmemtest.UInt, 0, 16),
			kmemtest.Bits("objects", 0, kmemtest.UInt, 16, 15),
			kmemtest.Bits("frozen", 0, kmemtest.UInt, 31, 1))))
	slab = info.AddType(kmemtest.Struct(slabName, slabSize,
		kmemtest.F("flags", 0, kmemtest.ULong),
		kmemtest.F("slab_cache", 8, cachep),
		kmemtest.F("", 16, partialUnion),
		kmemtest.F("freelist", 32, voidp),
		kmemtest.F("", 40, countersUnion)))

	active := "slab"
	if opts.LegacyPage {
		active = "page"
	}
	cpu = info.AddType(kmemtest.Struct("struct kmem_cache_cpu", cpuSize,
		kmemtest.F("freelist", 0, voidp.PointerTo()),
		kmemtest.F("tid", 8, kmemtest.ULong),
		kmemtest.F(active, 16, slabp),
		kmemtest.F("partial", 24, slabp)))

	fields := []*kmem.Field{
		kmemtest.F("cpu_slab", 0, cpup),
		kmemtest.F("flags", 8, kmemtest.UInt),
		kmemtest.F("min_partial", 16, kmemtest.ULong),
		kmemtest.F("size", 24, kmemtest.UInt),
		kmemtest.F("object_size", 28, kmemtest.UInt),
		kmemtest.F("offset", 32, kmemtest.UInt),
	}
	if opts.Hardened {
		fields = append(fields, kmemtest.F("random", 40, kmemtest.ULong))
	}
	fields = append(fields,
		kmemtest.F("name", 48, kmemtest.Char.PointerTo()),
		kmemtest.F("list", 56, lh),
		kmemtest.F("refcount", 72, kmemtest.Int))
	cache = info.AddType(kmemtest.Struct("struct kmem_cache", cacheSize, fields...))

	k.CacheType, k.CPUType, k.SlabType = cache, cpu, slab
	k.Bases = k.PerCPUAreas(opts.NCPU, areaSize)
	k.Registry = k.Global("slab_caches", 16, lh)
	k.relink()
	return k
}

// relink rewrites the registry as a circular list of the caches.
func (k *Kernel) relink() {
	links := append([]uint64{k.Registry}, k.links...)
	for i, l := range links {
		k.Mem.PutPointer(l, links[(i+1)%len(links)])
		k.Mem.PutPointer(l+8, links[(i+len(links)-1)%len(links)])
	}
}

// Cache is a cache of a fixture kernel.
type Cache struct {
	k         *Kernel
	Addr      uint64
	CPUOffset uint64
	Random    uint64
	Offset    uint64
}

// AddCache appends a cache to the registry.
func (k *Kernel) AddCache(name string, objectSize uint64) *Cache {
	addr := k.Mem.Alloc(cacheSize)
	c := &Cache{k: k, Addr: addr, CPUOffset: k.nextPCPU}
	k.nextPCPU += cpuSize
	k.Mem.PutPointer(addr, c.CPUOffset)
	k.Mem.PutUint(addr+24, 4, (objectSize+7)&^7)
	k.Mem.PutUint(addr+28, 4, objectSize)
	k.Mem.PutPointer(addr+48, k.Mem.String(name))
	k.links = append(k.links, addr+56)
	k.relink()
	return c
}

// SetOffset sets the free pointer offset of the cache.
func (c *Cache) SetOffset(off uint64) {
	c.Offset = off
	c.k.Mem.PutUint(c.Addr+32, 4, off)
}

// SetRandom sets the freelist obfuscation key of a hardened cache.
func (c *Cache) SetRandom(random uint64) {
	c.Random = random
	c.k.Mem.PutUint(c.Addr+40, 8, random)
}

// CPUAddr returns the address of the per-CPU state of the cache on cpu.
func (c *Cache) CPUAddr(cpu int) uint64 {
	return c.k.Bases[cpu] + c.CPUOffset
}

// SetCPU writes the per-CPU state of the cache on cpu.
func (c *Cache) SetCPU(cpu int, freelist, active, partial uint64) {
	addr := c.CPUAddr(cpu)
	c.k.Mem.PutPointer(addr, freelist)
	c.k.Mem.PutUint(addr+8, 8, uint64(cpu))
	c.k.Mem.PutPointer(addr+16, active)
	c.k.Mem.PutPointer(addr+24, partial)
}

// NewSlab allocates a slab descriptor.
func (k *Kernel) NewSlab(objects, inuse, freelist uint64) uint64 {
	addr := k.Mem.Alloc(slabSize)
	k.Mem.PutPointer(addr+32, freelist)
	k.Mem.PutUint(addr+40, 4, inuse|objects<<16)
	return addr
}

// SetCounters rewrites the object counts of a slab.
func (k *Kernel) SetCounters(slab, objects, inuse uint64) {
	k.Mem.PutUint(slab+40, 4, inuse|objects<<16)
}

// Chain links slabs through their next member, the last one ends the chain.
func (k *Kernel) Chain(slabs ...uint64) uint64 {
	for i, s := range slabs {
		next := uint64(0)
		if i+1 < len(slabs) {
			next = slabs[i+1]
		}
		k.Mem.PutPointer(s+16, next)
	}
	if len(slabs) == 0 {
		return 0
	}
	return slabs[0]
}

// Objects allocates n objects of size bytes and threads them on a
// freelist through the free pointer at the cache's offset, encoding the
// pointers like a hardened kernel when the cache has a key. It returns the
// object addresses in list order.
func (c *Cache) Objects(n int, size int) []uint64 {
	objs := make([]uint64, n)
	for i := range objs {
		objs[i] = c.k.Mem.Alloc(size)
	}
	for i, o := range objs {
		next := uint64(0)
		if i+1 < n {
			next = objs[i+1]
		}
		ptrAddr := o + c.Offset
		switch {
		case c.k.Opts.Hardened && c.k.Opts.PlainFreelist:
			next ^= c.Random ^ ptrAddr
		case c.k.Opts.Hardened:
			next ^= c.Random ^ bits.ReverseBytes64(ptrAddr)
		}
		c.k.Mem.PutPointer(ptrAddr, next)
	}
	return objs
}
