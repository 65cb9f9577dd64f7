package slub_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/slub"
	"github.com/kmemscope/kmemscope/pkg/slub/slubtest"
)

func newAllocator(k *slubtest.Kernel) *slub.Allocator {
	return slub.New(k.Accessor(kmem.Config{}), slub.DefaultLayout())
}

func cacheNames(caches []*slub.Cache) []string {
	r := make([]string, len(caches))
	for i, c := range caches {
		r[i] = c.Name
	}
	return r
}

func TestCaches(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{NCPU: 2})
	k.AddCache("kmalloc-64", 64)
	k.AddCache("kmalloc-rcl-96", 96)
	k.AddCache("kmalloc-128", 128)
	k.AddCache("dentry", 192)
	al := newAllocator(k)

	caches, err := al.Caches()
	require.NoError(t, err)
	require.Equal(t, []string{"kmalloc-64", "kmalloc-rcl-96", "kmalloc-128", "dentry"}, cacheNames(caches))
	require.Equal(t, uint64(96), caches[1].ObjectSize)
	require.Equal(t, uint64(96), caches[1].Size)

	got := slub.Filter(caches, slub.NameFilter{Prefix: "kmalloc", Exclude: "rcl"})
	require.Equal(t, []string{"kmalloc-64", "kmalloc-128"}, cacheNames(got))

	got = slub.Filter(caches, slub.NameFilter{MaxObjectSize: 128})
	require.Equal(t, []string{"kmalloc-64", "kmalloc-rcl-96"}, cacheNames(got))

	require.Len(t, slub.Filter(caches, slub.NameFilter{}), 4)
}

func TestCachesEmptyRegistry(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	caches, err := newAllocator(k).Caches()
	require.NoError(t, err)
	require.Empty(t, caches)
}

func TestCachesMissingRegistry(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	l := slub.DefaultLayout()
	l.RegistrySymbol = "no_such_caches"
	_, err := slub.New(k.Accessor(kmem.Config{}), l).Caches()
	var use *kmem.UnknownSymbolError
	require.True(t, errors.As(err, &use), "%v", err)

	l = slub.DefaultLayout()
	l.CacheType = "struct kmem_cache_node"
	_, err = slub.New(k.Accessor(kmem.Config{}), l).Caches()
	var ute *kmem.UnknownTypeError
	require.True(t, errors.As(err, &ute), "%v", err)
}

func TestFind(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	k.AddCache("kmalloc-32", 32)
	c := k.AddCache("task_struct", 9792)
	al := newAllocator(k)

	got, err := al.Find("task_struct")
	require.NoError(t, err)
	require.Equal(t, c.Addr, got.Addr)
	require.Equal(t, uint64(9792), got.ObjectSize)

	_, err = al.Find("kmalloc-8k")
	var nsc *slub.NoSuchCacheError
	require.True(t, errors.As(err, &nsc))
	require.Equal(t, "kmalloc-8k", nsc.Name)

	at, err := al.CacheAt(c.Addr)
	require.NoError(t, err)
	require.Equal(t, "task_struct", at.Name)
}

func TestAvailable(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{NCPU: 3})
	c := k.AddCache("kmalloc-64", 64)
	full := k.NewSlab(64, 64, 0)
	half := k.NewSlab(64, 40, 0)
	c.SetCPU(0, 0, full, 0)
	c.SetCPU(1, 0, half, 0)
	c.SetCPU(2, 0, 0, 0)

	cache, err := newAllocator(k).Find("kmalloc-64")
	require.NoError(t, err)

	for _, tc := range []struct {
		cpu      int
		free     int64
		noActive bool
	}{
		{0, 0, false},
		{1, 24, false},
		{2, 0, true},
	} {
		s, err := cache.PerCPU(tc.cpu)
		require.NoError(t, err)
		av, err := s.Available()
		require.NoError(t, err)
		require.Equal(t, tc.free, av.Free, "cpu %d", tc.cpu)
		require.Equal(t, tc.noActive, av.NoActiveSlab, "cpu %d", tc.cpu)
	}

	// state is read again on every call
	k.SetCounters(half, 64, 63)
	s, err := cache.PerCPU(1)
	require.NoError(t, err)
	av, err := s.Available()
	require.NoError(t, err)
	require.Equal(t, int64(1), av.Free)
}

func TestAvailableInconsistent(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-64", 64)
	c.SetCPU(0, 0, k.NewSlab(8, 10, 0), 0)

	cache, err := newAllocator(k).Find("kmalloc-64")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	av, err := s.Available()
	require.Error(t, err)
	require.True(t, slub.IsWarning(err))
	require.Equal(t, int64(-2), av.Free)
	require.False(t, av.Slab.Consistent())
}

func TestPerCPUDistinct(t *testing.T) {
	const ncpu = 4
	k := slubtest.NewKernel(slubtest.Options{NCPU: ncpu})
	k.AddCache("kmalloc-8", 8)
	c := k.AddCache("kmalloc-16", 16)
	for cpu := 0; cpu < ncpu; cpu++ {
		c.SetCPU(cpu, 0, 0, 0)
	}

	cache, err := newAllocator(k).Find("kmalloc-16")
	require.NoError(t, err)
	n, err := cache.NumCPU()
	require.NoError(t, err)
	require.Equal(t, ncpu, n)

	seen := map[uint64]int{}
	for cpu := 0; cpu < ncpu; cpu++ {
		s, err := cache.PerCPU(cpu)
		require.NoError(t, err)
		require.Equal(t, c.CPUAddr(cpu), s.Addr)
		prev, dup := seen[s.Addr]
		require.False(t, dup, "cpu %d and %d share %#x", prev, cpu, s.Addr)
		seen[s.Addr] = cpu
	}

	_, err = cache.PerCPU(ncpu)
	var ice *kmem.InvalidCPUIndexError
	require.True(t, errors.As(err, &ice))
	_, err = cache.PerCPU(-1)
	require.True(t, errors.As(err, &ice))
}

func TestPartialChain(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-128", 128)
	a := k.NewSlab(32, 30, 0)
	full := k.NewSlab(32, 32, 0)
	b := k.NewSlab(32, 1, 0)
	d := k.NewSlab(32, 16, 0)
	c.SetCPU(0, 0, 0, k.Chain(a, full, b, d))

	cache, err := newAllocator(k).Find("kmalloc-128")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	slabs, err := s.PartialChain()
	require.NoError(t, err)

	var addrs []uint64
	var free []int64
	for _, sl := range slabs {
		addrs = append(addrs, sl.Addr)
		free = append(free, sl.Available())
	}
	require.Equal(t, []uint64{a, b, d}, addrs)
	require.Equal(t, []int64{2, 31, 16}, free)
	for _, sl := range slabs {
		require.True(t, sl.Available() > 0)
	}
}

func TestPartialChainEmpty(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-128", 128)
	c.SetCPU(0, 0, k.NewSlab(1, 1, 0), 0)

	cache, err := newAllocator(k).Find("kmalloc-128")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	slabs, err := s.PartialChain()
	require.NoError(t, err)
	require.Empty(t, slabs)
}

func TestPartialChainInconsistent(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-128", 128)
	good := k.NewSlab(32, 2, 0)
	bad := k.NewSlab(4, 7, 0)
	c.SetCPU(0, 0, 0, k.Chain(bad, good))

	cache, err := newAllocator(k).Find("kmalloc-128")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	slabs, err := s.PartialChain()
	require.Error(t, err)
	require.True(t, slub.IsWarning(err))

	var iw *slub.InconsistencyWarning
	require.True(t, errors.As(err, &iw))
	require.Len(t, iw.Slabs, 1)
	require.Equal(t, bad, iw.Slabs[0].Addr)

	require.Len(t, slabs, 1)
	require.Equal(t, good, slabs[0].Addr)
}

func TestPartialChainLimit(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-128", 128)
	first := k.NewSlab(4, 0, 0)
	second := k.NewSlab(4, 1, 0)
	k.Chain(first, second)
	// loop back to the head
	k.Mem.PutPointer(second+16, first)
	c.SetCPU(0, 0, 0, first)

	l := slub.DefaultLayout()
	l.PartialLimit = 5
	cache, err := slub.New(k.Accessor(kmem.Config{}), l).Find("kmalloc-128")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	slabs, err := s.PartialChain()
	require.Len(t, slabs, 5)
	require.True(t, slub.IsWarning(err))
	var tw *slub.TruncatedChainWarning
	require.True(t, errors.As(err, &tw))
	require.Equal(t, 5, tw.Limit)
	// five slabs read, the sixth is the first one again
	require.Equal(t, second, tw.Rest)

	// a chain that ends exactly at the limit is complete
	k.Mem.PutPointer(second+16, 0)
	l.PartialLimit = 2
	cache, err = slub.New(k.Accessor(kmem.Config{}), l).Find("kmalloc-128")
	require.NoError(t, err)
	s, err = cache.PerCPU(0)
	require.NoError(t, err)
	slabs, err = s.PartialChain()
	require.NoError(t, err)
	require.Len(t, slabs, 2)
}

func TestPartialChainTruncatedAndInconsistent(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-128", 128)
	bad := k.NewSlab(4, 7, 0)
	good := k.NewSlab(4, 1, 0)
	rest := k.NewSlab(4, 1, 0)
	c.SetCPU(0, 0, 0, k.Chain(bad, good, rest))

	l := slub.DefaultLayout()
	l.PartialLimit = 2
	cache, err := slub.New(k.Accessor(kmem.Config{}), l).Find("kmalloc-128")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	slabs, err := s.PartialChain()
	require.Len(t, slabs, 1)
	require.True(t, slub.IsWarning(err))
	var iw *slub.InconsistencyWarning
	require.True(t, errors.As(err, &iw))
	var tw *slub.TruncatedChainWarning
	require.True(t, errors.As(err, &tw))
	require.Equal(t, rest, tw.Rest)
}

func TestFreelistChain(t *testing.T) {
	for _, hardened := range []bool{false, true} {
		k := slubtest.NewKernel(slubtest.Options{Hardened: hardened})
		c := k.AddCache("kmalloc-32", 32)
		c.SetOffset(16)
		if hardened {
			c.SetRandom(0x5a5a1234deadbeef)
		}
		objs := c.Objects(5, 32)
		c.SetCPU(0, objs[0], 0, 0)

		cache, err := newAllocator(k).Find("kmalloc-32")
		require.NoError(t, err)
		require.Equal(t, uint64(16), cache.Offset)
		s, err := cache.PerCPU(0)
		require.NoError(t, err)
		require.Equal(t, objs[0], s.Freelist)

		got, err := s.FreelistChain(0)
		require.NoError(t, err, "hardened %v", hardened)
		require.Equal(t, objs, got, "hardened %v", hardened)

		got, err = s.FreelistChain(2)
		require.NoError(t, err)
		require.Equal(t, objs[:2], got)
	}
}

func TestFreelistChainPlainEncoding(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{Hardened: true, PlainFreelist: true})
	c := k.AddCache("kmalloc-32", 32)
	c.SetOffset(8)
	c.SetRandom(0x0123456789abcdef)
	objs := c.Objects(4, 32)
	c.SetCPU(0, objs[0], 0, 0)

	l := slub.DefaultLayout()
	l.FreelistEncoding = slub.PlainEncoding
	cache, err := slub.New(k.Accessor(kmem.Config{}), l).Find("kmalloc-32")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	got, err := s.FreelistChain(0)
	require.NoError(t, err)
	require.Equal(t, objs, got)

	// decoded with the swab encoding the second pointer is garbage
	cache, err = newAllocator(k).Find("kmalloc-32")
	require.NoError(t, err)
	s, err = cache.PerCPU(0)
	require.NoError(t, err)
	got, _ = s.FreelistChain(0)
	require.NotEqual(t, objs, got)
	require.Equal(t, objs[0], got[0])
}

func TestParseFreelistEncoding(t *testing.T) {
	for _, e := range []slub.FreelistEncoding{slub.SwabEncoding, slub.PlainEncoding} {
		got, err := slub.ParseFreelistEncoding(e.String())
		require.NoError(t, err)
		require.Equal(t, e, got)
	}
	_, err := slub.ParseFreelistEncoding("xor")
	require.Error(t, err)
}

func TestFreelistChainCycle(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	c := k.AddCache("kmalloc-32", 32)
	objs := c.Objects(3, 32)
	k.Mem.PutPointer(objs[2], objs[1])
	c.SetCPU(0, objs[0], 0, 0)

	cache, err := newAllocator(k).Find("kmalloc-32")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	got, err := s.FreelistChain(0)
	var cle *kmem.CorruptListError
	require.True(t, errors.As(err, &cle), "%v", err)
	require.Equal(t, objs, got)
}

func TestLegacyPageLayout(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{LegacyPage: true})
	c := k.AddCache("kmalloc-64", 64)
	c.SetCPU(0, 0, k.NewSlab(64, 40, 0), 0)

	cache, err := newAllocator(k).Find("kmalloc-64")
	require.NoError(t, err)
	s, err := cache.PerCPU(0)
	require.NoError(t, err)
	av, err := s.Available()
	require.NoError(t, err)
	require.Equal(t, int64(24), av.Free)

	l := slub.DefaultLayout()
	l.ActiveSlabFields = []string{"slab"}
	cache, err = slub.New(k.Accessor(kmem.Config{}), l).Find("kmalloc-64")
	require.NoError(t, err)
	_, err = cache.PerCPU(0)
	var nsf *kmem.NoSuchFieldError
	require.True(t, errors.As(err, &nsf))
	require.Equal(t, "slab", nsf.Field)
}

func TestLayoutOverride(t *testing.T) {
	k := slubtest.NewKernel(slubtest.Options{})
	k.AddCache("kmalloc-64", 64)

	l := slub.DefaultLayout()
	l.NameField = "short_name"
	_, err := slub.New(k.Accessor(kmem.Config{}), l).Caches()
	var nsf *kmem.NoSuchFieldError
	require.True(t, errors.As(err, &nsf))
	require.Equal(t, "short_name", nsf.Field)
}
