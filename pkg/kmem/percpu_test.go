package kmem_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/kmem/kmemtest"
)

func TestPerCPU(t *testing.T) {
	const ncpu = 4
	tgt := kmemtest.New()
	node := tgt.Info.AddType(nodeType())
	bases := tgt.PerCPUAreas(ncpu, 0x100)
	tmpl := tgt.Global("cache_cpu", 8, node.PointerTo())
	tgt.Mem.PutPointer(tmpl, 0x40)
	a := tgt.Accessor(kmem.Config{})

	n, err := a.NumCPU()
	require.NoError(t, err)
	require.Equal(t, ncpu, n)

	template, err := a.ResolveSymbol("cache_cpu")
	require.NoError(t, err)
	seen := map[uint64]bool{}
	for cpu := 0; cpu < ncpu; cpu++ {
		v, err := a.PerCPU(template, cpu)
		require.NoError(t, err)
		require.Equal(t, bases[cpu]+0x40, v.Addr)
		require.Same(t, node, v.Type)
		require.False(t, seen[v.Addr])
		seen[v.Addr] = true
	}

	for _, cpu := range []int{-1, ncpu, ncpu + 10} {
		_, err := a.PerCPU(template, cpu)
		var ice *kmem.InvalidCPUIndexError
		require.True(t, errors.As(err, &ice), "cpu %d", cpu)
		require.Equal(t, cpu, ice.CPU)
		require.Equal(t, ncpu, ice.NumCPU)
	}
}

func TestPerCPUVariable(t *testing.T) {
	tgt := kmemtest.New()
	bases := tgt.PerCPUAreas(2, 0x100)
	// the address of a per-CPU variable is its offset in the area
	tgt.Info.AddSymbol("runqueues", 0x80, kmemtest.ULong)
	tgt.Mem.PutUint(bases[1]+0x80, 8, 42)
	a := tgt.Accessor(kmem.Config{})

	v, err := a.ResolveSymbol("runqueues")
	require.NoError(t, err)
	v, err = a.PerCPU(v, 1)
	require.NoError(t, err)
	require.Equal(t, bases[1]+0x80, v.Addr)
	v, err = a.Load(v)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v.Uint64())
}

func TestPerCPUOffline(t *testing.T) {
	tgt := kmemtest.New()
	tgt.PerCPUAreas(4, 0x40)
	offs, _ := tgt.Info.LookupSymbol("__per_cpu_offset")
	tgt.Mem.PutPointer(offs.Addr+2*8, 0)
	tgt.Global("tmpl", 8, kmemtest.ULong.PointerTo())
	a := tgt.Accessor(kmem.Config{})
	template, err := a.ResolveSymbol("tmpl")
	require.NoError(t, err)

	_, err = a.PerCPU(template, 2)
	var ume *kmem.UnreadableMemoryError
	require.True(t, errors.As(err, &ume))

	_, err = a.PerCPU(template, 1)
	require.NoError(t, err)

	// cpu 1 missing from the online mask
	mask := tgt.Global("__cpu_online_mask", 8, nil)
	tgt.Mem.PutUint(mask, 8, 0xd)
	_, err = a.PerCPU(template, 1)
	require.True(t, errors.As(err, &ume))
	_, err = a.PerCPU(template, 3)
	require.NoError(t, err)
}

func TestPerCPUCustomResolver(t *testing.T) {
	tgt := kmemtest.New()
	areas := kmemtest.StaticPerCPU{tgt.Mem.Alloc(0x100), tgt.Mem.Alloc(0x100)}
	a := tgt.Accessor(kmem.Config{PerCPU: areas})
	tgt.Info.AddSymbol("counter", 0x10, kmemtest.Int)
	v, err := a.ResolveSymbol("counter")
	require.NoError(t, err)

	v0, err := a.PerCPU(v, 0)
	require.NoError(t, err)
	v1, err := a.PerCPU(v, 1)
	require.NoError(t, err)
	require.NotEqual(t, v0.Addr, v1.Addr)

	_, err = a.PerCPU(v, 2)
	var ice *kmem.InvalidCPUIndexError
	require.True(t, errors.As(err, &ice))
}
