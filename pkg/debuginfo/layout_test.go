package debuginfo

import (
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/kmem"
)

const testLayout = `
symbols:
  slab_caches: {addr: 0xffffffff82a4b8e0, type: struct list_head}
  nr_cpu_ids: {addr: 18446744071612769512, type: unsigned int}
  __per_cpu_offset: {addr: 0xffffffff82c3e000}
types:
  - name: struct list_head
    size: 16
    fields:
      - {name: next, offset: 0, type: struct list_head *}
      - {name: prev, offset: 8, type: struct list_head *}
  - name: struct kmem_cache
    size: 96
    fields:
      - {name: cpu_slab, offset: 0, type: struct kmem_cache_cpu *}
      - {name: flags, offset: 8, type: unsigned int}
      - {name: size, offset: 24, type: unsigned int}
      - {name: object_size, offset: 28, type: unsigned int}
      - {name: offset, offset: 32, type: unsigned int}
      - {name: name, offset: 64, type: char *}
      - {name: list, offset: 72, type: struct list_head}
      - {name: short_name, offset: 88, type: "char[8]"}
  - name: struct kmem_cache_cpu
    size: 32
    fields:
      - {name: freelist, offset: 0, type: void **}
      - {name: tid, offset: 8, type: unsigned long}
      - {name: slab, offset: 16, type: struct slab *}
      - {name: partial, offset: 24, type: struct slab *}
  - name: struct slab
    size: 48
    fields:
      - {name: next, offset: 8, type: struct slab *}
      - {name: freelist, offset: 16, type: void *}
      - {name: inuse, offset: 24, type: unsigned int, bit_offset: 0, bit_size: 16}
      - {name: objects, offset: 24, type: unsigned int, bit_offset: 16, bit_size: 15}
      - {name: frozen, offset: 24, type: unsigned int, bit_offset: 31, bit_size: 1}
`

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout))
	require.NoError(t, err)

	kc, ok := l.LookupType("struct kmem_cache")
	require.True(t, ok)
	require.Equal(t, kmem.Struct, kc.Kind)
	require.Equal(t, int64(96), kc.Size)

	list, ok := kc.Field("list")
	require.True(t, ok)
	require.Equal(t, int64(72), list.Offset)
	lh, _ := l.LookupType("struct list_head")
	require.Same(t, lh, list.Type)

	next, _ := lh.Field("next")
	require.Equal(t, kmem.Pointer, next.Type.Kind)
	require.Same(t, lh, next.Type.Elem())

	name, _ := kc.Field("name")
	require.True(t, name.Type.IsCString())
	short, _ := kc.Field("short_name")
	require.Equal(t, kmem.Array, short.Type.Kind)
	require.Equal(t, int64(8), short.Type.Count)

	cpu, _ := kc.Field("cpu_slab")
	slab, _ := cpu.Type.Elem().Field("slab")
	objects, ok := slab.Type.Elem().Field("objects")
	require.True(t, ok)
	require.Equal(t, int64(16), objects.BitOffset)
	require.Equal(t, int64(15), objects.BitSize)

	free, _ := cpu.Type.Elem().Field("freelist")
	require.Equal(t, kmem.Void, free.Type.Elem().Elem().Kind)

	sym, ok := l.LookupSymbol("slab_caches")
	require.True(t, ok)
	require.Equal(t, uint64(0xffffffff82a4b8e0), sym.Addr)
	require.Same(t, lh, sym.Type)

	sym, ok = l.LookupSymbol("nr_cpu_ids")
	require.True(t, ok)
	require.Equal(t, uint64(0xffffffff8305a4e8), sym.Addr)
	require.Equal(t, "unsigned int", sym.Type.Name)

	sym, ok = l.LookupSymbol("__per_cpu_offset")
	require.True(t, ok)
	require.Nil(t, sym.Type)

	_, ok = l.LookupSymbol("init_task")
	require.False(t, ok)
}

func TestParseLayoutErrors(t *testing.T) {
	for _, tc := range []struct {
		name, layout string
	}{
		{"unknown member type", `
types:
  - name: struct a
    size: 8
    fields:
      - {name: x, offset: 0, type: struct b}
`},
		{"unknown pointee", `
types:
  - name: struct a
    size: 8
    fields:
      - {name: x, offset: 0, type: struct b *}
`},
		{"contains itself", `
types:
  - name: struct a
    size: 8
    fields:
      - {name: x, offset: 0, type: struct a}
`},
		{"past the end", `
types:
  - name: struct a
    size: 8
    fields:
      - {name: x, offset: 4, type: unsigned long}
`},
		{"bad address", `
symbols:
  x: {addr: ffff}
`},
		{"unknown key", `
typs: []
`},
		{"duplicate", `
types:
  - {name: struct a, size: 0}
  - {name: struct a, size: 0}
`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLayout([]byte(tc.layout))
			require.Error(t, err)
		})
	}
}

func TestLoadLayoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testLayout), 0600))
	l, err := LoadLayoutFile(path)
	require.NoError(t, err)
	_, ok := l.LookupType("struct slab")
	require.True(t, ok)

	_, err = LoadLayoutFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestLayers(t *testing.T) {
	over, err := ParseLayout([]byte(`
symbols:
  slab_caches: {addr: 0x1000}
types:
  - name: struct list_head
    size: 16
    fields:
      - {name: next, offset: 8, type: struct list_head *}
`))
	require.NoError(t, err)
	base, err := ParseLayout([]byte(testLayout))
	require.NoError(t, err)
	ls := Layers{over, base}

	lh, ok := ls.LookupType("struct list_head")
	require.True(t, ok)
	next, _ := lh.Field("next")
	require.Equal(t, int64(8), next.Offset)

	_, ok = ls.LookupType("struct kmem_cache")
	require.True(t, ok)

	// address from the first layer, type from the second
	sym, ok := ls.LookupSymbol("slab_caches")
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), sym.Addr)
	require.Equal(t, "struct list_head", sym.Type.Name)

	_, ok = ls.LookupType("struct page")
	require.False(t, ok)
}

func TestLayoutWithAccessor(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout))
	require.NoError(t, err)
	a := kmem.New(nil, l, kmem.Config{})

	p, err := a.ResolveType("kmem_cache *")
	require.NoError(t, err)
	require.Equal(t, "struct kmem_cache", p.Elem().Name)

	_, err = a.ResolveType("struct page")
	var ute *kmem.UnknownTypeError
	require.True(t, errors.As(err, &ute))
}
