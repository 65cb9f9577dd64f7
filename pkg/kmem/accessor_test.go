package kmem_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/kmem/kmemtest"
)

// sample is
//
//	struct sample {
//		unsigned char flags;
//		int delta;
//		unsigned long count;
//		struct sample *self;
//		char name[8];
//		unsigned int a : 3;
//		int b : 5;
//		union { unsigned int x; unsigned long y; };
//	};
func sampleType() *kmem.Type {
	var s *kmem.Type
	self := kmem.NewPointer("struct sample *", func() *kmem.Type { return s })
	u := kmemtest.Union("", 8, kmemtest.F("x", 0, kmemtest.UInt), kmemtest.F("y", 0, kmemtest.ULong))
	s = kmemtest.Struct("struct sample", 48,
		kmemtest.F("flags", 0, kmemtest.UChar),
		kmemtest.F("delta", 4, kmemtest.Int),
		kmemtest.F("count", 8, kmemtest.ULong),
		kmemtest.F("self", 16, self),
		kmemtest.F("name", 24, kmem.NewArray("", kmemtest.Char, 8)),
		kmemtest.Bits("a", 32, kmemtest.UInt, 0, 3),
		kmemtest.Bits("b", 32, kmemtest.Int, 3, 5),
		kmemtest.F("", 40, u),
	)
	return s
}

func writeSample(tgt *kmemtest.Target) uint64 {
	addr := tgt.Mem.Alloc(48)
	tgt.Mem.PutUint(addr, 1, 0x81)
	tgt.Mem.PutUint(addr+4, 4, uint64(uint32(0xfffffffb)))
	tgt.Mem.PutUint(addr+8, 8, 123456789)
	tgt.Mem.PutPointer(addr+16, addr)
	tgt.Mem.PutBytes(addr+24, []byte("dentry\x00"))
	tgt.Mem.PutUint(addr+32, 1, 0xed) // a = 5, b = -3
	tgt.Mem.PutUint(addr+40, 8, 0x1122334455667788)
	return addr
}

func TestReadFieldOffsets(t *testing.T) {
	tgt := kmemtest.New()
	st := tgt.Info.AddType(sampleType())
	addr := writeSample(tgt)
	a := tgt.Accessor(kmem.Config{})

	check := func(v kmem.Value) {
		t.Helper()
		field := func(name string) kmem.Value {
			t.Helper()
			fv, err := a.ReadField(v, name)
			require.NoError(t, err, name)
			f, _ := st.Field(name)
			require.Equal(t, addr+uint64(f.Offset), fv.Addr, name)
			return fv
		}
		require.Equal(t, uint64(0x81), field("flags").Uint64())
		require.Equal(t, int64(-5), field("delta").Int64())
		require.Equal(t, uint64(123456789), field("count").Uint64())
		require.Equal(t, addr, field("self").Pointer())
		require.Equal(t, "dentry", field("name").CString())
		require.Equal(t, uint64(5), field("a").Uint64())
		require.Equal(t, int64(-3), field("b").Int64())
		require.Equal(t, uint64(0x55667788), field("x").Uint64())
		require.Equal(t, uint64(0x1122334455667788), field("y").Uint64())
	}

	// cast from an untyped address, every member read from the target
	typ, err := a.ResolveType("sample")
	require.NoError(t, err)
	v := a.Cast(kmem.At(addr, kmemtest.ULong), typ)
	require.False(t, v.Loaded())
	check(v)

	// the same members sliced out of a loaded object
	v, err = a.Load(v)
	require.NoError(t, err)
	require.True(t, v.Loaded())
	check(v)
}

func TestResolveType(t *testing.T) {
	tgt := kmemtest.New()
	st := tgt.Info.AddType(sampleType())
	a := tgt.Accessor(kmem.Config{})

	for _, name := range []string{"struct sample", "sample", " sample "} {
		typ, err := a.ResolveType(name)
		require.NoError(t, err)
		require.Same(t, st, typ)
	}

	p, err := a.ResolveType("struct sample *")
	require.NoError(t, err)
	require.Equal(t, kmem.Pointer, p.Kind)
	require.Same(t, st, p.Elem())
	require.Same(t, st.PointerTo(), p)

	pp, err := a.ResolveType("sample **")
	require.NoError(t, err)
	require.Same(t, p, pp.Elem())

	_, err = a.ResolveType("struct inode")
	var ute *kmem.UnknownTypeError
	require.True(t, errors.As(err, &ute))
	require.Equal(t, "struct inode", ute.Name)

	_, err = a.ResolveType("inode *")
	require.True(t, errors.As(err, &ute))
}

func TestResolveSymbol(t *testing.T) {
	tgt := kmemtest.New()
	tgt.Info.AddSymbol("jiffies", 0xffffffff81000000, nil)
	tgt.Info.AddSymbol("init_task", 0xffffffff82000000, kmemtest.Long)
	a := tgt.Accessor(kmem.Config{SymbolOffset: 0x1c000000})

	v, err := a.ResolveSymbol("jiffies")
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffff9d000000), v.Addr)
	require.Equal(t, "unsigned long", v.Type.Name)

	v, err = a.ResolveSymbol("init_task")
	require.NoError(t, err)
	require.Same(t, kmemtest.Long, v.Type)

	_, err = a.ResolveSymbol("slab_caches")
	var use *kmem.UnknownSymbolError
	require.True(t, errors.As(err, &use))
	require.Equal(t, "slab_caches", use.Name)
}

func TestReadFieldErrors(t *testing.T) {
	tgt := kmemtest.New()
	st := tgt.Info.AddType(sampleType())
	addr := writeSample(tgt)
	a := tgt.Accessor(kmem.Config{})

	_, err := a.ReadField(kmem.At(addr, st), "Count")
	var nsf *kmem.NoSuchFieldError
	require.True(t, errors.As(err, &nsf))
	require.Equal(t, "Count", nsf.Field)
	require.Equal(t, "struct sample", nsf.Type)

	_, err = a.ReadField(kmem.At(0x1000, st), "count")
	var ume *kmem.UnreadableMemoryError
	require.True(t, errors.As(err, &ume))
	require.Equal(t, uint64(0x1008), ume.Addr)
	require.Equal(t, int64(8), ume.Size)

	tgt.Mem.Unmap(addr)
	_, err = a.ReadField(kmem.At(addr, st), "count")
	require.True(t, errors.As(err, &ume))
}

func TestDeref(t *testing.T) {
	tgt := kmemtest.New()
	st := tgt.Info.AddType(sampleType())
	addr := writeSample(tgt)
	a := tgt.Accessor(kmem.Config{})

	self, err := a.ReadField(kmem.At(addr, st), "self")
	require.NoError(t, err)
	obj, err := a.Deref(self)
	require.NoError(t, err)
	require.True(t, obj.Equal(kmem.At(addr, st)))

	// p->count
	n, err := a.FieldUint(self, "count")
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), n)

	tgt.Mem.PutPointer(addr+16, 0)
	self, err = a.ReadField(kmem.At(addr, st), "self")
	require.NoError(t, err)
	obj, err = a.Deref(self)
	require.NoError(t, err)
	require.True(t, obj.IsNull())
	require.Same(t, st, obj.Type)

	_, err = a.ReadField(self, "count")
	var ume *kmem.UnreadableMemoryError
	require.True(t, errors.As(err, &ume))

	_, err = a.Deref(kmem.At(addr, st))
	require.Error(t, err)
}

func TestFieldString(t *testing.T) {
	tgt := kmemtest.New()
	charp := kmemtest.Char.PointerTo()
	typ := kmemtest.Struct("struct kmem_cache", 24,
		kmemtest.F("name", 0, charp),
		kmemtest.F("short_name", 8, kmem.NewArray("", kmemtest.Char, 16)))
	addr := tgt.Mem.Alloc(24)
	tgt.Mem.PutPointer(addr, tgt.Mem.String("kmalloc-64"))
	tgt.Mem.PutBytes(addr+8, []byte("k64\x00"))
	a := tgt.Accessor(kmem.Config{})

	s, err := a.FieldString(kmem.At(addr, typ), "name")
	require.NoError(t, err)
	require.Equal(t, "kmalloc-64", s)

	s, err = a.FieldString(kmem.At(addr, typ), "short_name")
	require.NoError(t, err)
	require.Equal(t, "k64", s)

	tgt.Mem.PutPointer(addr, 0)
	s, err = a.FieldString(kmem.At(addr, typ), "name")
	require.NoError(t, err)
	require.Equal(t, "", s)
}

type countingReader struct {
	*kmemtest.Memory
	reads int
}

func (c *countingReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	c.reads++
	return c.Memory.ReadMemory(buf, addr)
}

func TestReadCString(t *testing.T) {
	const page = 0xffff888000200000
	mem := kmemtest.NewMemory()
	mem.Map(page, 0x1000)
	long := "kmalloc-rcl-128-with-a-name-longer-than-one-chunk-of-sixty-four-bytes"
	mem.PutBytes(page+0x10, append([]byte(long), 0))
	mem.PutBytes(page+0x1000-8, []byte("abcdefg\x00"))

	cr := &countingReader{Memory: mem}
	a := kmem.New(cr, kmemtest.NewDebuginfo(), kmem.Config{})

	s, err := a.ReadCString(page+0x10, kmem.MaxStringLen)
	require.NoError(t, err)
	require.Equal(t, long, s)
	require.Equal(t, 1, cr.reads)

	s, err = a.ReadCString(page+0x10, 7)
	require.NoError(t, err)
	require.Equal(t, "kmalloc", s)

	s, err = a.ReadCString(page+0x1000-8, kmem.MaxStringLen)
	require.NoError(t, err)
	require.Equal(t, "abcdefg", s)

	// the string runs into an unmapped page
	mem.PutBytes(page+0x1000-4, []byte("wxyz"))
	s, err = a.ReadCString(page+0x1000-4, kmem.MaxStringLen)
	require.Error(t, err)
	require.Equal(t, "wxyz", s)

	s, err = a.ReadCString(0, kmem.MaxStringLen)
	require.NoError(t, err)
	require.Equal(t, "", s)
}

func TestContainerOf(t *testing.T) {
	tgt := kmemtest.New()
	st := tgt.Info.AddType(sampleType())
	addr := writeSample(tgt)
	a := tgt.Accessor(kmem.Config{})

	v, err := a.ContainerOf(addr+8, st, "count")
	require.NoError(t, err)
	require.True(t, v.Equal(kmem.At(addr, st)))

	// promoted member of the anonymous union
	v, err = a.ContainerOf(addr+40, st, "y")
	require.NoError(t, err)
	require.Equal(t, addr, v.Addr)

	_, err = a.ContainerOf(addr+8, st, "list")
	var nsf *kmem.NoSuchFieldError
	require.True(t, errors.As(err, &nsf))
}

func TestCastKeepsAddress(t *testing.T) {
	tgt := kmemtest.New()
	st := tgt.Info.AddType(sampleType())
	addr := writeSample(tgt)
	a := tgt.Accessor(kmem.Config{})

	v, err := a.Load(kmem.At(addr, st))
	require.NoError(t, err)
	c := a.Cast(v, kmemtest.ULong)
	require.Equal(t, addr, c.Addr)
	require.True(t, c.Loaded())
	require.Equal(t, uint64(0xfffffffb00000081), c.Uint64())

	// casting to a larger type drops the loaded bytes
	big := kmemtest.Struct("struct big", 4096)
	require.False(t, a.Cast(v, big).Loaded())
}

func TestFormat(t *testing.T) {
	tgt := kmemtest.New()
	var node *kmem.Type
	next := kmem.NewPointer("struct node *", func() *kmem.Type { return node })
	node = kmemtest.Struct("struct node", 24,
		kmemtest.F("val", 0, kmemtest.Int),
		kmemtest.F("next", 8, next),
		kmemtest.F("name", 16, kmemtest.Char.PointerTo()))
	addr := tgt.Mem.Alloc(24)
	tgt.Mem.PutUint(addr, 4, 7)
	tgt.Mem.PutPointer(addr+16, tgt.Mem.String("head"))
	a := tgt.Accessor(kmem.Config{})

	s, err := a.SinglelineString(kmem.At(addr, node))
	require.NoError(t, err)
	require.Regexp(t, `^\{val = 7, next = 0x0, name = 0x[0-9a-f]+ "head"\}$`, s)

	s, err = a.MultilineString(kmem.At(addr, node))
	require.NoError(t, err)
	require.Contains(t, s, "\n    val = 7,\n")

	require.Contains(t, kmem.TypeString(node), "struct node *next;")
}
