package debuginfo

import (
	"debug/dwarf"
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/kmem"
)

// fixtureNode is looked up in the DWARF data of the test binary.
type fixtureNode struct {
	Val  uint32
	Ok   bool
	Next *fixtureNode
	Name [12]byte
	Neg  int16
}

var fixtureRoot = &fixtureNode{Val: 1, Next: &fixtureNode{Val: 2}}

const fixtureName = "struct github.com/kmemscope/kmemscope/pkg/debuginfo.fixtureNode"

func loadSelf(t *testing.T) *ELF {
	exe, err := os.Executable()
	require.NoError(t, err)
	e, err := LoadELF(exe)
	if errors.Is(err, ErrNoDebugInfo) || errors.Is(err, ErrUnsupportedArch) {
		t.Skipf("test binary can not be used: %v", err)
	}
	require.NoError(t, err)
	return e
}

func TestLoadELFTypes(t *testing.T) {
	e := loadSelf(t)
	require.NotNil(t, fixtureRoot.Next)

	typ, ok := e.LookupType(fixtureName)
	if !ok {
		t.Skip("fixture type not in DWARF")
	}
	require.Equal(t, kmem.Struct, typ.Kind)
	require.Equal(t, int64(unsafe.Sizeof(fixtureNode{})), typ.Size)

	var n fixtureNode
	for _, tc := range []struct {
		name string
		off  uintptr
		kind kmem.Kind
	}{
		{"Val", unsafe.Offsetof(n.Val), kmem.Uint},
		{"Ok", unsafe.Offsetof(n.Ok), kmem.Bool},
		{"Next", unsafe.Offsetof(n.Next), kmem.Pointer},
		{"Name", unsafe.Offsetof(n.Name), kmem.Array},
		{"Neg", unsafe.Offsetof(n.Neg), kmem.Int},
	} {
		f, ok := typ.Field(tc.name)
		require.True(t, ok, tc.name)
		require.Equal(t, int64(tc.off), f.Offset, tc.name)
		require.Equal(t, tc.kind, f.Type.Kind, tc.name)
	}

	next, _ := typ.Field("Next")
	require.Same(t, typ, next.Type.Elem())
	name, _ := typ.Field("Name")
	require.Equal(t, int64(12), name.Type.Count)

	// converted once
	again, _ := e.LookupType(fixtureName)
	require.Same(t, typ, again)

	_, ok = e.LookupType("struct does_not_exist")
	require.False(t, ok)
	require.NotEmpty(t, e.Types())
}

func TestLoadELFSymbols(t *testing.T) {
	e := loadSelf(t)
	sym, ok := e.LookupSymbol("github.com/kmemscope/kmemscope/pkg/debuginfo.fixtureRoot")
	if !ok {
		t.Skip("symbol table stripped")
	}
	require.NotZero(t, sym.Addr)
	if sym.Type != nil {
		require.Equal(t, kmem.Pointer, sym.Type.Kind)
	}

	_, ok = e.LookupSymbol("does_not_exist")
	require.False(t, ok)
}

func TestLoadELFNotELF(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notelf")
	require.NoError(t, err)
	f.WriteString("this is not an ELF file")
	f.Close()
	_, err = LoadELF(f.Name())
	require.Error(t, err)
}

func TestNormalizeBitfield(t *testing.T) {
	u32 := &dwarf.UintType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 4, Name: "unsigned int"}}}
	for _, tc := range []struct {
		name          string
		in            dwarf.StructField
		off, bit, len int64
	}{
		// struct { unsigned int a:3, b:5, c:20; } compiled with DWARF 4
		{"dwarf4 first", dwarf.StructField{Type: u32, BitSize: 3, DataBitOffset: 0}, 0, 0, 3},
		{"dwarf4 second", dwarf.StructField{Type: u32, BitSize: 5, DataBitOffset: 3}, 0, 3, 5},
		{"dwarf4 third", dwarf.StructField{Type: u32, BitSize: 20, DataBitOffset: 8}, 1, 0, 20},
		// the same struct with DWARF 2 bit offsets, counted from the MSB
		{"dwarf2 first", dwarf.StructField{Type: u32, ByteSize: 4, BitSize: 3, BitOffset: 29}, 0, 0, 3},
		{"dwarf2 second", dwarf.StructField{Type: u32, ByteSize: 4, BitSize: 5, BitOffset: 24}, 0, 3, 5},
		{"dwarf2 third", dwarf.StructField{Type: u32, ByteSize: 4, BitSize: 20, BitOffset: 4}, 1, 0, 20},
		{"dwarf2 member offset", dwarf.StructField{Type: u32, ByteOffset: 8, ByteSize: 4, BitSize: 1, BitOffset: 0}, 11, 7, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.in
			f := &kmem.Field{Offset: in.ByteOffset}
			normalizeBitfield(f, &in)
			require.Equal(t, tc.off, f.Offset)
			require.Equal(t, tc.bit, f.BitOffset)
			require.Equal(t, tc.len, f.BitSize)
		})
	}
}
