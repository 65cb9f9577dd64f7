package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/proc"
)

type segment struct {
	vaddr uint64
	data  []byte
}

// writeCore writes a minimal little endian ELF64 file of type typ with one
// PT_LOAD program header per segment.
func writeCore(t *testing.T, typ elf.Type, segs []segment) string {
	var buf bytes.Buffer
	hdrSize := binary.Size(elf.Header64{})
	phSize := binary.Size(elf.Prog64{})

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     uint64(hdrSize),
		Ehsize:    uint16(hdrSize),
		Phentsize: uint16(phSize),
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&buf, binary.LittleEndian, hdr)

	off := uint64(hdrSize + phSize*len(segs))
	for _, s := range segs {
		binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R),
			Off:    off,
			Vaddr:  s.vaddr,
			Filesz: uint64(len(s.data)),
			Memsz:  uint64(len(s.data)),
			Align:  1,
		})
		off += uint64(len(s.data))
	}
	for _, s := range segs {
		buf.Write(s.data)
	}

	path := filepath.Join(t.TempDir(), "core")
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func TestOpenCore(t *testing.T) {
	path := writeCore(t, elf.ET_CORE, []segment{
		{0xffff888000000000, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{0xffffffff82000000, []byte{0xaa, 0xbb}},
	})

	c, err := Open(path, "")
	require.NoError(t, err)
	defer c.Detach()

	buf := make([]byte, 4)
	_, err = proc.ReadFull(c, buf, 0xffff888000000002)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4, 5, 6}, buf)

	_, err = proc.ReadFull(c, buf[:2], 0xffffffff82000000)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, buf[:2])

	_, err = c.ReadMemory(buf, 0x1000)
	require.Error(t, err)

	ok, err := c.Valid()
	require.True(t, ok)
	require.NoError(t, err)
	require.NoError(t, c.Detach())
	ok, err = c.Valid()
	require.False(t, ok)
	require.Equal(t, proc.ErrTargetDetached, err)
}

func TestCoreOverridesImage(t *testing.T) {
	exe := writeCore(t, elf.ET_EXEC, []segment{{0x1000, []byte{1, 1, 1, 1}}})
	core := writeCore(t, elf.ET_CORE, []segment{{0x1002, []byte{9, 9}}})

	c, err := Open(core, exe)
	require.NoError(t, err)
	defer c.Detach()

	buf := make([]byte, 4)
	_, err = proc.ReadFull(c, buf, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1, 9, 9}, buf)
}

func TestOpenNotACore(t *testing.T) {
	exe := writeCore(t, elf.ET_EXEC, nil)
	_, err := Open(exe, "")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, ioutil.WriteFile(path, []byte("definitely not an elf file"), 0600))
	_, err = Open(path, "")
	require.Equal(t, ErrUnrecognizedFormat, err)
}
