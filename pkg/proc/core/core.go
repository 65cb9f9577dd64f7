// Package core reads target memory out of ELF core files: kernel crash
// dumps (vmcore), /proc/kcore of the running kernel, and process cores.
package core

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/kmemscope/kmemscope/pkg/proc"
)

const elfErrorBadMagicNumber = "bad magic number"

// ErrUnrecognizedFormat is returned when the core file is not recognized as
// any of the supported formats.
var ErrUnrecognizedFormat = errors.New("unrecognized core format")

// Core is a target backed by a core file.
type Core struct {
	path  string
	files []*os.File
	mem   *proc.SplicedMemory

	closed bool
}

var _ proc.Target = &Core{}

// Open opens the core file at corePath. If exePath is not empty the
// loadable segments of that executable (for a kernel, vmlinux) are mapped
// first, so that data missing from the core falls back to the image.
func Open(corePath, exePath string) (*Core, error) {
	c := &Core{path: corePath, mem: &proc.SplicedMemory{}}

	var exeELF *elf.File
	if exePath != "" {
		f, ef, err := openELF(exePath)
		if err != nil {
			return nil, err
		}
		c.files = append(c.files, f)
		if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
			c.Detach()
			return nil, fmt.Errorf("%s is not an executable", exePath)
		}
		exeELF = ef
	}

	f, coreELF, err := openELF(corePath)
	if err != nil {
		c.Detach()
		return nil, err
	}
	c.files = append(c.files, f)
	if coreELF.Type != elf.ET_CORE {
		c.Detach()
		return nil, fmt.Errorf("%s is not a core file", corePath)
	}

	// Load memory segments from exe and then from the core file,
	// allowing the corefile to overwrite previously loaded segments
	for _, elfFile := range []*elf.File{exeELF, coreELF} {
		if elfFile == nil {
			continue
		}
		addLoadSegments(c.mem, elfFile)
	}
	return c, nil
}

func openELF(path string) (*os.File, *elf.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		if _, isfmterr := err.(*elf.FormatError); isfmterr && (strings.Contains(err.Error(), elfErrorBadMagicNumber) || strings.Contains(err.Error(), " at offset 0x0: too short")) {
			return nil, nil, ErrUnrecognizedFormat
		}
		return nil, nil, err
	}
	return f, ef, nil
}

func addLoadSegments(mem *proc.SplicedMemory, ef *elf.File) {
	log := logflags.TargetLogger()
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		log.Debugf("segment %#x-%#x (file offset %#x)", prog.Vaddr, prog.Vaddr+prog.Filesz, prog.Off)
		r := &proc.OffsetReaderAt{
			Reader: prog.ReaderAt,
			Offset: prog.Vaddr,
		}
		mem.Add(r, prog.Vaddr, prog.Filesz)
	}
}

// ReadMemory implements proc.MemoryReader.
func (c *Core) ReadMemory(buf []byte, addr uint64) (int, error) {
	if c.closed {
		return 0, proc.ErrTargetDetached
	}
	return c.mem.ReadMemory(buf, addr)
}

// Valid implements proc.Target. A core never runs so it is readable
// until it is closed.
func (c *Core) Valid() (bool, error) {
	if c.closed {
		return false, proc.ErrTargetDetached
	}
	return true, nil
}

// Detach closes the underlying files.
func (c *Core) Detach() error {
	c.closed = true
	var firstErr error
	for _, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.files = nil
	return firstErr
}

// Description implements proc.Target.
func (c *Core) Description() string {
	return "core file " + c.path
}
