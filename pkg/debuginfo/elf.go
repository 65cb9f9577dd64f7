// Package debuginfo loads type layouts and symbols of a target, either
// from the DWARF sections and symbol table of an ELF image (vmlinux, a
// module, a user binary) or from a hand written YAML layout file.
package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/logflags"
)

// ErrUnsupportedArch is returned for ELF images that are not little endian
// 64-bit.
var ErrUnsupportedArch = errors.New("unsupported architecture, only little endian 64-bit images are supported")

// ErrNoDebugInfo is returned by LoadELF when neither the image nor any
// separate debug file has DWARF data. Symbols are still loaded.
var ErrNoDebugInfo = errors.New("could not find DWARF data")

// ELF is the debug metadata of an ELF image. It implements kmem.Debuginfo.
type ELF struct {
	Path string

	dwarf *dwarf.Data

	// types maps C type names ("struct page", "size_t") to DWARF offsets.
	types map[string]dwarf.Offset
	// vars maps global variable names to the DWARF offset of their type.
	vars    map[string]dwarf.Offset
	symbols map[string]uint64

	conv *converter
	log  *logrus.Entry
}

var _ kmem.Debuginfo = &ELF{}

// LoadELF reads the symbol table and DWARF data of the ELF image at path.
// When the image has been stripped of its debug sections, debugDirs are
// searched for a separate debug file, by build id and by .gnu_debuglink.
//
// If no DWARF data can be found the returned *ELF is still usable for
// symbol lookups and the error is ErrNoDebugInfo.
func LoadELF(path string, debugDirs ...string) (*ELF, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, ErrUnsupportedArch
	}

	e := &ELF{
		Path:    path,
		types:   make(map[string]dwarf.Offset),
		vars:    make(map[string]dwarf.Offset),
		symbols: make(map[string]uint64),
		log:     logflags.KmemLogger(),
	}
	e.loadSymbols(f)

	e.dwarf, err = f.DWARF()
	if err != nil || !hasDebugInfo(f) {
		e.dwarf = nil
		if sep := findSeparateDebugInfo(f, path, debugDirs); sep != "" {
			e.log.Debugf("loading debug info from %s", sep)
			e.dwarf, err = loadSeparateDWARF(sep)
			if err != nil {
				return e, fmt.Errorf("could not load %s: %v", sep, err)
			}
		}
	}
	if e.dwarf == nil {
		return e, ErrNoDebugInfo
	}
	e.conv = newConverter(e.dwarf)
	if err := e.index(); err != nil {
		return e, err
	}
	e.log.Debugf("%s: %d types, %d variables, %d symbols", path, len(e.types), len(e.vars), len(e.symbols))
	return e, nil
}

func hasDebugInfo(f *elf.File) bool {
	return f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil
}

func (e *ELF) loadSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil {
		e.log.Debugf("could not read symbol table: %v", err)
		return
	}
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_OBJECT, elf.STT_FUNC, elf.STT_NOTYPE, elf.STT_TLS:
		default:
			continue
		}
		// prefer global definitions over file local statics of the same name
		if _, dup := e.symbols[s.Name]; dup && elf.ST_BIND(s.Info) == elf.STB_LOCAL {
			continue
		}
		e.symbols[s.Name] = s.Value
	}
}

// findSeparateDebugInfo returns the path of the debug file of f found in
// dirs, or the empty string.
func findSeparateDebugInfo(f *elf.File, path string, dirs []string) string {
	var candidates []string
	if id := buildID(f); len(id) > 1 {
		h := hex.EncodeToString(id)
		for _, dir := range dirs {
			candidates = append(candidates, filepath.Join(dir, ".build-id", h[:2], h[2:]+".debug"))
		}
	}
	if link := debugLink(f); link != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(path), link))
		for _, dir := range dirs {
			candidates = append(candidates, filepath.Join(dir, link))
		}
	}
	for _, dir := range dirs {
		candidates = append(candidates, filepath.Join(dir, filepath.Base(path)+".debug"))
	}
	for _, c := range candidates {
		if c == path {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// buildID returns the descriptor of the NT_GNU_BUILD_ID note.
func buildID(f *elf.File) []byte {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 {
		return nil
	}
	namesz := f.ByteOrder.Uint32(data[0:])
	descsz := f.ByteOrder.Uint32(data[4:])
	off := 12 + (namesz+3)&^3
	if uint32(len(data)) < off+descsz {
		return nil
	}
	return data[off : off+descsz]
}

func debugLink(f *elf.File) string {
	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

func loadSeparateDWARF(path string) (*dwarf.Data, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.DWARF()
}

// index records the names of all types and global variables.
func (e *ELF) index() error {
	rdr := e.dwarf.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return fmt.Errorf("could not read DWARF: %v", err)
		}
		if entry == nil {
			return nil
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		decl, _ := entry.Val(dwarf.AttrDeclaration).(bool)
		switch entry.Tag {
		case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagEnumerationType, dwarf.TagTypedef, dwarf.TagBaseType:
			if name == "" || decl {
				break
			}
			key := name
			switch entry.Tag {
			case dwarf.TagStructType:
				key = "struct " + name
			case dwarf.TagUnionType:
				key = "union " + name
			case dwarf.TagEnumerationType:
				key = "enum " + name
			}
			if _, dup := e.types[key]; !dup {
				e.types[key] = entry.Offset
			}
		case dwarf.TagVariable:
			if name == "" {
				break
			}
			if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
				if _, dup := e.vars[name]; !dup || !decl {
					e.vars[name] = off
				}
			}
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit, dwarf.TagNamespace:
		default:
			// only top level entries are interesting
			if entry.Children {
				rdr.SkipChildren()
			}
		}
	}
}

// LookupType implements kmem.Debuginfo.
func (e *ELF) LookupType(name string) (*kmem.Type, bool) {
	off, ok := e.types[name]
	if !ok {
		return nil, false
	}
	t, err := e.conv.typeAt(off)
	if err != nil {
		e.log.Debugf("could not convert %s: %v", name, err)
		return nil, false
	}
	return t, true
}

// LookupSymbol implements kmem.Debuginfo.
func (e *ELF) LookupSymbol(name string) (kmem.Symbol, bool) {
	addr, ok := e.symbols[name]
	if !ok {
		return kmem.Symbol{}, false
	}
	sym := kmem.Symbol{Name: name, Addr: addr}
	if off, ok := e.vars[name]; ok && e.conv != nil {
		t, err := e.conv.typeAt(off)
		if err == nil {
			sym.Type = t
		}
	}
	return sym, true
}

// Types returns the names of all named types.
func (e *ELF) Types() []string {
	r := make([]string, 0, len(e.types))
	for name := range e.types {
		r = append(r, name)
	}
	return r
}
