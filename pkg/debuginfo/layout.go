package debuginfo

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/kmemscope/kmemscope/pkg/kmem"
)

// A layout file describes types and symbols by hand, for targets without
// debug information or to override what DWARF says:
//
//	symbols:
//	  slab_caches: {addr: 0xffffffff82a4b8e0, type: struct list_head}
//	  nr_cpu_ids: {addr: 0xffffffff8305a4e8, type: unsigned int}
//	types:
//	  - name: struct list_head
//	    size: 16
//	    fields:
//	      - {name: next, offset: 0, type: struct list_head *}
//	      - {name: prev, offset: 8, type: struct list_head *}
//
// Field types are a type name, optionally followed by '*'s or by an array
// count in brackets ("char[24]"). Bitfields set bit_offset (from the least
// significant bit) and bit_size.
type layoutFile struct {
	Symbols map[string]layoutSymbol `yaml:"symbols"`
	Types   []layoutType            `yaml:"types"`
}

type layoutSymbol struct {
	Addr Addr   `yaml:"addr"`
	Type string `yaml:"type"`
}

type layoutType struct {
	Name   string        `yaml:"name"`
	Kind   string        `yaml:"kind"`
	Size   int64         `yaml:"size"`
	Fields []layoutField `yaml:"fields"`
}

type layoutField struct {
	Name      string `yaml:"name"`
	Offset    int64  `yaml:"offset"`
	Type      string `yaml:"type"`
	BitOffset int64  `yaml:"bit_offset"`
	BitSize   int64  `yaml:"bit_size"`
}

// Addr is an address in a layout file, written in decimal or hexadecimal.
type Addr uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	*a = Addr(n)
	return nil
}

// Layout is debug metadata read from a layout file. It implements
// kmem.Debuginfo.
type Layout struct {
	decls   map[string]*layoutType
	types   map[string]*kmem.Type
	symbols map[string]layoutSymbol
	// resolving detects structs that contain themselves by value.
	resolving map[string]bool
}

var _ kmem.Debuginfo = &Layout{}

var basicTypes = []*kmem.Type{
	kmem.VoidType,
	kmem.NewBasic("char", kmem.Int, 1),
	kmem.NewBasic("signed char", kmem.Int, 1),
	kmem.NewBasic("unsigned char", kmem.Uint, 1),
	kmem.NewBasic("short", kmem.Int, 2),
	kmem.NewBasic("unsigned short", kmem.Uint, 2),
	kmem.NewBasic("int", kmem.Int, 4),
	kmem.NewBasic("unsigned int", kmem.Uint, 4),
	kmem.NewBasic("long", kmem.Int, 8),
	kmem.UnsignedLong,
	kmem.NewBasic("long long", kmem.Int, 8),
	kmem.NewBasic("unsigned long long", kmem.Uint, 8),
	kmem.NewBasic("_Bool", kmem.Bool, 1),
	kmem.NewBasic("u8", kmem.Uint, 1),
	kmem.NewBasic("u16", kmem.Uint, 2),
	kmem.NewBasic("u32", kmem.Uint, 4),
	kmem.NewBasic("u64", kmem.Uint, 8),
	kmem.NewBasic("s8", kmem.Int, 1),
	kmem.NewBasic("s16", kmem.Int, 2),
	kmem.NewBasic("s32", kmem.Int, 4),
	kmem.NewBasic("s64", kmem.Int, 8),
}

// LoadLayoutFile reads a YAML layout file.
func LoadLayoutFile(path string) (*Layout, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ParseLayout(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return l, nil
}

// ParseLayout parses the contents of a layout file. Every type reference
// is checked, so that errors are reported at load time.
func ParseLayout(data []byte) (*Layout, error) {
	var lf layoutFile
	if err := yaml.UnmarshalStrict(data, &lf); err != nil {
		return nil, err
	}
	l := &Layout{
		decls:     make(map[string]*layoutType),
		types:     make(map[string]*kmem.Type),
		symbols:   lf.Symbols,
		resolving: make(map[string]bool),
	}
	for _, t := range basicTypes {
		l.types[t.Name] = t
	}
	for i := range lf.Types {
		lt := &lf.Types[i]
		if lt.Name == "" {
			return nil, fmt.Errorf("type %d has no name", i)
		}
		if _, dup := l.decls[lt.Name]; dup {
			return nil, fmt.Errorf("type %q declared twice", lt.Name)
		}
		l.decls[lt.Name] = lt
	}
	for name := range l.decls {
		if _, err := l.resolve(name); err != nil {
			return nil, err
		}
	}
	for name, sym := range l.symbols {
		if sym.Type == "" {
			continue
		}
		if _, err := l.resolve(sym.Type); err != nil {
			return nil, fmt.Errorf("symbol %s: %v", name, err)
		}
	}
	return l, nil
}

// resolve returns the type denoted by a type reference.
func (l *Layout) resolve(ref string) (*kmem.Type, error) {
	ref = strings.TrimSpace(ref)
	if t, ok := l.types[ref]; ok {
		return t, nil
	}
	switch {
	case strings.HasSuffix(ref, "*"):
		elemName := strings.TrimSuffix(ref, "*")
		if _, err := l.check(elemName); err != nil {
			return nil, err
		}
		t := kmem.NewPointer(ref, func() *kmem.Type {
			elem, _ := l.resolve(elemName)
			return elem
		})
		l.types[ref] = t
		return t, nil

	case strings.HasSuffix(ref, "]"):
		open := strings.LastIndexByte(ref, '[')
		if open < 0 {
			return nil, fmt.Errorf("malformed type %q", ref)
		}
		count, err := strconv.ParseInt(ref[open+1:len(ref)-1], 0, 64)
		if err != nil || count < 0 {
			return nil, fmt.Errorf("malformed array count in %q", ref)
		}
		elem, err := l.resolve(ref[:open])
		if err != nil {
			return nil, err
		}
		t := kmem.NewArray(ref, elem, count)
		l.types[ref] = t
		return t, nil
	}

	decl, ok := l.decls[ref]
	if !ok {
		return nil, &kmem.UnknownTypeError{Name: ref}
	}
	if l.resolving[ref] {
		return nil, fmt.Errorf("type %q contains itself", ref)
	}
	l.resolving[ref] = true
	defer delete(l.resolving, ref)

	kind := kmem.Struct
	switch {
	case decl.Kind == "union" || (decl.Kind == "" && strings.HasPrefix(ref, "union ")):
		kind = kmem.Union
	case decl.Kind != "" && decl.Kind != "struct":
		return nil, fmt.Errorf("type %q: unknown kind %q", ref, decl.Kind)
	}
	fields := make([]*kmem.Field, 0, len(decl.Fields))
	for _, lf := range decl.Fields {
		ft, err := l.resolve(lf.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %v", ref, lf.Name, err)
		}
		if lf.BitSize == 0 && lf.Offset+ft.Size > decl.Size {
			return nil, fmt.Errorf("%s.%s: member extends past the end of the type", ref, lf.Name)
		}
		fields = append(fields, &kmem.Field{
			Name:      lf.Name,
			Type:      ft,
			Offset:    lf.Offset,
			BitOffset: lf.BitOffset,
			BitSize:   lf.BitSize,
		})
	}
	t := kmem.NewStruct(ref, kind, decl.Size, fields)
	l.types[ref] = t
	return t, nil
}

// check verifies that a pointer element names a known type without
// resolving it, so that self referential types can be declared.
func (l *Layout) check(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	for strings.HasSuffix(ref, "*") {
		ref = strings.TrimSpace(strings.TrimSuffix(ref, "*"))
	}
	if _, ok := l.types[ref]; ok {
		return ref, nil
	}
	if _, ok := l.decls[ref]; ok {
		return ref, nil
	}
	if strings.HasSuffix(ref, "]") {
		return ref, nil
	}
	return ref, &kmem.UnknownTypeError{Name: ref}
}

// LookupType implements kmem.Debuginfo.
func (l *Layout) LookupType(name string) (*kmem.Type, bool) {
	t, err := l.resolve(name)
	if err != nil {
		return nil, false
	}
	return t, true
}

// LookupSymbol implements kmem.Debuginfo.
func (l *Layout) LookupSymbol(name string) (kmem.Symbol, bool) {
	sym, ok := l.symbols[name]
	if !ok {
		return kmem.Symbol{}, false
	}
	r := kmem.Symbol{Name: name, Addr: uint64(sym.Addr)}
	if sym.Type != "" {
		r.Type, _ = l.resolve(sym.Type)
	}
	return r, true
}
