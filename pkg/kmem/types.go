package kmem

import (
	"fmt"
	"strings"
	"sync"
)

// Kind is the broad category of a Type.
type Kind uint8

const (
	Invalid Kind = iota
	Void
	Bool
	Int
	Uint
	Float
	Enum
	Pointer
	Array
	Struct
	Union
	Func
)

func (k Kind) String() string {
	return [...]string{
		"invalid",
		"void",
		"bool",
		"int",
		"uint",
		"float",
		"enum",
		"pointer",
		"array",
		"struct",
		"union",
		"func",
	}[k]
}

// PtrSize is the size of a target pointer. Only 64-bit targets are supported.
const PtrSize = 8

// Type is the layout of a target type, resolved once from debug metadata
// and immutable afterwards.
type Type struct {
	Name string
	Kind Kind
	Size int64

	// Count is the number of elements of an Array.
	Count int64

	// Fields lists the members of a Struct or Union in declaration order.
	// Members of anonymous struct and union members are not listed here
	// but are found by Field.
	Fields []*Field

	byName map[string]*Field

	elem     *Type
	elemFn   func() *Type
	elemOnce sync.Once

	ptr     *Type
	ptrOnce sync.Once
}

// Field is a member of a struct or union type.
type Field struct {
	Name   string
	Type   *Type
	Offset int64

	// BitOffset and BitSize describe bitfields. BitOffset counts from the
	// least significant bit of the little endian value starting at Offset.
	// BitSize is zero for ordinary members.
	BitOffset int64
	BitSize   int64
}

// Anonymous returns true for unnamed struct and union members whose own
// members are promoted into the enclosing type.
func (f *Field) Anonymous() bool {
	return f.Name == "" && f.Type != nil && (f.Type.Kind == Struct || f.Type.Kind == Union)
}

// storage returns the number of bytes that hold the value of the field.
func (f *Field) storage() int64 {
	if f.BitSize > 0 {
		return (f.BitOffset + f.BitSize + 7) / 8
	}
	return f.Type.Size
}

// FieldSet is implemented by layouts that can be asked whether they have
// a named member. Chain walkers accept any node layout satisfying it.
type FieldSet interface {
	HasField(name string) bool
}

var _ FieldSet = (*Type)(nil)

var (
	// VoidType is the pointee of untyped pointers.
	VoidType = &Type{Name: "void", Kind: Void}
	// UnsignedLong is used for symbols whose type is unknown.
	UnsignedLong = NewBasic("unsigned long", Uint, 8)
)

// NewBasic returns a scalar type.
func NewBasic(name string, kind Kind, size int64) *Type {
	return &Type{Name: name, Kind: kind, Size: size}
}

// NewPointer returns a pointer type. The element type is computed on first
// use by elem, which lets self referential layouts be described without
// materializing every reachable type.
func NewPointer(name string, elem func() *Type) *Type {
	return &Type{Name: name, Kind: Pointer, Size: PtrSize, elemFn: elem}
}

// NewArray returns an array of count elements of elem.
func NewArray(name string, elem *Type, count int64) *Type {
	return &Type{Name: name, Kind: Array, Size: elem.Size * count, Count: count, elem: elem}
}

// NewStruct returns a struct or union type with the given members.
// Members of anonymous struct or union members are promoted, keeping the
// first occurrence of a name.
func NewStruct(name string, kind Kind, size int64, fields []*Field) *Type {
	t := &Type{Name: name, Kind: kind, Size: size, Fields: fields}
	promoted := t.promoted()
	t.byName = make(map[string]*Field, len(promoted))
	for _, f := range promoted {
		t.byName[f.Name] = f
	}
	return t
}

// promoted returns every field reachable by name, in declaration order.
func (t *Type) promoted() []*Field {
	r := make([]*Field, 0, len(t.Fields))
	seen := make(map[string]bool, len(t.Fields))
	var visit func(fields []*Field)
	visit = func(fields []*Field) {
		for _, f := range fields {
			if f.Anonymous() {
				for _, inner := range f.Type.promoted() {
					if seen[inner.Name] {
						continue
					}
					seen[inner.Name] = true
					pf := *inner
					pf.Offset += f.Offset
					r = append(r, &pf)
				}
				continue
			}
			if f.Name == "" || seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			r = append(r, f)
		}
	}
	visit(t.Fields)
	return r
}

// Field looks up a member by name. Lookups are case sensitive.
func (t *Type) Field(name string) (*Field, bool) {
	if t == nil || t.byName == nil {
		return nil, false
	}
	f, ok := t.byName[name]
	return f, ok
}

// HasField implements FieldSet.
func (t *Type) HasField(name string) bool {
	_, ok := t.Field(name)
	return ok
}

// Elem returns the element type of a pointer or array, VoidType for
// untyped pointers and nil for every other kind.
func (t *Type) Elem() *Type {
	if t.Kind != Pointer && t.Kind != Array {
		return nil
	}
	t.elemOnce.Do(func() {
		if t.elemFn != nil {
			t.elem = t.elemFn()
		}
	})
	if t.elem == nil {
		return VoidType
	}
	return t.elem
}

// PointerTo returns the type of a pointer to t.
func (t *Type) PointerTo() *Type {
	t.ptrOnce.Do(func() {
		t.ptr = NewPointer(pointerName(t.String()), func() *Type { return t })
	})
	return t.ptr
}

func pointerName(name string) string {
	if strings.HasSuffix(name, "*") {
		return name + "*"
	}
	return name + " *"
}

// IsCString returns true for char pointers.
func (t *Type) IsCString() bool {
	if t.Kind != Pointer {
		return false
	}
	e := t.Elem()
	return isChar(e)
}

func isChar(t *Type) bool {
	return (t.Kind == Int || t.Kind == Uint) && t.Size == 1 && strings.Contains(t.Name, "char")
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Name != "" {
		return t.Name
	}
	switch t.Kind {
	case Pointer:
		return pointerName(t.Elem().String())
	case Array:
		return fmt.Sprintf("%s [%d]", t.Elem(), t.Count)
	case Struct, Union:
		return t.Kind.String() + " {...}"
	}
	return t.Kind.String()
}
