package debuginfo

import (
	"debug/dwarf"
	"fmt"

	"github.com/kmemscope/kmemscope/pkg/kmem"
)

// converter turns DWARF types into kmem layouts. Results are memoized by
// DWARF offset and pointer element types are converted on first use.
type converter struct {
	data *dwarf.Data
	done map[dwarf.Offset]*kmem.Type
}

func newConverter(data *dwarf.Data) *converter {
	return &converter{data: data, done: make(map[dwarf.Offset]*kmem.Type)}
}

func (c *converter) typeAt(off dwarf.Offset) (*kmem.Type, error) {
	if t, ok := c.done[off]; ok {
		return t, nil
	}
	dt, err := c.data.Type(off)
	if err != nil {
		return nil, err
	}
	return c.convert(dt), nil
}

func (c *converter) convert(dt dwarf.Type) *kmem.Type {
	off := dt.Common().Offset
	if t, ok := c.done[off]; ok {
		return t
	}
	t := c.convert1(dt)
	c.done[off] = t
	return t
}

func (c *converter) convert1(dt dwarf.Type) *kmem.Type {
	name := dt.Common().Name
	size := dt.Size()
	switch dt := dt.(type) {
	case *dwarf.TypedefType:
		return c.convert(dt.Type)
	case *dwarf.QualType:
		return c.convert(dt.Type)
	case *dwarf.VoidType, *dwarf.UnspecifiedType:
		return kmem.VoidType
	case *dwarf.PtrType:
		elem := dt.Type
		return kmem.NewPointer("", func() *kmem.Type {
			if elem == nil {
				return kmem.VoidType
			}
			return c.convert(elem)
		})
	case *dwarf.BoolType:
		return kmem.NewBasic(name, kmem.Bool, size)
	case *dwarf.CharType, *dwarf.IntType:
		return kmem.NewBasic(name, kmem.Int, size)
	case *dwarf.UcharType, *dwarf.UintType, *dwarf.AddrType:
		return kmem.NewBasic(name, kmem.Uint, size)
	case *dwarf.FloatType:
		return kmem.NewBasic(name, kmem.Float, size)
	case *dwarf.EnumType:
		if dt.EnumName != "" {
			name = "enum " + dt.EnumName
		}
		return kmem.NewBasic(name, kmem.Enum, size)
	case *dwarf.FuncType:
		return kmem.NewBasic(name, kmem.Func, 0)
	case *dwarf.ArrayType:
		count := dt.Count
		if count < 0 {
			// flexible array member
			count = 0
		}
		return kmem.NewArray("", c.convert(dt.Type), count)
	case *dwarf.StructType:
		return c.convertStruct(dt)
	}
	return kmem.NewBasic(name, kmem.Invalid, size)
}

func (c *converter) convertStruct(dt *dwarf.StructType) *kmem.Type {
	kind := kmem.Struct
	if dt.Kind == "union" {
		kind = kmem.Union
	}
	name := ""
	if dt.StructName != "" {
		name = fmt.Sprintf("%s %s", dt.Kind, dt.StructName)
	}
	size := dt.ByteSize
	if size < 0 {
		size = 0
	}
	fields := make([]*kmem.Field, 0, len(dt.Field))
	for _, df := range dt.Field {
		f := &kmem.Field{Name: df.Name, Type: c.convert(df.Type), Offset: df.ByteOffset}
		if df.BitSize > 0 {
			normalizeBitfield(f, df)
		}
		fields = append(fields, f)
	}
	return kmem.NewStruct(name, kind, size, fields)
}

// normalizeBitfield converts the DWARF bitfield description into a byte
// offset and a bit offset counted from the least significant bit of the
// little endian value at that byte.
//
// DWARF 4 producers use DW_AT_data_bit_offset, counted from the start of
// the enclosing struct. DWARF 2 producers give DW_AT_bit_offset, counted
// from the most significant bit of a storage unit of DW_AT_byte_size bytes
// at DW_AT_data_member_location.
func normalizeBitfield(f *kmem.Field, df *dwarf.StructField) {
	f.BitSize = df.BitSize
	if df.DataBitOffset != 0 || (df.BitOffset == 0 && df.ByteSize == 0) {
		bit := df.DataBitOffset
		f.Offset = bit / 8
		f.BitOffset = bit % 8
		return
	}
	storage := df.ByteSize
	if storage == 0 {
		storage = df.Type.Size()
	}
	lsb := storage*8 - df.BitOffset - df.BitSize
	f.Offset = df.ByteOffset + lsb/8
	f.BitOffset = lsb % 8
}
