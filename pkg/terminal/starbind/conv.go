package starbind

import (
	"fmt"
	"reflect"

	"go.starlark.net/starlark"

	"github.com/kmemscope/kmemscope/pkg/kmem"
)

// maxArrayElems bounds the number of elements of a target array converted
// into a starlark list.
const maxArrayElems = 4096

// interfaceToStarlarkValue converts a Go value returned by the allocator
// model into a starlark.Value.
func (env *Env) interfaceToStarlarkValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case uint8:
		return starlark.MakeUint64(uint64(v))
	case uint32:
		return starlark.MakeUint64(uint64(v))
	case uint64:
		return starlark.MakeUint64(v)
	case uint:
		return starlark.MakeUint64(uint64(v))
	case int32:
		return starlark.MakeInt64(int64(v))
	case int64:
		return starlark.MakeInt64(v)
	case int:
		return starlark.MakeInt64(int64(v))
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case nil:
		return starlark.None
	case error:
		return starlark.String(v.Error())
	default:
		vval := reflect.ValueOf(v)
		switch vval.Type().Kind() {
		case reflect.Ptr:
			if vval.IsNil() {
				return starlark.None
			}
			vval = vval.Elem()
			if vval.Type().Kind() == reflect.Struct {
				return structAsStarlarkValue{vval, env}
			}
		case reflect.Struct:
			return structAsStarlarkValue{vval, env}
		case reflect.Slice:
			return sliceAsStarlarkValue{vval, env}
		}
		return starlark.String(fmt.Sprintf("%v", v))
	}
}

// sliceAsStarlarkValue converts a reflect.Value containing a slice
// into a starlark value.
// The public methods of sliceAsStarlarkValue implement the Indexable and
// Sequence starlark interfaces.
type sliceAsStarlarkValue struct {
	v   reflect.Value
	env *Env
}

var _ starlark.Indexable = sliceAsStarlarkValue{}
var _ starlark.Sequence = sliceAsStarlarkValue{}

func (v sliceAsStarlarkValue) Freeze() {
}

func (v sliceAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v sliceAsStarlarkValue) String() string {
	return fmt.Sprintf("%v", v.v)
}

func (v sliceAsStarlarkValue) Truth() starlark.Bool {
	return v.v.Len() != 0
}

func (v sliceAsStarlarkValue) Type() string {
	return v.v.Type().String()
}

func (v sliceAsStarlarkValue) Index(i int) starlark.Value {
	if i >= v.v.Len() {
		return nil
	}
	return v.env.interfaceToStarlarkValue(v.v.Index(i).Interface())
}

func (v sliceAsStarlarkValue) Len() int {
	return v.v.Len()
}

func (v sliceAsStarlarkValue) Iterate() starlark.Iterator {
	return &sliceAsStarlarkValueIterator{0, v.v, v.env}
}

type sliceAsStarlarkValueIterator struct {
	cur int
	v   reflect.Value
	env *Env
}

func (it *sliceAsStarlarkValueIterator) Done() {
}

func (it *sliceAsStarlarkValueIterator) Next(p *starlark.Value) bool {
	if it.cur >= it.v.Len() {
		return false
	}
	*p = it.env.interfaceToStarlarkValue(it.v.Index(it.cur).Interface())
	it.cur++
	return true
}

// structAsStarlarkValue converts any Go struct into a starlark.Value.
// Only exported fields are visible.
// The public methods of structAsStarlarkValue implement the
// starlark.HasAttrs interface.
type structAsStarlarkValue struct {
	v   reflect.Value
	env *Env
}

var _ starlark.HasAttrs = structAsStarlarkValue{}

func (v structAsStarlarkValue) Freeze() {
}

func (v structAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v structAsStarlarkValue) String() string {
	var r []byte
	r = append(r, v.v.Type().Name()...)
	r = append(r, '{')
	for i, name := range v.AttrNames() {
		if i > 0 {
			r = append(r, ", "...)
		}
		r = append(r, fmt.Sprintf("%s: %v", name, v.v.FieldByName(name).Interface())...)
	}
	return string(append(r, '}'))
}

func (v structAsStarlarkValue) Truth() starlark.Bool {
	return true
}

func (v structAsStarlarkValue) Type() string {
	return v.v.Type().String()
}

func (v structAsStarlarkValue) Attr(name string) (starlark.Value, error) {
	f, ok := v.v.Type().FieldByName(name)
	if !ok || f.PkgPath != "" {
		return nil, nil // no such field or method
	}
	return v.env.interfaceToStarlarkValue(v.v.FieldByIndex(f.Index).Interface()), nil
}

func (v structAsStarlarkValue) AttrNames() []string {
	typ := v.v.Type()
	r := make([]string, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).PkgPath == "" {
			r = append(r, typ.Field(i).Name)
		}
	}
	return r
}

// memValue is an object of target memory. Its attributes are the members
// of the object, read when accessed, plus _addr and _type.
// The public methods of memValue implement the starlark.HasAttrs and
// starlark.Mapping interfaces.
type memValue struct {
	v   kmem.Value
	a   *kmem.Accessor
	env *Env
}

var _ starlark.HasAttrs = memValue{}
var _ starlark.Mapping = memValue{}

const (
	addrAttr = "_addr"
	typeAttr = "_type"
)

func (v memValue) Freeze() {
}

func (v memValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v memValue) String() string {
	s, err := v.a.SinglelineString(v.v)
	if err != nil {
		return fmt.Sprintf("(%s) %#x <unreadable: %v>", v.v.Type, v.v.Addr, err)
	}
	return s
}

func (v memValue) Truth() starlark.Bool {
	return starlark.Bool(!v.v.IsNull())
}

func (v memValue) Type() string {
	return v.v.Type.String()
}

func (v memValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case addrAttr:
		return starlark.MakeUint64(v.v.Addr), nil
	case typeAttr:
		return starlark.String(v.v.Type.String()), nil
	}
	if !v.v.Type.HasField(name) {
		return nil, nil // no such field or method
	}
	f, err := v.a.ReadField(v.v, name)
	if err != nil {
		return nil, err
	}
	return v.env.memToStarlarkValue(v.a, f)
}

func (v memValue) AttrNames() []string {
	r := []string{addrAttr, typeAttr}
	for _, f := range v.v.Type.Fields {
		if f.Name != "" {
			r = append(r, f.Name)
		}
	}
	return r
}

func (v memValue) Get(key starlark.Value) (starlark.Value, bool, error) {
	skey, ok := key.(starlark.String)
	if !ok {
		return starlark.None, false, nil
	}
	r, err := v.Attr(string(skey))
	if r == nil && err == nil {
		return starlark.None, false, nil
	}
	if err != nil {
		return starlark.None, false, err
	}
	return r, true, nil
}

// memToStarlarkValue converts an object of target memory. Scalars become
// numbers, C strings become strings, arrays become lists and aggregates
// become memValues.
func (env *Env) memToStarlarkValue(a *kmem.Accessor, v kmem.Value) (starlark.Value, error) {
	t := v.Type
	if t.IsCString() {
		s, err := a.String(v)
		if err != nil {
			return nil, err
		}
		return starlark.String(s), nil
	}
	switch t.Kind {
	case kmem.Struct, kmem.Union:
		return memValue{v, a, env}, nil
	case kmem.Array:
		n := t.Count
		if n > maxArrayElems {
			n = maxArrayElems
		}
		elem := t.Elem()
		r := make([]starlark.Value, 0, n)
		for i := int64(0); i < n; i++ {
			e, err := env.memToStarlarkValue(a, kmem.At(v.Addr+uint64(i*elem.Size), elem))
			if err != nil {
				return nil, err
			}
			r = append(r, e)
		}
		return starlark.NewList(r), nil
	case kmem.Void, kmem.Func:
		return starlark.MakeUint64(v.Addr), nil
	}

	if !v.Loaded() {
		var err error
		if v, err = a.Load(v); err != nil {
			return nil, err
		}
	}
	switch t.Kind {
	case kmem.Bool:
		return starlark.Bool(v.Bool()), nil
	case kmem.Int, kmem.Enum:
		return starlark.MakeInt64(v.Int64()), nil
	case kmem.Float:
		return starlark.Float(v.Float64()), nil
	case kmem.Pointer:
		return starlark.MakeUint64(v.Pointer()), nil
	default:
		return starlark.MakeUint64(v.Uint64()), nil
	}
}
