package kmem

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// string used for one indentation level when printing on multiple lines
	indentString = "    "

	defaultMaxDepth = 3
	defaultMaxArray = 16
)

// FormatConfig controls how values are printed.
type FormatConfig struct {
	// MaxDepth is the number of nested aggregates printed before eliding
	// them as {...}.
	MaxDepth int
	// MaxArray is the number of array elements printed.
	MaxArray int
	// Newlines prints one member per line.
	Newlines bool
}

// DefaultFormat is the configuration used by SinglelineString.
var DefaultFormat = FormatConfig{MaxDepth: defaultMaxDepth, MaxArray: defaultMaxArray}

// SinglelineString returns a representation of v on a single line, in the
// style of gdb's print command.
func (a *Accessor) SinglelineString(v Value) (string, error) {
	var buf bytes.Buffer
	err := a.Format(&buf, v, DefaultFormat)
	return buf.String(), err
}

// MultilineString returns a representation of v with one member per line.
func (a *Accessor) MultilineString(v Value) (string, error) {
	var buf bytes.Buffer
	cfg := DefaultFormat
	cfg.Newlines = true
	err := a.Format(&buf, v, cfg)
	return buf.String(), err
}

// Format writes v to w. The object is loaded first if needed. Members that
// can not be read are printed as <unreadable> and do not stop formatting.
func (a *Accessor) Format(w io.Writer, v Value, cfg FormatConfig) error {
	if cfg.MaxArray <= 0 {
		cfg.MaxArray = defaultMaxArray
	}
	v, err := a.Load(v)
	if err != nil {
		return err
	}
	a.writeTo(w, v, cfg, 0, "")
	return nil
}

func (a *Accessor) writeTo(w io.Writer, v Value, cfg FormatConfig, depth int, indent string) {
	t := v.Type
	switch t.Kind {
	case Struct, Union:
		a.writeStructTo(w, v, cfg, depth, indent)
	case Array:
		a.writeArrayTo(w, v, cfg, depth, indent)
	case Pointer:
		p := v.Pointer()
		fmt.Fprintf(w, "%#x", p)
		if p != 0 && t.IsCString() {
			s, err := a.ReadCString(p, MaxStringLen)
			if err != nil {
				fmt.Fprint(w, " <unreadable>")
				return
			}
			fmt.Fprintf(w, " %s", strconv.Quote(s))
		}
	case Int, Enum:
		fmt.Fprint(w, v.Int64())
	case Uint:
		fmt.Fprint(w, v.Uint64())
	case Bool:
		fmt.Fprint(w, v.Bool())
	case Float:
		fmt.Fprint(w, v.Float64())
	case Func:
		fmt.Fprintf(w, "{%s} %#x", t, v.Addr)
	default:
		fmt.Fprintf(w, "<%s>", t.Kind)
	}
}

func (a *Accessor) writeStructTo(w io.Writer, v Value, cfg FormatConfig, depth int, indent string) {
	if cfg.MaxDepth > 0 && depth >= cfg.MaxDepth {
		fmt.Fprint(w, "{...}")
		return
	}
	fields := v.Type.promoted()
	if len(fields) == 0 {
		fmt.Fprint(w, "{}")
		return
	}
	nl := func(indent string) {
		if cfg.Newlines {
			fmt.Fprintf(w, "\n%s", indent)
		}
	}
	fmt.Fprint(w, "{")
	for i, f := range fields {
		nl(indent + indentString)
		fmt.Fprintf(w, "%s = ", f.Name)
		fv, err := a.ReadField(v, f.Name)
		if err != nil {
			fmt.Fprint(w, "<unreadable>")
		} else {
			a.writeTo(w, fv, cfg, depth+1, indent+indentString)
		}
		if i != len(fields)-1 {
			fmt.Fprint(w, ",")
			if !cfg.Newlines {
				fmt.Fprint(w, " ")
			}
		}
	}
	nl(indent)
	fmt.Fprint(w, "}")
}

func (a *Accessor) writeArrayTo(w io.Writer, v Value, cfg FormatConfig, depth int, indent string) {
	elem := v.Type.Elem()
	if isChar(elem) {
		fmt.Fprint(w, strconv.Quote(v.CString()))
		return
	}
	if cfg.MaxDepth > 0 && depth >= cfg.MaxDepth {
		fmt.Fprint(w, "{...}")
		return
	}
	n := v.Type.Count
	if n > int64(cfg.MaxArray) {
		n = int64(cfg.MaxArray)
	}
	fmt.Fprint(w, "{")
	for i := int64(0); i < n; i++ {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}
		off := i * elem.Size
		ev := Value{Addr: v.Addr + uint64(off), Type: elem}
		if off+elem.Size <= int64(len(v.buf)) {
			ev.buf = v.buf[off : off+elem.Size]
		}
		if !ev.Loaded() {
			fmt.Fprint(w, "<unreadable>")
			continue
		}
		a.writeTo(w, ev, cfg, depth+1, indent)
	}
	if n < v.Type.Count {
		fmt.Fprint(w, "...")
	}
	fmt.Fprint(w, "}")
}

// TypeString describes t in C syntax, listing the members of structs and
// unions with their offsets.
func TypeString(t *Type) string {
	var buf strings.Builder
	switch t.Kind {
	case Struct, Union:
		fmt.Fprintf(&buf, "%s {\n", t)
		for _, f := range t.Fields {
			name := f.Name
			if f.BitSize > 0 {
				name = fmt.Sprintf("%s : %d", name, f.BitSize)
			}
			decl := f.Type.String()
			if !strings.HasSuffix(decl, "*") {
				decl += " "
			}
			fmt.Fprintf(&buf, "%s/* %#5x */ %s%s;\n", indentString, f.Offset, decl, name)
		}
		fmt.Fprintf(&buf, "} /* size %d */", t.Size)
	default:
		fmt.Fprintf(&buf, "%s /* %s, size %d */", t, t.Kind, t.Size)
	}
	return buf.String()
}
