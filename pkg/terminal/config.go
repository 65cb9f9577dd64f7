package terminal

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/kmemscope/kmemscope/pkg/config"
	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/kmemscope/kmemscope/pkg/slub"
)

// slubLayout returns the allocator layout with the overrides of conf.
func slubLayout(conf *config.Config) slub.Layout {
	l := slub.DefaultLayout()
	o := conf.Layout
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&l.CacheType, o.CacheType)
	set(&l.RegistrySymbol, o.RegistrySymbol)
	set(&l.ListField, o.ListField)
	set(&l.CPUSlabField, o.CPUSlabField)
	set(&l.NextField, o.PartialNext)
	if len(o.ActiveSlabFields) > 0 {
		l.ActiveSlabFields = o.ActiveSlabFields
	}
	if o.FreelistEncoding != "" {
		e, err := slub.ParseFreelistEncoding(o.FreelistEncoding)
		if err != nil {
			logflags.TerminalLogger().Warnf("layout: %v", err)
		} else {
			l.FreelistEncoding = e
		}
	}
	if conf.PartialLimit != nil && *conf.PartialLimit > 0 {
		l.PartialLimit = *conf.PartialLimit
	}
	return l
}

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return errors.New("wrong number of arguments to \"config\"")
	default:
		if err := configureSet(t, args); err != nil {
			return err
		}
		t.applyConfig(strings.HasPrefix(args, "dll-"))
		return nil
	}
}

// applyConfig propagates a configuration change. The sticky dll
// arguments are only reset when their defaults changed.
func (t *Term) applyConfig(dll bool) {
	if dll {
		t.cmds.dll = newDllConfig(t.conf)
	}
	if t.a != nil {
		t.al = slub.New(t.a, slubLayout(t.conf))
	}
	if t.conf.NoColor {
		t.colors = false
	}
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *config.Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func configureFindFieldByName(conf *config.Config, name string) reflect.Value {
	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

func configureList(t *Term) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(t.conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}

		switch {
		case field.Kind() == reflect.Ptr && field.IsNil():
			fmt.Fprintf(w, "%s\t<not defined>\n", fieldName)
		case field.Kind() == reflect.Ptr:
			fmt.Fprintf(w, "%s\t%v\n", fieldName, field.Elem())
		case field.Kind() == reflect.Struct:
			fmt.Fprintf(w, "%s\t%+v\n", fieldName, field)
		default:
			fmt.Fprintf(w, "%s\t%v\n", fieldName, field)
		}
	}
	return w.Flush()
}

func configureSet(t *Term, args string) error {
	v := strings.SplitN(strings.TrimSpace(args), " ", 2)

	cfgname := v[0]
	var rest string
	if len(v) == 2 {
		rest = strings.TrimSpace(v[1])
	}

	if cfgname == "alias" {
		return configureSetAlias(t, rest)
	}

	field := configureFindFieldByName(t.conf, cfgname)
	if !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := parseNumber(rest, cfgname)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number", cfgname)
			}
			i := int(n)
			return reflect.ValueOf(&i), nil
		case reflect.Uint64:
			n, err := strconv.ParseUint(rest, 0, 64)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a positive number", cfgname)
			}
			return reflect.ValueOf(&n), nil
		case reflect.Bool:
			b := rest == "true"
			return reflect.ValueOf(&b), nil
		case reflect.String:
			s := strings.Trim(rest, "\"")
			return reflect.ValueOf(&s), nil
		default:
			return reflect.ValueOf(nil), fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
	}

	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		field.Set(val)
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(val.Elem())
	}
	return nil
}

func configureSetAlias(t *Term, rest string) error {
	argv := strings.Fields(rest)
	switch len(argv) {
	case 1: // delete alias rule
		for k := range t.conf.Aliases {
			v := t.conf.Aliases[k]
			for i := range v {
				if v[i] == argv[0] {
					copy(v[i:], v[i+1:])
					t.conf.Aliases[k] = v[:len(v)-1]
					break
				}
			}
		}
	case 2: // add alias rule
		alias, cmd := argv[1], argv[0]
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return errors.New("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
