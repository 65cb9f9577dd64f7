package starbind

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/slub"
)

const (
	kmemCommandBuiltinName = "kmem_command"
	readFileBuiltinName    = "read_file"
	writeFileBuiltinName   = "write_file"
	helpBuiltinName        = "help"
	cachesBuiltinName      = "caches"
	cpuSlabBuiltinName     = "cpu_slab"
	partialBuiltinName     = "partial_slabs"
	walkChainBuiltinName   = "walk_chain"
	readObjectBuiltinName  = "read_object"
	readFieldBuiltinName   = "read_field"
	commandPrefix          = "command_"
	kmemContextName        = "kmem_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Context is the context in which starlark scripts are evaluated.
// It gives access to target memory and to the command line commands.
type Context interface {
	Accessor() (*kmem.Accessor, error)
	Allocator() (*slub.Allocator, error)
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	doc       map[string]string
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out io.Writer
}

// New creates a new starlark binding environment.
func New(ctx Context, out io.Writer) *Env {
	env := &Env{
		env: starlark.StringDict{},
		doc: map[string]string{},
		ctx: ctx,
		out: out,
	}

	// Make the "time" module available to Starlark scripts.
	starlark.Universe["time"] = startime.Module

	env.builtin(kmemCommandBuiltinName, "(Command)", "executes a command line command.", env.kmemCommand)
	env.builtin(readFileBuiltinName, "(Path)", "reads a file.", env.readFile)
	env.builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", env.writeFile)
	env.builtin(helpBuiltinName, "(Object)", "prints help for Object.", env.help)
	env.builtin(cachesBuiltinName, "(Prefix=\"\", Exclude=\"\", MaxObjectSize=0)", "returns the slab caches whose name starts with Prefix, does not contain Exclude and whose object size is below MaxObjectSize.", env.caches)
	env.builtin(cpuSlabBuiltinName, "(Cache, CPU=0)", "returns the state of the named cache on CPU, with its available object count.", env.cpuSlab)
	env.builtin(partialBuiltinName, "(Cache, CPU=0)", "returns the slabs of the partial chain of the named cache on CPU that have free objects.", env.partialSlabs)
	env.builtin(walkChainBuiltinName, "(Address, Type, Link=\"next\", MaxDepth=-1)", "returns the nodes of type Type of the NULL terminated chain starting at Address.", env.walkChain)
	env.builtin(readObjectBuiltinName, "(Address, Type)", "returns the object of type Type at Address.", env.readObject)
	env.builtin(readFieldBuiltinName, "(Address, Type, Field)", "returns the member Field of the object of type Type at Address.", env.readField)

	return env
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (env *Env) builtin(name, args, descr string, fn builtinFn) {
	env.env[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		return fn(thread, b, args, kwargs)
	})
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

func (env *Env) kmemCommand(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	argstrs := make([]string, len(args))
	for i := range args {
		a, ok := args[i].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("argument of kmem_command is not a string")
		}
		argstrs[i] = string(a)
	}
	return starlark.None, decorateError(thread, env.ctx.CallCommand(strings.Join(argstrs, " ")))
}

func (env *Env) readFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, decorateError(thread, err)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.String(string(buf)), nil
}

func (env *Env) writeFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 2 {
		return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
	}
	path, ok := args[0].(starlark.String)
	if !ok {
		return nil, decorateError(thread, fmt.Errorf("first argument of write_file was not a string"))
	}
	text := args[1].String()
	if s, ok := args[1].(starlark.String); ok {
		text = string(s)
	}
	err := os.WriteFile(string(path), []byte(text), 0640)
	return starlark.None, decorateError(thread, err)
}

func (env *Env) help(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	switch len(args) {
	case 0:
		fmt.Fprintln(env.out, "Available builtins:")
		bins := make([]string, 0, len(env.env))
		for name, value := range env.env {
			switch value.(type) {
			case *starlark.Builtin:
				bins = append(bins, name)
			}
		}
		sort.Strings(bins)
		for _, bin := range bins {
			fmt.Fprintf(env.out, "\t%s\n", bin)
		}
	case 1:
		switch x := args[0].(type) {
		case *starlark.Builtin:
			if env.doc[x.Name()] != "" {
				fmt.Fprintf(env.out, "%s\n", env.doc[x.Name()])
			} else {
				fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
			}
		case *starlark.Function:
			fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
			if doc := x.Doc(); doc != "" {
				fmt.Fprintln(env.out, doc)
			}
		default:
			fmt.Fprintf(env.out, "no help for object of type %T\n", args[0])
		}
	default:
		fmt.Fprintln(env.out, "wrong number of arguments ", len(args))
	}
	return starlark.None, nil
}

func (env *Env) caches(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var f slub.NameFilter
	var maxSize int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "Prefix?", &f.Prefix, "Exclude?", &f.Exclude, "MaxObjectSize?", &maxSize); err != nil {
		return nil, decorateError(thread, err)
	}
	if maxSize > 0 {
		f.MaxObjectSize = uint64(maxSize)
	}
	al, err := env.ctx.Allocator()
	if err != nil {
		return nil, decorateError(thread, err)
	}
	caches, err := al.Caches()
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return env.interfaceToStarlarkValue(slub.Filter(caches, f)), nil
}

// cpuState is the value returned by cpu_slab.
type cpuState struct {
	Cache        string
	CPU          int
	Freelist     uint64
	Active       uint64
	Partial      uint64
	Available    int64
	NoActiveSlab bool
	Inconsistent bool
}

func (env *Env) cacheCPU(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*slub.Cache, *slub.CPUState, error) {
	var name string
	cpu := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "Cache", &name, "CPU?", &cpu); err != nil {
		return nil, nil, decorateError(thread, err)
	}
	al, err := env.ctx.Allocator()
	if err != nil {
		return nil, nil, decorateError(thread, err)
	}
	c, err := al.Find(name)
	if err != nil {
		return nil, nil, decorateError(thread, err)
	}
	s, err := c.PerCPU(cpu)
	if err != nil {
		return nil, nil, decorateError(thread, err)
	}
	return c, s, nil
}

func (env *Env) cpuSlab(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, s, err := env.cacheCPU(thread, b, args, kwargs)
	if err != nil {
		return nil, err
	}
	avail, err := s.Available()
	r := cpuState{
		Cache:        c.Name,
		CPU:          s.CPU,
		Freelist:     s.Freelist,
		Active:       s.Active,
		Partial:      s.Partial,
		Available:    avail.Free,
		NoActiveSlab: avail.NoActiveSlab,
	}
	if _, isInconsistent := err.(*slub.InconsistentSlabError); isInconsistent {
		r.Inconsistent = true
	} else if err != nil {
		return nil, decorateError(thread, err)
	}
	return env.interfaceToStarlarkValue(r), nil
}

func (env *Env) partialSlabs(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	_, s, err := env.cacheCPU(thread, b, args, kwargs)
	if err != nil {
		return nil, err
	}
	slabs, err := s.PartialChain()
	if err != nil && !slub.IsWarning(err) {
		return nil, decorateError(thread, err)
	}
	return env.interfaceToStarlarkValue(slabs), nil
}

// resolveObject parses the Address and Type arguments shared by the memory
// builtins. Address may be an int or a symbol name.
func (env *Env) resolveObject(a *kmem.Accessor, addrv starlark.Value, typeName string) (uint64, *kmem.Type, error) {
	var addr uint64
	switch x := addrv.(type) {
	case starlark.Int:
		n, ok := x.Uint64()
		if !ok {
			return 0, nil, &kmem.MalformedArgumentError{Arg: x.String(), What: "address"}
		}
		addr = n
	case starlark.String:
		sym, err := a.ResolveSymbol(string(x))
		if err != nil {
			return 0, nil, err
		}
		addr = sym.Addr
	default:
		return 0, nil, &kmem.MalformedArgumentError{Arg: addrv.String(), What: "address"}
	}
	t, err := a.ResolveType(typeName)
	if err != nil {
		return 0, nil, err
	}
	return addr, t, nil
}

func (env *Env) walkChain(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addrv starlark.Value
	var typeName string
	link := "next"
	maxDepth := -1
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "Address", &addrv, "Type", &typeName, "Link?", &link, "MaxDepth?", &maxDepth); err != nil {
		return nil, decorateError(thread, err)
	}
	a, err := env.ctx.Accessor()
	if err != nil {
		return nil, decorateError(thread, err)
	}
	start, t, err := env.resolveObject(a, addrv, typeName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	var r []starlark.Value
	w := a.WalkChain(start, t, link, maxDepth)
	for w.Next() {
		if err := isCancelled(thread); err != nil {
			return nil, err
		}
		r = append(r, memValue{w.Value(), a, env})
	}
	if err := w.Err(); err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.NewList(r), nil
}

func (env *Env) readObject(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addrv starlark.Value
	var typeName string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "Address", &addrv, "Type", &typeName); err != nil {
		return nil, decorateError(thread, err)
	}
	a, err := env.ctx.Accessor()
	if err != nil {
		return nil, decorateError(thread, err)
	}
	addr, t, err := env.resolveObject(a, addrv, typeName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	v, err := env.memToStarlarkValue(a, kmem.At(addr, t))
	return v, decorateError(thread, err)
}

func (env *Env) readField(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addrv starlark.Value
	var typeName, field string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "Address", &addrv, "Type", &typeName, "Field", &field); err != nil {
		return nil, decorateError(thread, err)
	}
	a, err := env.ctx.Accessor()
	if err != nil {
		return nil, decorateError(thread, err)
	}
	addr, t, err := env.resolveObject(a, addrv, typeName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	f, err := a.ReadField(kmem.At(addr, t), field)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	v, err := env.memToStarlarkValue(a, f)
	return v, decorateError(thread, err)
}

// Redirect redirects starlark output to out.
func (env *Env) Redirect(out io.Writer) {
	env.out = out
	if env.thread != nil {
		env.thread.Print = env.printFunc()
	}
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// Execute executes a script. Path is the name of the file to execute and
// source is the source code to execute.
// Source can be either a []byte, a string or a io.Reader. If source is nil
// Execute will execute the file specified by 'path'.
// After the file is executed if a function named mainFnName exists it will be called, passing args to it.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []interface{}) (_ starlark.Value, _err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		fmt.Fprintf(env.out, "panic executing starlark script: %v\n", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			fn := runtime.FuncForPC(pc)
			if fn != nil {
				fname = fn.Name()
			}
			fmt.Fprintf(env.out, "%s\n\tin %s:%d\n", fname, file, line)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}

	err = env.exportGlobals(globals)
	if err != nil {
		return starlark.None, err
	}

	return env.callMain(thread, globals, mainFnName, args)
}

// exportGlobals saves globals with a name starting with a capital letter
// into the environment and creates commands from globals with a name
// starting with "command_"
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			err := env.createCommand(name, val)
			if err != nil {
				return err
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

// Cancel cancels the execution of a currently running script or function.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
		Load:  env.loader(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(kmemContextName, ctx)
	return thread
}

// loader returns the implementation of the load statement for a new
// thread. Relative module paths are resolved against the directory of the
// loading script. Modules see the builtins and are executed once per
// thread.
func (env *Env) loader() func(*starlark.Thread, string) (starlark.StringDict, error) {
	loaded := map[string]starlark.StringDict{}
	loading := map[string]bool{}
	var load func(thread *starlark.Thread, module string) (starlark.StringDict, error)
	load = func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
		path := module
		if !filepath.IsAbs(path) && thread.CallStackDepth() > 0 {
			if from := thread.CallFrame(0).Pos.Filename(); from != "" && from != "<stdin>" {
				path = filepath.Join(filepath.Dir(from), module)
			}
		}
		if globals, ok := loaded[path]; ok {
			return globals, nil
		}
		if loading[path] {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
		loading[path] = true
		defer delete(loading, path)

		child := &starlark.Thread{Name: "load " + path, Load: load, Print: thread.Print}
		child.SetLocal(kmemContextName, thread.Local(kmemContextName))
		globals, err := starlark.ExecFile(child, path, nil, env.env)
		if err != nil {
			return nil, err
		}
		loaded[path] = globals
		return globals, nil
	}
	return load
}

func (env *Env) createCommand(name string, val starlark.Value) error {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return nil
	}

	name = name[len(commandPrefix):]

	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	if fnval.NumParams() == 1 {
		if p0, _ := fnval.Param(0); p0 == "args" {
			env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
				_, err := starlark.Call(env.newThread(), fnval, starlark.Tuple{starlark.String(args)}, nil)
				return err
			})
			return nil
		}
	}

	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		argval, err := starlark.Eval(thread, "<input>", "("+args+")", env.env)
		if err != nil {
			return err
		}
		argtuple, ok := argval.(starlark.Tuple)
		if !ok {
			argtuple = starlark.Tuple{argval}
		}
		_, err = starlark.Call(thread, fnval, argtuple, nil)
		return err
	})
	return nil
}

// callMain calls the main function in globals, if one was defined.
func (env *Env) callMain(thread *starlark.Thread, globals starlark.StringDict, mainFnName string, args []interface{}) (starlark.Value, error) {
	if mainFnName == "" {
		return starlark.None, nil
	}
	mainval := globals[mainFnName]
	if mainval == nil {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != len(args) {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		argtuple[i] = env.interfaceToStarlarkValue(args[i])
	}
	return starlark.Call(thread, mainfn, argtuple, nil)
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(kmemContextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
