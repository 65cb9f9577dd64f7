// Package terminal implements functions for responding to user
// input and dispatching to the memory inspection commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/spf13/pflag"

	"github.com/kmemscope/kmemscope/pkg/config"
	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/slub"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the terminal.
type Commands struct {
	cmds []command
	// completions holds every alias, rebuilt after the table changes.
	completions *trie.Trie

	dll dllConfig
}

// dllConfig holds the sticky arguments of the dll command. Arguments given
// on the command line replace them for the following invocations.
type dllConfig struct {
	typeName string
	link     string
	maxDepth int
}

const (
	defaultDllType     = "mylist"
	defaultDllLink     = "next"
	defaultDllMaxDepth = -1

	defaultSlubPrefix        = "kmalloc"
	defaultSlubExclude       = "rcl"
	defaultSlubMaxObjectSize = 1024
)

func newDllConfig(conf *config.Config) dllConfig {
	d := dllConfig{typeName: defaultDllType, link: defaultDllLink, maxDepth: defaultDllMaxDepth}
	if conf == nil {
		return d
	}
	if conf.DllType != "" {
		d.typeName = conf.DllType
	}
	if conf.DllLink != "" {
		d.link = conf.DllLink
	}
	if conf.DllMaxDepth != nil {
		d.maxDepth = *conf.DllMaxDepth
	}
	return d
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(conf *config.Config) *Commands {
	c := &Commands{dll: newDllConfig(conf)}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"dll"}, group: memoryCmds, cmdFn: onlyIfAttached(c.dllCommand), helpMsg: `Prints the nodes of a NULL terminated linked chain.

	dll <address> [type_name] [link_field_name] [max_depth]

Starting at address, every node is printed as a type_name object and the
chain continues at the pointer stored in its link_field_name member. The
walk ends at a NULL link or after max_depth+1 nodes, a negative max_depth
walks until NULL. There is no cycle detection.

type_name, link_field_name and max_depth are remembered: when omitted the
values of the previous invocation are used. max_depth is read as a decimal
number, or as a hexadecimal one if that fails.

Addresses are decimal, 0x prefixed or bare hexadecimal numbers, or symbol
names. A symbol of pointer type stands for the pointer it holds, prefix it
with & to use its address. A symbol whose name is also a hexadecimal
number, like face, wins over the number.`},
		{aliases: []string{"list"}, group: memoryCmds, cmdFn: onlyIfAttached(listCommand), helpMsg: `Prints the entries of a circular intrusive list.

	list <head> <type_name> <link_field_name> [limit]

head is the address of the list head, every entry is a type_name object
linked through its link_field_name member. At most limit entries are
printed when limit is given.

If link_field_name is a pointer to type_name the list is a ring of
type_name objects and head is the address of its sentinel node.`},
		{aliases: []string{"print", "p"}, group: memoryCmds, cmdFn: onlyIfAttached(printCommand), helpMsg: `Prints an object.

	print <address> <type_name>
	print <symbol>`},
		{aliases: []string{"ptype", "whatis"}, group: memoryCmds, cmdFn: ptypeCommand, helpMsg: `Prints the layout of a type.

	ptype <type_name>`},
		{aliases: []string{"percpu"}, group: memoryCmds, cmdFn: onlyIfAttached(percpuCommand), helpMsg: `Prints the instances of a per-CPU variable.

	percpu <address> <type_name> [cpu]
	percpu <symbol> [cpu]

If the type is a pointer the per-CPU offset is the pointer stored at
address, otherwise it is address itself. Without cpu every CPU is printed.`},
		{aliases: []string{"container_of", "container"}, group: memoryCmds, cmdFn: onlyIfAttached(containerOfCommand), helpMsg: `Prints the object containing a member.

	container_of <address> <type_name> <member>`},
		{aliases: []string{"slub"}, group: allocatorCmds, cmdFn: onlyIfAttached(slubCommand), helpMsg: `Shows the free lists of the slab caches.

	slub [--cpu N | --all-cpus] [--max-size N] [--freelist] [prefix [exclude]]

For every cache whose name starts with prefix, does not contain exclude
and has objects smaller than --max-size prints the free list of the active
slab of the CPU, or "full", and the free list of every slab of the CPU
partial chain with free objects. --freelist also lists the free objects of
the active slab. Without arguments the kmalloc caches without the rcl ones
below 1024 bytes are shown for CPU 0. A prefix given alone excludes nothing.`},
		{aliases: []string{"caches"}, group: allocatorCmds, cmdFn: onlyIfAttached(cachesCommand), helpMsg: `Lists the slab caches.

	caches [prefix]`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark
script. If path is a single '-' character an interactive starlark
interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the terminal.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	c.completions = nil
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	c.completions = nil
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// complete returns the sorted command names and aliases starting with
// prefix.
func (c *Commands) complete(prefix string) []string {
	if c.completions == nil {
		c.completions = trie.New()
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				c.completions.Add(alias, nil)
			}
		}
	}
	r := c.completions.PrefixSearch(prefix)
	sort.Strings(r)
	return r
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

// onlyIfAttached wraps commands that read target memory, they fail with
// kmem.ErrNotAttached unless the target can be read.
func onlyIfAttached(fn cmdfunc) cmdfunc {
	return func(t *Term, args string) error {
		if err := t.checkAttached(); err != nil {
			return err
		}
		return fn(t, args)
	}
}

func (t *Term) checkAttached() error {
	if t.target == nil || t.a == nil {
		return kmem.ErrNotAttached
	}
	ok, err := t.target.Valid()
	if ok {
		return nil
	}
	if err == nil {
		return kmem.ErrNotAttached
	}
	return fmt.Errorf("%w: %v", kmem.ErrNotAttached, err)
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command argument string into words, honoring quotes.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

// parseNumber parses s as a decimal number, or as a hexadecimal one if
// that fails.
func parseNumber(s, what string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if n, err := strconv.ParseInt(hex, 16, 64); err == nil {
		return n, nil
	}
	return 0, &kmem.MalformedArgumentError{Arg: s, What: what}
}

// parseAddress parses a decimal, 0x prefixed or bare hexadecimal address
// or a symbol name. Symbols of pointer type evaluate to their value, &sym
// always evaluates to the address of sym. A name made of hex digits, like
// "face", is a symbol if one exists and a bare hexadecimal address
// otherwise.
func (t *Term) parseAddress(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, nil
	}
	name := strings.TrimPrefix(s, "&")
	sym, err := t.a.ResolveSymbol(name)
	if err != nil {
		var use *kmem.UnknownSymbolError
		if !errors.As(err, &use) {
			return 0, err
		}
		if name == s {
			if n, err := strconv.ParseUint(s, 16, 64); err == nil {
				return n, nil
			}
		}
		return 0, &kmem.MalformedArgumentError{Arg: s, What: "address"}
	}
	if name == s && sym.Type.Kind == kmem.Pointer {
		v, err := t.a.Load(sym)
		if err != nil {
			return 0, err
		}
		return v.Pointer(), nil
	}
	return sym.Addr, nil
}

// resolveNodeType resolves the type of the nodes of a chain, a pointer type
// stands for the type it points to.
func (t *Term) resolveNodeType(name string) (*kmem.Type, error) {
	typ, err := t.a.ResolveType(name)
	if err != nil {
		return nil, err
	}
	if typ.Kind == kmem.Pointer {
		typ = typ.Elem()
	}
	return typ, nil
}

func (c *Commands) dllCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 4 {
		return errors.New("wrong number of arguments: dll <address> [type_name] [link_field_name] [max_depth]")
	}

	cfg := c.dll
	if len(v) > 1 {
		cfg.typeName = v[1]
	}
	if len(v) > 2 {
		cfg.link = v[2]
	}
	if len(v) > 3 {
		n, err := parseNumber(v[3], "depth")
		if err != nil {
			return err
		}
		cfg.maxDepth = int(n)
	}
	c.dll = cfg

	addr, err := t.parseAddress(v[0])
	if err != nil {
		return err
	}
	node, err := t.resolveNodeType(cfg.typeName)
	if err != nil {
		return err
	}

	t.stdout.PageMaybe()
	w := t.a.WalkChain(addr, node, cfg.link, cfg.maxDepth)
	for w.Next() {
		s, err := t.a.MultilineString(w.Value())
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s%s\n", t.blue(fmt.Sprintf("[%d] ", w.Index())), s)
	}
	return w.Err()
}

func listCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 3 || len(v) > 4 {
		return errors.New("wrong number of arguments: list <head> <type_name> <link_field_name> [limit]")
	}
	var opts kmem.ListOptions
	if len(v) > 3 {
		n, err := parseNumber(v[3], "limit")
		if err != nil {
			return err
		}
		opts.Limit = int(n)
	}
	node, err := t.resolveNodeType(v[1])
	if err != nil {
		return err
	}
	f, ok := node.Field(v[2])
	if !ok {
		return &kmem.NoSuchFieldError{Type: node.String(), Field: v[2]}
	}
	addr, err := t.parseAddress(v[0])
	if err != nil {
		return err
	}

	// with a pointer link head is the sentinel node of a ring
	head := kmem.At(addr, f.Type)
	if f.Type.Kind == kmem.Pointer {
		head = kmem.At(addr, node)
	}

	t.stdout.PageMaybe()
	w := t.a.WalkList(head, node, v[2], opts)
	for w.Next() {
		s, err := t.a.MultilineString(w.Value())
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s%#x %s\n", t.blue(fmt.Sprintf("[%d] ", w.Index())), w.Value().Addr, s)
	}
	return w.Err()
}

// objectArgs resolves "<address> <type_name>" or "<symbol>" at the start of
// v and returns the object and the number of arguments used.
func (t *Term) objectArgs(v []string) (kmem.Value, int, error) {
	if len(v) >= 2 {
		if _, err := parseNumber(v[1], ""); err != nil {
			typ, err := t.a.ResolveType(v[1])
			if err != nil {
				return kmem.Value{}, 0, err
			}
			addr, err := t.parseAddress(v[0])
			if err != nil {
				return kmem.Value{}, 0, err
			}
			return kmem.At(addr, typ), 2, nil
		}
	}
	if len(v) == 0 {
		return kmem.Value{}, 0, errors.New("not enough arguments")
	}
	sym, err := t.a.ResolveSymbol(strings.TrimPrefix(v[0], "&"))
	return sym, 1, err
}

func printCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	obj, n, err := t.objectArgs(v)
	if err != nil {
		return err
	}
	if n != len(v) {
		return errors.New("wrong number of arguments: print <address> <type_name>")
	}
	s, err := t.a.MultilineString(obj)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "(%s) %#x = %s\n", obj.Type, obj.Addr, s)
	return nil
}

func ptypeCommand(t *Term, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: ptype <type_name>")
	}
	if t.a == nil {
		return kmem.ErrNotAttached
	}
	typ, err := t.a.ResolveType(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "type = %s\n", kmem.TypeString(typ))
	return nil
}

func percpuCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	tmpl, n, err := t.objectArgs(v)
	if err != nil {
		return err
	}
	first, last := 0, 0
	switch len(v) - n {
	case 0:
		ncpu, err := t.a.NumCPU()
		if err != nil {
			return err
		}
		last = ncpu - 1
	case 1:
		cpu, err := parseNumber(v[n], "cpu")
		if err != nil {
			return err
		}
		first, last = int(cpu), int(cpu)
	default:
		return errors.New("wrong number of arguments: percpu <address> <type_name> [cpu]")
	}

	t.stdout.PageMaybe()
	for cpu := first; cpu <= last; cpu++ {
		obj, err := t.a.PerCPU(tmpl, cpu)
		if err != nil {
			if first != last {
				t.Report(fmt.Sprintf("cpu %d: %v", cpu, err))
				continue
			}
			return err
		}
		s, err := t.a.MultilineString(obj)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s%#x %s\n", t.blue(fmt.Sprintf("[cpu %d] ", cpu)), obj.Addr, s)
	}
	return nil
}

func containerOfCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 3 {
		return errors.New("wrong number of arguments: container_of <address> <type_name> <member>")
	}
	addr, err := t.parseAddress(v[0])
	if err != nil {
		return err
	}
	typ, err := t.resolveNodeType(v[1])
	if err != nil {
		return err
	}
	obj, err := t.a.ContainerOf(addr, typ, v[2])
	if err != nil {
		return err
	}
	s, err := t.a.MultilineString(obj)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "(%s *) %#x = %s\n", obj.Type, obj.Addr, s)
	return nil
}

type slubOptions struct {
	cpu      int
	allCPUs  bool
	maxSize  uint64
	freelist bool
	filter   slub.NameFilter
}

func (t *Term) parseSlubArgs(args string) (*slubOptions, error) {
	v, err := splitArgs(args)
	if err != nil {
		return nil, err
	}
	o := &slubOptions{filter: slub.NameFilter{Prefix: defaultSlubPrefix, Exclude: defaultSlubExclude}}
	o.maxSize = defaultSlubMaxObjectSize
	if t.conf.SlubPrefix != nil {
		o.filter.Prefix = *t.conf.SlubPrefix
	}
	if t.conf.SlubExclude != nil {
		o.filter.Exclude = *t.conf.SlubExclude
	}
	if t.conf.SlubMaxObjectSize != nil {
		o.maxSize = *t.conf.SlubMaxObjectSize
	}

	flags := pflag.NewFlagSet("slub", pflag.ContinueOnError)
	flags.SetOutput(ioutil.Discard)
	flags.IntVar(&o.cpu, "cpu", 0, "CPU whose state is shown")
	flags.BoolVar(&o.allCPUs, "all-cpus", false, "show every CPU")
	flags.Uint64Var(&o.maxSize, "max-size", o.maxSize, "only caches with smaller objects, 0 for all")
	flags.BoolVar(&o.freelist, "freelist", false, "list the free objects of the active slab")
	if err := flags.Parse(v); err != nil {
		return nil, err
	}
	rest := flags.Args()
	switch len(rest) {
	case 2:
		o.filter.Prefix, o.filter.Exclude = rest[0], rest[1]
	case 1:
		o.filter.Prefix, o.filter.Exclude = rest[0], ""
	case 0:
	default:
		return nil, errors.New("wrong number of arguments: slub [options] [prefix [exclude]]")
	}
	o.filter.MaxObjectSize = o.maxSize
	return o, nil
}

func slubCommand(t *Term, args string) error {
	o, err := t.parseSlubArgs(args)
	if err != nil {
		return err
	}
	caches, err := t.al.Caches()
	if err != nil {
		if len(caches) == 0 {
			return err
		}
		t.reportError(err)
	}

	t.stdout.PageMaybe()
	for _, c := range slub.Filter(caches, o.filter) {
		fmt.Fprintln(t.stdout, t.red(c.Name+" : "))
		first, last := o.cpu, o.cpu
		if o.allCPUs {
			ncpu, err := c.NumCPU()
			if err != nil {
				return err
			}
			first, last = 0, ncpu-1
		}
		for cpu := first; cpu <= last; cpu++ {
			if err := t.showCPUSlab(c, cpu, o); err != nil {
				t.reportError(fmt.Errorf("%s cpu %d: %w", c.Name, cpu, err))
			}
		}
	}
	return nil
}

// showCPUSlab prints the free lists of the cache on cpu. Inconsistent
// slabs are reported and the rest of the state is still printed.
func (t *Term) showCPUSlab(c *slub.Cache, cpu int, o *slubOptions) error {
	s, err := c.PerCPU(cpu)
	if err != nil {
		return err
	}
	label := "cpu"
	if o.allCPUs {
		label = fmt.Sprintf("cpu %d", cpu)
	}

	av, err := s.Available()
	var tail string
	switch {
	case err != nil && !slub.IsWarning(err):
		return err
	case err != nil:
		t.reportError(err)
		tail = "inconsistent"
	case av.NoActiveSlab:
		tail = "no active slab"
	case av.Free == 0:
		tail = "full"
	default:
		tail = fmt.Sprintf("%#x", s.Freelist)
	}
	fmt.Fprintln(t.stdout, t.green(fmt.Sprintf("  %s direct slab freelist : ", label))+t.blue(tail))

	if o.freelist && s.Freelist != 0 {
		objs, err := s.FreelistChain(0)
		chain := make([]string, len(objs))
		for i := range objs {
			chain[i] = t.green(fmt.Sprintf("%#x", objs[i]))
		}
		fmt.Fprintf(t.stdout, "    %s\n", strings.Join(chain, t.blue("->")))
		if err != nil {
			t.reportError(err)
		}
	}

	slabs, err := s.PartialChain()
	for _, slab := range slabs {
		fmt.Fprintln(t.stdout, t.green(fmt.Sprintf("    %s partial slab freelist : ", label))+t.blue(fmt.Sprintf("%#x", slab.Freelist)))
	}
	if err != nil && !slub.IsWarning(err) {
		return err
	}
	if err != nil {
		t.reportError(err)
	}
	return nil
}

func cachesCommand(t *Term, args string) error {
	filter := slub.NameFilter{Prefix: args}
	caches, err := t.al.Caches()
	if err != nil && len(caches) == 0 {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "address\tname\tobject size\tsize\n")
	for _, c := range slub.Filter(caches, filter) {
		fmt.Fprintf(w, "%#x\t%s\t%d\t%d\n", c.Addr, c.Name, c.ObjectSize, c.Size)
	}
	if ferr := w.Flush(); ferr != nil {
		return ferr
	}
	return err
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			t.Report(fmt.Sprintf("%s:%d: %v", name, lineno, err))
		}
	}

	return scanner.Err()
}
