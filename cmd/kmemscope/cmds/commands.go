// Package cmds builds the kmemscope command tree.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmemscope/kmemscope/pkg/config"
	"github.com/kmemscope/kmemscope/pkg/debuginfo"
	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/kmemscope/kmemscope/pkg/proc"
	"github.com/kmemscope/kmemscope/pkg/proc/core"
	"github.com/kmemscope/kmemscope/pkg/proc/gdbserial"
	"github.com/kmemscope/kmemscope/pkg/proc/native"
	"github.com/kmemscope/kmemscope/pkg/terminal"
	"github.com/kmemscope/kmemscope/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// vmlinux is the kernel image providing symbols and types.
	vmlinux string
	// layoutFiles are YAML layout files, consulted before vmlinux.
	layoutFiles []string
	// symbolOffset is the KASLR slide added to every symbol address.
	symbolOffset string
	// execCmds are run in order, after which kmemscope exits.
	execCmds []string
	// dialTimeout bounds the connection to a gdb stub.
	dialTimeout time.Duration
	// verbose makes the version command print build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kmemscopeCommandLongDesc = `kmemscope inspects the memory of a halted Linux kernel.

It reads typed objects out of the target using the DWARF information of
vmlinux (or a YAML layout file), walks linked lists and reports the state
of the SLUB allocator per cache and per CPU.

The target can be a kernel stopped behind a gdb stub (QEMU -s, kgdb), a
kernel crash dump or /proc/kcore, or the memory of a live process.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	rootCommand = &cobra.Command{
		Use:           "kmemscope",
		Short:         "kmemscope is a kernel memory inspector.",
		Long:          kmemscopeCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'kmemscope help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'kmemscope help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal before the first prompt.")
	rootCommand.PersistentFlags().StringVar(&vmlinux, "vmlinux", "", "Kernel image with debug information.")
	rootCommand.PersistentFlags().StringArrayVar(&layoutFiles, "layout", nil, "YAML layout file (see 'kmemscope help layout'), can be repeated.")
	rootCommand.PersistentFlags().StringVar(&symbolOffset, "symbol-offset", "0", "Offset added to every symbol address (KASLR slide).")
	rootCommand.PersistentFlags().StringArrayVarP(&execCmds, "execute", "x", nil, "Command to execute instead of starting the prompt, can be repeated.")

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect host:port",
		Short: "Connect to a gdb stub and inspect the halted kernel.",
		Long: `Connect to a stub speaking the GDB Remote Serial Protocol.

This is the stub QEMU starts with -s (localhost:1234) or a kgdb serial line
exported over TCP. The target must be halted, kmemscope never resumes it.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide an address as the first argument")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func() (proc.Target, error) {
				return gdbserial.Dial(args[0], dialTimeout)
			}))
		},
	}
	connectCommand.Flags().DurationVar(&dialTimeout, "timeout", 10*time.Second, "Connection timeout.")
	rootCommand.AddCommand(connectCommand)

	// 'core' subcommand.
	coreCommand := &cobra.Command{
		Use:   "core <corefile>",
		Short: "Inspect a kernel crash dump or /proc/kcore.",
		Long: `Open an ELF core file and inspect the memory it contains.

The loadable segments of the --vmlinux image are mapped below the core, so
read-only kernel data missing from the dump is still available.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a core file")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func() (proc.Target, error) {
				return core.Open(args[0], vmlinux)
			}))
		},
	}
	rootCommand.AddCommand(coreCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Inspect the memory of a running process.",
		Long: `Read the memory of a running process.

The process is not stopped, objects are read as they are when each command
runs. Use --vmlinux with the executable of the process to get its types.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
				os.Exit(1)
			}
			os.Exit(execute(func() (proc.Target, error) {
				return native.Attach(pid)
			}))
		},
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kmemscope\n%s\n", version.KmemscopeVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	target		Log target attachment and memory reads
	gdbwire		Log connection to the gdb stub
	kmem		Log type resolution and chain walks
	slub		Log allocator model inconsistencies
	terminal	Log terminal commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "layout",
		Short: "Help about layout files.",
		Long: `A layout file describes types and symbols without DWARF information.
It is useful for kernels built without CONFIG_DEBUG_INFO or to override a
few definitions of vmlinux. Layout files given with --layout are consulted
before vmlinux, in the order given.

	symbols:
	  slab_caches: {addr: 0xffffffff82a4b8e0, type: struct list_head}
	types:
	  - name: struct list_head
	    size: 16
	    fields:
	      - {name: next, offset: 0, type: struct list_head *}
	      - {name: prev, offset: 8, type: struct list_head *}

Bitfields take bit_offset and bit_size, arrays are written "char[8]".
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func execute(open func() (proc.Target, error)) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	offset, err := parseSymbolOffset(symbolOffset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	info, err := loadDebuginfo(conf, vmlinux, layoutFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	target, err := open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open target: %v\n", err)
		return 1
	}
	logflags.TargetLogger().Debugf("attached to %s", target.Description())

	term := newTerm(target, info, offset, conf)
	term.InitFile = initFile

	var status int
	if len(execCmds) > 0 {
		status, err = term.RunCommands(execCmds)
	} else {
		status, err = term.Run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}

// newTerm wires target and info into a terminal.
func newTerm(target proc.Target, info kmem.Debuginfo, offset uint64, conf *config.Config) *terminal.Term {
	a := kmem.New(target, info, kmem.Config{
		SymbolOffset:       offset,
		PerCPUOffsetSymbol: conf.PerCPUOffsetSymbol,
		NrCPUsSymbol:       conf.NrCPUsSymbol,
	})
	return terminal.New(target, a, conf)
}

// loadDebuginfo layers the layout files over the ELF image. At least one
// of them must be given.
func loadDebuginfo(conf *config.Config, vmlinux string, layoutFiles []string) (debuginfo.Layers, error) {
	var layers debuginfo.Layers
	for _, path := range layoutFiles {
		l, err := debuginfo.LoadLayoutFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not load layout %s: %v", path, err)
		}
		layers = append(layers, l)
	}
	if vmlinux != "" {
		var dirs []string
		if conf != nil {
			dirs = conf.DebugInfoDirectories
		}
		e, err := debuginfo.LoadELF(vmlinux, dirs...)
		switch {
		case err == debuginfo.ErrNoDebugInfo:
			fmt.Fprintf(os.Stderr, "Warning: %s has no debug information, only symbols are available\n", vmlinux)
		case err != nil:
			return nil, fmt.Errorf("could not load %s: %v", vmlinux, err)
		}
		layers = append(layers, e)
	}
	if len(layers) == 0 {
		return nil, errors.New("no debug information, use --vmlinux or --layout")
	}
	return layers, nil
}

func parseSymbolOffset(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid symbol offset %q", s)
	}
	return n, nil
}
