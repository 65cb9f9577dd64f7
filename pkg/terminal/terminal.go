package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/sirupsen/logrus"

	"github.com/kmemscope/kmemscope/pkg/config"
	"github.com/kmemscope/kmemscope/pkg/kmem"
	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/kmemscope/kmemscope/pkg/proc"
	"github.com/kmemscope/kmemscope/pkg/slub"
	"github.com/kmemscope/kmemscope/pkg/terminal/starbind"
)

const historyFile string = ".kmemscope_history"

// Term represents the terminal running kmemscope.
type Term struct {
	target proc.Target
	a      *kmem.Accessor
	al     *slub.Allocator
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	stdout *pagingWriter
	stderr io.Writer
	colors bool
	log    *logrus.Entry

	// InitFile is a file of commands, or a starlark script, executed before
	// the first prompt.
	InitFile string

	starlarkEnv *starbind.Env
}

// New returns a new Term reading the memory of target through a. Target
// may be nil, commands that need memory then fail with kmem.ErrNotAttached.
func New(target proc.Target, a *kmem.Accessor, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands(conf)
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	t := &Term{
		target: target,
		a:      a,
		conf:   conf,
		prompt: "(kmem) ",
		cmds:   cmds,
		stdout: newPagingWriter(os.Stdout),
		stderr: os.Stderr,
		colors: colorsEnabled(conf.NoColor, os.Stdout),
		log:    logflags.TerminalLogger(),
	}
	if a != nil {
		t.al = slub.New(a, slubLayout(conf))
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.starlarkEnv.Cancel()
	}
}

// catchSigint cancels running starlark code on SIGINT until the returned
// function is called. The returned function waits for the guard to exit.
func (t *Term) catchSigint() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		t.sigintGuard(ch)
		close(done)
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
		<-done
	}
}

// Run begins running the command loop. It returns the exit status of the
// program.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	defer t.Close()

	defer t.catchSigint()()

	t.line.SetCompleter(func(line string) []string {
		if strings.Contains(line, " ") {
			return nil
		}
		return t.cmds.complete(strings.ToLower(line))
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintf(t.stderr, "Unable to load history file: %v.\n", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		if err := t.cmds.sourceCommand(t, t.InitFile); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.Report(fmt.Sprintf("Error executing init file: %s", err))
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, errors.New("prompt for input failed")
		}
		if err := t.call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
		}
	}
}

// RunCommands executes cmdstrs in order, then releases the target like
// the exit command does.
func (t *Term) RunCommands(cmdstrs []string) (int, error) {
	defer t.Close()
	status := 0
	for _, cmdstr := range cmdstrs {
		if err := t.call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				break
			}
			status = 1
		}
	}
	code, err := t.handleExit()
	if code == 0 {
		code = status
	}
	return code, err
}

// call executes one command line and reports its error.
func (t *Term) call(cmdstr string) error {
	if logflags.Terminal() {
		t.log.Debugf("command %q", cmdstr)
	}
	err := t.cmds.Call(cmdstr, t)
	t.stdout.Reset()
	if err == nil {
		return nil
	}
	if _, ok := err.(ExitRequestError); ok {
		return err
	}
	t.reportError(err)
	return err
}

func (t *Term) reportError(err error) {
	if slub.IsWarning(err) {
		t.Report(fmt.Sprintf("warning: %v", err))
		return
	}
	t.Report(fmt.Sprintf("Command failed: %v", err))
}

// Report prints a diagnostic for the user. The command loop keeps going.
func (t *Term) Report(msg string) {
	fmt.Fprintln(t.stderr, t.red(msg))
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		fullHistoryFile, err := config.GetConfigFilePath(historyFile)
		if err != nil {
			fmt.Fprintln(t.stderr, "Error saving history file:", err)
		} else if f, err := os.Create(fullHistoryFile); err == nil {
			if _, err := t.line.WriteHistory(f); err != nil {
				fmt.Fprintln(t.stderr, "readline history error:", err)
			}
			f.Close()
		}
	}

	if t.target == nil {
		return 0, nil
	}
	if err := t.target.Detach(); err != nil && err != proc.ErrTargetDetached {
		return 1, err
	}
	return 0, nil
}

// ExitRequestError is returned when the user exits the terminal.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}
