package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	ansiRed   = 31
	ansiGreen = 32
	ansiBlue  = 34

	colorEscape = "\033[%dm"
	colorReset  = "\033[0m"
)

// colorsEnabled returns true if output to w can be decorated with ANSI
// escapes.
func colorsEnabled(noColor bool, w io.Writer) bool {
	if noColor || strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

// colorize wraps s in the escape for color when colors are enabled.
func (t *Term) colorize(color int, s string) string {
	if !t.colors {
		return s
	}
	return fmt.Sprintf(colorEscape, color) + s + colorReset
}

func (t *Term) red(s string) string   { return t.colorize(ansiRed, s) }
func (t *Term) green(s string) string { return t.colorize(ansiGreen, s) }
func (t *Term) blue(s string) string  { return t.colorize(ansiBlue, s) }

// pagingWriter writes to w. After PageMaybe is called, output larger than
// the terminal window is piped to a pager instead.
type pagingWriter struct {
	mode     pagingWriterMode
	w        io.Writer
	buf      []byte
	cmd      *exec.Cmd
	cmdStdin io.WriteCloser
	pager    string
	lastnl   bool

	lines, columns int
}

type pagingWriterMode uint8

const (
	pagingWriterNormal pagingWriterMode = iota
	pagingWriterMaybe
	pagingWriterPaging
)

func newPagingWriter(f *os.File) *pagingWriter {
	return &pagingWriter{w: colorable.NewColorable(f)}
}

func (w *pagingWriter) Write(p []byte) (int, error) {
	switch w.mode {
	case pagingWriterMaybe:
		w.buf = append(w.buf, p...)
		if !w.largeOutput() {
			if len(p) > 0 {
				w.lastnl = p[len(p)-1] == '\n'
			}
			return w.w.Write(p)
		}
		w.cmd = exec.Command(w.pager)
		w.cmd.Stdout = os.Stdout
		w.cmd.Stderr = os.Stderr
		var err1, err2 error
		w.cmdStdin, err1 = w.cmd.StdinPipe()
		err2 = w.cmd.Start()
		if err1 != nil || err2 != nil {
			w.cmd = nil
			w.mode = pagingWriterNormal
			return w.w.Write(p)
		}
		if !w.lastnl {
			w.w.Write([]byte("\n"))
		}
		w.w.Write([]byte("Sending output to pager...\n"))
		w.cmdStdin.Write(w.buf)
		w.buf = nil
		w.mode = pagingWriterPaging
		return len(p), nil
	case pagingWriterPaging:
		return w.cmdStdin.Write(p)
	default:
		return w.w.Write(p)
	}
}

// Reset returns the pagingWriter to its normal mode, waiting for the pager
// to exit.
func (w *pagingWriter) Reset() {
	if w.mode == pagingWriterNormal {
		return
	}
	w.mode = pagingWriterNormal
	w.buf = nil
	if w.cmd != nil {
		w.cmdStdin.Close()
		w.cmd.Wait()
		w.cmd = nil
		w.cmdStdin = nil
	}
}

// PageMaybe starts buffering output. Once more than a window of text has
// been written it is sent to $KMEMSCOPE_PAGER, $PAGER or more.
func (w *pagingWriter) PageMaybe() {
	if w.mode != pagingWriterNormal {
		return
	}
	pager := os.Getenv("KMEMSCOPE_PAGER")
	if pager == "" {
		if !isatty.IsTerminal(os.Stdout.Fd()) || strings.ToLower(os.Getenv("TERM")) == "dumb" {
			return
		}
		pager = os.Getenv("PAGER")
		if pager == "" {
			pager = "more"
		}
	}
	w.mode = pagingWriterMaybe
	w.pager = pager
	w.lastnl = true
	w.getWindowSize()
}

func (w *pagingWriter) largeOutput() bool {
	lines := 0
	lineStart := 0
	for i := range w.buf {
		if i-lineStart > w.columns || w.buf[i] == '\n' {
			lineStart = i
			lines++
			if lines > w.lines {
				return true
			}
		}
	}
	return false
}
