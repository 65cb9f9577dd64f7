package starbind

// Code in this file is derived from go.starlark.net/repl/repl.go
// Which is licensed under the following copyright:
//
// Copyright (c) 2017 The Bazel Authors.  All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
// 1. Redistributions of source code must retain the above copyright
//    notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
//    notice, this list of conditions and the following disclaimer in the
//    documentation and/or other materials provided with the
//    distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived
//    from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// HOLDER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/liner"
)

const (
	replPrompt   = "star> "
	replContinue = "....> "
	replExit     = "exit"
	// lines starting with replCommand are command line commands
	replCommand = ":"
)

// lineReader reads the input of the REPL. It is implemented by
// *liner.State.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// REPL starts an interactive starlark session on the terminal. Lines
// starting with ':' are run as command line commands, objects of target
// memory are printed one member per line. When the session ends globals
// are exported with the same rules as the globals of a script.
func (env *Env) REPL() error {
	rl := liner.NewLiner()
	defer rl.Close()
	s := env.newREPLSession(rl)
	rl.SetCompleter(s.complete)
	return s.run()
}

type replSession struct {
	env     *Env
	rl      lineReader
	thread  *starlark.Thread
	globals starlark.StringDict
}

func (env *Env) newREPLSession(rl lineReader) *replSession {
	s := &replSession{env: env, rl: rl, thread: env.newThread(), globals: starlark.StringDict{}}
	for k, v := range env.env {
		s.globals[k] = v
	}
	return s
}

// run reads and evaluates input until exit or the end of input. Reading
// errors other than io.EOF, liner.ErrPromptAborted included, end the
// session without exporting.
func (s *replSession) run() error {
	for {
		if err := isCancelled(s.thread); err != nil {
			return err
		}
		err := s.step()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(s.env.out)
	return s.env.exportGlobals(s.globals)
}

// step reads and evaluates one statement. Evaluation errors are printed,
// only reading errors are returned.
func (s *replSession) step() error {
	line, err := s.rl.Prompt(replPrompt)
	if err != nil {
		return err
	}
	switch trimmed := strings.TrimSpace(line); {
	case trimmed == "":
		return nil
	case trimmed == replExit:
		return io.EOF
	case strings.HasPrefix(trimmed, replCommand):
		s.rl.AppendHistory(line)
		if err := s.env.ctx.CallCommand(strings.TrimSpace(trimmed[len(replCommand):])); err != nil {
			fmt.Fprintf(s.env.out, "Command failed: %v\n", err)
		}
		return nil
	}
	s.rl.AppendHistory(line)

	pending := []byte(line + "\n")
	var readErr error
	readline := func() ([]byte, error) {
		if pending != nil {
			b := pending
			pending = nil
			return b, nil
		}
		more, err := s.rl.Prompt(replContinue)
		if err != nil {
			readErr = err
			return nil, err
		}
		s.rl.AppendHistory(more)
		return []byte(more + "\n"), nil
	}
	f, err := syntax.ParseCompoundStmt("<stdin>", readline)
	if err != nil {
		if readErr != nil {
			return readErr
		}
		s.printError(err)
		return nil
	}
	s.eval(f)
	return nil
}

func (s *replSession) eval(f *syntax.File) {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			v, err := starlark.EvalExpr(s.thread, stmt.X, s.globals)
			if err != nil {
				s.printError(err)
				return
			}
			s.print(v)
			return
		}
	}
	prog, err := starlark.FileProgram(f, s.globals.Has)
	if err != nil {
		s.printError(err)
		return
	}
	// globals of a failed statement may be missing
	res, err := prog.Init(s.thread, s.globals)
	if err != nil {
		s.printError(err)
	}
	for k, v := range res {
		s.globals[k] = v
	}
}

func (s *replSession) print(v starlark.Value) {
	switch v := v.(type) {
	case starlark.NoneType:
		return
	case memValue:
		if str, err := v.a.MultilineString(v.v); err == nil {
			fmt.Fprintln(s.env.out, str)
			return
		}
	}
	fmt.Fprintln(s.env.out, v)
}

func (s *replSession) printError(err error) {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		fmt.Fprintln(s.env.out, evalErr.Backtrace())
		return
	}
	fmt.Fprintln(s.env.out, err)
}

// complete completes the identifier at the end of line with the names of
// the globals of the session and of the starlark universe.
func (s *replSession) complete(line string) []string {
	start := strings.LastIndexFunc(line, func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) + 1
	prefix := line[start:]
	if prefix == "" {
		return nil
	}
	var r []string
	for _, names := range []starlark.StringDict{s.globals, starlark.Universe} {
		for name := range names {
			if strings.HasPrefix(name, prefix) {
				r = append(r, line[:start]+name)
			}
		}
	}
	sort.Strings(r)
	return r
}
