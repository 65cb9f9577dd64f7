// Package native reads the memory of a live process on the local machine.
package native

import (
	"fmt"

	"github.com/kmemscope/kmemscope/pkg/proc"
)

// Process is a live local process. The process is not stopped: reads are
// only consistent if something else (a debugger, SIGSTOP) keeps it halted.
type Process struct {
	pid      int
	detached bool
}

var _ proc.Target = &Process{}

// Attach returns a target reading the memory of process pid.
func Attach(pid int) (*Process, error) {
	p := &Process{pid: pid}
	if ok, err := p.Valid(); !ok {
		return nil, err
	}
	return p, nil
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

// ReadMemory implements proc.MemoryReader.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if p.detached {
		return 0, proc.ErrTargetDetached
	}
	if len(buf) == 0 {
		return 0, nil
	}
	return readMemory(p.pid, buf, addr)
}

// Valid implements proc.Target.
func (p *Process) Valid() (bool, error) {
	if p.detached {
		return false, proc.ErrTargetDetached
	}
	if err := checkAlive(p.pid); err != nil {
		return false, err
	}
	return true, nil
}

// Detach implements proc.Target.
func (p *Process) Detach() error {
	p.detached = true
	return nil
}

// Description implements proc.Target.
func (p *Process) Description() string {
	return fmt.Sprintf("process %d", p.pid)
}
