package proc

import (
	"errors"
	"fmt"
)

// Target is an inspectable memory image: a kernel behind a gdb stub, a
// core file or a live process. Implementations never write target memory.
type Target interface {
	MemoryReader
	// Valid returns true if the target can currently be read. A false
	// result comes with an error describing why.
	Valid() (bool, error)
	// Detach releases the target, leaving it in the state it was found.
	Detach() error
	// Description is a one line human readable description of the target.
	Description() string
}

// ErrTargetDetached is returned by Valid after Detach has been called.
var ErrTargetDetached = errors.New("target has been detached")

// ErrProcessExited indicates that the process has exited.
type ErrProcessExited struct {
	Pid int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("process %d has exited", pe.Pid)
}

// ErrTargetRunning is returned by Valid when the target is executing and
// its memory can not be read consistently.
type ErrTargetRunning struct {
	Description string
}

func (e ErrTargetRunning) Error() string {
	return fmt.Sprintf("%s is running, halt it first", e.Description)
}
