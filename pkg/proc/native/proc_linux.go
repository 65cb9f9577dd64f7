package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/kmemscope/kmemscope/pkg/proc"
)

func readMemory(pid int, buf []byte, addr uint64) (int, error) {
	local := []sys.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := sys.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		if err == sys.ESRCH {
			return 0, proc.ErrProcessExited{Pid: pid}
		}
		return n, fmt.Errorf("process_vm_readv at %#x: %v", addr, err)
	}
	return n, nil
}

func checkAlive(pid int) error {
	if err := sys.Kill(pid, 0); err != nil {
		if err == sys.ESRCH {
			return proc.ErrProcessExited{Pid: pid}
		}
		if err != sys.EPERM {
			return err
		}
	}
	return nil
}
