// Package gdbserial reads the memory of a target controlled by a stub
// speaking the GDB Remote Serial Protocol, for example the stub QEMU
// starts with -s / -gdb tcp::1234 or a kgdb serial line exported over TCP.
//
// Only the packets needed to inspect a halted target are used: qSupported,
// QStartNoAckMode, '?', 'm' and 'D'. The target is never resumed, written
// to or single stepped.
//
// Reference: https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html
package gdbserial

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/kmemscope/kmemscope/pkg/proc"
)

var errDetached = errors.New("connection to the stub is closed")

// Remote represents a target controlled by a remote stub.
type Remote struct {
	mu   sync.Mutex
	addr string
	conn *gdbConn

	stopReason string
}

var _ proc.Target = &Remote{}

// Dial connects to the stub listening at addr and performs the protocol
// handshake.
func Dial(addr string, timeout time.Duration) (*Remote, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	r, err := Connect(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	r.addr = addr
	return r, nil
}

// Connect performs the handshake over an already established connection.
func Connect(c net.Conn) (*Remote, error) {
	conn := newConn(c)
	if err := conn.handshake(); err != nil {
		return nil, fmt.Errorf("gdb remote handshake: %v", err)
	}
	reason, err := conn.stopReason()
	if err != nil {
		return nil, fmt.Errorf("gdb remote stop reason: %v", err)
	}
	logflags.TargetLogger().Debugf("connected to stub, packet size %d, stop reason %q", conn.packetSize, reason)
	return &Remote{addr: c.RemoteAddr().String(), conn: conn, stopReason: reason}, nil
}

// StopReason returns the stop reply the stub sent when we connected.
func (r *Remote) StopReason() string {
	return r.stopReason
}

// ReadMemory implements proc.MemoryReader.
func (r *Remote) ReadMemory(data []byte, addr uint64) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return 0, errDetached
	}
	if err := r.conn.readMemory(data, addr); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Valid implements proc.Target. The stub only answers '?' for a halted
// target and kmemscope never resumes it, so an open connection means the
// target is readable.
func (r *Remote) Valid() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.conn.conn == nil {
		return false, proc.ErrTargetDetached
	}
	return true, nil
}

// Detach implements proc.Target.
func (r *Remote) Detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.detach()
	r.conn = nil
	return err
}

// Description implements proc.Target.
func (r *Remote) Description() string {
	return "gdb stub at " + r.addr
}
