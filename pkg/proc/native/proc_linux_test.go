package native

import (
	"encoding/binary"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/proc"
)

type node struct {
	val  uint64
	next *node
}

func TestReadOwnMemory(t *testing.T) {
	p, err := Attach(os.Getpid())
	if err != nil {
		t.Skipf("can not attach to self: %v", err)
	}
	defer p.Detach()

	second := &node{val: 2}
	first := &node{val: 1, next: second}

	buf := make([]byte, 16)
	if _, err := proc.ReadFull(p, buf, uint64(uintptr(unsafe.Pointer(first)))); err != nil {
		t.Skipf("process_vm_readv not permitted: %v", err)
	}
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(buf))
	require.Equal(t, uint64(uintptr(unsafe.Pointer(second))), binary.LittleEndian.Uint64(buf[8:]))
	runtime.KeepAlive(first)

	require.NoError(t, p.Detach())
	_, err = p.ReadMemory(buf, 0x1000)
	require.Equal(t, proc.ErrTargetDetached, err)
}
