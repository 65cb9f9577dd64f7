//go:build !linux
// +build !linux

package native

import (
	"errors"
)

var errNotSupported = errors.New("reading live process memory is only supported on linux")

func readMemory(pid int, buf []byte, addr uint64) (int, error) {
	return 0, errNotSupported
}

func checkAlive(pid int) error {
	return errNotSupported
}
