package proc

import (
	"fmt"
	"io"
)

const cacheEnabled = true

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := m.cacheAddr + uint64(len(m.cache))
	return addr >= m.cacheAddr && addr+uint64(size) <= end && addr+uint64(size) >= addr
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// CacheMemory returns a MemoryReader that serves reads falling inside
// [addr, addr+size) from a single read of that range. If the range can not
// be read mem is returned unchanged.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	_, err := ReadFull(mem, cache, addr)
	if err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// ReadFull reads exactly len(buf) bytes at addr, a short read is an error.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) (int, error) {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read at %#x: %d of %d bytes: %w", addr, n, len(buf), io.ErrUnexpectedEOF)
	}
	return n, nil
}
