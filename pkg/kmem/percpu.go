package kmem

import (
	"errors"
	"fmt"
)

// PerCPU locates the per-CPU memory areas of the target.
type PerCPU interface {
	// NumCPU returns the number of CPU indices the target reports.
	NumCPU() (int, error)
	// AreaBase returns the base address of the per-CPU area of cpu.
	AreaBase(cpu int) (uint64, error)
}

const (
	DefaultPerCPUOffsetSymbol = "__per_cpu_offset"
	DefaultNrCPUsSymbol       = "nr_cpu_ids"
	DefaultOnlineMaskSymbol   = "__cpu_online_mask"
)

var errCPUOffline = errors.New("cpu is not online")

// KernelPerCPU reads per-CPU information from the symbols of a Linux
// kernel: the CPU count from nr_cpu_ids and the area bases from the
// __per_cpu_offset array. CPUs missing from __cpu_online_mask, when the
// kernel has it, are treated as unreadable.
type KernelPerCPU struct {
	Accessor *Accessor

	OffsetSymbol     string
	NrCPUsSymbol     string
	OnlineMaskSymbol string
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// NumCPU implements PerCPU.
func (k *KernelPerCPU) NumCPU() (int, error) {
	sym, err := k.Accessor.ResolveSymbol(orDefault(k.NrCPUsSymbol, DefaultNrCPUsSymbol))
	if err != nil {
		return 0, err
	}
	// nr_cpu_ids is an unsigned int, untyped symbols come back as
	// unsigned long
	size := int64(4)
	if sym.Type != UnsignedLong && (sym.Type.Kind == Int || sym.Type.Kind == Uint) {
		size = sym.Type.Size
	}
	n, err := k.Accessor.ReadUint(sym.Addr, size)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AreaBase implements PerCPU.
func (k *KernelPerCPU) AreaBase(cpu int) (uint64, error) {
	sym, err := k.Accessor.ResolveSymbol(orDefault(k.OffsetSymbol, DefaultPerCPUOffsetSymbol))
	if err != nil {
		return 0, err
	}
	if err := k.checkOnline(cpu); err != nil {
		return 0, err
	}
	addr := sym.Addr + uint64(cpu)*PtrSize
	base, err := k.Accessor.ReadUint(addr, PtrSize)
	if err != nil {
		return 0, err
	}
	if base == 0 {
		return 0, &UnreadableMemoryError{Addr: addr, Size: PtrSize, Err: errCPUOffline}
	}
	return base, nil
}

func (k *KernelPerCPU) checkOnline(cpu int) error {
	sym, err := k.Accessor.ResolveSymbol(orDefault(k.OnlineMaskSymbol, DefaultOnlineMaskSymbol))
	if err != nil {
		// older kernels and stripped symbol tables do not have it
		return nil
	}
	addr := sym.Addr + uint64(cpu/64)*8
	word, err := k.Accessor.ReadUint(addr, 8)
	if err != nil {
		return err
	}
	if word&(1<<uint(cpu%64)) == 0 {
		return &UnreadableMemoryError{Addr: addr, Size: 8, Err: fmt.Errorf("cpu %d: %w", cpu, errCPUOffline)}
	}
	return nil
}

// NumCPU returns the number of CPUs of the target.
func (a *Accessor) NumCPU() (int, error) {
	return a.percpu.NumCPU()
}

// PerCPU resolves a per-CPU template for cpu. A pointer template holds an
// offset into the per-CPU area and resolves to its pointee type. Any other
// value is a per-CPU variable whose own address is the offset.
func (a *Accessor) PerCPU(template Value, cpu int) (Value, error) {
	n, err := a.percpu.NumCPU()
	if err != nil {
		return Value{}, err
	}
	if cpu < 0 || cpu >= n {
		return Value{}, &InvalidCPUIndexError{CPU: cpu, NumCPU: n}
	}
	base, err := a.percpu.AreaBase(cpu)
	if err != nil {
		return Value{}, err
	}
	if template.Type.Kind != Pointer {
		return Value{Addr: base + template.Addr, Type: template.Type}, nil
	}
	template, err = a.Load(template)
	if err != nil {
		return Value{}, err
	}
	return Value{Addr: base + template.Pointer(), Type: template.Type.Elem()}, nil
}
