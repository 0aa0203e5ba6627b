package ptracer

import (
	sys "golang.org/x/sys/unix"
)

// hostRegisters wraps the kernel register layout of the host
// architecture.
type hostRegisters struct {
	regs sys.PtraceRegs
}

func (r *hostRegisters) PC() uint64 { return r.regs.Pc }

func (r *hostRegisters) SP() uint64 { return r.regs.Sp }

func (r *hostRegisters) FP() uint64 { return r.regs.Regs[29] }

func (r *hostRegisters) LR() uint64 { return r.regs.Regs[30] }
