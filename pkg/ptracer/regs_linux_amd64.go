package ptracer

import (
	sys "golang.org/x/sys/unix"
)

// hostRegisters wraps the kernel register layout of the host
// architecture.
type hostRegisters struct {
	regs sys.PtraceRegs
}

func (r *hostRegisters) PC() uint64 { return r.regs.Rip }

func (r *hostRegisters) SP() uint64 { return r.regs.Rsp }

func (r *hostRegisters) FP() uint64 { return r.regs.Rbp }

// LR returns 0: x86-64 keeps return addresses on the stack.
func (r *hostRegisters) LR() uint64 { return 0 }
