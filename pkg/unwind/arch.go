package unwind

import (
	"runtime"

	"golang.org/x/arch/x86/x86asm"
)

// Arch holds the stack layout rules of one instruction set. Both
// supported architectures chain frames the same way: the saved frame
// pointer sits at [FP] and the return address one word above it.
type Arch struct {
	Name    string
	PtrSize int

	// adjustTopFrame inspects the stopped position and, when the
	// standard chain rule would misread it, computes the caller
	// directly. It reports whether it took over.
	adjustTopFrame func(it *stackIterator) bool
}

// AMD64Arch returns the stack layout rules for x86-64.
func AMD64Arch() *Arch {
	return &Arch{
		Name:           "amd64",
		PtrSize:        8,
		adjustTopFrame: amd64AdjustTopFrame,
	}
}

// ARM64Arch returns the stack layout rules for AArch64.
func ARM64Arch() *Arch {
	return &Arch{
		Name:           "arm64",
		PtrSize:        8,
		adjustTopFrame: arm64AdjustTopFrame,
	}
}

// HostArch returns the rules of the architecture this process runs on.
func HostArch() *Arch {
	if runtime.GOARCH == "arm64" {
		return ARM64Arch()
	}
	return AMD64Arch()
}

// amd64AdjustTopFrame corrects the first caller computation when the
// target stopped inside a prologue or at a return: at function entry
// the return address is still at [SP]; right after the frame pointer
// push it sits one word higher. Anything unrecognized, including
// undecodable bytes, falls back to the plain chain rule.
func amd64AdjustTopFrame(it *stackIterator) bool {
	code := make([]byte, 16)
	n, err := it.mem.ReadMemory(code, it.pc)
	if err != nil || n == 0 {
		return false
	}
	inst, err := x86asm.Decode(code[:n], 64)
	if err != nil {
		return false
	}
	switch inst.Op {
	case x86asm.PUSH:
		reg, ok := inst.Args[0].(x86asm.Reg)
		if !ok || reg != x86asm.RBP {
			return false
		}
		// about to push the caller's RBP: return address at [SP],
		// frame pointer still the caller's
		ret, err := it.readWord(it.sp)
		if err != nil || ret == 0 {
			return false
		}
		it.pc, it.sp = ret, it.sp+8
		return true
	case x86asm.MOV:
		dst, dok := inst.Args[0].(x86asm.Reg)
		src, sok := inst.Args[1].(x86asm.Reg)
		if !dok || !sok || dst != x86asm.RBP || src != x86asm.RSP {
			return false
		}
		// the caller's RBP was just pushed: it sits at [SP] with the
		// return address one word above
		savedFP, err := it.readWord(it.sp)
		if err != nil {
			return false
		}
		ret, err := it.readWord(it.sp + 8)
		if err != nil || ret == 0 {
			return false
		}
		it.fp, it.pc, it.sp = savedFP, ret, it.sp+16
		return true
	case x86asm.RET:
		ret, err := it.readWord(it.sp)
		if err != nil || ret == 0 {
			return false
		}
		it.pc, it.sp = ret, it.sp+8
		return true
	}
	return false
}

// arm64AdjustTopFrame accounts for functions that have not pushed a
// frame record: their return address is still in the link register.
// When the topmost frame record already holds LR the plain chain rule
// is the right one.
func arm64AdjustTopFrame(it *stackIterator) bool {
	if it.lr == 0 || it.lr == it.pc {
		return false
	}
	if it.fp != 0 {
		if ret, err := it.readWord(it.fp + uint64(it.arch.PtrSize)); err == nil && ret == it.lr {
			return false
		}
	}
	it.pc = it.lr
	it.lr = 0
	return true
}
