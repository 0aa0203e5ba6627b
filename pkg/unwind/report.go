package unwind

import (
	"fmt"
	"strings"
)

// Reason records why the target was stopped for a stack capture.
type Reason struct {
	Signal      int32
	Description string
}

func (r Reason) String() string {
	switch {
	case r.Description != "" && r.Signal != 0:
		return fmt.Sprintf("%s (signal %d)", r.Description, r.Signal)
	case r.Description != "":
		return r.Description
	case r.Signal != 0:
		return fmt.Sprintf("signal %d", r.Signal)
	}
	return "unspecified"
}

// Status describes how a walk ended.
type Status int

const (
	// Complete means the walk reached the natural root of the stack.
	Complete Status = iota
	// TruncatedByLimit means the frame budget ran out or the frame
	// chain looped.
	TruncatedByLimit
	// AbortedByError means target state could not be read; the frames
	// collected up to that point are still in the report.
	AbortedByError
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case TruncatedByLimit:
		return "truncated-by-limit"
	case AbortedByError:
		return "aborted-by-error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Frame is one resolved stack frame. PC is the absolute program
// counter; ModulePC is the same position relative to the load base of
// the owning module, which is what offline tools want. When no module
// owns the address the frame stays address-only.
type Frame struct {
	PC           uint64
	ModulePC     uint64
	Module       string
	Symbol       string
	SymbolOffset uint64
}

func (f Frame) String() string {
	switch {
	case f.Symbol != "":
		return fmt.Sprintf("%#014x %s+%#x (%s)", f.PC, f.Symbol, f.SymbolOffset, f.Module)
	case f.Module != "":
		return fmt.Sprintf("%#014x ?? (%s)", f.PC, f.Module)
	}
	return fmt.Sprintf("%#014x ??", f.PC)
}

// Report is the outcome of one stack capture.
type Report struct {
	Pid    int
	Reason Reason
	Frames []Frame
	Status Status

	// Fault holds the failure that ended the walk when Status is
	// AbortedByError.
	Fault string
}

// Text renders the report the way it appears in supervisor logs, one
// frame per line, innermost first.
func (r *Report) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "stack of process %d, %s: %s\n", r.Pid, r.Reason, r.Status)
	for i, f := range r.Frames {
		fmt.Fprintf(&sb, "#%-2d %s\n", i, f)
	}
	if r.Fault != "" {
		fmt.Fprintf(&sb, "walk aborted: %s\n", r.Fault)
	}
	return sb.String()
}
