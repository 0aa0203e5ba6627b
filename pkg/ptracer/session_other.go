//go:build !(linux && (amd64 || arm64))

package ptracer

import "errors"

var errUnsupported = errors.New("stack capture requires ptrace, which this platform does not have")

// PtraceSession is only functional on Linux.
type PtraceSession struct{}

// Attach always fails off Linux.
func Attach(pid int) (*PtraceSession, error) {
	return nil, &PermissionError{Pid: pid, Err: errUnsupported}
}

func (s *PtraceSession) Pid() int { return 0 }

func (s *PtraceSession) Attached() bool { return false }

func (s *PtraceSession) ReadMemory([]byte, uint64) (int, error) {
	return 0, errUnsupported
}

func (s *PtraceSession) Registers() (Registers, error) {
	return nil, errUnsupported
}

func (s *PtraceSession) Detach() error { return nil }

// Stopped reports whether pid currently sits in trace-stop.
func Stopped(pid int) bool { return false }

// State returns the run state letter of pid, or 0 when it cannot be
// determined.
func State(pid int) rune { return 0 }

// TracerPid returns the pid of the process tracing pid, or 0 when pid
// is not traced or its status cannot be read.
func TracerPid(pid int) int { return 0 }
