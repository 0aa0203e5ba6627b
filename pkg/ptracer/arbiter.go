// Package ptracer gives the stack-walking machinery access to the one
// ptrace relationship a supervisor holds with its target.
//
// The kernel allows a single tracer per task, and every ptrace request
// after the attach has to come from the attaching thread. The package
// deals with both constraints: PtraceSession funnels all requests
// through a dedicated locked OS thread, and the arbiter lets exactly
// one stack walk at a time borrow an existing session instead of
// attempting a second attach that the kernel would refuse.
package ptracer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
)

// Session is the tracer side of an existing ptrace relationship with a
// stopped target. Sessions are not goroutine-safe; concurrent walks
// serialize through the arbiter instead.
type Session interface {
	// Pid returns the target process id.
	Pid() int
	// Attached reports whether the trace relationship still exists.
	Attached() bool
	// ReadMemory reads len(buf) bytes of target memory at addr.
	ReadMemory(buf []byte, addr uint64) (int, error)
	// Registers returns a register snapshot of the stopped target.
	Registers() (Registers, error)
	// Detach ends the trace relationship.
	Detach() error
}

// Registers is the subset of the register file a frame-pointer walk
// needs.
type Registers interface {
	PC() uint64
	SP() uint64
	// FP returns the frame pointer (RBP on x86-64, X29 on ARM64).
	FP() uint64
	// LR returns the link register, or 0 on architectures without one.
	LR() uint64
}

// NotAttachedError means the process has no trace relationship with
// this supervisor.
type NotAttachedError struct {
	Pid int
}

func (e *NotAttachedError) Error() string {
	return fmt.Sprintf("process %d is not traced by this session", e.Pid)
}

// PermissionError means the kernel refused a trace operation.
type PermissionError struct {
	Pid int
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cannot trace process %d: %v", e.Pid, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Token represents an active arbitration. Whoever holds it owns target
// access until Release.
type Token struct {
	s    Session
	once sync.Once
}

var (
	// arbiterMu serializes walks: it is held from Activate to Release.
	arbiterMu sync.Mutex

	// activeMu guards the pointer itself so Open can be called from
	// any goroutine.
	activeMu sync.Mutex
	active   *Token
)

// Activate installs s as the process-wide redirection target for Open.
// At most one activation exists at a time; a second caller queues until
// the current token is released. The token must be released on every
// exit path.
func Activate(s Session) (*Token, error) {
	if s == nil {
		return nil, &PermissionError{Err: errors.New("no session to arbitrate")}
	}
	arbiterMu.Lock()
	if !s.Attached() {
		arbiterMu.Unlock()
		return nil, &NotAttachedError{Pid: s.Pid()}
	}
	t := &Token{s: s}
	activeMu.Lock()
	active = t
	activeMu.Unlock()
	logflags.PtraceLogger().Debugf("arbitration active for pid %d", s.Pid())
	return t, nil
}

// Release ends the arbitration. It is safe to call more than once.
func (t *Token) Release() {
	t.once.Do(func() {
		activeMu.Lock()
		active = nil
		activeMu.Unlock()
		logflags.PtraceLogger().Debugf("arbitration released for pid %d", t.s.Pid())
		arbiterMu.Unlock()
	})
}

// Open acquires target access for a stack walk. While an arbitration
// token serves pid, the call transparently proxies to the arbitrated
// session and no attach is attempted; detaching through the proxy is a
// no-op because the walk does not own the relationship. Without a
// token Open attaches on its own, which against a target that already
// has a tracer fails the way the arbiter exists to prevent.
func Open(pid int) (Session, error) {
	activeMu.Lock()
	t := active
	activeMu.Unlock()
	if t != nil {
		if t.s.Pid() != pid {
			return nil, &NotAttachedError{Pid: pid}
		}
		logflags.PtraceLogger().Debugf("open of pid %d redirected to arbitrated session", pid)
		return borrowedSession{t.s}, nil
	}
	s, err := Attach(pid)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// borrowedSession proxies to a session owned by someone else. The
// borrower must not be able to end a relationship it does not own.
type borrowedSession struct {
	Session
}

func (borrowedSession) Detach() error { return nil }
