//go:build amd64 || arm64

package ptracer

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
)

// Process run states from /proc/<pid>/stat.
const (
	StatusRunning   = 'R'
	StatusSleeping  = 'S'
	StatusTraceStop = 't'
	StatusStopped   = 'T'
	StatusZombie    = 'Z'
)

// PtraceSession is a live ptrace relationship established with Attach.
type PtraceSession struct {
	pid int

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	detached bool
}

// Attach establishes a trace relationship with pid and waits for the
// target to enter trace-stop.
func Attach(pid int) (*PtraceSession, error) {
	s := &PtraceSession{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go s.handlePtraceFuncs()

	var err error
	s.execPtraceFunc(func() { err = sys.PtraceAttach(pid) })
	if err != nil {
		s.destroy()
		if tracer := TracerPid(pid); tracer != 0 && tracer != os.Getpid() {
			err = fmt.Errorf("%w; pid %d is already traced by %d", err, pid, tracer)
		}
		return nil, &PermissionError{Pid: pid, Err: err}
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(pid, &status, 0, nil); err != nil {
		s.execPtraceFunc(func() { _ = sys.PtraceDetach(pid) })
		s.destroy()
		return nil, &PermissionError{Pid: pid, Err: err}
	}
	if status.Exited() {
		s.destroy()
		return nil, &NotAttachedError{Pid: pid}
	}
	logflags.PtraceLogger().Debugf("attached to pid %d", pid)
	return s, nil
}

// handlePtraceFuncs must stay on one OS thread for the lifetime of the
// session: ptrace(2) expects all requests after PTRACE_ATTACH to come
// from the attaching thread.
func (s *PtraceSession) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range s.ptraceChan {
		fn()
		s.ptraceDoneChan <- nil
	}
}

func (s *PtraceSession) execPtraceFunc(fn func()) {
	s.ptraceChan <- fn
	<-s.ptraceDoneChan
}

func (s *PtraceSession) destroy() {
	s.detached = true
	close(s.ptraceChan)
	close(s.ptraceDoneChan)
}

// Pid returns the target process id.
func (s *PtraceSession) Pid() int { return s.pid }

// Attached reports whether the target still sits in trace-stop and the
// session has not detached.
func (s *PtraceSession) Attached() bool {
	if s.detached {
		return false
	}
	state := State(s.pid)
	return state == StatusTraceStop || state == StatusStopped
}

// ReadMemory reads len(data) bytes of target memory at addr.
// process_vm_readv is tried first since it does not have to bounce
// through the ptrace thread; kernels that filter it (seccomp, yama)
// get the PTRACE_PEEKDATA fallback.
func (s *PtraceSession) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if s.detached {
		return 0, &NotAttachedError{Pid: s.pid}
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err = processVMRead(s.pid, uintptr(addr), data)
	if n == 0 || err != nil {
		s.execPtraceFunc(func() { n, err = sys.PtracePeekData(s.pid, uintptr(addr), data) })
	}
	return n, err
}

// Registers reads the general purpose registers of the stopped target.
func (s *PtraceSession) Registers() (Registers, error) {
	if s.detached {
		return nil, &NotAttachedError{Pid: s.pid}
	}
	var (
		regs sys.PtraceRegs
		err  error
	)
	s.execPtraceFunc(func() { err = sys.PtraceGetRegs(s.pid, &regs) })
	if err != nil {
		return nil, &PermissionError{Pid: s.pid, Err: err}
	}
	return &hostRegisters{regs}, nil
}

// Detach ends the trace relationship and lets the target run on.
func (s *PtraceSession) Detach() error {
	if s.detached {
		return nil
	}
	var err error
	s.execPtraceFunc(func() { err = sys.PtraceDetach(s.pid) })
	s.destroy()
	if err != nil {
		return &PermissionError{Pid: s.pid, Err: err}
	}
	// The target sometimes enters stopped state shortly after the
	// detach; give it a moment and kick it back to running if it did.
	time.Sleep(50 * time.Millisecond)
	if State(s.pid) == StatusStopped {
		_ = sys.Kill(s.pid, sys.SIGCONT)
	}
	logflags.PtraceLogger().Debugf("detached from pid %d", s.pid)
	return nil
}

// State returns the run state letter of pid from /proc/<pid>/stat, or
// 0 when it cannot be determined. The comm field can contain spaces
// and parentheses without escaping, so the state is located relative
// to the last ')'.
func State(pid int) rune {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return 0
	}
	return rune(data[i+2])
}

// Stopped reports whether pid currently sits in trace-stop.
func Stopped(pid int) bool {
	state := State(pid)
	return state == StatusTraceStop || state == StatusStopped
}

// TracerPid returns the pid of the process tracing pid, or 0 when pid
// is not traced or its status cannot be read. The kernel permits one
// tracer per task, so a nonzero answer from a foreign process means
// Attach will fail until that tracer lets go.
func TracerPid(pid int) int {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		tracer, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0
		}
		return tracer
	}
	return 0
}
