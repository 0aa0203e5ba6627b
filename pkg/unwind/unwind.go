// Package unwind recovers the call stack of a stopped, ptrace-attached
// process by walking its frame-pointer chain from outside. It is built
// for crash reporting inside a sandbox supervisor: the target is
// untrusted and possibly corrupt, so every step is bounded and every
// failure mode ends the walk with an honest status instead of an error
// or a runaway loop.
package unwind

import (
	"fmt"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
	"github.com/piotrbartman/sandboxed-api/pkg/procmaps"
	"github.com/piotrbartman/sandboxed-api/pkg/ptracer"
)

const (
	// DefaultMaxFrames bounds a walk when the caller does not.
	DefaultMaxFrames = 200
	// DefaultMaxModules bounds how many symbol handles a single walk
	// holds open at once.
	DefaultMaxModules = 32
)

// Unwinder walks stacks of stopped processes. The zero configuration
// targets the host architecture; a single Unwinder is safe for
// concurrent use, with whole walks serialized by the trace arbiter.
type Unwinder struct {
	arch       *Arch
	maxModules int
	metrics    *Metrics
	loadMaps   func(pid int) (*procmaps.Table, error)
	logger     logflags.Logger
}

// Option configures an Unwinder.
type Option func(*Unwinder)

// WithArch selects the stack layout rules to walk with, for
// supervisors that inspect targets of a fixed, known architecture.
func WithArch(arch *Arch) Option {
	return func(u *Unwinder) {
		u.arch = arch
	}
}

// WithMaxModules changes how many module symbol handles a walk may
// keep open at once.
func WithMaxModules(n int) Option {
	return func(u *Unwinder) {
		u.maxModules = n
	}
}

// WithMetrics attaches walk counters.
func WithMetrics(m *Metrics) Option {
	return func(u *Unwinder) {
		u.metrics = m
	}
}

// New returns an Unwinder.
func New(opts ...Option) *Unwinder {
	u := &Unwinder{
		arch:       HostArch(),
		maxModules: DefaultMaxModules,
		loadMaps:   procmaps.Load,
		logger:     logflags.UnwindLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Unwind captures the stack of the process behind s, which must be
// attached and stopped. reason is recorded in the report verbatim.
// maxFrames bounds the walk; values <= 0 mean DefaultMaxFrames.
//
// The walk borrows s through the trace arbiter, so concurrent calls
// queue instead of interleaving ptrace traffic, and nothing here ever
// attaches to or detaches from the target.
//
// An error is returned only when the walk could not start at all.
// Failures past that point produce a report carrying the frames
// recovered so far and a status describing how the walk ended.
func (u *Unwinder) Unwind(s ptracer.Session, reason Reason, maxFrames int) (*Report, error) {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	token, err := ptracer.Activate(s)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	pid := s.Pid()
	report := &Report{Pid: pid, Reason: reason}

	abort := func(cause string) *Report {
		u.logger.Warnf("unwind of %d aborted: %s", pid, cause)
		report.Status = AbortedByError
		report.Fault = cause
		u.metrics.walkDone(report.Status, len(report.Frames))
		return report
	}

	table, err := u.loadMaps(pid)
	if err != nil {
		return abort(fmt.Sprintf("loading mappings: %v", err)), nil
	}
	u.metrics.mapsSkipped(table.Skipped())

	sess, err := ptracer.Open(pid)
	if err != nil {
		return abort(fmt.Sprintf("opening trace session: %v", err)), nil
	}
	defer sess.Detach()

	regs, err := sess.Registers()
	if err != nil {
		return abort(fmt.Sprintf("reading registers: %v", err)), nil
	}

	mods := newModuleCache(u.maxModules, u.metrics, u.logger)
	defer mods.close()

	it := newStackIterator(u.arch, sess, table, mods, regs.PC(), regs.SP(), regs.FP(), regs.LR(), u.logger)
	for len(report.Frames) < maxFrames && it.Next() {
		report.Frames = append(report.Frames, it.Frame())
	}

	report.Status = it.Status()
	report.Fault = it.Fault()
	if report.Status == Complete && !it.Exhausted() {
		// the frame budget ran out first
		report.Status = TruncatedByLimit
	}

	u.metrics.walkDone(report.Status, len(report.Frames))
	u.logger.Debugf("unwound %d: %d frames, %s", pid, len(report.Frames), report.Status)
	return report, nil
}
