package lifecycle

import (
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
)

const (
	// grace period between SIGTERM and SIGKILL on shutdown
	stopGrace = 10 * time.Second

	// freezer poll cadence and budget
	freezePoll    = 50 * time.Millisecond
	freezeRetries = 100
)

// phase names the forward phases in execution order. Fork and release are
// engine steps interleaved between them.
type phaseID int

const (
	phasePrecheck phaseID = iota
	phaseStopClean
	phaseSetupEarly
	phaseClonePrep
	// fork happens here
	phasePostClone
	phaseStartPreExec
	// child release happens here
	phaseStartPostExec
	numForwardPhases
)

func (p phaseID) String() string {
	switch p {
	case phasePrecheck:
		return "precheck"
	case phaseStopClean:
		return "stop_clean"
	case phaseSetupEarly:
		return "setup_early"
	case phaseClonePrep:
		return "clone_prep"
	case phasePostClone:
		return "post_clone"
	case phaseStartPreExec:
		return "start_pre_exec"
	case phaseStartPostExec:
		return "start_post_exec"
	default:
		return "unknown"
	}
}

// startOp tracks one in-flight start attempt.
type startOp struct {
	c        *compartment.Compartment
	done     func(error)
	stopDone []func(error)

	phase    phaseID
	modIdx   int
	executed []bool
	setup    *ChildSetup
	child    *Child

	readyWatch *loop.FDWatch
	suspended  bool
	finished   bool
}

// Engine owns the per-compartment lifecycle state machines. All methods
// must be called from the event loop.
type Engine struct {
	loop     *loop.Loop
	registry *Registry

	// fork is swappable so tests can run starts without real namespaces.
	fork func(*ChildSetup) (*Child, error)

	ops      map[*compartment.Compartment]*startOp
	children map[*compartment.Compartment]*Child
	executed map[*compartment.Compartment][]bool
	stopping map[*compartment.Compartment][]func(error)
	reboot   map[*compartment.Compartment]bool
	killers  map[*compartment.Compartment]*loop.Timer
}

// New creates an engine on top of the loop and the registered modules.
func New(l *loop.Loop, registry *Registry) *Engine {
	return &Engine{
		loop:     l,
		registry: registry,
		fork:     ForkChild,
		ops:      make(map[*compartment.Compartment]*startOp),
		children: make(map[*compartment.Compartment]*Child),
		executed: make(map[*compartment.Compartment][]bool),
		stopping: make(map[*compartment.Compartment][]func(error)),
		reboot:   make(map[*compartment.Compartment]bool),
		killers:  make(map[*compartment.Compartment]*loop.Timer),
	}
}

// Registry returns the module registry the engine drives.
func (e *Engine) Registry() *Registry { return e.registry }

// Start drives a stopped compartment towards running. done fires once, on
// the loop, with the outcome.
func (e *Engine) Start(c *compartment.Compartment, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if c.State() != compartment.Stopped && c.State() != compartment.Rebooting {
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"cannot start compartment %s in state %s", c.Name(), c.State()))
		return
	}

	cfg := c.Config()
	c.InitModuleData(e.registry.Len())
	c.SetDeferredStop(false)

	if err := c.SetState(compartment.Starting); err != nil {
		done(err)
		return
	}

	op := &startOp{
		c:        c,
		done:     done,
		executed: make([]bool, e.registry.Len()),
		setup: &ChildSetup{
			Root:     "/",
			Hostname: cfg.Name,
			Init:     cfg.Init,
			Env:      cfg.Env,
			CloneFlags: uintptr(syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC |
				syscall.CLONE_NEWPID | syscall.CLONE_NEWNS),
		},
	}
	e.ops[c] = op
	e.advance(op)
}

// advance executes hooks until the attempt suspends, fails, or the forward
// phases are exhausted.
func (e *Engine) advance(op *startOp) {
	c := op.c
	modules := e.registry.Modules()

	for op.phase < numForwardPhases {
		// A stop that arrived during the previous phase aborts between
		// phases.
		if op.modIdx == 0 && c.DeferredStop() {
			e.failStart(op, errdefs.Newf(errdefs.PreconditionFailed,
				"start of %s aborted by stop request", c.Name()))
			return
		}

		// Engine steps interleaved with module phases.
		if op.phase == phasePostClone && op.child == nil && op.modIdx == 0 {
			if err := e.forkStep(op); err != nil {
				e.failStart(op, err)
				return
			}
		}
		if op.phase == phaseStartPostExec && op.modIdx == 0 {
			if err := e.releaseStep(op); err != nil {
				e.failStart(op, err)
				return
			}
		}

		for op.modIdx < len(modules) {
			m := modules[op.modIdx]
			status, err := e.invoke(op, m)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"compartment": c.Name(),
					"module":      m.Name(),
					"phase":       op.phase.String(),
				}).WithError(err).Error("module hook failed")
				e.failStart(op, err)
				return
			}
			op.executed[op.modIdx] = true
			op.modIdx++
			if status == Pending {
				op.suspended = true
				return
			}
		}
		op.phase++
		op.modIdx = 0
	}

	// All forward phases done; wait for the child's readiness byte.
	e.watchReady(op)
}

func (e *Engine) invoke(op *startOp, m Module) (Status, error) {
	c := op.c
	switch op.phase {
	case phasePrecheck:
		return Done, m.Precheck(c)
	case phaseStopClean:
		return Done, m.StopClean(c)
	case phaseSetupEarly:
		return Done, m.SetupEarly(c)
	case phaseClonePrep:
		return Done, m.ClonePrep(c, op.setup)
	case phasePostClone:
		return Done, m.PostClone(c)
	case phaseStartPreExec:
		idx := op.modIdx
		return m.StartPreExec(c, op.setup, func(err error) {
			e.resume(op, idx, err)
		})
	case phaseStartPostExec:
		return Done, m.StartPostExec(c)
	}
	return Done, errdefs.Newf(errdefs.Internal, "phase %d out of range", op.phase)
}

// resume continues a start parked by a Pending hook.
func (e *Engine) resume(op *startOp, modIdx int, err error) {
	if op.finished || !op.suspended {
		return
	}
	op.suspended = false
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"compartment": op.c.Name(),
			"module":      e.registry.Modules()[modIdx].Name(),
			"phase":       op.phase.String(),
		}).WithError(err).Error("suspended module hook failed")
		e.failStart(op, err)
		return
	}
	e.advance(op)
}

// forkStep creates the blocked child and registers its exit watch.
func (e *Engine) forkStep(op *startOp) error {
	child, err := e.fork(op.setup)
	if err != nil {
		return errdefs.Wrap(errdefs.KernelError, "fork compartment child", err)
	}
	op.child = child
	op.c.SetPid(child.Pid)
	e.children[op.c] = child

	if err := config.WritePidFile(op.c.UUID(), child.Pid); err != nil {
		logrus.WithError(err).Warn("failed to write pidfile")
	}

	c := op.c
	e.loop.AddChild(child.Pid, func(pid, status int) {
		e.onChildExit(c, status)
	})
	return nil
}

// releaseStep hands the child its setup record and moves to booting.
func (e *Engine) releaseStep(op *startOp) error {
	if op.child == nil {
		return errdefs.New(errdefs.Internal, "release without child")
	}
	if err := op.child.ReleaseChild(op.setup); err != nil {
		return errdefs.Wrap(errdefs.KernelError, "release compartment child", err)
	}
	return op.c.SetState(compartment.Booting)
}

// watchReady arms the readiness pipe; the attempt completes when the child
// writes its byte.
func (e *Engine) watchReady(op *startOp) {
	if op.child == nil || op.child.Ready == nil {
		// No real child (test harness); complete immediately.
		e.completeStart(op)
		return
	}
	fd := int(op.child.Ready.Fd())
	watch, err := e.loop.AddFD(fd, loop.Readable, func(int, loop.Events) {
		var b [1]byte
		n, _ := op.child.Ready.Read(b[:])
		e.loop.RemoveFD(op.readyWatch)
		op.readyWatch = nil
		if n == 0 {
			// Pipe closed without the byte: the child died before exec.
			e.failStart(op, errdefs.New(errdefs.KernelError,
				"compartment child exited before readiness"))
			return
		}
		e.completeStart(op)
	})
	if err != nil {
		e.failStart(op, err)
		return
	}
	op.readyWatch = watch
}

// completeStart runs the completion hooks and publishes running.
func (e *Engine) completeStart(op *startOp) {
	c := op.c
	for i, m := range e.registry.Modules() {
		if err := m.StartComplete(c); err != nil {
			op.executed[i] = true
			e.failStart(op, err)
			return
		}
	}

	op.finished = true
	delete(e.ops, c)
	e.executed[c] = op.executed

	if err := c.SetState(compartment.Running); err != nil {
		logrus.WithError(err).Error("running transition rejected")
	}
	delete(e.reboot, c)
	if err := config.WriteDesiredState(c.UUID(), "running"); err != nil {
		logrus.WithError(err).Warn("failed to persist desired state")
	}
	op.done(nil)

	if c.DeferredStop() {
		c.SetDeferredStop(false)
		stopDone := op.stopDone
		e.Stop(c, func(err error) {
			for _, fn := range stopDone {
				fn(err)
			}
		})
	}
}

// failStart unwinds a failed or aborted attempt: the child is killed, every
// module that ran a forward hook is cleaned up in reverse registration
// order, and the compartment returns to stopped.
func (e *Engine) failStart(op *startOp, cause error) {
	if op.finished {
		return
	}
	op.finished = true
	c := op.c
	delete(e.ops, c)

	if op.readyWatch != nil {
		e.loop.RemoveFD(op.readyWatch)
		op.readyWatch = nil
	}

	zombie := false
	if op.child != nil {
		if err := unix.Kill(op.child.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			logrus.WithError(err).Error("failed to kill compartment child")
			zombie = true
		}
		if op.child.Ready != nil {
			op.child.Ready.Close()
		}
		delete(e.children, c)
		config.RemovePidFile(c.UUID())
		c.SetPid(-1)
	}

	e.cleanupModules(c, op.executed)

	final := compartment.Stopped
	if zombie {
		final = compartment.Zombie
	}
	if c.State() != compartment.Stopped {
		// Zombie is only reachable through shutting down, as is stopped
		// from booting.
		if c.State() == compartment.Booting || (zombie && c.State() != compartment.ShuttingDown) {
			c.SetState(compartment.ShuttingDown)
		}
		if err := c.SetState(final); err != nil {
			logrus.WithError(err).Error("teardown transition rejected")
		}
	}
	c.SetDeferredStop(false)

	op.done(cause)
	for _, fn := range op.stopDone {
		fn(nil)
	}
}

// cleanupModules invokes the cleanup hook of every executed module in
// reverse registration order. Cleanup hooks are total: they cannot refuse.
func (e *Engine) cleanupModules(c *compartment.Compartment, executed []bool) {
	modules := e.registry.Modules()
	for i := len(modules) - 1; i >= 0; i-- {
		if executed[i] {
			modules[i].Cleanup(c)
			executed[i] = false
		}
	}
}
