package lifecycle

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
)

// Stop tears a compartment down. A stop that races a start or freeze is
// deferred until the in-flight operation reaches its next boundary and then
// executed; stopping a stopped compartment is an explicit error.
func (e *Engine) Stop(c *compartment.Compartment, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	switch c.State() {
	case compartment.Stopped, compartment.Setup:
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s is not running", c.Name()))

	case compartment.Zombie:
		// Final attempt to collect the unreapable child.
		e.finishShutdown(c)
		done(nil)

	case compartment.Starting:
		op := e.ops[c]
		if op == nil {
			done(errdefs.Newf(errdefs.Internal,
				"compartment %s starting without attempt record", c.Name()))
			return
		}
		c.SetDeferredStop(true)
		op.stopDone = append(op.stopDone, done)

	case compartment.Freezing:
		// The freezer write is already issued; the freeze completes first
		// and the deferred stop runs from the frozen state.
		c.SetDeferredStop(true)
		e.stopping[c] = append(e.stopping[c], done)

	case compartment.Frozen:
		// Thaw so the child can handle its termination signal.
		if f := c.Freezer(); f != nil {
			if err := f.Thaw(); err != nil {
				logrus.WithError(err).Warn("thaw before stop failed")
			}
		}
		if err := c.SetState(compartment.ShuttingDown); err != nil {
			done(err)
			return
		}
		e.beginShutdown(c, done)

	case compartment.Running, compartment.Booting:
		if err := c.SetState(compartment.ShuttingDown); err != nil {
			done(err)
			return
		}
		e.beginShutdown(c, done)

	case compartment.Rebooting:
		// Cancel the restart half of the reboot; the teardown in flight
		// finishes as a plain stop.
		c.SetDeferredStop(true)
		e.stopping[c] = append(e.stopping[c], done)

	case compartment.ShuttingDown:
		e.stopping[c] = append(e.stopping[c], done)

	default:
		done(errdefs.Newf(errdefs.Internal,
			"compartment %s in unknown state", c.Name()))
	}
}

// beginShutdown runs the stop hooks and signals the child. The teardown
// finishes when the exit watch fires.
func (e *Engine) beginShutdown(c *compartment.Compartment, done func(error)) {
	e.stopping[c] = append(e.stopping[c], done)

	modules := e.registry.Modules()
	for i := len(modules) - 1; i >= 0; i-- {
		if err := modules[i].Stop(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"compartment": c.Name(),
				"module":      modules[i].Name(),
			}).WithError(err).Warn("stop hook failed")
		}
	}

	child := e.children[c]
	if child == nil {
		// Nothing to reap; complete synchronously.
		e.finishShutdown(c)
		return
	}

	if err := unix.Kill(child.Pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			// Exit already in flight; the child watch completes the stop.
			return
		}
		logrus.WithError(err).Warn("failed to signal compartment child")
	}

	e.killers[c] = e.loop.AddTimer(stopGrace, false, func(*loop.Timer) {
		delete(e.killers, c)
		if ch := e.children[c]; ch != nil {
			logrus.WithField("compartment", c.Name()).
				Warn("grace period expired, killing child")
			unix.Kill(ch.Pid, unix.SIGKILL)
		}
	})
}

// onChildExit reacts to the child's termination, requested or not.
func (e *Engine) onChildExit(c *compartment.Compartment, status int) {
	if op := e.ops[c]; op != nil && !op.finished {
		// The child died while its start was still in flight.
		delete(e.children, c)
		c.SetPid(-1)
		e.failStart(op, errdefs.Newf(errdefs.KernelError,
			"compartment child exited during start (status %d)", status))
		return
	}

	switch c.State() {
	case compartment.ShuttingDown, compartment.Rebooting:
		// Requested.
	case compartment.Running, compartment.Booting, compartment.Frozen, compartment.Freezing:
		logrus.WithFields(logrus.Fields{
			"compartment": c.Name(),
			"status":      status,
		}).Info("compartment child exited")
		if err := c.SetState(compartment.ShuttingDown); err != nil {
			logrus.WithError(err).Error("shutdown transition rejected")
			return
		}
		modules := e.registry.Modules()
		for i := len(modules) - 1; i >= 0; i-- {
			if err := modules[i].Stop(c); err != nil {
				logrus.WithError(err).Warn("stop hook failed")
			}
		}
	default:
		return
	}

	e.finishShutdown(c)
}

// finishShutdown cleans up modules, forgets the child, and publishes the
// final state. Reboots loop straight back into a start.
func (e *Engine) finishShutdown(c *compartment.Compartment) {
	if t := e.killers[c]; t != nil {
		e.loop.RemoveTimer(t)
		delete(e.killers, c)
	}
	if ch := e.children[c]; ch != nil {
		if ch.Ready != nil {
			ch.Ready.Close()
		}
		delete(e.children, c)
	}
	config.RemovePidFile(c.UUID())
	c.SetPid(-1)

	if executed := e.executed[c]; executed != nil {
		e.cleanupModules(c, executed)
		delete(e.executed, c)
	}

	rebooting := e.reboot[c]
	callbacks := e.stopping[c]
	delete(e.stopping, c)

	if rebooting && !c.DeferredStop() {
		delete(e.reboot, c)
		for _, fn := range callbacks {
			fn(nil)
		}
		e.Start(c, func(err error) {
			if err != nil {
				logrus.WithField("compartment", c.Name()).
					WithError(err).Error("reboot start failed")
			}
		})
		return
	}

	c.SetDeferredStop(false)
	delete(e.reboot, c)
	if c.State() == compartment.Rebooting {
		// Canceled reboot: the teardown concludes as a plain stop.
		c.SetState(compartment.ShuttingDown)
	}
	if err := c.SetState(compartment.Stopped); err != nil {
		logrus.WithError(err).Error("stopped transition rejected")
	}
	if err := config.WriteDesiredState(c.UUID(), "stopped"); err != nil {
		logrus.WithError(err).Warn("failed to persist desired state")
	}
	for _, fn := range callbacks {
		fn(nil)
	}
}

// Freeze suspends a running compartment via the cgroup freezer. The frozen
// state is published once the kernel reports the cgroup frozen.
func (e *Engine) Freeze(c *compartment.Compartment, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if c.State() != compartment.Running {
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"cannot freeze compartment %s in state %s", c.Name(), c.State()))
		return
	}
	f := c.Freezer()
	if f == nil {
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no freezer", c.Name()))
		return
	}
	if err := c.SetState(compartment.Freezing); err != nil {
		done(err)
		return
	}
	if err := f.Freeze(); err != nil {
		c.SetState(compartment.Running)
		done(err)
		return
	}

	retries := freezeRetries
	e.loop.AddTimer(freezePoll, true, func(t *loop.Timer) {
		if c.State() != compartment.Freezing {
			e.loop.RemoveTimer(t)
			return
		}
		frozen, err := f.Frozen()
		if err == nil && !frozen {
			if retries--; retries > 0 {
				return
			}
			err = errdefs.Newf(errdefs.Timeout,
				"compartment %s did not freeze", c.Name())
		}
		e.loop.RemoveTimer(t)
		if err != nil {
			c.SetState(compartment.Running)
		} else {
			err = c.SetState(compartment.Frozen)
		}
		done(err)

		if c.DeferredStop() {
			c.SetDeferredStop(false)
			callbacks := e.stopping[c]
			delete(e.stopping, c)
			e.Stop(c, func(err error) {
				for _, fn := range callbacks {
					fn(err)
				}
			})
		}
	})
}

// Unfreeze thaws a frozen compartment.
func (e *Engine) Unfreeze(c *compartment.Compartment, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if c.State() != compartment.Frozen {
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"cannot unfreeze compartment %s in state %s", c.Name(), c.State()))
		return
	}
	f := c.Freezer()
	if f == nil {
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no freezer", c.Name()))
		return
	}
	if err := f.Thaw(); err != nil {
		done(err)
		return
	}
	if err := c.SetState(compartment.Running); err != nil {
		done(err)
		return
	}
	done(nil)
}

// Reboot tears the compartment down and starts it again with the same
// configuration snapshot.
func (e *Engine) Reboot(c *compartment.Compartment, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if c.State() != compartment.Running {
		done(errdefs.Newf(errdefs.PreconditionFailed,
			"cannot reboot compartment %s in state %s", c.Name(), c.State()))
		return
	}
	if err := c.SetState(compartment.Rebooting); err != nil {
		done(err)
		return
	}
	e.reboot[c] = true
	e.beginShutdown(c, done)
}
