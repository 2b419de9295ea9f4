// Package lifecycle drives compartments through their phased start and stop
// sequences. Subsystem modules register hooks that the engine invokes in a
// fixed order encoding their dependencies; on any forward failure the
// already-run modules unwind in reverse.
package lifecycle

import (
	"github.com/cml-project/cmld/internal/compartment"
)

// Status is the outcome of a suspendable hook invocation.
type Status int

const (
	// Done means the hook completed synchronously.
	Done Status = iota
	// Pending means the hook parked the phase; it must call the resume
	// continuation exactly once from the event loop.
	Pending
)

// Module is the uniform hook interface of one compartment subsystem.
//
// Parent-side hooks run in the daemon. Work that has to happen inside the
// child before it executes its init binary is not expressed as code running
// in the daemon process: modules append typed directives to the ChildSetup
// during ClonePrep and StartPreExec, and the re-executed child applies them
// in order once the parent releases it from the synchronization pipe.
//
// Every hook other than Cleanup may fail; Cleanup is total and runs on
// every teardown path, including aborted starts.
type Module interface {
	Name() string

	// Precheck validates host preconditions before anything is touched.
	Precheck(c *compartment.Compartment) error

	// StopClean removes leftovers of a crashed previous run.
	StopClean(c *compartment.Compartment) error

	// SetupEarly prepares host resources that exist independently of the
	// child process.
	SetupEarly(c *compartment.Compartment) error

	// ClonePrep contributes namespace flags and child directives before the
	// fork.
	ClonePrep(c *compartment.Compartment, setup *ChildSetup) error

	// PostClone runs in the parent right after the fork, with the child
	// blocked on the synchronization pipe.
	PostClone(c *compartment.Compartment) error

	// StartPreExec runs host-side operations on behalf of the blocked
	// child. It is the one suspension point: a module waiting on an
	// asynchronous reply returns Pending and later calls resume.
	StartPreExec(c *compartment.Compartment, setup *ChildSetup, resume func(error)) (Status, error)

	// StartPostExec runs after the child has been released.
	StartPostExec(c *compartment.Compartment) error

	// StartComplete runs once the child signaled readiness.
	StartComplete(c *compartment.Compartment) error

	// Stop runs when a shutdown begins, before the child is reaped.
	Stop(c *compartment.Compartment) error

	// Cleanup releases everything the module acquired during this attempt.
	Cleanup(c *compartment.Compartment)
}

// Base provides no-op implementations so modules override only the hooks
// they participate in.
type Base struct{}

func (Base) Precheck(*compartment.Compartment) error   { return nil }
func (Base) StopClean(*compartment.Compartment) error  { return nil }
func (Base) SetupEarly(*compartment.Compartment) error { return nil }
func (Base) ClonePrep(*compartment.Compartment, *ChildSetup) error { return nil }
func (Base) PostClone(*compartment.Compartment) error  { return nil }
func (Base) StartPreExec(*compartment.Compartment, *ChildSetup, func(error)) (Status, error) {
	return Done, nil
}
func (Base) StartPostExec(*compartment.Compartment) error  { return nil }
func (Base) StartComplete(*compartment.Compartment) error  { return nil }
func (Base) Stop(*compartment.Compartment) error           { return nil }
func (Base) Cleanup(*compartment.Compartment)              {}

// Registry is the ordered list of registered modules. Registration order is
// the authoritative dependency order: uid mapping before volumes, volumes
// before network, cgroups before capabilities.
type Registry struct {
	modules []Module
}

// Register appends a module and returns its index, which addresses the
// module's private state slot on every compartment.
func (r *Registry) Register(m Module) int {
	r.modules = append(r.modules, m)
	return len(r.modules) - 1
}

// Modules returns the registration-ordered module list.
func (r *Registry) Modules() []Module {
	return r.modules
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.modules)
}
