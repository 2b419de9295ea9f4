// Package compartment holds the long-lived record of one isolated
// compartment: its identity, configuration snapshot, state machine, child
// process, and the handles subsystem modules install while it runs.
package compartment

import (
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
)

// Observer is notified synchronously on every state transition. Observers
// must not trigger another transition on the same compartment from inside
// the callback.
type Observer func(c *Compartment, from, to State)

// DeviceGate grants and revokes device node access. Installed by the device
// cgroup module while the compartment runs.
type DeviceGate interface {
	Allow(devType byte, major, minor int, assign bool) error
	Deny(devType byte, major, minor int) error
}

// TokenOps attaches and detaches the compartment's security token.
// Installed by the smartcard module.
type TokenOps interface {
	Attach() error
	Detach() error
}

// NetOps moves an already renamed physical interface into the compartment's
// network namespace and applies its configuration. Installed by the network
// module.
type NetOps interface {
	AddInterface(cfg config.NetIf, ifname string) error
}

// Freezer drives the cgroup freezer of a running compartment. Installed by
// the cgroup module.
type Freezer interface {
	Freeze() error
	Thaw() error
	Frozen() (bool, error)
}

// USBMapping associates one configured USB device with the compartment. The
// major/minor pair is filled in once the kernel device appears.
type USBMapping struct {
	Dev   config.USBDev
	Major int
	Minor int
}

// NetMapping associates a physical interface MAC with the compartment.
type NetMapping struct {
	MAC net.HardwareAddr
	Cfg config.NetIf
	// Ephemeral marks fallback mappings created for unassigned interfaces
	// moved to the default compartment.
	Ephemeral bool
}

// Compartment is the mutable runtime record. It is only ever touched from
// the event loop, so it carries no lock.
type Compartment struct {
	cfg   *config.Compartment
	state State

	pid          int
	deferredStop bool

	observers  []Observer
	moduleData []any

	usbMappings []*USBMapping
	netMappings []*NetMapping

	deviceGate DeviceGate
	tokenOps   TokenOps
	netOps     NetOps
	freezer    Freezer

	key []byte

	uidBase, uidSize int
}

// SetUIDRange records the uid/gid range the user-namespace module allocated
// for this run.
func (c *Compartment) SetUIDRange(base, size int) {
	c.uidBase, c.uidSize = base, size
}

// UIDRange returns the allocated uid/gid range, (0, 0) when none is held.
func (c *Compartment) UIDRange() (base, size int) {
	return c.uidBase, c.uidSize
}

// SetKey stores the unwrapped per-compartment key for the duration of a
// run; clearing happens on teardown.
func (c *Compartment) SetKey(key []byte) { c.key = key }

// Key returns the unwrapped per-compartment key, nil while locked.
func (c *Compartment) Key() []byte { return c.key }

// New creates a stopped compartment from its configuration snapshot.
func New(cfg *config.Compartment) *Compartment {
	c := &Compartment{cfg: cfg, state: Stopped, pid: -1}
	for _, dev := range cfg.USBDevs {
		c.usbMappings = append(c.usbMappings, &USBMapping{Dev: dev, Major: -1, Minor: -1})
	}
	for _, nic := range cfg.NetIfs {
		mac, err := net.ParseMAC(nic.MAC)
		if err != nil {
			// Validate() already rejected unparsable MACs.
			continue
		}
		c.netMappings = append(c.netMappings, &NetMapping{MAC: mac, Cfg: nic})
	}
	return c
}

// UUID returns the compartment identity.
func (c *Compartment) UUID() uuid.UUID { return c.cfg.UUID }

// Name returns the short name.
func (c *Compartment) Name() string { return c.cfg.Name }

// Config returns the immutable configuration snapshot.
func (c *Compartment) Config() *config.Compartment { return c.cfg }

// State returns the current lifecycle state.
func (c *Compartment) State() State { return c.state }

// Pid returns the child process id, -1 while no child exists.
func (c *Compartment) Pid() int { return c.pid }

// SetPid records the forked child.
func (c *Compartment) SetPid(pid int) { c.pid = pid }

// HasUserNS reports whether the compartment runs in a user namespace.
func (c *Compartment) HasUserNS() bool { return c.cfg.UserNS }

// SetState performs a validated transition and notifies observers. The
// observer list is copied first, so an observer registered from inside a
// callback is not called for this transition.
func (c *Compartment) SetState(to State) error {
	from := c.state
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s: no transition %s -> %s", c.cfg.Name, from, to)
	}
	c.state = to
	logrus.WithFields(logrus.Fields{
		"compartment": c.cfg.Name,
		"from":        from.String(),
		"to":          to.String(),
	}).Debug("state transition")

	observers := append([]Observer(nil), c.observers...)
	for _, fn := range observers {
		fn(c, from, to)
	}
	return nil
}

// Observe registers an observer for subsequent transitions.
func (c *Compartment) Observe(fn Observer) {
	c.observers = append(c.observers, fn)
}

// SetDeferredStop records a stop request that arrived while a start or
// freeze was in flight.
func (c *Compartment) SetDeferredStop(v bool) { c.deferredStop = v }

// DeferredStop reports a pending deferred stop.
func (c *Compartment) DeferredStop() bool { return c.deferredStop }

// InitModuleData sizes the per-module state slots; one opaque slot per
// registered module, addressed by registration index.
func (c *Compartment) InitModuleData(n int) {
	c.moduleData = make([]any, n)
}

// SetModuleData stores a module's private state.
func (c *Compartment) SetModuleData(idx int, v any) { c.moduleData[idx] = v }

// ModuleData returns a module's private state slot.
func (c *Compartment) ModuleData(idx int) any {
	if idx < 0 || idx >= len(c.moduleData) {
		return nil
	}
	return c.moduleData[idx]
}

// USBMappings returns the compartment's USB mappings.
func (c *Compartment) USBMappings() []*USBMapping { return c.usbMappings }

// NetMappings returns the compartment's net mappings.
func (c *Compartment) NetMappings() []*NetMapping { return c.netMappings }

// AddNetMapping appends an ephemeral mapping created by the hotplug
// coordinator for an unassigned interface.
func (c *Compartment) AddNetMapping(m *NetMapping) {
	c.netMappings = append(c.netMappings, m)
}

// SetDeviceGate installs (or clears) the device cgroup handle.
func (c *Compartment) SetDeviceGate(g DeviceGate) { c.deviceGate = g }

// SetTokenOps installs (or clears) the token handle.
func (c *Compartment) SetTokenOps(t TokenOps) { c.tokenOps = t }

// SetNetOps installs (or clears) the interface-move handle.
func (c *Compartment) SetNetOps(n NetOps) { c.netOps = n }

// SetFreezer installs (or clears) the freezer handle.
func (c *Compartment) SetFreezer(f Freezer) { c.freezer = f }

// Freezer returns the installed freezer handle, nil while stopped.
func (c *Compartment) Freezer() Freezer { return c.freezer }

// DeviceAllow grants access to a device node, failing before the device
// cgroup module has run.
func (c *Compartment) DeviceAllow(devType byte, major, minor int, assign bool) error {
	if c.deviceGate == nil {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no device cgroup", c.cfg.Name)
	}
	return c.deviceGate.Allow(devType, major, minor, assign)
}

// DeviceDeny revokes access to a device node.
func (c *Compartment) DeviceDeny(devType byte, major, minor int) error {
	if c.deviceGate == nil {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no device cgroup", c.cfg.Name)
	}
	return c.deviceGate.Deny(devType, major, minor)
}

// TokenAttach hands the compartment its security token.
func (c *Compartment) TokenAttach() error {
	if c.tokenOps == nil {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no token support", c.cfg.Name)
	}
	return c.tokenOps.Attach()
}

// TokenDetach revokes the security token.
func (c *Compartment) TokenDetach() error {
	if c.tokenOps == nil {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no token support", c.cfg.Name)
	}
	return c.tokenOps.Detach()
}

// AddNetInterface moves a renamed physical interface into the compartment.
func (c *Compartment) AddNetInterface(cfg config.NetIf, ifname string) error {
	if c.netOps == nil {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s has no network module state", c.cfg.Name)
	}
	return c.netOps.AddInterface(cfg, ifname)
}
