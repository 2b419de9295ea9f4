// Package cmld owns the daemon context: the event loop, the uevent source,
// the module registry, the compartment set, and the hotplug coordinator,
// wired in that order. There are no package-level registries; everything
// hangs off the Daemon record.
package cmld

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/cmodule"
	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/hotplug"
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/loop"
	"github.com/cml-project/cmld/internal/network"
	"github.com/cml-project/cmld/internal/scd"
	"github.com/cml-project/cmld/internal/uevent"
)

// DefaultCompartment is the short name of the compartment absorbing
// unassigned devices.
const DefaultCompartment = "c0"

// Options tune daemon construction.
type Options struct {
	// SCDTimeout bounds credential round-trips; zero uses the default.
	SCDTimeout time.Duration

	// WithoutSCD skips the credential collaborator connection. Keys then
	// stay locked: starts of compartments configured for token
	// initialization fail, and token attach requests fail.
	WithoutSCD bool
}

// Daemon is the assembled container management daemon.
type Daemon struct {
	Loop    *loop.Loop
	Uevents *uevent.Source
	Engine  *lifecycle.Engine
	Hotplug *hotplug.Coordinator
	SCD     *scd.Client

	compartments map[uuid.UUID]*compartment.Compartment
	physNetifs   []string
}

// New builds the daemon in the fixed initialization order: event loop,
// uevent source, module registry, hotplug coordinator. Failures here are
// fatal for the process.
func New(opts Options) (*Daemon, error) {
	l, err := loop.New()
	if err != nil {
		return nil, err
	}

	source, err := uevent.NewSource(l)
	if err != nil {
		l.Close()
		return nil, err
	}

	var scdClient *scd.Client
	if !opts.WithoutSCD {
		scdClient, err = scd.Dial(l, opts.SCDTimeout)
		if err != nil {
			logrus.WithError(err).Warn("credential collaborator unavailable")
		}
	}

	alloc, err := network.NewAllocator()
	if err != nil {
		source.Close()
		l.Close()
		return nil, err
	}

	registry := &lifecycle.Registry{}
	cmodule.RegisterAll(registry, cmodule.Deps{SCD: scdClient, Alloc: alloc})

	d := &Daemon{
		Loop:         l,
		Uevents:      source,
		Engine:       lifecycle.New(l, registry),
		SCD:          scdClient,
		compartments: make(map[uuid.UUID]*compartment.Compartment),
		physNetifs:   enumeratePhysNetifs(),
	}

	if err := d.loadCompartments(); err != nil {
		source.Close()
		l.Close()
		return nil, err
	}

	d.Hotplug = hotplug.New(l, source, d)
	d.registerConfiguredMappings()
	return d, nil
}

// Run restores previously running compartments and drives the loop until
// Shutdown.
func (d *Daemon) Run() error {
	d.Loop.Submit(d.restore)
	return d.Loop.Run()
}

// Shutdown stops every running compartment and then the loop.
func (d *Daemon) Shutdown() {
	d.Loop.Submit(func() {
		var targets []*compartment.Compartment
		for _, c := range d.compartments {
			switch c.State() {
			case compartment.Stopped, compartment.Zombie:
			default:
				targets = append(targets, c)
			}
		}
		if len(targets) == 0 {
			d.Loop.Stop()
			return
		}
		remaining := len(targets)
		done := func(error) {
			if remaining--; remaining == 0 {
				d.Loop.Stop()
			}
		}
		for _, c := range targets {
			d.Engine.Stop(c, done)
		}
	})
}

// loadCompartments restores the compartment set from persisted
// configuration blobs, creating the default compartment when none exists.
func (d *Daemon) loadCompartments() error {
	configs, err := config.LoadAll()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		d.compartments[cfg.UUID] = compartment.New(cfg)
	}

	if d.byName(DefaultCompartment) == nil {
		cfg := &config.Compartment{
			UUID:    uuid.New(),
			Name:    DefaultCompartment,
			GuestOS: "core",
			Init:    []string{"/sbin/init"},
		}
		if err := config.Save(cfg); err != nil {
			return err
		}
		d.compartments[cfg.UUID] = compartment.New(cfg)
		logrus.Info("created default compartment c0")
	}
	return nil
}

// registerConfiguredMappings seeds the hotplug tables from the compartment
// configurations.
func (d *Daemon) registerConfiguredMappings() {
	for _, c := range d.compartments {
		for _, m := range c.USBMappings() {
			if err := d.Hotplug.RegisterUSB(c, m); err != nil {
				logrus.WithField("compartment", c.Name()).
					WithError(err).Warn("configured usb mapping rejected")
			}
		}
		for _, m := range c.NetMappings() {
			if err := d.Hotplug.RegisterNet(c, m); err != nil {
				logrus.WithField("compartment", c.Name()).
					WithError(err).Warn("configured net mapping rejected")
			}
		}
	}
}

// restore starts every compartment whose desired state survived the last
// daemon exit as running.
func (d *Daemon) restore() {
	for _, c := range d.compartments {
		if config.DesiredState(c.UUID()) != "running" {
			continue
		}
		name := c.Name()
		logrus.WithField("compartment", name).Info("restoring compartment")
		d.Engine.Start(c, func(err error) {
			if err != nil {
				logrus.WithField("compartment", name).
					WithError(err).Error("restore failed")
			}
		})
	}
}

// Compartments returns the current compartment set.
func (d *Daemon) Compartments() []*compartment.Compartment {
	out := make([]*compartment.Compartment, 0, len(d.compartments))
	for _, c := range d.compartments {
		out = append(out, c)
	}
	return out
}

// ByUUID resolves a compartment, nil when unknown.
func (d *Daemon) ByUUID(id uuid.UUID) *compartment.Compartment {
	return d.compartments[id]
}

// Default returns the default compartment.
func (d *Daemon) Default() *compartment.Compartment {
	return d.byName(DefaultCompartment)
}

func (d *Daemon) byName(name string) *compartment.Compartment {
	for _, c := range d.compartments {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Register decodes, validates, and persists a new compartment
// configuration.
func (d *Daemon) Register(blob []byte) (*compartment.Compartment, error) {
	cfg, err := config.Decode(blob)
	if err != nil {
		return nil, err
	}
	if _, exists := d.compartments[cfg.UUID]; exists {
		return nil, errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s already registered", cfg.UUID)
	}
	if d.byName(cfg.Name) != nil {
		return nil, errdefs.Newf(errdefs.ResourceBusy,
			"compartment name %q taken", cfg.Name)
	}
	if err := config.Save(cfg); err != nil {
		return nil, err
	}

	c := compartment.New(cfg)
	d.compartments[cfg.UUID] = c

	for _, m := range c.USBMappings() {
		if err := d.Hotplug.RegisterUSB(c, m); err != nil {
			logrus.WithError(err).Warn("configured usb mapping rejected")
		}
	}
	for _, m := range c.NetMappings() {
		if err := d.Hotplug.RegisterNet(c, m); err != nil {
			logrus.WithError(err).Warn("configured net mapping rejected")
		}
	}
	return c, nil
}

// Remove deletes a stopped compartment and purges its state directory.
func (d *Daemon) Remove(id uuid.UUID) error {
	c := d.compartments[id]
	if c == nil {
		return errdefs.Newf(errdefs.PreconditionFailed, "unknown compartment %s", id)
	}
	if c.State() != compartment.Stopped {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"compartment %s is %s, stop it first", c.Name(), c.State())
	}
	delete(d.compartments, id)
	return config.Purge(id)
}

// AddPhysNetif tracks a physical host interface.
func (d *Daemon) AddPhysNetif(name string) {
	d.physNetifs = append(d.physNetifs, name)
}

// RemovePhysNetif forgets a physical host interface, reporting whether it
// was tracked.
func (d *Daemon) RemovePhysNetif(name string) bool {
	for i, cur := range d.physNetifs {
		if cur == name {
			d.physNetifs = append(d.physNetifs[:i], d.physNetifs[i+1:]...)
			return true
		}
	}
	return false
}

// PhysNetifs lists the tracked physical interfaces.
func (d *Daemon) PhysNetifs() []string {
	return append([]string(nil), d.physNetifs...)
}

// enumeratePhysNetifs lists host interfaces backed by a physical device.
func enumeratePhysNetifs() []string {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		// Virtual interfaces have no device link.
		if _, err := os.Stat(filepath.Join("/sys/class/net", name, "device")); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names
}
