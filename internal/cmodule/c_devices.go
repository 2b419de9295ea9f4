package cmodule

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

// devicesCgroupRoot is the legacy devices controller hierarchy; the unified
// hierarchy has no file interface for device filtering, so the daemon keeps
// the v1 controller mounted for it.
var devicesCgroupRoot = "/sys/fs/cgroup/devices"

// baseDeviceAllow is the initial allow list every compartment starts with:
// null, zero, full, random, urandom, tty, console, ptmx and the pts
// directory.
var baseDeviceAllow = []string{
	"c 1:3 rwm",
	"c 1:5 rwm",
	"c 1:7 rwm",
	"c 1:8 rwm",
	"c 1:9 rwm",
	"c 5:0 rwm",
	"c 5:1 rwm",
	"c 5:2 rwm",
	"c 136:* rwm",
}

// devicesModule installs the initial device allow/deny list and hands the
// compartment its device gate, which the hotplug coordinator drives as
// mapped USB devices come and go. Assignment exclusivity is enforced at
// mapping registration time by the hotplug coordinator.
type devicesModule struct {
	lifecycle.Base
	idx int
}

type devicesState struct {
	path string
}

func registerDevices(reg *lifecycle.Registry) {
	m := &devicesModule{}
	m.idx = reg.Register(m)
}

func (m *devicesModule) Name() string { return "devices" }

func devicesPath(c *compartment.Compartment) string {
	return filepath.Join(devicesCgroupRoot, cgroupPrefix+c.Name())
}

func (m *devicesModule) PostClone(c *compartment.Compartment) error {
	path := devicesPath(c)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errdefs.Kernel("create devices cgroup", err)
	}
	state := &devicesState{path: path}
	c.SetModuleData(m.idx, state)

	// Start from deny-all, then open up the base set.
	if err := os.WriteFile(filepath.Join(path, "devices.deny"), []byte("a"), 0o644); err != nil {
		return errdefs.Kernel("install device deny list", err)
	}
	for _, rule := range baseDeviceAllow {
		if err := os.WriteFile(filepath.Join(path, "devices.allow"), []byte(rule), 0o644); err != nil {
			return errdefs.Kernel(fmt.Sprintf("allow device %q", rule), err)
		}
	}

	procs := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(fmt.Sprintf("%d", c.Pid())), 0o644); err != nil {
		return errdefs.Kernel("attach child to devices cgroup", err)
	}

	c.SetDeviceGate(&deviceGate{state: state, c: c})
	return nil
}

func (m *devicesModule) Cleanup(c *compartment.Compartment) {
	state, _ := c.ModuleData(m.idx).(*devicesState)
	if state == nil {
		return
	}
	c.SetDeviceGate(nil)
	if err := os.Remove(state.path); err != nil && !os.IsNotExist(err) {
		logrus.WithField("compartment", c.Name()).
			WithError(err).Warn("failed to remove devices cgroup")
	}
	c.SetModuleData(m.idx, nil)
}

// deviceGate writes allow/deny rules into the compartment's devices
// controller.
type deviceGate struct {
	state *devicesState
	c     *compartment.Compartment
}

func (g *deviceGate) Allow(devType byte, major, minor int, assign bool) error {
	rule := fmt.Sprintf("%c %d:%d rwm", devType, major, minor)
	file := filepath.Join(g.state.path, "devices.allow")
	if err := os.WriteFile(file, []byte(rule), 0o644); err != nil {
		return errdefs.Kernel(fmt.Sprintf("allow device %d:%d", major, minor), err)
	}
	logrus.WithFields(logrus.Fields{
		"compartment": g.c.Name(),
		"device":      fmt.Sprintf("%c %d:%d", devType, major, minor),
		"assign":      assign,
	}).Info("device access granted")
	return nil
}

func (g *deviceGate) Deny(devType byte, major, minor int) error {
	rule := fmt.Sprintf("%c %d:%d rwm", devType, major, minor)
	file := filepath.Join(g.state.path, "devices.deny")
	if err := os.WriteFile(file, []byte(rule), 0o644); err != nil {
		return errdefs.Kernel(fmt.Sprintf("deny device %d:%d", major, minor), err)
	}
	logrus.WithFields(logrus.Fields{
		"compartment": g.c.Name(),
		"device":      fmt.Sprintf("%c %d:%d", devType, major, minor),
	}).Info("device access revoked")
	return nil
}
