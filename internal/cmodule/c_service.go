package cmodule

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

const (
	serviceDir  = "service"
	serviceFifo = "cml-service"
)

// serviceModule provides the guest-to-daemon service channel: a fifo
// created on the host and bind-mounted into the compartment at /run/service.
type serviceModule struct {
	lifecycle.Base
	idx int
}

type serviceState struct {
	dir string
}

func registerService(reg *lifecycle.Registry) {
	m := &serviceModule{}
	m.idx = reg.Register(m)
}

func (m *serviceModule) Name() string { return "service" }

func (m *serviceModule) SetupEarly(c *compartment.Compartment) error {
	dir := filepath.Join(config.Dir(c.UUID()), serviceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Kernel("create service directory", err)
	}

	fifo := filepath.Join(dir, serviceFifo)
	if err := unix.Mkfifo(fifo, 0o600); err != nil && err != unix.EEXIST {
		return errdefs.Kernel("create service fifo", err)
	}

	c.SetModuleData(m.idx, &serviceState{dir: dir})
	return nil
}

func (m *serviceModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	state, _ := c.ModuleData(m.idx).(*serviceState)
	if state == nil {
		return nil
	}
	setup.Mounts = append(setup.Mounts, lifecycle.Mount{
		Source: state.dir,
		Target: "run/service",
		Flags:  syscall.MS_BIND,
	})
	return nil
}

func (m *serviceModule) Cleanup(c *compartment.Compartment) {
	state, _ := c.ModuleData(m.idx).(*serviceState)
	if state == nil {
		return
	}
	if err := os.RemoveAll(state.dir); err != nil {
		logrus.WithField("compartment", c.Name()).
			WithError(err).Warn("failed to remove service directory")
	}
	c.SetModuleData(m.idx, nil)
}
