package cmodule

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupSlice  = "cml.slice"
	cgroupPrefix = "cml-"
	cgroupSuffix = ".scope"

	cpuPeriod = 100000
)

// cgroupModule creates the unified-hierarchy cgroup of a compartment,
// attaches the child, applies resource limits, and owns the freezer handle
// used for freeze/thaw.
type cgroupModule struct {
	lifecycle.Base
	idx int
}

type cgroupState struct {
	path string
}

func registerCgroup(reg *lifecycle.Registry) {
	m := &cgroupModule{}
	m.idx = reg.Register(m)
}

func (m *cgroupModule) Name() string { return "cgroup" }

func cgroupPath(c *compartment.Compartment) string {
	return filepath.Join(cgroupRoot, cgroupSlice, cgroupPrefix+c.Name()+cgroupSuffix)
}

// StopClean removes a cgroup a crashed previous run left behind.
func (m *cgroupModule) StopClean(c *compartment.Compartment) error {
	path := cgroupPath(c)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return errdefs.Wrap(errdefs.ResourceBusy, "remove stale cgroup", err)
		}
	}
	return nil
}

func (m *cgroupModule) PostClone(c *compartment.Compartment) error {
	path := cgroupPath(c)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errdefs.Kernel("create cgroup", err)
	}
	state := &cgroupState{path: path}
	c.SetModuleData(m.idx, state)

	procs := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(c.Pid())), 0o644); err != nil {
		return errdefs.Kernel("attach child to cgroup", err)
	}

	cfg := c.Config()
	if limit, err := cfg.RAMLimitBytes(); err != nil {
		return err
	} else if limit > 0 {
		memMax := filepath.Join(path, "memory.max")
		if err := os.WriteFile(memMax, []byte(strconv.FormatInt(limit, 10)), 0o644); err != nil {
			return errdefs.Kernel("set memory limit", err)
		}
	}

	if cfg.CPUs != 0 {
		if cfg.CPUs > float64(runtime.NumCPU()) {
			return errdefs.Newf(errdefs.ConfigInvalid,
				"cpu limit %.2f exceeds available cores %d", cfg.CPUs, runtime.NumCPU())
		}
		quota := int(cfg.CPUs * float64(cpuPeriod))
		cpuMax := filepath.Join(path, "cpu.max")
		if err := os.WriteFile(cpuMax, []byte(fmt.Sprintf("%d %d", quota, cpuPeriod)), 0o644); err != nil {
			return errdefs.Kernel("set cpu limit", err)
		}
	}

	c.SetFreezer(&freezer{path: path})
	return nil
}

func (m *cgroupModule) Cleanup(c *compartment.Compartment) {
	state, _ := c.ModuleData(m.idx).(*cgroupState)
	if state == nil {
		return
	}
	c.SetFreezer(nil)

	if err := os.Remove(state.path); err != nil && !os.IsNotExist(err) {
		logrus.WithField("compartment", c.Name()).
			WithError(err).Warn("failed to remove cgroup")
	}
	c.SetModuleData(m.idx, nil)
}

// freezer drives the unified-hierarchy freezer files of one cgroup.
type freezer struct {
	path string
}

func (f *freezer) Freeze() error {
	file := filepath.Join(f.path, "cgroup.freeze")
	if err := os.WriteFile(file, []byte("1"), 0o644); err != nil {
		return errdefs.Kernel("write freezer", err)
	}
	return nil
}

func (f *freezer) Thaw() error {
	file := filepath.Join(f.path, "cgroup.freeze")
	if err := os.WriteFile(file, []byte("0"), 0o644); err != nil {
		return errdefs.Kernel("write freezer", err)
	}
	return nil
}

// Frozen reads cgroup.events, which flips to "frozen 1" once every task in
// the cgroup reached the refrigerator.
func (f *freezer) Frozen() (bool, error) {
	data, err := os.ReadFile(filepath.Join(f.path, "cgroup.events"))
	if err != nil {
		return false, errdefs.Kernel("read cgroup events", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, " ")
		if ok && key == "frozen" {
			return value == "1", nil
		}
	}
	return false, nil
}
