package cmodule

import (
	"fmt"
	"os"
	"syscall"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

// Seams for kernel probing and the per-child offsets file, swappable in
// tests.
var (
	timensSupported = func() bool {
		_, err := os.Stat("/proc/self/ns/time")
		return err == nil
	}
	timensOffsetsPath = func(pid int) string {
		return fmt.Sprintf("/proc/%d/timens_offsets", pid)
	}
	hostUptime = readHostUptime
)

// timeModule hides the host's uptime from compartments: the child is
// cloned into a new time namespace and the boot and monotonic clocks are
// offset back to zero before the child enters it. Kernels without time
// namespaces run compartments on host time.
type timeModule struct {
	lifecycle.Base
	idx int
}

type timeState struct {
	requested bool
}

func registerTime(reg *lifecycle.Registry) {
	m := &timeModule{}
	m.idx = reg.Register(m)
}

func (m *timeModule) Name() string { return "time" }

func (m *timeModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	if !timensSupported() {
		return nil
	}
	setup.CloneFlags |= syscall.CLONE_NEWTIME
	c.SetModuleData(m.idx, &timeState{requested: true})
	return nil
}

// PostClone writes the clock offsets while the child is still blocked on
// the sync pipe, before any task enters the namespace.
func (m *timeModule) PostClone(c *compartment.Compartment) error {
	state, _ := c.ModuleData(m.idx).(*timeState)
	if state == nil || !state.requested {
		return nil
	}

	uptime, err := hostUptime()
	if err != nil {
		return errdefs.Kernel("read host uptime", err)
	}

	// Boottime and monotonic both restart at zero inside.
	entry := fmt.Sprintf("boottime -%d 0\nmonotonic -%d 0\n", uptime, uptime)
	if err := os.WriteFile(timensOffsetsPath(c.Pid()), []byte(entry), 0o644); err != nil {
		return errdefs.Kernel("write timens offsets", err)
	}
	return nil
}

func (m *timeModule) Cleanup(c *compartment.Compartment) {
	c.SetModuleData(m.idx, nil)
}

func readHostUptime() (int64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	var uptime float64
	if _, err := fmt.Sscanf(string(data), "%f", &uptime); err != nil {
		return 0, err
	}
	return int64(uptime), nil
}
