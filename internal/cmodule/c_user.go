package cmodule

import (
	"fmt"
	"os"
	"syscall"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

const (
	// Contiguous uid/gid ranges handed to compartments.
	usernsRangeBase = 100000
	usernsRangeSize = 65536
	usernsMaxRanges = 64
)

// usernsModule allocates a uid/gid range per compartment and writes the
// child's uid_map and gid_map while it is blocked on the sync pipe.
type usernsModule struct {
	lifecycle.Base
	idx int

	// allocated range slots, index -> in use
	slots [usernsMaxRanges]bool
}

type usernsState struct {
	slot int
	base int
}

func registerUserns(reg *lifecycle.Registry) {
	m := &usernsModule{}
	m.idx = reg.Register(m)
}

func (m *usernsModule) Name() string { return "userns" }

func (m *usernsModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	if !c.HasUserNS() {
		return nil
	}

	slot := -1
	for i, used := range m.slots {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errdefs.New(errdefs.ResourceBusy, "uid range space exhausted")
	}
	m.slots[slot] = true
	base := usernsRangeBase + slot*usernsRangeSize
	c.SetModuleData(m.idx, &usernsState{slot: slot, base: base})
	c.SetUIDRange(base, usernsRangeSize)

	setup.CloneFlags |= syscall.CLONE_NEWUSER
	return nil
}

func (m *usernsModule) PostClone(c *compartment.Compartment) error {
	state, _ := c.ModuleData(m.idx).(*usernsState)
	if state == nil {
		return nil
	}

	mapping := fmt.Sprintf("0 %d %d\n", state.base, usernsRangeSize)

	// Writing gid_map requires setgroups to be denied first.
	setgroups := fmt.Sprintf("/proc/%d/setgroups", c.Pid())
	if err := os.WriteFile(setgroups, []byte("deny"), 0o644); err != nil {
		return errdefs.Kernel("deny setgroups", err)
	}
	uidMap := fmt.Sprintf("/proc/%d/uid_map", c.Pid())
	if err := os.WriteFile(uidMap, []byte(mapping), 0o644); err != nil {
		return errdefs.Kernel("write uid_map", err)
	}
	gidMap := fmt.Sprintf("/proc/%d/gid_map", c.Pid())
	if err := os.WriteFile(gidMap, []byte(mapping), 0o644); err != nil {
		return errdefs.Kernel("write gid_map", err)
	}
	return nil
}

func (m *usernsModule) Cleanup(c *compartment.Compartment) {
	if state, _ := c.ModuleData(m.idx).(*usernsState); state != nil {
		m.slots[state.slot] = false
		c.SetModuleData(m.idx, nil)
		c.SetUIDRange(0, 0)
	}
}
