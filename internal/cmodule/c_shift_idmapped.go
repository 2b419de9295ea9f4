//go:build idmapped_mounts

package cmodule

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

// shiftModule remaps rootfs ownership with an idmapped mount bound to the
// child's user namespace. Requires a 5.12+ kernel; the chown-walk strategy
// is the default build.
type shiftModule struct {
	lifecycle.Base
	idx int
}

type shiftState struct {
	mapped bool
}

func registerShift(reg *lifecycle.Registry) {
	m := &shiftModule{}
	m.idx = reg.Register(m)
}

func (m *shiftModule) Name() string { return "shift" }

func (m *shiftModule) StartPreExec(c *compartment.Compartment, _ *lifecycle.ChildSetup, _ func(error)) (lifecycle.Status, error) {
	_, size := c.UIDRange()
	if size == 0 {
		return lifecycle.Done, nil
	}

	usernsPath := fmt.Sprintf("/proc/%d/ns/user", c.Pid())
	usernsFd, err := unix.Open(usernsPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return lifecycle.Done, errdefs.Kernel("open child user namespace", err)
	}
	defer unix.Close(usernsFd)

	merged := filepath.Join(config.Dir(c.UUID()), overlayDir, mergedDir)
	treeFd, err := unix.OpenTree(unix.AT_FDCWD, merged,
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err != nil {
		return lifecycle.Done, errdefs.Kernel("clone rootfs mount tree", err)
	}
	defer unix.Close(treeFd)

	attr := &unix.MountAttr{
		Attr_set:  unix.MOUNT_ATTR_IDMAP,
		Userns_fd: uint64(usernsFd),
	}
	if err := unix.MountSetattr(treeFd, "", unix.AT_EMPTY_PATH|unix.AT_RECURSIVE, attr); err != nil {
		return lifecycle.Done, errdefs.Kernel("idmap rootfs mount", err)
	}
	if err := unix.MoveMount(treeFd, "", unix.AT_FDCWD, merged, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return lifecycle.Done, errdefs.Kernel("attach idmapped rootfs", err)
	}

	c.SetModuleData(m.idx, &shiftState{mapped: true})
	return lifecycle.Done, nil
}

func (m *shiftModule) Cleanup(c *compartment.Compartment) {
	c.SetModuleData(m.idx, nil)
}
