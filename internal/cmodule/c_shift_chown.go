//go:build !idmapped_mounts

package cmodule

import (
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

// shiftModule remaps rootfs ownership into the allocated uid/gid range by
// walking the mounted overlay root and chowning in place. The alternative
// idmapped-mount strategy is selected with the idmapped_mounts build tag.
type shiftModule struct {
	lifecycle.Base
	idx int
}

type shiftState struct {
	shifted bool
}

func registerShift(reg *lifecycle.Registry) {
	m := &shiftModule{}
	m.idx = reg.Register(m)
}

func (m *shiftModule) Name() string { return "shift" }

func (m *shiftModule) StartPreExec(c *compartment.Compartment, _ *lifecycle.ChildSetup, _ func(error)) (lifecycle.Status, error) {
	base, size := c.UIDRange()
	if size == 0 {
		return lifecycle.Done, nil
	}

	merged := filepath.Join(config.Dir(c.UUID()), overlayDir, mergedDir)
	err := filepath.WalkDir(merged, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		uid, gid := ownerOf(info)
		if uid >= size || gid >= size {
			// Already shifted or outside the range, leave it alone.
			return nil
		}
		return os.Lchown(path, base+uid, base+gid)
	})
	if err != nil {
		return lifecycle.Done, errdefs.Kernel("shift rootfs ownership", err)
	}

	c.SetModuleData(m.idx, &shiftState{shifted: true})
	return lifecycle.Done, nil
}

func (m *shiftModule) Cleanup(c *compartment.Compartment) {
	c.SetModuleData(m.idx, nil)
}

func ownerOf(info fs.FileInfo) (uid, gid int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}
