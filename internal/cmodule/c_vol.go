package cmodule

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

const (
	guestosDir = "guestos"

	overlayDir = "overlay"
	upperDir   = "upper"
	workDir    = "work"
	mergedDir  = "merged"

	dataImage  = "data.img"
	cryptName  = "cml-data-%s"
)

// volModule assembles the compartment root filesystem: the verified guest
// OS tree as the lower layer, a writable upper layer, and an optional
// dm-crypt data image opened with the key the smartcard module unwrapped.
// Everything it mounts is unwound in Cleanup.
type volModule struct {
	lifecycle.Base
	idx int
}

type volState struct {
	merged    string
	mounted   bool
	cryptOpen bool
}

func registerVol(reg *lifecycle.Registry) {
	m := &volModule{}
	m.idx = reg.Register(m)
}

func (m *volModule) Name() string { return "vol" }

func (m *volModule) Precheck(c *compartment.Compartment) error {
	lower := guestosRootfs(c.Config().GuestOS)
	if _, err := os.Stat(lower); err != nil {
		return errdefs.Newf(errdefs.PreconditionFailed,
			"guest OS %q has no rootfs at %s", c.Config().GuestOS, lower)
	}
	return nil
}

// StopClean unmounts leftovers of a crashed previous run before anything
// else touches the directories.
func (m *volModule) StopClean(c *compartment.Compartment) error {
	merged := filepath.Join(config.Dir(c.UUID()), overlayDir, mergedDir)
	if mounted, _ := mountinfo.Mounted(merged); mounted {
		logrus.WithField("compartment", c.Name()).Warn("unmounting stale overlay")
		if err := syscall.Unmount(merged, syscall.MNT_DETACH); err != nil {
			return errdefs.Kernel("unmount stale overlay", err)
		}
	}
	return nil
}

func (m *volModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	base := filepath.Join(config.Dir(c.UUID()), overlayDir)
	paths := map[string]string{
		upperDir:  filepath.Join(base, upperDir),
		workDir:   filepath.Join(base, workDir),
		mergedDir: filepath.Join(base, mergedDir),
	}
	for _, dir := range paths {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create overlay directory %s: %w", dir, err)
		}
	}

	state := &volState{merged: paths[mergedDir]}
	c.SetModuleData(m.idx, state)

	lower, err := m.openLower(c, state)
	if err != nil {
		return err
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		lower, paths[upperDir], paths[workDir])
	if err := syscall.Mount("overlay", paths[mergedDir], "overlay", 0, opts); err != nil {
		return errdefs.Kernel("mount overlayfs", err)
	}
	state.mounted = true

	setup.Root = paths[mergedDir]
	setup.Mounts = append(setup.Mounts, lifecycle.Mount{
		Source: "tmpfs",
		Target: "dev",
		FSType: "tmpfs",
		Flags:  syscall.MS_NOSUID | syscall.MS_STRICTATIME,
		Data:   "mode=755",
	})
	return nil
}

// openLower returns the lower layer directory, opening the encrypted data
// image first when one is provisioned and the key is unlocked.
func (m *volModule) openLower(c *compartment.Compartment, state *volState) (string, error) {
	image := filepath.Join(config.ImagesDir(c.UUID()), dataImage)
	if _, err := os.Stat(image); err != nil {
		return guestosRootfs(c.Config().GuestOS), nil
	}

	key := c.Key()
	if key == nil {
		return "", errdefs.New(errdefs.CredentialError,
			"encrypted data image present but key is locked")
	}

	name := fmt.Sprintf(cryptName, c.UUID())
	cmd := exec.Command("cryptsetup", "open", "--type", "plain", "--key-file", "-", image, name)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", errdefs.Wrap(errdefs.Internal, "cryptsetup stdin", err)
	}
	if err := cmd.Start(); err != nil {
		return "", errdefs.Wrap(errdefs.KernelError, "start cryptsetup", err)
	}
	stdin.Write(key)
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return "", errdefs.Wrap(errdefs.KernelError, "open encrypted data image", err)
	}
	state.cryptOpen = true

	return guestosRootfs(c.Config().GuestOS), nil
}

func (m *volModule) Cleanup(c *compartment.Compartment) {
	state, _ := c.ModuleData(m.idx).(*volState)
	if state == nil {
		return
	}
	entry := logrus.WithField("compartment", c.Name())

	if state.mounted {
		if err := syscall.Unmount(state.merged, syscall.MNT_DETACH); err != nil {
			entry.WithError(err).Warn("failed to unmount overlay")
		}
		state.mounted = false
	}
	if state.cryptOpen {
		name := fmt.Sprintf(cryptName, c.UUID())
		if err := exec.Command("cryptsetup", "close", name).Run(); err != nil {
			entry.WithError(err).Warn("failed to close encrypted data image")
		}
		state.cryptOpen = false
	}

	// Resource invariant: nothing below the compartment directory may stay
	// mounted after teardown.
	if mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(config.Dir(c.UUID()))); err == nil && len(mounts) > 0 {
		entry.Warnf("%d mounts left after volume teardown", len(mounts))
	}

	c.SetModuleData(m.idx, nil)
}

func guestosRootfs(name string) string {
	return filepath.Join(config.Root, guestosDir, name, "rootfs")
}
