package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	cap "kernel.org/pub/linux/libs/security/libcap/cap"
	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Mount is one mount directive the child applies while assembling its root
// filesystem view.
type Mount struct {
	Source string `cbor:"source"`
	Target string `cbor:"target"`
	FSType string `cbor:"fstype"`
	Flags  uint64 `cbor:"flags"`
	Data   string `cbor:"data,omitempty"`
}

// ChildSetup carries everything the blocked child needs once the parent
// releases it: the assembled root, mount directives, identity, and the
// restriction policies to apply before exec.
type ChildSetup struct {
	Root     string   `cbor:"root"`
	Hostname string   `cbor:"hostname"`
	Init     []string `cbor:"init"`
	Env      []string `cbor:"env,omitempty"`
	Mounts   []Mount  `cbor:"mounts,omitempty"`

	// KeepCaps lists the capabilities kept in the permitted, effective and
	// inheritable sets; everything else is dropped from them. The bounding
	// set is left unchanged. An empty list keeps the full set.
	KeepCaps []string `cbor:"keep_caps,omitempty"`

	// DeniedSyscalls are rejected with EPERM by the seccomp filter.
	DeniedSyscalls []string `cbor:"denied_syscalls,omitempty"`

	// CloneFlags accumulates the namespace flags modules requested.
	CloneFlags uintptr `cbor:"-"`
}

// File descriptor numbers the forked child inherits: the setup pipe doubles
// as the release synchronization (EOF releases the child), the ready pipe
// announces completion of the child-side sequence.
const (
	setupFD = 3
	readyFD = 4
)

// Child is the parent's view of a forked compartment child.
type Child struct {
	Pid     int
	Cmd     *exec.Cmd
	Release *os.File // write end of the setup pipe
	Ready   *os.File // read end of the ready pipe
}

// ForkChild re-executes the daemon binary in child mode with the requested
// namespaces. The child blocks reading the setup pipe until the parent
// finishes its side and calls Release.
func ForkChild(setup *ChildSetup) (*Child, error) {
	setupR, setupW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create setup pipe: %w", err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		setupR.Close()
		setupW.Close()
		return nil, fmt.Errorf("failed to create ready pipe: %w", err)
	}

	cmd := exec.Command("/proc/self/exe", "child")
	cmd.ExtraFiles = []*os.File{setupR, readyW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: setup.CloneFlags,
	}
	cmd.Env = []string{}

	if err := cmd.Start(); err != nil {
		setupR.Close()
		setupW.Close()
		readyR.Close()
		readyW.Close()
		return nil, fmt.Errorf("failed to fork compartment child: %w", err)
	}

	// Parent keeps the write end of setup and the read end of ready.
	setupR.Close()
	readyW.Close()

	return &Child{
		Pid:     cmd.Process.Pid,
		Cmd:     cmd,
		Release: setupW,
		Ready:   readyR,
	}, nil
}

// ReleaseChild serializes the setup record and closes the pipe, unblocking
// the child.
func (c *Child) ReleaseChild(setup *ChildSetup) error {
	data, err := cbor.Marshal(setup)
	if err != nil {
		c.Release.Close()
		return fmt.Errorf("failed to encode child setup: %w", err)
	}
	if _, err := c.Release.Write(data); err != nil {
		c.Release.Close()
		return fmt.Errorf("failed to write child setup: %w", err)
	}
	return c.Release.Close()
}

// RunChild is the entry point of the re-executed child process. It blocks
// until the parent finishes its host-side phases, applies the setup
// directives, signals readiness, and replaces itself with the init binary.
func RunChild() error {
	setup, err := readSetup()
	if err != nil {
		return err
	}

	if setup.Hostname != "" {
		if err := unix.Sethostname([]byte(setup.Hostname)); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}

	if err := enterRoot(setup); err != nil {
		return err
	}

	if len(setup.KeepCaps) > 0 {
		if err := applyCaps(setup.KeepCaps); err != nil {
			return err
		}
	}
	if len(setup.DeniedSyscalls) > 0 {
		if err := applySeccomp(setup.DeniedSyscalls); err != nil {
			return err
		}
	}

	if err := signalReady(); err != nil {
		return err
	}

	path, err := exec.LookPath(setup.Init[0])
	if err != nil {
		return fmt.Errorf("init binary not found: %w", err)
	}
	return syscall.Exec(path, setup.Init, setup.Env)
}

// readSetup blocks on the setup pipe until the parent closes it, then
// decodes the directives.
func readSetup() (*ChildSetup, error) {
	pipe := os.NewFile(uintptr(setupFD), "setup")
	defer pipe.Close()

	var data []byte
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	var setup ChildSetup
	if err := cbor.Unmarshal(data, &setup); err != nil {
		return nil, fmt.Errorf("failed to decode child setup: %w", err)
	}
	if len(setup.Init) == 0 {
		return nil, fmt.Errorf("child setup carries no init command")
	}
	return &setup, nil
}

// enterRoot makes the assembled rootfs the child's view of the world: mount
// propagation is cut, the mount directives run in order, and the old root is
// pivoted away.
func enterRoot(setup *ChildSetup) error {
	if err := syscall.Mount("", "/", "", syscall.MS_SLAVE|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to modify root mount propagation: %w", err)
	}

	newRoot := setup.Root
	if err := syscall.Mount(newRoot, newRoot, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind new root: %w", err)
	}
	if err := os.Chdir(newRoot); err != nil {
		return fmt.Errorf("failed to enter new root: %w", err)
	}

	for _, m := range setup.Mounts {
		if err := os.MkdirAll(m.Target, 0o755); err != nil {
			return fmt.Errorf("failed to create mount target %s: %w", m.Target, err)
		}
		if err := syscall.Mount(m.Source, m.Target, m.FSType, uintptr(m.Flags), m.Data); err != nil {
			return fmt.Errorf("failed to mount %s on %s: %w", m.Source, m.Target, err)
		}
	}

	putOld := ".old_root"
	if err := os.MkdirAll(putOld, 0o700); err != nil {
		return fmt.Errorf("failed to create temporary root dir: %w", err)
	}
	if err := syscall.PivotRoot(".", putOld); err != nil {
		return fmt.Errorf("failed to pivot root: %w", err)
	}
	if err := syscall.Unmount(putOld, syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to unmount old root: %w", err)
	}
	if err := os.RemoveAll(putOld); err != nil {
		return fmt.Errorf("failed to remove old root: %w", err)
	}

	mountProcFlags := syscall.MS_NOEXEC | syscall.MS_NOSUID | syscall.MS_NODEV
	if err := syscall.Mount("proc", "/proc", "proc", uintptr(mountProcFlags), ""); err != nil {
		return fmt.Errorf("failed to mount procfs: %w", err)
	}
	return nil
}

// applyCaps drops every capability not named in keep from all flag sets.
func applyCaps(keep []string) error {
	set := cap.NewSet()
	var vals []cap.Value
	for _, name := range keep {
		v, err := cap.FromName(name)
		if err != nil {
			return fmt.Errorf("unknown capability %q: %w", name, err)
		}
		vals = append(vals, v)
	}
	if err := set.SetFlag(cap.Permitted, true, vals...); err != nil {
		return fmt.Errorf("failed to build permitted set: %w", err)
	}
	if err := set.SetFlag(cap.Effective, true, vals...); err != nil {
		return fmt.Errorf("failed to build effective set: %w", err)
	}
	if err := set.SetFlag(cap.Inheritable, true, vals...); err != nil {
		return fmt.Errorf("failed to build inheritable set: %w", err)
	}
	if err := set.SetProc(); err != nil {
		return fmt.Errorf("failed to apply capability set: %w", err)
	}
	return nil
}

// applySeccomp installs a default-allow filter rejecting the denied
// syscalls with EPERM.
func applySeccomp(denied []string) error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("failed to create seccomp filter: %w", err)
	}
	defer filter.Release()

	for _, name := range denied {
		nr, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Unknown on this kernel/arch, nothing to deny.
			continue
		}
		if err := filter.AddRule(nr, seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))); err != nil {
			return fmt.Errorf("failed to add seccomp rule for %s: %w", name, err)
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("failed to load seccomp filter: %w", err)
	}
	return nil
}

// signalReady writes the readiness byte so the parent can transition the
// compartment to running.
func signalReady() error {
	pipe := os.NewFile(uintptr(readyFD), "ready")
	defer pipe.Close()
	if _, err := pipe.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to signal readiness: %w", err)
	}
	return nil
}
