package uevent

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/errdefs"
)

// Inject re-advertises an event inside the network namespace of pid, so
// that device managers running in the compartment observe the (possibly
// renamed) device. When the compartment runs in a user namespace the kernel
// group is not receivable there and the udev group is used instead.
func Inject(e Event, pid int, userns bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hostNS, err := netns.Get()
	if err != nil {
		return errdefs.Kernel("get host net namespace", err)
	}
	defer hostNS.Close()

	targetNS, err := netns.GetFromPid(pid)
	if err != nil {
		return errdefs.Kernel(fmt.Sprintf("get net namespace of pid %d", pid), err)
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return errdefs.Kernel("enter target net namespace", err)
	}
	defer netns.Set(hostNS)

	group := uint32(groupKernel)
	if userns {
		group = 2
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return errdefs.Kernel("open injection socket", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}
	if err := unix.Sendto(fd, e.Frame(), 0, sa); err != nil {
		return errdefs.Kernel("send uevent frame", err)
	}
	return nil
}
