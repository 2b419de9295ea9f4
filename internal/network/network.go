// Package network wraps the host-side kernel operations on network
// interfaces: veth pair creation, renaming and relocating physical
// interfaces into compartment namespaces, and address configuration. All
// mutations happen from the event loop on behalf of compartments.
package network

import (
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cml-project/cmld/internal/errdefs"
)

// MACByName reads the hardware address of a host interface.
func MACByName(ifname string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, errdefs.Kernel(fmt.Sprintf("find interface %s", ifname), err)
	}
	return link.Attrs().HardwareAddr, nil
}

// Rename gives a host interface a new name. The link is brought down for
// the rename and left down; the receiving namespace brings it up.
func Rename(oldname, newname string) error {
	link, err := netlink.LinkByName(oldname)
	if err != nil {
		return errdefs.Kernel(fmt.Sprintf("find interface %s", oldname), err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return errdefs.Kernel(fmt.Sprintf("set %s down", oldname), err)
	}
	if err := netlink.LinkSetName(link, newname); err != nil {
		return errdefs.Kernel(fmt.Sprintf("rename %s to %s", oldname, newname), err)
	}
	return nil
}

// MoveToNetns moves a host interface into the network namespace of pid.
func MoveToNetns(ifname string, pid int) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return errdefs.Kernel(fmt.Sprintf("find interface %s", ifname), err)
	}
	if err := netlink.LinkSetNsPid(link, pid); err != nil {
		return errdefs.Kernel(fmt.Sprintf("move %s to pid %d", ifname, pid), err)
	}
	return nil
}

// CreateVethPair creates a veth pair with the peer already placed in the
// network namespace of pid. The host end stays down until attached.
func CreateVethPair(hostName, peerName string, pid int) error {
	linkAttrs := netlink.NewLinkAttrs()
	linkAttrs.Name = hostName
	veth := &netlink.Veth{
		LinkAttrs:     linkAttrs,
		PeerName:      peerName,
		PeerNamespace: netlink.NsPid(pid),
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return errdefs.Kernel(fmt.Sprintf("create veth pair %s/%s", hostName, peerName), err)
	}
	return nil
}

// DeleteLink removes a host interface if it still exists.
func DeleteLink(ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return errdefs.Kernel(fmt.Sprintf("delete interface %s", ifname), err)
	}
	return nil
}

// SetUp brings a host interface up.
func SetUp(ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return errdefs.Kernel(fmt.Sprintf("find interface %s", ifname), err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errdefs.Kernel(fmt.Sprintf("set %s up", ifname), err)
	}
	return nil
}

// CreateBridge creates a bridge for a physical interface, enslaves the
// interface to it, and brings the bridge up. No MAC filter rules are
// installed on the bridge.
func CreateBridge(name, ifname string) error {
	linkAttrs := netlink.NewLinkAttrs()
	linkAttrs.Name = name
	bridge := &netlink.Bridge{LinkAttrs: linkAttrs}

	if err := netlink.LinkAdd(bridge); err != nil {
		return errdefs.Kernel(fmt.Sprintf("create bridge %s", name), err)
	}
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return errdefs.Kernel(fmt.Sprintf("find interface %s", ifname), err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return errdefs.Kernel(fmt.Sprintf("enslave %s to %s", ifname, name), err)
	}
	if err := netlink.LinkSetUp(bridge); err != nil {
		return errdefs.Kernel(fmt.Sprintf("set bridge %s up", name), err)
	}
	return nil
}

// WithNetns runs fn inside the network namespace of pid. The calling
// goroutine is pinned to its OS thread for the duration.
func WithNetns(pid int, fn func() error) error {
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

	return fn()
}

// ConfigureInNetns assigns an address to an interface inside the namespace
// of pid, brings it up, and optionally installs a default route.
func ConfigureInNetns(pid int, ifname string, ipNet *net.IPNet, gateway net.IP) error {
	return WithNetns(pid, func() error {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return errdefs.Kernel(fmt.Sprintf("find interface %s in namespace", ifname), err)
		}
		if ipNet != nil {
			addr := &netlink.Addr{IPNet: ipNet}
			if err := netlink.AddrAdd(link, addr); err != nil {
				return errdefs.Kernel(fmt.Sprintf("assign address to %s", ifname), err)
			}
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return errdefs.Kernel(fmt.Sprintf("set %s up", ifname), err)
		}
		if gateway != nil {
			route := &netlink.Route{
				LinkIndex: link.Attrs().Index,
				Gw:        gateway,
			}
			if err := netlink.RouteAdd(route); err != nil {
				return errdefs.Kernel(fmt.Sprintf("add default route via %s", gateway), err)
			}
		}
		return nil
	})
}

// EnableLoopback brings up the loopback interface inside the namespace of
// pid.
func EnableLoopback(pid int) error {
	return WithNetns(pid, func() error {
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return errdefs.Kernel("find loopback interface", err)
		}
		if err := netlink.LinkSetUp(lo); err != nil {
			return errdefs.Kernel("set loopback up", err)
		}
		return nil
	})
}
