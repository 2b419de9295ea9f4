package cmodule

import (
	"fmt"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/network"
)

const vethPeerName = "eth0"

// netModule gives each compartment a private network namespace with a veth
// uplink, and owns the interface-move handle the hotplug coordinator uses
// to relocate physical interfaces.
type netModule struct {
	lifecycle.Base
	idx   int
	alloc *network.Allocator
}

type netState struct {
	hostVeth string
	ipNet    *net.IPNet
	bridges  []string
}

func registerNet(reg *lifecycle.Registry, alloc *network.Allocator) {
	m := &netModule{alloc: alloc}
	m.idx = reg.Register(m)
}

func (m *netModule) Name() string { return "net" }

func (m *netModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	setup.CloneFlags |= syscall.CLONE_NEWNET
	return nil
}

// StartPreExec wires the namespace while the child is blocked: the loopback
// comes up, and a veth pair is created with the peer already inside when a
// subnet is configured.
func (m *netModule) StartPreExec(c *compartment.Compartment, _ *lifecycle.ChildSetup, _ func(error)) (lifecycle.Status, error) {
	state := &netState{}
	c.SetModuleData(m.idx, state)

	if err := network.EnableLoopback(c.Pid()); err != nil {
		return lifecycle.Done, err
	}

	cfg := c.Config()
	if cfg.Subnet != "" {
		if m.alloc == nil {
			return lifecycle.Done, errdefs.New(errdefs.PreconditionFailed,
				"no address allocator configured")
		}
		_, subnet, err := net.ParseCIDR(cfg.Subnet)
		if err != nil {
			return lifecycle.Done, errdefs.Wrap(errdefs.ConfigInvalid, "parse subnet", err)
		}
		ipNet, err := m.alloc.RequestIP(subnet)
		if err != nil {
			return lifecycle.Done, errdefs.Wrap(errdefs.ResourceBusy, "allocate address", err)
		}
		state.ipNet = ipNet

		hostVeth := vethName(c)
		if err := network.CreateVethPair(hostVeth, vethPeerName, c.Pid()); err != nil {
			return lifecycle.Done, err
		}
		state.hostVeth = hostVeth

		if err := network.SetUp(hostVeth); err != nil {
			return lifecycle.Done, err
		}
		if err := network.ConfigureInNetns(c.Pid(), vethPeerName, ipNet, nil); err != nil {
			return lifecycle.Done, err
		}
	}

	c.SetNetOps(&netOps{m: m, c: c, state: state})
	return lifecycle.Done, nil
}

func (m *netModule) Cleanup(c *compartment.Compartment) {
	state, _ := c.ModuleData(m.idx).(*netState)
	if state == nil {
		return
	}
	entry := logrus.WithField("compartment", c.Name())
	c.SetNetOps(nil)

	// The namespace end of the veth dies with the namespace; the host end
	// is removed explicitly in case the namespace outlives teardown.
	if state.hostVeth != "" {
		if err := network.DeleteLink(state.hostVeth); err != nil {
			entry.WithError(err).Warn("failed to delete veth")
		}
	}
	for _, bridge := range state.bridges {
		if err := network.DeleteLink(bridge); err != nil {
			entry.WithError(err).Warn("failed to delete bridge")
		}
	}
	if state.ipNet != nil {
		if err := m.alloc.ReleaseIP(state.ipNet); err != nil {
			entry.WithError(err).Warn("failed to release address")
		}
	}
	c.SetModuleData(m.idx, nil)
}

func vethName(c *compartment.Compartment) string {
	id := c.UUID().String()
	return "veth-" + id[:8]
}

// netOps relocates physical interfaces into the compartment.
type netOps struct {
	m     *netModule
	c     *compartment.Compartment
	state *netState
}

// AddInterface moves an already renamed host interface into the
// compartment's namespace and applies the mapping's address configuration.
// A MAC-filter mapping gets a bridge in front of the physical interface
// instead; only the bridge is visible inside.
func (o *netOps) AddInterface(cfg config.NetIf, ifname string) error {
	if cfg.MACFilter {
		bridge := "br-" + ifname
		if err := network.CreateBridge(bridge, ifname); err != nil {
			return err
		}
		o.state.bridges = append(o.state.bridges, bridge)
		ifname = bridge
	}

	if err := network.MoveToNetns(ifname, o.c.Pid()); err != nil {
		return err
	}

	var ipNet *net.IPNet
	if cfg.IPAddr != "" {
		ip, subnet, err := net.ParseCIDR(cfg.IPAddr)
		if err != nil {
			return errdefs.Wrap(errdefs.ConfigInvalid, fmt.Sprintf("address %q", cfg.IPAddr), err)
		}
		ipNet = &net.IPNet{IP: ip, Mask: subnet.Mask}
	}
	var gateway net.IP
	if cfg.Gateway != "" {
		gateway = net.ParseIP(cfg.Gateway)
	}
	return network.ConfigureInNetns(o.c.Pid(), ifname, ipNet, gateway)
}
