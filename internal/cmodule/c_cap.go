package cmodule

import (
	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/lifecycle"
)

// defaultCaps is the capability whitelist applied when a configuration
// names none. It matches what an unprivileged system container needs to
// boot its own init.
var defaultCaps = []string{
	"cap_chown",
	"cap_dac_override",
	"cap_fowner",
	"cap_fsetid",
	"cap_kill",
	"cap_setgid",
	"cap_setuid",
	"cap_setpcap",
	"cap_net_bind_service",
	"cap_net_raw",
	"cap_sys_chroot",
	"cap_mknod",
	"cap_audit_write",
	"cap_setfcap",
}

// capModule restricts the child's capability sets. The policy is
// data-driven from the configuration; the child applies it right before
// exec.
type capModule struct {
	lifecycle.Base
}

func registerCaps(reg *lifecycle.Registry) {
	reg.Register(&capModule{})
}

func (m *capModule) Name() string { return "cap" }

func (m *capModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	caps := c.Config().Caps
	if len(caps) == 0 {
		caps = defaultCaps
	}
	setup.KeepCaps = append([]string(nil), caps...)
	return nil
}
