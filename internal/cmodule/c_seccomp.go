package cmodule

import (
	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
)

// seccompProfiles maps profile names from the configuration to the syscalls
// the filter rejects with EPERM. The child loads the filter as its last
// step before exec.
var seccompProfiles = map[string][]string{
	// default keeps compartments away from kernel module and keyring
	// interfaces and from rebooting the host.
	"default": {
		"init_module",
		"finit_module",
		"delete_module",
		"kexec_load",
		"kexec_file_load",
		"reboot",
		"swapon",
		"swapoff",
		"mount_setattr",
		"open_by_handle_at",
		"add_key",
		"request_key",
		"keyctl",
	},
	// privileged compartments run unfiltered
	"privileged": {},
}

// seccompModule contributes the syscall deny list derived from the
// configured profile.
type seccompModule struct {
	lifecycle.Base
}

func registerSeccomp(reg *lifecycle.Registry) {
	reg.Register(&seccompModule{})
}

func (m *seccompModule) Name() string { return "seccomp" }

func (m *seccompModule) Precheck(c *compartment.Compartment) error {
	profile := c.Config().Seccomp
	if profile == "" {
		return nil
	}
	if _, ok := seccompProfiles[profile]; !ok {
		return errdefs.Newf(errdefs.ConfigInvalid, "unknown seccomp profile %q", profile)
	}
	return nil
}

func (m *seccompModule) ClonePrep(c *compartment.Compartment, setup *lifecycle.ChildSetup) error {
	profile := c.Config().Seccomp
	if profile == "" {
		profile = "default"
	}
	setup.DeniedSyscalls = append([]string(nil), seccompProfiles[profile]...)
	return nil
}
