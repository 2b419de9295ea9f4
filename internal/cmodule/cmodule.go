// Package cmodule implements the concrete compartment subsystem modules.
// Each file carries one module; RegisterAll wires them into the registry in
// the authoritative dependency order: uid mapping before volumes, volumes
// before network, cgroups before capabilities.
package cmodule

import (
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/network"
	"github.com/cml-project/cmld/internal/scd"
)

// Deps are the collaborators the modules share.
type Deps struct {
	SCD   *scd.Client
	Alloc *network.Allocator
}

// RegisterAll registers every subsystem module. Must run once, before any
// compartment is created.
func RegisterAll(reg *lifecycle.Registry, deps Deps) {
	registerUserns(reg)
	registerSmartcard(reg, deps.SCD)
	registerVol(reg)
	registerShift(reg)
	registerCgroup(reg)
	registerDevices(reg)
	registerNet(reg, deps.Alloc)
	registerCaps(reg)
	registerSeccomp(reg)
	registerService(reg)
	registerTime(reg)
	registerAudit(reg)
	registerUeventFwd(reg)
}
