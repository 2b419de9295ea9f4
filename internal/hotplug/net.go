package hotplug

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/loop"
	"github.com/cml-project/cmld/internal/uevent"
)

// scheduleNetifMove debounces a physical interface addition. Wifi
// interfaces additionally wait until sysfs exposes their wireless
// attribute.
func (h *Coordinator) scheduleNetifMove(e uevent.Event) {
	h.loop.AddTimer(debouncePeriod, true, func(t *loop.Timer) {
		if e.Devtype == "wlan" && !isWifi(e.Interface) {
			// sysfs not settled yet, retry on the next tick
			return
		}
		h.loop.RemoveTimer(t)

		if err := h.netifMove(e); err != nil {
			logrus.WithField("interface", e.Interface).
				WithError(err).Warn("did not move net interface")
		}
	})
}

// netifMove looks up the mapping by the interface's current MAC, renames
// the interface into the daemon's host-scope namespace, and relocates it
// into the owning compartment, falling back to the default compartment for
// unmapped interfaces.
func (h *Coordinator) netifMove(e uevent.Event) error {
	mac, err := macByName(e.Interface)
	if err != nil || len(mac) == 0 {
		return fmt.Errorf("interface %s has no mac", e.Interface)
	}

	var c *compartment.Compartment
	var mapping *compartment.NetMapping
	for _, entry := range h.netMappings {
		if bytes.Equal(mac, entry.mapping.MAC) {
			c = h.registry.ByUUID(entry.owner)
			mapping = entry.mapping
			break
		}
	}

	// No mapping: the default compartment absorbs the interface under an
	// ephemeral mapping.
	if c == nil {
		c = h.registry.Default()
		if c == nil {
			return fmt.Errorf("no target compartment for %s", e.Interface)
		}
		mapping = &compartment.NetMapping{MAC: mac, Ephemeral: true}
		c.AddNetMapping(mapping)
	}

	switch c.State() {
	case compartment.Starting, compartment.Booting, compartment.Running:
	default:
		return fmt.Errorf("target compartment %s is not running", c.Name())
	}

	// Rename before the move to avoid name clashes inside the target
	// namespace; the uevent travels on with the substituted names.
	event := e
	infix := "eth"
	if e.Devtype == "wlan" {
		infix = "wlan"
	}
	if newname, err := h.renameIfi(e.Interface, infix); err != nil {
		logrus.WithField("interface", e.Interface).
			WithError(err).Warn("rename failed, moving interface as is")
	} else {
		if h.registry.RemovePhysNetif(e.Interface) {
			h.registry.AddPhysNetif(newname)
		}
		event = e.WithInterface(newname)
	}

	if err := c.AddNetInterface(mapping.Cfg, event.Interface); err != nil {
		return fmt.Errorf("cannot move %s to %s: %w", mac, c.Name(), err)
	}
	logrus.WithFields(logrus.Fields{
		"interface":   event.Interface,
		"mac":         mac.String(),
		"compartment": c.Name(),
	}).Info("moved physical network interface")

	// A MAC-filter mapping fronts the interface with a bridge; the bridge
	// re-advertises itself, so the physical event is withheld.
	if mapping.Cfg.MACFilter {
		return nil
	}

	if err := injectEvent(event, c.Pid(), c.HasUserNS()); err != nil {
		logrus.WithField("compartment", c.Name()).
			WithError(err).Warn("could not inject uevent into target namespace")
	}
	return nil
}

// renameIfi renames an interface to the next unique host-scope name of its
// family, cml{eth|wlan}<n> with a per-family monotonic index.
func (h *Coordinator) renameIfi(oldname, infix string) (string, error) {
	idx := &h.ethIdx
	if infix == "wlan" {
		idx = &h.wlanIdx
	}

	newname := fmt.Sprintf("cml%s%d", infix, *idx)
	if err := renameIface(oldname, newname); err != nil {
		return "", err
	}
	*idx++

	logrus.Infof("renamed interface %s to %s", oldname, newname)
	return newname, nil
}

// NetMappingOwner resolves the owner of a MAC mapping.
func (h *Coordinator) NetMappingOwner(mac string) (owner string, ok bool) {
	for _, entry := range h.netMappings {
		if entry.mapping.MAC.String() == mac {
			return entry.owner.String(), true
		}
	}
	return "", false
}
