// Package hotplug reacts to kernel uevents: it routes newly discovered USB
// devices and physical network interfaces to the compartments holding a
// matching mapping, while the compartments themselves may be mid-
// transition. Failures here are logged and dropped, never fatal: the event
// is already past.
package hotplug

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
	"github.com/cml-project/cmld/internal/network"
	"github.com/cml-project/cmld/internal/sysfs"
	"github.com/cml-project/cmld/internal/uevent"
)

const (
	// debounce cadence for sysfs settling and device node creation
	debouncePeriod = 100 * time.Millisecond

	// attempts to wait for a token device node before giving up
	tokenRetries = 10
)

// Seams for the kernel-facing operations, swappable in tests.
var (
	macByName   = network.MACByName
	renameIface = network.Rename
	injectEvent = uevent.Inject
	isWifi      = sysfs.IsWifi
	readSerial  = sysfs.USBSerial
	scanUSB     = sysfs.ScanUSBDevices
	nodeExists  = func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}
)

// Registry is the coordinator's view of the compartment set. Mappings hold
// compartment UUIDs, not pointers; the registry resolves them on use so a
// concurrently removed compartment simply stops matching.
type Registry interface {
	ByUUID(id uuid.UUID) *compartment.Compartment
	Default() *compartment.Compartment
	AddPhysNetif(name string)
	RemovePhysNetif(name string) bool
	PhysNetifs() []string
}

type usbEntry struct {
	owner   uuid.UUID
	mapping *compartment.USBMapping
}

type netEntry struct {
	owner   uuid.UUID
	mapping *compartment.NetMapping
}

// Coordinator owns the mapping tables and the uevent subscription.
type Coordinator struct {
	loop     *loop.Loop
	source   *uevent.Source
	registry Registry

	usbMappings []*usbEntry
	netMappings []*netEntry

	handler *uevent.Handler

	// monotonic per-family rename counters
	ethIdx  uint
	wlanIdx uint
}

// New wires the coordinator: all physical interfaces are renamed into the
// daemon's namespace scheme first, then uevent handling starts.
func New(l *loop.Loop, source *uevent.Source, registry Registry) *Coordinator {
	h := &Coordinator{loop: l, source: source, registry: registry}

	for _, ifname := range registry.PhysNetifs() {
		infix := "eth"
		if isWifi(ifname) {
			infix = "wlan"
		}
		if newname, err := h.renameIfi(ifname, infix); err != nil {
			logrus.WithError(err).Warnf("failed to rename %s", ifname)
		} else {
			registry.RemovePhysNetif(ifname)
			registry.AddPhysNetif(newname)
		}
	}

	if source != nil {
		h.handler = source.Subscribe(
			uevent.ActionAdd|uevent.ActionRemove|uevent.ActionChange, h.handleUevent)
	}
	return h
}

// Close detaches the coordinator from the uevent source.
func (h *Coordinator) Close() {
	if h.source != nil && h.handler != nil {
		h.source.Unsubscribe(h.handler)
		h.handler = nil
	}
}

// RegisterUSB binds a USB mapping to a compartment. A token mapping's
// serial must be unique among token mappings; generic mappings may be
// shared when no holder assigns exclusively. The initial sysfs sweep
// enriches the mapping when the device is already plugged.
func (h *Coordinator) RegisterUSB(c *compartment.Compartment, mapping *compartment.USBMapping) error {
	for _, entry := range h.usbMappings {
		if entry.mapping.Dev.Serial != mapping.Dev.Serial {
			continue
		}
		if mapping.Dev.Type == config.USBToken && entry.mapping.Dev.Type == config.USBToken {
			return errdefs.Newf(errdefs.ResourceBusy,
				"token with serial %q already bound", mapping.Dev.Serial)
		}
		if entry.mapping.Dev.Assign || mapping.Dev.Assign {
			return errdefs.Newf(errdefs.ResourceBusy,
				"device with serial %q exclusively assigned", mapping.Dev.Serial)
		}
	}

	h.usbMappings = append(h.usbMappings, &usbEntry{owner: c.UUID(), mapping: mapping})
	logrus.WithFields(logrus.Fields{
		"compartment": c.Name(),
		"device":      fmt.Sprintf("%04x:%04x", mapping.Dev.Vendor, mapping.Dev.Product),
		"serial":      mapping.Dev.Serial,
	}).Info("registered usb mapping")

	h.enrichFromSysfs(mapping)
	return nil
}

// enrichFromSysfs records the device numbers of an already present device.
func (h *Coordinator) enrichFromSysfs(mapping *compartment.USBMapping) {
	devs, err := scanUSB()
	if err != nil {
		return
	}
	for _, dev := range devs {
		if dev.Vendor == mapping.Dev.Vendor && dev.Product == mapping.Dev.Product &&
			dev.Serial == mapping.Dev.Serial {
			mapping.Major = dev.Major
			mapping.Minor = dev.Minor
			return
		}
	}
}

// UnregisterUSB removes a compartment's USB mapping.
func (h *Coordinator) UnregisterUSB(c *compartment.Compartment, dev config.USBDev) error {
	for i, entry := range h.usbMappings {
		m := entry.mapping.Dev
		if entry.owner == c.UUID() && m.Vendor == dev.Vendor && m.Product == dev.Product &&
			m.Serial == dev.Serial {
			h.usbMappings = append(h.usbMappings[:i], h.usbMappings[i+1:]...)
			logrus.WithFields(logrus.Fields{
				"compartment": c.Name(),
				"serial":      dev.Serial,
			}).Info("unregistered usb mapping")
			return nil
		}
	}
	return errdefs.Newf(errdefs.PreconditionFailed,
		"no usb mapping with serial %q on compartment %s", dev.Serial, c.Name())
}

// RegisterNet binds a physical interface MAC to a compartment. A MAC
// appears in at most one mapping.
func (h *Coordinator) RegisterNet(c *compartment.Compartment, mapping *compartment.NetMapping) error {
	for _, entry := range h.netMappings {
		if bytes.Equal(entry.mapping.MAC, mapping.MAC) {
			return errdefs.Newf(errdefs.ResourceBusy,
				"interface %s already mapped", mapping.MAC)
		}
	}
	h.netMappings = append(h.netMappings, &netEntry{owner: c.UUID(), mapping: mapping})
	logrus.WithFields(logrus.Fields{
		"compartment": c.Name(),
		"mac":         mapping.MAC.String(),
	}).Info("registered net mapping")
	return nil
}

// UnregisterNet removes a compartment's net mapping by MAC.
func (h *Coordinator) UnregisterNet(c *compartment.Compartment, mac net.HardwareAddr) error {
	for i, entry := range h.netMappings {
		if entry.owner == c.UUID() && bytes.Equal(entry.mapping.MAC, mac) {
			h.netMappings = append(h.netMappings[:i], h.netMappings[i+1:]...)
			logrus.WithFields(logrus.Fields{
				"compartment": c.Name(),
				"mac":         mac.String(),
			}).Info("unregistered net mapping")
			return nil
		}
	}
	return errdefs.Newf(errdefs.PreconditionFailed,
		"no net mapping for %s on compartment %s", mac, c.Name())
}

// handleUevent is the uevent subscription entry point.
func (h *Coordinator) handleUevent(e uevent.Event) {
	if h.handleUSB(e) {
		return
	}

	if e.Action == uevent.ActionAdd && e.Subsystem == "net" &&
		!bytes.Contains([]byte(e.Devpath), []byte("virtual")) {
		// New physical interface; track it, then give sysfs time to settle
		// before deciding where it goes.
		h.registry.AddPhysNetif(e.Interface)
		h.scheduleNetifMove(e)
	}
}
