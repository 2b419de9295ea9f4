package hotplug

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/loop"
	"github.com/cml-project/cmld/internal/uevent"
)

// handleUSB processes usb_device add/remove events against the mapping
// table. The return value reports whether the event was consumed.
func (h *Coordinator) handleUSB(e uevent.Event) bool {
	if !strings.HasPrefix(e.Subsystem, "usb") || e.Devtype != "usb_device" {
		return false
	}

	if e.Action == uevent.ActionRemove {
		h.usbRemove(e)
		return true
	}
	if e.Action == uevent.ActionAdd {
		h.usbAdd(e)
		return true
	}
	return false
}

// usbRemove revokes access for every mapping bound to the vanished device
// numbers.
func (h *Coordinator) usbRemove(e uevent.Event) {
	for _, entry := range h.usbMappings {
		mapping := entry.mapping
		if mapping.Major != e.Major || mapping.Minor != e.Minor {
			continue
		}
		c := h.registry.ByUUID(entry.owner)
		if c == nil {
			continue
		}

		entryLog := logrus.WithFields(logrus.Fields{
			"compartment": c.Name(),
			"device":      fmt.Sprintf("%d:%d", mapping.Major, mapping.Minor),
		})
		if mapping.Dev.Type == config.USBToken {
			if err := c.TokenDetach(); err != nil {
				entryLog.WithError(err).Warn("token detach failed")
			}
		}
		if err := c.DeviceDeny('c', mapping.Major, mapping.Minor); err != nil {
			entryLog.WithError(err).Warn("device deny failed")
		}
		entryLog.Info("revoked unbound device node")
	}
}

// usbAdd reads the device serial from sysfs, matches mappings, records the
// device numbers, and grants access. Token devices get a debounced attach
// once their node appears under /dev.
func (h *Coordinator) usbAdd(e uevent.Event) {
	serial, err := readSerial(e.Devpath)
	if err != nil || serial == "" {
		logrus.WithField("devpath", e.Devpath).Debug("usb device without serial")
		return
	}

	for _, entry := range h.usbMappings {
		mapping := entry.mapping
		if mapping.Dev.Vendor != e.UsbVendor || mapping.Dev.Product != e.UsbProduct ||
			mapping.Dev.Serial != serial {
			continue
		}
		c := h.registry.ByUUID(entry.owner)
		if c == nil {
			continue
		}

		mapping.Major = e.Major
		mapping.Minor = e.Minor

		entryLog := logrus.WithFields(logrus.Fields{
			"compartment": c.Name(),
			"device":      fmt.Sprintf("%04x:%04x", e.UsbVendor, e.UsbProduct),
			"node":        fmt.Sprintf("%d:%d", e.Major, e.Minor),
		})

		if err := c.DeviceAllow('c', e.Major, e.Minor, mapping.Dev.Assign); err != nil {
			entryLog.WithError(err).Warn("device allow failed")
			continue
		}
		entryLog.Info("bound device node")

		if mapping.Dev.Type == config.USBToken {
			h.scheduleTokenAttach(entry.owner, e.Devname)
		}
	}
}

// scheduleTokenAttach waits for devfs to create the token node, retrying on
// a repeating timer, then attaches the token.
func (h *Coordinator) scheduleTokenAttach(owner uuid.UUID, devname string) {
	devPath := devname
	if !strings.HasPrefix(devPath, "/dev/") {
		devPath = path.Join("/dev", devPath)
	}

	retries := tokenRetries
	h.loop.AddTimer(debouncePeriod, true, func(t *loop.Timer) {
		if retries--; retries < 0 {
			logrus.WithField("device", devPath).Warn("token node never appeared")
			h.loop.RemoveTimer(t)
			return
		}
		if !nodeExists(devPath) {
			return
		}
		h.loop.RemoveTimer(t)

		c := h.registry.ByUUID(owner)
		if c == nil {
			return
		}
		if err := c.TokenAttach(); err != nil {
			logrus.WithField("compartment", c.Name()).
				WithError(err).Warn("token attach failed")
			return
		}
		logrus.WithFields(logrus.Fields{
			"compartment": c.Name(),
			"device":      devPath,
		}).Info("processed token attachment")
	})
}
