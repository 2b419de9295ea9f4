package cmodule

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/sysfs"
	"github.com/cml-project/cmld/internal/uevent"
)

// ueventFwdModule replays synthetic add events for mapped USB devices that
// were already present when the compartment came up, so its device manager
// creates the nodes without waiting for a real hotplug.
type ueventFwdModule struct {
	lifecycle.Base
}

func registerUeventFwd(reg *lifecycle.Registry) {
	reg.Register(&ueventFwdModule{})
}

func (m *ueventFwdModule) Name() string { return "ueventfwd" }

func (m *ueventFwdModule) StartComplete(c *compartment.Compartment) error {
	entry := logrus.WithField("compartment", c.Name())

	for _, mapping := range c.USBMappings() {
		if mapping.Major < 0 {
			continue
		}
		e := uevent.Event{
			Action:     uevent.ActionAdd,
			Subsystem:  "usb",
			Devtype:    "usb_device",
			Devname:    fmt.Sprintf("bus/usb/%03d/%03d", mapping.Major, mapping.Minor),
			Major:      mapping.Major,
			Minor:      mapping.Minor,
			UsbVendor:  mapping.Dev.Vendor,
			UsbProduct: mapping.Dev.Product,
		}
		if err := uevent.Inject(e, c.Pid(), c.HasUserNS()); err != nil {
			entry.WithError(err).Warn("failed to replay usb add event")
		}
	}

	// Resync device state with what sysfs knows right now; mappings whose
	// device appeared while the compartment was down get their numbers.
	devs, err := sysfs.ScanUSBDevices()
	if err != nil {
		return nil
	}
	for _, mapping := range c.USBMappings() {
		if mapping.Major >= 0 {
			continue
		}
		for _, dev := range devs {
			if dev.Vendor == mapping.Dev.Vendor && dev.Product == mapping.Dev.Product &&
				dev.Serial == mapping.Dev.Serial {
				mapping.Major = dev.Major
				mapping.Minor = dev.Minor
				if err := c.DeviceAllow('c', dev.Major, dev.Minor, mapping.Dev.Assign); err != nil {
					entry.WithError(err).Warn("failed to allow present usb device")
				}
			}
		}
	}
	return nil
}
