// Package sysfs reads the handful of sysfs and procfs attributes the daemon
// consults to enrich uevents and inspect devices. All reads are bounded and
// synchronous; callers that need to wait for attributes to appear do so with
// event loop timers, never by blocking here.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Mountpoint of sysfs; variable for tests.
var Mountpoint = "/sys"

const usbDevicesDir = "bus/usb/devices"

// ReadString reads a sysfs attribute and strips the trailing newline.
func ReadString(elem ...string) (string, error) {
	path := filepath.Join(append([]string{Mountpoint}, elem...)...)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// Exists reports whether a sysfs attribute is present.
func Exists(elem ...string) bool {
	path := filepath.Join(append([]string{Mountpoint}, elem...)...)
	_, err := os.Stat(path)
	return err == nil
}

// USBSerial reads the serial attribute below a uevent devpath
// (e.g. /devices/pci0/usb1/1-2).
func USBSerial(devpath string) (string, error) {
	return ReadString(devpath, "serial")
}

// IsWifi reports whether an interface exposes a wireless attribute
// directory.
func IsWifi(ifname string) bool {
	return Exists("class", "net", ifname, "wireless")
}

// USBDevice is the sysfs view of one enumerated USB device.
type USBDevice struct {
	Vendor  uint16
	Product uint16
	Serial  string
	Major   int
	Minor   int
}

// ScanUSBDevices enumerates /sys/bus/usb/devices and returns every device
// exposing vendor, product, and dev attributes. Used for the initial sweep
// that enriches mappings registered after the device was plugged.
func ScanUSBDevices() ([]USBDevice, error) {
	dir := filepath.Join(Mountpoint, usbDevicesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read usb device directory: %w", err)
	}

	var devs []USBDevice
	for _, entry := range entries {
		base := filepath.Join(usbDevicesDir, entry.Name())

		vendorStr, err := ReadString(base, "idVendor")
		if err != nil {
			continue
		}
		productStr, err := ReadString(base, "idProduct")
		if err != nil {
			continue
		}
		devStr, err := ReadString(base, "dev")
		if err != nil {
			continue
		}

		vendor, err := strconv.ParseUint(vendorStr, 16, 16)
		if err != nil {
			continue
		}
		product, err := strconv.ParseUint(productStr, 16, 16)
		if err != nil {
			continue
		}
		major, minor, ok := parseDevNumbers(devStr)
		if !ok {
			continue
		}

		serial, _ := ReadString(base, "serial")

		devs = append(devs, USBDevice{
			Vendor:  uint16(vendor),
			Product: uint16(product),
			Serial:  serial,
			Major:   major,
			Minor:   minor,
		})
	}
	return devs, nil
}

func parseDevNumbers(s string) (major, minor int, ok bool) {
	majStr, minStr, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	major, err := strconv.Atoi(majStr)
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(minStr)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
