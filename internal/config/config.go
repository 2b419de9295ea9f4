// Package config holds the on-disk layout of the daemon and the typed
// configuration records decoded from per-compartment configuration blobs.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cml-project/cmld/internal/errdefs"
)

// Root is the daemon state directory. Every compartment keeps its
// configuration blob, wrapped key, pidfile, and images below it.
var Root = "/var/lib/cml"

// SocketDir holds the local control sockets.
var SocketDir = "/run/socket"

const (
	configFile  = "config.cbor"
	stateFile   = "state"
	pidFile     = "pid"
	imagesDir   = "images"
	wrappedKey  = "key.wrapped"
)

// USBDevType distinguishes plain devices from security tokens.
type USBDevType string

const (
	USBGeneric USBDevType = "generic"
	USBToken   USBDevType = "token"
)

// USBDev describes one USB device assignment in a compartment config.
type USBDev struct {
	Type    USBDevType `cbor:"type"`
	Vendor  uint16     `cbor:"vendor"`
	Product uint16     `cbor:"product"`
	Serial  string     `cbor:"serial"`
	Assign  bool       `cbor:"assign"`
}

// NetIf describes one physical network interface assignment. The MAC
// selects the interface; the remaining fields configure it inside the
// compartment.
type NetIf struct {
	MAC       string `cbor:"mac"`
	MACFilter bool   `cbor:"mac_filter"`
	IPAddr    string `cbor:"ip,omitempty"`
	Gateway   string `cbor:"gateway,omitempty"`
}

// Compartment is the decoded configuration blob of one compartment. It is
// immutable after the compartment starts.
type Compartment struct {
	UUID      uuid.UUID `cbor:"uuid"`
	Name      string    `cbor:"name"`
	GuestOS   string    `cbor:"guestos"`
	Init      []string  `cbor:"init"`
	Env       []string  `cbor:"env,omitempty"`
	UserNS    bool      `cbor:"userns"`
	RAMLimit  string    `cbor:"ram_limit,omitempty"`
	CPUs      float64   `cbor:"cpus,omitempty"`
	Caps      []string  `cbor:"caps,omitempty"`
	Seccomp   string    `cbor:"seccomp,omitempty"`
	Subnet    string    `cbor:"subnet,omitempty"`
	USBDevs   []USBDev  `cbor:"usb_devs,omitempty"`
	NetIfs    []NetIf   `cbor:"net_ifs,omitempty"`
	TokenInit bool      `cbor:"token_init,omitempty"`
}

// RAMLimitBytes parses the human-form memory limit, 0 meaning unlimited.
func (c *Compartment) RAMLimitBytes() (int64, error) {
	if c.RAMLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.RAMLimit)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.ConfigInvalid, fmt.Sprintf("ram limit %q", c.RAMLimit), err)
	}
	return n, nil
}

// Validate rejects blobs that cannot describe a startable compartment.
func (c *Compartment) Validate() error {
	if c.UUID == uuid.Nil {
		return errdefs.New(errdefs.ConfigInvalid, "missing uuid")
	}
	if c.Name == "" {
		return errdefs.New(errdefs.ConfigInvalid, "missing name")
	}
	if len(c.Init) == 0 {
		return errdefs.New(errdefs.ConfigInvalid, "missing init command")
	}
	if _, err := c.RAMLimitBytes(); err != nil {
		return err
	}
	if c.Subnet != "" {
		if _, _, err := net.ParseCIDR(c.Subnet); err != nil {
			return errdefs.Wrap(errdefs.ConfigInvalid, fmt.Sprintf("subnet %q", c.Subnet), err)
		}
	}
	for _, nic := range c.NetIfs {
		if _, err := net.ParseMAC(nic.MAC); err != nil {
			return errdefs.Wrap(errdefs.ConfigInvalid, fmt.Sprintf("mac %q", nic.MAC), err)
		}
	}
	for _, dev := range c.USBDevs {
		if dev.Type != USBGeneric && dev.Type != USBToken {
			return errdefs.Newf(errdefs.ConfigInvalid, "usb device type %q", dev.Type)
		}
		if dev.Serial == "" {
			return errdefs.New(errdefs.ConfigInvalid, "usb device without serial")
		}
	}
	return nil
}

// Decode parses a configuration blob. The blob layout is CBOR; unknown
// fields are ignored so newer blobs load on older daemons.
func Decode(blob []byte) (*Compartment, error) {
	var c Compartment
	if err := cbor.Unmarshal(blob, &c); err != nil {
		return nil, errdefs.Wrap(errdefs.ConfigInvalid, "decode configuration blob", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Encode serializes a compartment configuration for persistence.
func Encode(c *Compartment) ([]byte, error) {
	blob, err := cbor.Marshal(c)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Internal, "encode configuration blob", err)
	}
	return blob, nil
}

// Dir returns the per-compartment state directory.
func Dir(id uuid.UUID) string {
	return filepath.Join(Root, id.String())
}

// ImagesDir returns the rootfs artifact directory of a compartment.
func ImagesDir(id uuid.UUID) string {
	return filepath.Join(Dir(id), imagesDir)
}

// WrappedKeyPath returns the location of the wrapped per-compartment key.
func WrappedKeyPath(id uuid.UUID) string {
	return filepath.Join(Dir(id), wrappedKey)
}

// Save writes the configuration blob into the compartment directory,
// creating it if needed.
func Save(c *Compartment) error {
	blob, err := Encode(c)
	if err != nil {
		return err
	}
	dir := Dir(c.UUID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create compartment directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), blob, 0o600); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// Load reads and decodes the configuration blob of a compartment directory.
func Load(id uuid.UUID) (*Compartment, error) {
	blob, err := os.ReadFile(filepath.Join(Dir(id), configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Decode(blob)
}

// LoadAll decodes every compartment configuration under Root.
func LoadAll() ([]*Compartment, error) {
	entries, err := os.ReadDir(Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var configs []*Compartment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		c, err := Load(id)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}

// Purge removes a compartment's state directory.
func Purge(id uuid.UUID) error {
	if err := os.RemoveAll(Dir(id)); err != nil {
		return fmt.Errorf("failed to remove compartment directory: %w", err)
	}
	return nil
}

// WritePidFile records the child pid while the compartment runs.
func WritePidFile(id uuid.UUID, pid int) error {
	return os.WriteFile(filepath.Join(Dir(id), pidFile), []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}

// RemovePidFile deletes the pidfile after the child is reaped.
func RemovePidFile(id uuid.UUID) {
	os.Remove(filepath.Join(Dir(id), pidFile))
}

// WriteDesiredState records the last requested state so a daemon restart can
// bring previously running compartments back up.
func WriteDesiredState(id uuid.UUID, state string) error {
	return os.WriteFile(filepath.Join(Dir(id), stateFile), []byte(state+"\n"), 0o644)
}

// DesiredState reads the persisted desired state, "" when none was saved.
func DesiredState(id uuid.UUID) string {
	data, err := os.ReadFile(filepath.Join(Dir(id), stateFile))
	if err != nil {
		return ""
	}
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
