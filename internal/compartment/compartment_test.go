package compartment

import (
	"testing"

	"github.com/google/uuid"

	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
)

func testConfig(t *testing.T, name string) *config.Compartment {
	t.Helper()
	return &config.Compartment{
		UUID: uuid.New(),
		Name: name,
		Init: []string{"/sbin/init"},
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		to    State
		valid bool
	}{
		{"start requested", Stopped, Starting, true},
		{"child forked", Starting, Booting, true},
		{"child ready", Booting, Running, true},
		{"freeze", Running, Freezing, true},
		{"frozen", Freezing, Frozen, true},
		{"freeze aborted", Freezing, Running, true},
		{"thaw", Frozen, Running, true},
		{"stop while starting", Starting, ShuttingDown, true},
		{"stop while booting", Booting, ShuttingDown, true},
		{"stop while running", Running, ShuttingDown, true},
		{"cleanup complete", ShuttingDown, Stopped, true},
		{"child unreapable", ShuttingDown, Zombie, true},
		{"reboot requested", Running, Rebooting, true},
		{"reboot restart", Rebooting, Starting, true},
		{"skip booting", Starting, Running, false},
		{"stopped to running", Stopped, Running, false},
		{"frozen to booting", Frozen, Booting, false},
		{"zombie restart", Zombie, Starting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.valid {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
			}
		})
	}
}

// Every state must either define a transition or reject it explicitly;
// SetState never changes state on a rejected pair.
func TestTransitionTotality(t *testing.T) {
	states := []State{
		Stopped, Starting, Booting, Running, Freezing,
		Frozen, ShuttingDown, Zombie, Rebooting, Setup,
	}

	for _, from := range states {
		for _, to := range states {
			if from == to || CanTransition(from, to) {
				continue
			}
			c := New(testConfig(t, "c1"))
			c.state = from
			err := c.SetState(to)
			if err == nil {
				t.Errorf("SetState(%s -> %s) accepted undefined transition", from, to)
			}
			if !errdefs.IsKind(err, errdefs.PreconditionFailed) {
				t.Errorf("SetState(%s -> %s) kind = %v, want precondition failed", from, to, err)
			}
			if c.State() != from {
				t.Errorf("rejected transition mutated state to %s", c.State())
			}
		}
	}
}

// Observers A and B must both see the post-transition state.
func TestObserverOrdering(t *testing.T) {
	c := New(testConfig(t, "c1"))

	var observedA, observedB []State
	c.Observe(func(c *Compartment, from, to State) {
		observedA = append(observedA, c.State())
	})
	c.Observe(func(c *Compartment, from, to State) {
		observedB = append(observedB, c.State())
	})

	steps := []State{Starting, Booting, Running}
	for _, s := range steps {
		if err := c.SetState(s); err != nil {
			t.Fatalf("SetState(%s): %v", s, err)
		}
	}

	for i, want := range steps {
		if observedA[i] != want {
			t.Errorf("observer A saw %s at step %d, want %s", observedA[i], i, want)
		}
		if observedB[i] != want {
			t.Errorf("observer B saw %s at step %d, want %s", observedB[i], i, want)
		}
	}
}

func TestMappingsFromConfig(t *testing.T) {
	cfg := testConfig(t, "c1")
	cfg.USBDevs = []config.USBDev{
		{Type: config.USBToken, Vendor: 0x1050, Product: 0x0407, Serial: "0001"},
	}
	cfg.NetIfs = []config.NetIf{
		{MAC: "02:00:00:00:00:01"},
	}

	c := New(cfg)

	usb := c.USBMappings()
	if len(usb) != 1 {
		t.Fatalf("got %d usb mappings, want 1", len(usb))
	}
	if usb[0].Major != -1 || usb[0].Minor != -1 {
		t.Errorf("fresh mapping has device numbers %d:%d", usb[0].Major, usb[0].Minor)
	}

	nets := c.NetMappings()
	if len(nets) != 1 {
		t.Fatalf("got %d net mappings, want 1", len(nets))
	}
	if nets[0].MAC.String() != "02:00:00:00:00:01" {
		t.Errorf("mapping mac = %s", nets[0].MAC)
	}
}

func TestDeviceOpsWithoutModules(t *testing.T) {
	c := New(testConfig(t, "c1"))

	if err := c.DeviceAllow('c', 189, 3, false); !errdefs.IsKind(err, errdefs.PreconditionFailed) {
		t.Errorf("DeviceAllow without gate = %v, want precondition failed", err)
	}
	if err := c.TokenAttach(); !errdefs.IsKind(err, errdefs.PreconditionFailed) {
		t.Errorf("TokenAttach without ops = %v, want precondition failed", err)
	}
}
