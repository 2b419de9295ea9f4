package uevent

import (
	"bytes"
	"reflect"
	"testing"
)

func frame(header string, props ...string) []byte {
	var b bytes.Buffer
	b.WriteString(header)
	b.WriteByte(0)
	for _, p := range props {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return b.Bytes()
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		want    Event
		wantErr bool
	}{
		{
			name: "usb add",
			frame: frame("add@/devices/pci0/usb1/1-2",
				"ACTION=add",
				"DEVPATH=/devices/pci0/usb1/1-2",
				"SUBSYSTEM=usb",
				"DEVTYPE=usb_device",
				"DEVNAME=bus/usb/001/003",
				"MAJOR=189",
				"MINOR=3",
				"PRODUCT=1050/407/110",
			),
			want: Event{
				Action:     ActionAdd,
				Devpath:    "/devices/pci0/usb1/1-2",
				Subsystem:  "usb",
				Devtype:    "usb_device",
				Devname:    "bus/usb/001/003",
				Major:      189,
				Minor:      3,
				UsbVendor:  0x1050,
				UsbProduct: 0x0407,
			},
		},
		{
			name: "net add",
			frame: frame("add@/devices/pci0/net/eth7",
				"ACTION=add",
				"SUBSYSTEM=net",
				"INTERFACE=eth7",
			),
			want: Event{
				Action:    ActionAdd,
				Devpath:   "/devices/pci0/net/eth7",
				Subsystem: "net",
				Interface: "eth7",
			},
		},
		{
			name: "remove",
			frame: frame("remove@/devices/pci0/usb1/1-2",
				"ACTION=remove",
				"SUBSYSTEM=usb",
				"DEVTYPE=usb_device",
				"MAJOR=189",
				"MINOR=3",
			),
			want: Event{
				Action:    ActionRemove,
				Devpath:   "/devices/pci0/usb1/1-2",
				Subsystem: "usb",
				Devtype:   "usb_device",
				Major:     189,
				Minor:     3,
			},
		},
		{
			name:    "no properties",
			frame:   []byte("add@/devices/foo"),
			wantErr: true,
		},
		{
			name:    "bad header",
			frame:   frame("libudev-nonsense", "ACTION=add"),
			wantErr: true,
		},
		{
			name:    "unknown action",
			frame:   frame("bind@/devices/foo", "ACTION=bind"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.frame)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got.raw = nil
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Rename helpers must leave the original untouched and substitute the name
// in both the interface field and the devpath.
func TestWithInterface(t *testing.T) {
	orig, err := Parse(frame("add@/devices/pci0/net/eth7",
		"ACTION=add",
		"SUBSYSTEM=net",
		"DEVPATH=/devices/pci0/net/eth7",
		"INTERFACE=eth7",
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	renamed := orig.WithInterface("cmleth0")

	if orig.Interface != "eth7" || orig.Devpath != "/devices/pci0/net/eth7" {
		t.Errorf("original mutated: %+v", orig)
	}
	if renamed.Interface != "cmleth0" {
		t.Errorf("renamed interface = %s", renamed.Interface)
	}
	if renamed.Devpath != "/devices/pci0/net/cmleth0" {
		t.Errorf("renamed devpath = %s", renamed.Devpath)
	}

	// The rebuilt frame must parse back to the same event.
	reparsed, err := Parse(renamed.Frame())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.Interface != "cmleth0" || reparsed.Devpath != "/devices/pci0/net/cmleth0" {
		t.Errorf("reparsed = %+v", reparsed)
	}
}

func TestSubscribeDispatch(t *testing.T) {
	s := &Source{}

	var adds, removes int
	s.Subscribe(ActionAdd, func(Event) { adds++ })
	h := s.Subscribe(ActionAdd|ActionRemove, func(Event) { removes++ })

	s.dispatch(Event{Action: ActionAdd})
	s.dispatch(Event{Action: ActionRemove})
	if adds != 1 {
		t.Errorf("add handler ran %d times, want 1", adds)
	}
	if removes != 2 {
		t.Errorf("add|remove handler ran %d times, want 2", removes)
	}

	s.Unsubscribe(h)
	s.dispatch(Event{Action: ActionRemove})
	if removes != 2 {
		t.Errorf("unsubscribed handler still ran")
	}
}
