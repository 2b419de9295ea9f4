package control

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/hotplug"
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/loop"
)

// fakeBackend is a minimal compartment set.
type fakeBackend struct {
	compartments map[uuid.UUID]*compartment.Compartment
}

func (b *fakeBackend) Compartments() []*compartment.Compartment {
	out := make([]*compartment.Compartment, 0, len(b.compartments))
	for _, c := range b.compartments {
		out = append(out, c)
	}
	return out
}

func (b *fakeBackend) ByUUID(id uuid.UUID) *compartment.Compartment {
	return b.compartments[id]
}

func (b *fakeBackend) Register(blob []byte) (*compartment.Compartment, error) {
	cfg, err := config.Decode(blob)
	if err != nil {
		return nil, err
	}
	c := compartment.New(cfg)
	b.compartments[cfg.UUID] = c
	return c, nil
}

func (b *fakeBackend) Remove(id uuid.UUID) error {
	delete(b.compartments, id)
	return nil
}

// fakeBackend also serves as the hotplug registry.
func (b *fakeBackend) Default() *compartment.Compartment { return nil }
func (b *fakeBackend) AddPhysNetif(string)               {}
func (b *fakeBackend) RemovePhysNetif(string) bool       { return false }
func (b *fakeBackend) PhysNetifs() []string              { return nil }

type controlHarness struct {
	t       *testing.T
	loop    *loop.Loop
	backend *fakeBackend
	srv     *Server
	path    string
}

func newControlHarness(t *testing.T) *controlHarness {
	t.Helper()
	config.SocketDir = t.TempDir()
	config.Root = t.TempDir()

	l, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}

	backend := &fakeBackend{compartments: make(map[uuid.UUID]*compartment.Compartment)}
	engine := lifecycle.New(l, &lifecycle.Registry{})
	hp := hotplug.New(l, nil, backend)

	srv, err := New(l, backend, engine, hp)
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run()
	}()
	t.Cleanup(func() {
		srv.Close()
		l.Stop()
		<-done
		l.Close()
	})

	return &controlHarness{
		t:       t,
		loop:    l,
		backend: backend,
		srv:     srv,
		path:    filepath.Join(config.SocketDir, SocketName),
	}
}

func (h *controlHarness) dial() net.Conn {
	h.t.Helper()
	conn, err := net.DialTimeout("unix", h.path, time.Second)
	if err != nil {
		h.t.Fatalf("dial control socket: %v", err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *controlHarness) roundTrip(conn net.Conn, req *Request) *Response {
	h.t.Helper()
	if err := WriteRecord(conn, req); err != nil {
		h.t.Fatalf("write request: %v", err)
	}
	var resp Response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ReadRecord(conn, &resp); err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	return &resp
}

func (h *controlHarness) addCompartment(name string, state compartment.State) *compartment.Compartment {
	cfg := &config.Compartment{UUID: uuid.New(), Name: name, Init: []string{"/sbin/init"}}
	c := compartment.New(cfg)

	steps := map[compartment.State][]compartment.State{
		compartment.Running: {compartment.Starting, compartment.Booting, compartment.Running},
	}
	for _, s := range steps[state] {
		if err := c.SetState(s); err != nil {
			h.t.Fatalf("SetState: %v", err)
		}
	}

	done := make(chan struct{})
	h.loop.Submit(func() {
		h.backend.compartments[c.UUID()] = c
		h.srv.observe(c)
		close(done)
	})
	<-done
	return c
}

func TestRecordFraming(t *testing.T) {
	var buf bytes.Buffer
	in := &Request{Op: OpStart, UUID: "abc"}
	if err := WriteRecord(&buf, in); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	var out Request
	if err := ReadRecord(&buf, &out); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if out.Op != OpStart || out.UUID != "abc" {
		t.Errorf("round trip = %+v", out)
	}
}

func TestList(t *testing.T) {
	h := newControlHarness(t)
	h.addCompartment("c1", compartment.Running)
	h.addCompartment("c2", compartment.Stopped)

	conn := h.dial()
	resp := h.roundTrip(conn, &Request{Op: OpList})
	if !resp.OK {
		t.Fatalf("list failed: %s", resp.Error)
	}
	if len(resp.Compartments) != 2 {
		t.Fatalf("listed %d compartments, want 2", len(resp.Compartments))
	}

	states := map[string]string{}
	for _, info := range resp.Compartments {
		states[info.Name] = info.State
	}
	if states["c1"] != "running" || states["c2"] != "stopped" {
		t.Errorf("states = %v", states)
	}
}

func TestRegisterAndValidation(t *testing.T) {
	h := newControlHarness(t)
	conn := h.dial()

	cfg := &config.Compartment{UUID: uuid.New(), Name: "c9", Init: []string{"/sbin/init"}}
	blob, err := config.Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	resp := h.roundTrip(conn, &Request{Op: OpRegister, Config: blob})
	if !resp.OK {
		t.Fatalf("register failed: %s", resp.Error)
	}
	if resp.UUID != cfg.UUID.String() {
		t.Errorf("registered uuid = %s", resp.UUID)
	}

	// A malformed blob is rejected with the config error kind.
	resp = h.roundTrip(conn, &Request{Op: OpRegister, Config: []byte("junk")})
	if resp.OK {
		t.Fatal("garbage blob accepted")
	}
	if resp.ErrorKind != "config invalid" {
		t.Errorf("error kind = %q, want config invalid", resp.ErrorKind)
	}
}

func TestUnknownCompartment(t *testing.T) {
	h := newControlHarness(t)
	conn := h.dial()

	resp := h.roundTrip(conn, &Request{Op: OpStop, UUID: uuid.New().String()})
	if resp.OK {
		t.Fatal("stop of unknown compartment succeeded")
	}
	if resp.ErrorKind != "precondition failed" {
		t.Errorf("error kind = %q, want precondition failed", resp.ErrorKind)
	}
}

func TestStopStoppedRepliesError(t *testing.T) {
	h := newControlHarness(t)
	c := h.addCompartment("c1", compartment.Stopped)
	conn := h.dial()

	resp := h.roundTrip(conn, &Request{Op: OpStop, UUID: c.UUID().String()})
	if resp.OK {
		t.Fatal("stopping a stopped compartment succeeded")
	}
	if resp.ErrorKind != "precondition failed" {
		t.Errorf("error kind = %q", resp.ErrorKind)
	}
}

func TestUSBRegistrationOverControl(t *testing.T) {
	h := newControlHarness(t)
	c := h.addCompartment("c1", compartment.Running)
	conn := h.dial()

	dev := &config.USBDev{Type: config.USBToken, Vendor: 0x1050, Product: 0x0407, Serial: "0001"}
	resp := h.roundTrip(conn, &Request{Op: OpRegisterUSB, UUID: c.UUID().String(), USB: dev})
	if !resp.OK {
		t.Fatalf("register_usb failed: %s", resp.Error)
	}

	// Second token with the same serial violates the invariant.
	c2 := h.addCompartment("c2", compartment.Running)
	resp = h.roundTrip(conn, &Request{Op: OpRegisterUSB, UUID: c2.UUID().String(), USB: dev})
	if resp.OK {
		t.Fatal("duplicate token registration accepted")
	}
	if resp.ErrorKind != "resource busy" {
		t.Errorf("error kind = %q, want resource busy", resp.ErrorKind)
	}

	resp = h.roundTrip(conn, &Request{Op: OpUnregisterUSB, UUID: c.UUID().String(), USB: dev})
	if !resp.OK {
		t.Fatalf("unregister_usb failed: %s", resp.Error)
	}
}

func TestSubscribeNotifications(t *testing.T) {
	h := newControlHarness(t)
	c := h.addCompartment("c1", compartment.Stopped)
	conn := h.dial()

	resp := h.roundTrip(conn, &Request{Op: OpSubscribe})
	if !resp.OK {
		t.Fatalf("subscribe failed: %s", resp.Error)
	}

	h.loop.Submit(func() {
		c.SetState(compartment.Starting)
	})

	var note Notification
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ReadRecord(conn, &note); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if note.UUID != c.UUID().String() || note.To != "starting" {
		t.Errorf("notification = %+v", note)
	}
}
