package lifecycle

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
)

// hookLog records hook invocations across modules in order.
type hookLog struct {
	mu      sync.Mutex
	entries []string
}

func (h *hookLog) add(module, hook, comp string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, fmt.Sprintf("%s:%s:%s", module, hook, comp))
}

func (h *hookLog) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.entries...)
}

// fakeModule participates in every phase and can be told to fail or
// suspend.
type fakeModule struct {
	Base
	name string
	log  *hookLog

	failPreExec  error
	pendingDelay time.Duration
	pendingErr   error
	l            *loop.Loop
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Precheck(c *compartment.Compartment) error {
	m.log.add(m.name, "precheck", c.Name())
	return nil
}

func (m *fakeModule) SetupEarly(c *compartment.Compartment) error {
	m.log.add(m.name, "setup_early", c.Name())
	return nil
}

func (m *fakeModule) ClonePrep(c *compartment.Compartment, setup *ChildSetup) error {
	m.log.add(m.name, "clone_prep", c.Name())
	return nil
}

func (m *fakeModule) PostClone(c *compartment.Compartment) error {
	m.log.add(m.name, "post_clone", c.Name())
	return nil
}

func (m *fakeModule) StartPreExec(c *compartment.Compartment, _ *ChildSetup, resume func(error)) (Status, error) {
	m.log.add(m.name, "start_pre_exec", c.Name())
	if m.failPreExec != nil {
		return Done, m.failPreExec
	}
	if m.pendingDelay > 0 {
		err := m.pendingErr
		m.l.AddTimer(m.pendingDelay, false, func(*loop.Timer) {
			resume(err)
		})
		return Pending, nil
	}
	return Done, nil
}

func (m *fakeModule) StartPostExec(c *compartment.Compartment) error {
	m.log.add(m.name, "start_post_exec", c.Name())
	return nil
}

func (m *fakeModule) StartComplete(c *compartment.Compartment) error {
	m.log.add(m.name, "start_complete", c.Name())
	return nil
}

func (m *fakeModule) Stop(c *compartment.Compartment) error {
	m.log.add(m.name, "stop", c.Name())
	return nil
}

func (m *fakeModule) Cleanup(c *compartment.Compartment) {
	m.log.add(m.name, "cleanup", c.Name())
}

// fakeFreezerModule installs an instantly frozen freezer.
type fakeFreezerModule struct {
	Base
	frozen bool
}

func (m *fakeFreezerModule) Name() string { return "freezer" }

func (m *fakeFreezerModule) PostClone(c *compartment.Compartment) error {
	c.SetFreezer(m)
	return nil
}

func (m *fakeFreezerModule) Cleanup(c *compartment.Compartment) {
	c.SetFreezer(nil)
}

func (m *fakeFreezerModule) Freeze() error { m.frozen = true; return nil }
func (m *fakeFreezerModule) Thaw() error   { m.frozen = false; return nil }
func (m *fakeFreezerModule) Frozen() (bool, error) {
	return m.frozen, nil
}

// testHarness runs a loop and an engine with a fake fork that never creates
// a real process.
type testHarness struct {
	t      *testing.T
	loop   *loop.Loop
	engine *Engine
	reg    *Registry

	nextPid int
	readyW  map[int]*os.File
	setupR  map[int]*os.File
}

func newHarness(t *testing.T, modules ...Module) *testHarness {
	t.Helper()
	config.Root = t.TempDir()

	l, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}

	reg := &Registry{}
	for _, m := range modules {
		reg.Register(m)
	}

	h := &testHarness{
		t:       t,
		loop:    l,
		reg:     reg,
		nextPid: 900000000,
		readyW:  make(map[int]*os.File),
		setupR:  make(map[int]*os.File),
	}

	engine := New(l, reg)
	engine.fork = h.fakeFork
	h.engine = engine

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run()
	}()
	t.Cleanup(func() {
		l.Stop()
		<-done
		l.Close()
	})
	return h
}

// fakeFork hands out pipe pairs under an impossible pid; the harness plays
// the child's role.
func (h *testHarness) fakeFork(setup *ChildSetup) (*Child, error) {
	setupR, setupW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	h.nextPid++
	pid := h.nextPid
	h.setupR[pid] = setupR
	h.readyW[pid] = readyW

	return &Child{Pid: pid, Release: setupW, Ready: readyR}, nil
}

// signalReady plays the child writing its readiness byte.
func (h *testHarness) signalReady(pid int) {
	if w := h.readyW[pid]; w != nil {
		w.Write([]byte{1})
	}
}

func (h *testHarness) newCompartment(name string) *compartment.Compartment {
	cfg := &config.Compartment{
		UUID: uuid.New(),
		Name: name,
		Init: []string{"/sbin/init"},
	}
	if err := config.Save(cfg); err != nil {
		h.t.Fatalf("config.Save: %v", err)
	}
	return compartment.New(cfg)
}

// start drives a full successful start and returns once running.
func (h *testHarness) start(c *compartment.Compartment) error {
	result := make(chan error, 1)
	h.loop.Submit(func() {
		h.engine.Start(c, func(err error) { result <- err })
	})

	// Wait for the fork, then feed the readiness byte.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-result:
			return err
		case <-deadline:
			h.t.Fatal("start timed out")
		case <-time.After(10 * time.Millisecond):
			h.loop.Submit(func() {
				if pid := c.Pid(); pid > 0 {
					h.signalReady(pid)
				}
			})
		}
	}
}

func (h *testHarness) stop(c *compartment.Compartment) error {
	result := make(chan error, 1)
	h.loop.Submit(func() {
		h.engine.Stop(c, func(err error) { result <- err })
		// The fake child cannot die on its own; deliver its exit.
		h.engine.onChildExit(c, 0)
	})
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("stop timed out")
		return nil
	}
}

func countEntries(entries []string, suffix string) int {
	n := 0
	for _, e := range entries {
		if len(e) >= len(suffix) && e[len(e)-len(suffix):] == suffix {
			n++
		}
	}
	return n
}

// A failing start_pre_exec hook must unwind the prior modules in reverse
// registration order, reap the child, and deliver the failure kind to the
// caller.
func TestStartFailureUnwindsReverse(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log}
	mB := &fakeModule{name: "b", log: log}
	mC := &fakeModule{name: "c", log: log,
		failPreExec: errdefs.New(errdefs.KernelError, "volume assembly failed")}

	h := newHarness(t, mA, mB, mC)
	c := h.newCompartment("c3")

	result := make(chan error, 1)
	h.loop.Submit(func() {
		h.engine.Start(c, func(err error) { result <- err })
	})

	var err error
	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("start did not fail")
	}

	if !errdefs.IsKind(err, errdefs.KernelError) {
		t.Errorf("failure kind = %v, want kernel error", err)
	}

	state := make(chan compartment.State, 1)
	h.loop.Submit(func() { state <- c.State() })
	if got := <-state; got != compartment.Stopped {
		t.Errorf("state after failed start = %s, want stopped", got)
	}

	entries := log.snapshot()

	// Cleanup must run exactly once per executed module, in reverse order.
	var cleanups []string
	for _, e := range entries {
		if strings.HasSuffix(e, "cleanup:c3") {
			cleanups = append(cleanups, e)
		}
	}
	want := []string{"c:cleanup:c3", "b:cleanup:c3", "a:cleanup:c3"}
	if len(cleanups) != len(want) {
		t.Fatalf("cleanups = %v, want %v", cleanups, want)
	}
	for i := range want {
		if cleanups[i] != want[i] {
			t.Errorf("cleanup[%d] = %s, want %s", i, cleanups[i], want[i])
		}
	}
}

// A full start/stop cycle leaves every module with matching forward and
// cleanup counts.
func TestStartStopBalanced(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log}
	mB := &fakeModule{name: "b", log: log}

	h := newHarness(t, mA, mB)
	c := h.newCompartment("c1")

	if err := h.start(c); err != nil {
		t.Fatalf("start: %v", err)
	}

	state := make(chan compartment.State, 1)
	h.loop.Submit(func() { state <- c.State() })
	if got := <-state; got != compartment.Running {
		t.Fatalf("state after start = %s, want running", got)
	}

	if err := h.stop(c); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.loop.Submit(func() { state <- c.State() })
	if got := <-state; got != compartment.Stopped {
		t.Fatalf("state after stop = %s, want stopped", got)
	}

	entries := log.snapshot()
	for _, name := range []string{"a", "b"} {
		fwd := countEntries(entries, name+":start_pre_exec:c1")
		cln := countEntries(entries, name+":cleanup:c1")
		if fwd != cln {
			t.Errorf("module %s: %d forward runs vs %d cleanups", name, fwd, cln)
		}
	}
	if n := countEntries(entries, "cleanup:c1"); n != 2 {
		t.Errorf("cleanup ran %d times, want 2", n)
	}
}

// Two compartments may interleave on the loop, but each one's phases stay
// strictly ordered.
func TestConcurrentStartsInterleave(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log, pendingDelay: 30 * time.Millisecond}

	h := newHarness(t, mA)
	mA.l = h.loop

	c5 := h.newCompartment("c5")
	c6 := h.newCompartment("c6")

	results := make(chan error, 2)
	h.loop.Submit(func() {
		h.engine.Start(c5, func(err error) { results <- err })
		h.engine.Start(c6, func(err error) { results <- err })
	})

	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(10 * time.Millisecond)
			h.loop.Submit(func() {
				if pid := c5.Pid(); pid > 0 {
					h.signalReady(pid)
				}
				if pid := c6.Pid(); pid > 0 {
					h.signalReady(pid)
				}
			})
		}
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("start: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent starts timed out")
		}
	}

	// Per-compartment hook sequences must each be strictly in phase order.
	phaseOrder := map[string]int{
		"precheck": 0, "setup_early": 1, "clone_prep": 2,
		"post_clone": 3, "start_pre_exec": 4, "start_post_exec": 5,
		"start_complete": 6,
	}
	seen := map[string]int{"c5": -1, "c6": -1}
	for _, e := range log.snapshot() {
		parts := splitEntry(e)
		hook, comp := parts[1], parts[2]
		rank, ok := phaseOrder[hook]
		if !ok {
			continue
		}
		if rank < seen[comp] {
			t.Fatalf("compartment %s saw %s after a later phase", comp, hook)
		}
		seen[comp] = rank
	}
}

func splitEntry(e string) [3]string {
	var out [3]string
	idx := 0
	start := 0
	for i := 0; i < len(e) && idx < 2; i++ {
		if e[i] == ':' {
			out[idx] = e[start:i]
			idx++
			start = i + 1
		}
	}
	out[2] = e[start:]
	return out
}

// A credential timeout during a suspended hook aborts with cleanup, leaves
// the compartment stopped, and keeps the engine usable.
func TestSuspendedHookTimeout(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log}
	mB := &fakeModule{name: "smartcard", log: log,
		pendingDelay: 20 * time.Millisecond,
		pendingErr:   errdefs.New(errdefs.Timeout, "credential operation timed out")}

	h := newHarness(t, mA, mB)
	mB.l = h.loop
	c := h.newCompartment("c7")

	result := make(chan error, 1)
	h.loop.Submit(func() {
		h.engine.Start(c, func(err error) { result <- err })
	})

	var err error
	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("start did not fail")
	}
	if !errdefs.IsKind(err, errdefs.Timeout) {
		t.Errorf("failure kind = %v, want timeout", err)
	}

	state := make(chan compartment.State, 1)
	h.loop.Submit(func() { state <- c.State() })
	if got := <-state; got != compartment.Stopped {
		t.Errorf("state = %s, want stopped", got)
	}

	// The engine must remain healthy: the same compartment starts cleanly
	// once the collaborator behaves.
	mB.pendingDelay = 0
	mB.pendingErr = nil
	if err := h.start(c); err != nil {
		t.Fatalf("start after timeout: %v", err)
	}
}

// A stop racing a start is deferred to the next phase boundary, then the
// start unwinds and both callers get answers.
func TestDeferredStopDuringStart(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log, pendingDelay: 50 * time.Millisecond}

	h := newHarness(t, mA)
	mA.l = h.loop
	c := h.newCompartment("c1")

	startResult := make(chan error, 1)
	stopResult := make(chan error, 1)
	h.loop.Submit(func() {
		h.engine.Start(c, func(err error) { startResult <- err })
	})
	time.Sleep(10 * time.Millisecond)
	h.loop.Submit(func() {
		h.engine.Stop(c, func(err error) { stopResult <- err })
	})

	select {
	case err := <-startResult:
		if err == nil {
			t.Error("start succeeded despite stop request")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start never finished")
	}
	select {
	case err := <-stopResult:
		if err != nil {
			t.Errorf("deferred stop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("deferred stop never finished")
	}

	state := make(chan compartment.State, 1)
	h.loop.Submit(func() { state <- c.State() })
	if got := <-state; got != compartment.Stopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

// A stop during an in-flight freeze completes the freeze first, then tears
// down.
func TestStopDuringFreeze(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log}
	mF := &fakeFreezerModule{}

	h := newHarness(t, mA, mF)
	c := h.newCompartment("c4")

	if err := h.start(c); err != nil {
		t.Fatalf("start: %v", err)
	}

	var sawFrozen bool
	freezeResult := make(chan error, 1)
	stopResult := make(chan error, 1)
	h.loop.Submit(func() {
		c.Observe(func(c *compartment.Compartment, from, to compartment.State) {
			if to == compartment.Frozen {
				sawFrozen = true
			}
		})
		h.engine.Freeze(c, func(err error) { freezeResult <- err })
		// Queued behind the freeze.
		h.engine.Stop(c, func(err error) { stopResult <- err })
	})

	select {
	case err := <-freezeResult:
		if err != nil {
			t.Fatalf("freeze: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("freeze never completed")
	}

	// The deferred stop needs the fake child exit once the shutdown began.
	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(20 * time.Millisecond)
			h.loop.Submit(func() {
				if c.State() == compartment.ShuttingDown {
					h.engine.onChildExit(c, 0)
				}
			})
		}
	}()

	select {
	case err := <-stopResult:
		if err != nil {
			t.Fatalf("queued stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued stop never completed")
	}

	state := make(chan compartment.State, 1)
	h.loop.Submit(func() { state <- c.State() })
	if got := <-state; got != compartment.Stopped {
		t.Errorf("state = %s, want stopped", got)
	}
	if !sawFrozen {
		t.Error("compartment never reached frozen before the deferred stop")
	}
}

// Freeze/unfreeze walks running -> freezing -> frozen -> running.
func TestFreezeUnfreeze(t *testing.T) {
	log := &hookLog{}
	mA := &fakeModule{name: "a", log: log}
	mF := &fakeFreezerModule{}

	h := newHarness(t, mA, mF)
	c := h.newCompartment("c4")

	if err := h.start(c); err != nil {
		t.Fatalf("start: %v", err)
	}

	var transitions []compartment.State
	result := make(chan error, 1)
	h.loop.Submit(func() {
		c.Observe(func(c *compartment.Compartment, from, to compartment.State) {
			transitions = append(transitions, to)
		})
		h.engine.Freeze(c, func(err error) { result <- err })
	})
	if err := <-result; err != nil {
		t.Fatalf("freeze: %v", err)
	}

	h.loop.Submit(func() {
		h.engine.Unfreeze(c, func(err error) { result <- err })
	})
	if err := <-result; err != nil {
		t.Fatalf("unfreeze: %v", err)
	}

	got := make(chan []compartment.State, 1)
	h.loop.Submit(func() { got <- append([]compartment.State(nil), transitions...) })
	want := []compartment.State{
		compartment.Freezing, compartment.Frozen, compartment.Running,
	}
	seq := <-got
	if len(seq) != len(want) {
		t.Fatalf("transitions = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, seq[i], want[i])
		}
	}
}

// Stopping a stopped compartment is an explicit error, not a hang.
func TestStopWhileStopped(t *testing.T) {
	h := newHarness(t, &fakeModule{name: "a", log: &hookLog{}})
	c := h.newCompartment("c1")

	result := make(chan error, 1)
	h.loop.Submit(func() {
		h.engine.Stop(c, func(err error) { result <- err })
	})
	select {
	case err := <-result:
		if !errdefs.IsKind(err, errdefs.PreconditionFailed) {
			t.Errorf("stop on stopped = %v, want precondition failed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}
