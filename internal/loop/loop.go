// Package loop implements the single-threaded event loop the daemon runs
// on. Timers, file descriptor readiness, and child process exits are
// demultiplexed into callbacks that run to completion, one at a time, on the
// loop goroutine. All state-changing work in the daemon is funneled through
// here, so no other synchronization is needed by its users.
package loop

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/errdefs"
)

// Events is a bitmask of file descriptor conditions a watch waits for.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Except
)

func (e Events) epoll() uint32 {
	var ev uint32
	if e&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if e&Except != 0 {
		ev |= unix.EPOLLPRI
	}
	return ev | unix.EPOLLERR | unix.EPOLLHUP
}

// FDWatch is a registered file descriptor callback.
type FDWatch struct {
	fd      int
	events  Events
	fn      func(fd int, ev Events)
	removed bool
}

// ChildWatch is a registered child-exit callback for one pid.
type ChildWatch struct {
	pid     int
	fn      func(pid, status int)
	removed bool
}

// Loop is the event demultiplexer. Create with New, drive with Run.
type Loop struct {
	epfd    int
	wakeR   int
	wakeW   int
	sigc    chan os.Signal
	quit    chan struct{}
	stopped bool

	mu        sync.Mutex
	submitted []func()
	timers    timerHeap
	watches   map[int]*FDWatch
	children  map[int]*ChildWatch
	// exit statuses reaped before a watch was registered, keyed by pid
	pendingExits map[int]int
}

// New creates an event loop. The returned loop owns an epoll instance and a
// wakeup pipe; SIGCHLD is consumed for child reaping once Run is entered.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errdefs.Kernel("create epoll instance", err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, errdefs.Kernel("create wakeup pipe", err)
	}

	l := &Loop{
		epfd:         epfd,
		wakeR:        pipe[0],
		wakeW:        pipe[1],
		sigc:         make(chan os.Signal, 8),
		quit:         make(chan struct{}),
		watches:      make(map[int]*FDWatch),
		children:     make(map[int]*ChildWatch),
		pendingExits: make(map[int]int),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeR, &ev); err != nil {
		l.Close()
		return nil, errdefs.Kernel("register wakeup pipe", err)
	}

	return l, nil
}

// Close releases the loop's kernel resources. Only valid after Run has
// returned (or if Run was never entered).
func (l *Loop) Close() {
	signal.Stop(l.sigc)
	unix.Close(l.epfd)
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

// Stop makes Run return after the current callback completes.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.quit)
	}
	l.mu.Unlock()
	l.wake()
}

// Submit schedules fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.submitted = append(l.submitted, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	// A full pipe already guarantees a pending wakeup.
	unix.Write(l.wakeW, []byte{0})
}

// AddFD registers a readiness callback for fd. The callback runs on the loop
// goroutine every time one of the requested conditions holds.
func (l *Loop) AddFD(fd int, events Events, fn func(fd int, ev Events)) (*FDWatch, error) {
	w := &FDWatch{fd: fd, events: events, fn: fn}

	l.mu.Lock()
	if _, ok := l.watches[fd]; ok {
		l.mu.Unlock()
		return nil, errdefs.Newf(errdefs.ResourceBusy, "fd %d already watched", fd)
	}
	l.watches[fd] = w
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: events.epoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.mu.Lock()
		delete(l.watches, fd)
		l.mu.Unlock()
		return nil, errdefs.Kernel(fmt.Sprintf("watch fd %d", fd), err)
	}
	return w, nil
}

// RemoveFD unregisters a watch. Removing from inside the watch's own
// callback is allowed.
func (l *Loop) RemoveFD(w *FDWatch) {
	l.mu.Lock()
	if w.removed {
		l.mu.Unlock()
		return
	}
	w.removed = true
	delete(l.watches, w.fd)
	l.mu.Unlock()

	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
}

// AddChild registers a callback for the exit of the child process pid. If
// the child already exited and was reaped, the callback fires on the next
// loop iteration with the saved status.
func (l *Loop) AddChild(pid int, fn func(pid, status int)) *ChildWatch {
	w := &ChildWatch{pid: pid, fn: fn}

	l.mu.Lock()
	if status, ok := l.pendingExits[pid]; ok {
		delete(l.pendingExits, pid)
		l.submitted = append(l.submitted, func() {
			if !w.removed {
				w.removed = true
				fn(pid, status)
			}
		})
		l.mu.Unlock()
		l.wake()
		return w
	}
	l.children[pid] = w
	l.mu.Unlock()
	return w
}

// RemoveChild unregisters a child watch.
func (l *Loop) RemoveChild(w *ChildWatch) {
	l.mu.Lock()
	w.removed = true
	delete(l.children, w.pid)
	l.mu.Unlock()
}

// Run dispatches events until Stop is called. It must be called from exactly
// one goroutine; all callbacks run on it.
func (l *Loop) Run() error {
	signal.Notify(l.sigc, unix.SIGCHLD)
	go l.forwardSignals()

	events := make([]unix.EpollEvent, 32)
	for {
		select {
		case <-l.quit:
			return nil
		default:
		}

		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errdefs.Kernel("epoll wait", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR {
				l.drainWakeups()
				continue
			}
			l.dispatchFD(fd, events[i].Events)
		}

		l.fireTimers()
		l.runSubmitted()
	}
}

func (l *Loop) forwardSignals() {
	for {
		select {
		case <-l.quit:
			return
		case sig := <-l.sigc:
			if sig == unix.SIGCHLD {
				l.Submit(l.reapChildren)
			}
		}
	}
}

func (l *Loop) drainWakeups() {
	var buf [64]byte
	for {
		if n, err := unix.Read(l.wakeR, buf[:]); err != nil || n <= 0 {
			return
		}
	}
}

func (l *Loop) runSubmitted() {
	for {
		l.mu.Lock()
		if len(l.submitted) == 0 {
			l.mu.Unlock()
			return
		}
		fns := l.submitted
		l.submitted = nil
		l.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	}
}

func (l *Loop) dispatchFD(fd int, epollEvents uint32) {
	l.mu.Lock()
	w := l.watches[fd]
	l.mu.Unlock()
	if w == nil || w.removed {
		return
	}

	var ev Events
	if epollEvents&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ev |= Readable
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if epollEvents&unix.EPOLLPRI != 0 {
		ev |= Except
	}
	w.fn(fd, ev)
}

// reapChildren collects every exited child and dispatches registered
// watches. Statuses for pids without a watch are kept until one appears, so
// an exit racing its registration is never lost.
func (l *Loop) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if !ws.Exited() && !ws.Signaled() {
			continue
		}

		status := int(ws)
		l.mu.Lock()
		w := l.children[pid]
		if w != nil {
			delete(l.children, pid)
		} else {
			l.pendingExits[pid] = status
		}
		l.mu.Unlock()

		if w != nil && !w.removed {
			w.removed = true
			w.fn(pid, status)
		}
	}
}
