package uevent

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
)

const (
	// kernel multicast group carrying raw kobject uevents
	groupKernel = 1

	recvBufSize = 64 * 1024
)

// Handler receives decoded events whose action matches the subscription
// mask.
type Handler struct {
	actions Action
	fn      func(Event)
}

// Source reads kernel uevents from a netlink socket registered on the event
// loop and fans them out to subscribed handlers.
type Source struct {
	loop     *loop.Loop
	fd       int
	watch    *loop.FDWatch
	handlers []*Handler
}

// NewSource opens the kobject netlink socket and registers it on l. Frames
// are dispatched from the loop goroutine.
func NewSource(l *loop.Loop) (*Source, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errdefs.Kernel("open uevent netlink socket", err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groupKernel}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errdefs.Kernel("bind uevent netlink socket", err)
	}

	s := &Source{loop: l, fd: fd}
	watch, err := l.AddFD(fd, loop.Readable, s.onReadable)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.watch = watch
	return s, nil
}

// Close unregisters the source and closes its socket.
func (s *Source) Close() {
	if s.watch != nil {
		s.loop.RemoveFD(s.watch)
		s.watch = nil
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// Subscribe registers fn for every event whose action is in actions.
func (s *Source) Subscribe(actions Action, fn func(Event)) *Handler {
	h := &Handler{actions: actions, fn: fn}
	s.handlers = append(s.handlers, h)
	return h
}

// Unsubscribe removes a previously registered handler.
func (s *Source) Unsubscribe(h *Handler) {
	for i, cur := range s.handlers {
		if cur == h {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

func (s *Source) onReadable(fd int, ev loop.Events) {
	buf := make([]byte, recvBufSize)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				logrus.WithError(err).Warn("uevent socket read failed")
			}
			return
		}
		if n == 0 {
			return
		}

		event, err := Parse(buf[:n])
		if err != nil {
			logrus.WithError(err).Debug("dropping unparsable uevent")
			continue
		}
		s.dispatch(event)
	}
}

func (s *Source) dispatch(e Event) {
	// Handlers may unsubscribe from inside their callback.
	hs := append([]*Handler(nil), s.handlers...)
	for _, h := range hs {
		if h.actions&e.Action != 0 {
			h.fn(e)
		}
	}
}
