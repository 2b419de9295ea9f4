// Package control exposes the daemon's operations on a local stream
// socket. Each connection carries one-request-one-reply records, plus an
// optional stream of asynchronous state-change notifications once the
// client subscribes. Deserialization of the payloads happens here; the
// lifecycle engine is never handed wire bytes.
package control

import (
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/hotplug"
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/loop"
)

// Backend is the compartment set the facade operates on.
type Backend interface {
	Compartments() []*compartment.Compartment
	ByUUID(id uuid.UUID) *compartment.Compartment
	Register(blob []byte) (*compartment.Compartment, error)
	Remove(id uuid.UUID) error
}

// Server is the control facade bound to its socket.
type Server struct {
	loop     *loop.Loop
	backend  Backend
	engine   *lifecycle.Engine
	hotplug  *hotplug.Coordinator
	listener *net.UnixListener
	watch    *loop.FDWatch

	conns map[*conn]struct{}
}

type conn struct {
	srv        *Server
	c          *net.UnixConn
	watch      *loop.FDWatch
	buf        []byte
	subscribed bool
	closed     bool
}

// New creates the control socket and registers the acceptor on the loop.
// Failure to create the socket is fatal for the daemon.
func New(l *loop.Loop, backend Backend, engine *lifecycle.Engine, hp *hotplug.Coordinator) (*Server, error) {
	path := filepath.Join(config.SocketDir, SocketName)
	if err := os.MkdirAll(config.SocketDir, 0o755); err != nil {
		return nil, errdefs.Kernel("create socket directory", err)
	}
	// A stale socket from a previous run blocks the bind.
	if _, err := os.Stat(path); err == nil {
		logrus.Infof("removing existing control socket %s", path)
		if err := os.Remove(path); err != nil {
			return nil, errdefs.Kernel("remove stale control socket", err)
		}
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errdefs.Kernel("listen on control socket", err)
	}

	srv := &Server{
		loop:    l,
		backend: backend,
		engine:  engine,
		hotplug: hp,
		conns:   make(map[*conn]struct{}),
	}
	srv.listener = listener

	raw, err := listener.SyscallConn()
	if err != nil {
		listener.Close()
		return nil, errdefs.Wrap(errdefs.Internal, "control socket fd", err)
	}
	var watchErr error
	raw.Control(func(fd uintptr) {
		srv.watch, watchErr = l.AddFD(int(fd), loop.Readable, srv.accept)
	})
	if watchErr != nil {
		listener.Close()
		return nil, watchErr
	}

	// Every compartment transition fans out to subscribed connections.
	for _, c := range backend.Compartments() {
		srv.observe(c)
	}

	logrus.Infof("control facade listening on %s", path)
	return srv, nil
}

// Close tears the socket and every connection down.
func (s *Server) Close() {
	if s.watch != nil {
		s.loop.RemoveFD(s.watch)
		s.watch = nil
	}
	s.listener.Close()
	for c := range s.conns {
		c.close()
	}
}

// observe wires the notification stream for one compartment.
func (s *Server) observe(c *compartment.Compartment) {
	c.Observe(func(c *compartment.Compartment, from, to compartment.State) {
		note := &Notification{
			UUID: c.UUID().String(),
			Name: c.Name(),
			From: from.String(),
			To:   to.String(),
		}
		for conn := range s.conns {
			if conn.subscribed {
				if err := WriteRecord(conn.c, note); err != nil {
					conn.close()
				}
			}
		}
	})
}

func (s *Server) accept(int, loop.Events) {
	uc, err := s.listener.AcceptUnix()
	if err != nil {
		return
	}
	cn := &conn{srv: s, c: uc}

	raw, err := uc.SyscallConn()
	if err != nil {
		uc.Close()
		return
	}
	var watchErr error
	raw.Control(func(fd uintptr) {
		cn.watch, watchErr = s.loop.AddFD(int(fd), loop.Readable, cn.readable)
	})
	if watchErr != nil {
		uc.Close()
		return
	}
	s.conns[cn] = struct{}{}
}

func (cn *conn) close() {
	if cn.closed {
		return
	}
	cn.closed = true
	if cn.watch != nil {
		cn.srv.loop.RemoveFD(cn.watch)
	}
	cn.c.Close()
	delete(cn.srv.conns, cn)
}

func (cn *conn) readable(int, loop.Events) {
	buf := make([]byte, 16*1024)
	n, err := cn.c.Read(buf)
	if err != nil {
		cn.close()
		return
	}
	cn.buf = append(cn.buf, buf[:n]...)
	cn.buf = decodeFrames(cn.buf, cn.handleFrame)
}

func (cn *conn) handleFrame(payload []byte) {
	var req Request
	if err := decodeRequest(payload, &req); err != nil {
		cn.reply(errResponse(errdefs.Wrap(errdefs.ConfigInvalid, "decode request", err)))
		return
	}
	cn.srv.dispatch(cn, &req)
}

func (cn *conn) reply(r *Response) {
	if cn.closed {
		return
	}
	if err := WriteRecord(cn.c, r); err != nil {
		cn.close()
	}
}

// dispatch validates and executes one request. Registrations and queries
// complete synchronously; lifecycle operations reply once the transition
// finishes.
func (s *Server) dispatch(cn *conn, req *Request) {
	switch req.Op {
	case OpList:
		resp := okResponse()
		for _, c := range s.backend.Compartments() {
			resp.Compartments = append(resp.Compartments, CompartmentInfo{
				UUID:  c.UUID().String(),
				Name:  c.Name(),
				State: c.State().String(),
				Pid:   c.Pid(),
			})
		}
		cn.reply(resp)

	case OpRegister:
		c, err := s.backend.Register(req.Config)
		if err != nil {
			cn.reply(errResponse(err))
			return
		}
		s.observe(c)
		resp := okResponse()
		resp.UUID = c.UUID().String()
		cn.reply(resp)

	case OpSubscribe:
		cn.subscribed = true
		cn.reply(okResponse())

	default:
		s.dispatchCompartment(cn, req)
	}
}

func (s *Server) dispatchCompartment(cn *conn, req *Request) {
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		cn.reply(errResponse(errdefs.Wrap(errdefs.ConfigInvalid, "parse uuid", err)))
		return
	}
	c := s.backend.ByUUID(id)
	if c == nil {
		cn.reply(errResponse(errdefs.Newf(errdefs.PreconditionFailed,
			"unknown compartment %s", id)))
		return
	}

	// Lifecycle operations share the deferred reply shape.
	asyncDone := func(err error) {
		if err != nil {
			cn.reply(errResponse(err))
			return
		}
		cn.reply(okResponse())
	}

	switch req.Op {
	case OpRemove:
		s.replySync(cn, s.backend.Remove(id))

	case OpStart:
		s.engine.Start(c, asyncDone)

	case OpStop:
		s.engine.Stop(c, asyncDone)

	case OpFreeze:
		s.engine.Freeze(c, asyncDone)

	case OpUnfreeze:
		s.engine.Unfreeze(c, asyncDone)

	case OpReboot:
		s.engine.Reboot(c, asyncDone)

	case OpRegisterUSB:
		if req.USB == nil {
			cn.reply(errResponse(errdefs.New(errdefs.ConfigInvalid, "missing usb mapping")))
			return
		}
		mapping := &compartment.USBMapping{Dev: *req.USB, Major: -1, Minor: -1}
		s.replySync(cn, s.hotplug.RegisterUSB(c, mapping))

	case OpUnregisterUSB:
		if req.USB == nil {
			cn.reply(errResponse(errdefs.New(errdefs.ConfigInvalid, "missing usb mapping")))
			return
		}
		s.replySync(cn, s.hotplug.UnregisterUSB(c, *req.USB))

	case OpRegisterNet:
		if req.Net == nil {
			cn.reply(errResponse(errdefs.New(errdefs.ConfigInvalid, "missing net mapping")))
			return
		}
		mac, err := net.ParseMAC(req.Net.MAC)
		if err != nil {
			cn.reply(errResponse(errdefs.Wrap(errdefs.ConfigInvalid, "parse mac", err)))
			return
		}
		mapping := &compartment.NetMapping{MAC: mac, Cfg: *req.Net}
		s.replySync(cn, s.hotplug.RegisterNet(c, mapping))

	case OpUnregisterNet:
		mac, err := net.ParseMAC(req.MAC)
		if err != nil {
			cn.reply(errResponse(errdefs.Wrap(errdefs.ConfigInvalid, "parse mac", err)))
			return
		}
		s.replySync(cn, s.hotplug.UnregisterNet(c, mac))

	case OpAttachToken:
		if c.State() != compartment.Running {
			cn.reply(errResponse(errdefs.Newf(errdefs.PreconditionFailed,
				"compartment %s is not running", c.Name())))
			return
		}
		s.replySync(cn, c.TokenAttach())

	default:
		cn.reply(errResponse(errdefs.Newf(errdefs.ConfigInvalid, "unknown operation %q", req.Op)))
	}
}

func (s *Server) replySync(cn *conn, err error) {
	if err != nil {
		cn.reply(errResponse(err))
		return
	}
	cn.reply(okResponse())
}
