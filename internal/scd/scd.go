// Package scd talks to the credential collaborator, the external process
// holding smartcard and TPM state. Requests travel as length-prefixed CBOR
// records over a unix stream socket; replies arrive asynchronously on the
// event loop so no compartment operation ever blocks on a credential
// round-trip.
package scd

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
)

// SocketName is the credential collaborator socket below config.SocketDir.
const SocketName = "cml-scd"

// DefaultTimeout bounds one credential round-trip.
const DefaultTimeout = 30 * time.Second

// Op selects the credential operation.
type Op string

const (
	OpTokenUnlock Op = "TOKEN_UNLOCK"
	OpWrapKey     Op = "WRAP_KEY"
	OpUnwrapKey   Op = "UNWRAP_KEY"
	OpSign        Op = "SIGN"
	OpVerify      Op = "VERIFY"
)

// Status is the collaborator's verdict.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWrongPW Status = "wrong_pw"
	StatusError   Status = "error"
)

// Request is one credential operation.
type Request struct {
	Op         Op        `cbor:"op"`
	UUID       uuid.UUID `cbor:"uuid,omitempty"`
	Passphrase string    `cbor:"passphrase,omitempty"`
	Data       []byte    `cbor:"data,omitempty"`
}

// Reply is the collaborator's answer to one request.
type Reply struct {
	Status Status `cbor:"status"`
	Data   []byte `cbor:"data,omitempty"`
}

type pending struct {
	cb    func(*Reply, error)
	timer *loop.Timer
	done  bool
}

// Client is the loop-integrated collaborator connection. Replies are
// delivered in request order.
type Client struct {
	loop    *loop.Loop
	conn    *net.UnixConn
	watch   *loop.FDWatch
	timeout time.Duration

	readBuf []byte
	queue   []*pending
}

// Dial connects to the collaborator socket, retrying briefly so daemon and
// collaborator may start in either order.
func Dial(l *loop.Loop, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	path := filepath.Join(config.SocketDir, SocketName)

	var conn *net.UnixConn
	err := retry.Do(
		func() error {
			c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
	)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.PreconditionFailed, "connect credential collaborator", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, errdefs.Wrap(errdefs.Internal, "credential socket fd", err)
	}

	client := &Client{loop: l, conn: conn, timeout: timeout}
	var watchErr error
	raw.Control(func(fd uintptr) {
		client.watch, watchErr = l.AddFD(int(fd), loop.Readable, client.onReadable)
	})
	if watchErr != nil {
		conn.Close()
		return nil, watchErr
	}
	return client, nil
}

// Close tears down the connection; queued requests fail with a credential
// error.
func (c *Client) Close() {
	if c.watch != nil {
		c.loop.RemoveFD(c.watch)
		c.watch = nil
	}
	c.conn.Close()
	c.failAll(errdefs.New(errdefs.CredentialError, "credential collaborator closed"))
}

// TokenUnlock asks the collaborator to unlock the token of a compartment.
func (c *Client) TokenUnlock(id uuid.UUID, passphrase string, cb func(*Reply, error)) error {
	return c.send(&Request{Op: OpTokenUnlock, UUID: id, Passphrase: passphrase}, cb)
}

// UnwrapKey unwraps a compartment's volume key.
func (c *Client) UnwrapKey(id uuid.UUID, wrapped []byte, cb func(*Reply, error)) error {
	return c.send(&Request{Op: OpUnwrapKey, UUID: id, Data: wrapped}, cb)
}

// WrapKey wraps a freshly generated volume key.
func (c *Client) WrapKey(id uuid.UUID, key []byte, cb func(*Reply, error)) error {
	return c.send(&Request{Op: OpWrapKey, UUID: id, Data: key}, cb)
}

// Sign signs data with the daemon key.
func (c *Client) Sign(data []byte, cb func(*Reply, error)) error {
	return c.send(&Request{Op: OpSign, Data: data}, cb)
}

// Verify checks a signature produced by Sign.
func (c *Client) Verify(data []byte, cb func(*Reply, error)) error {
	return c.send(&Request{Op: OpVerify, Data: data}, cb)
}

// send serializes the request and arms the per-request timeout. The
// callback runs on the event loop exactly once.
func (c *Client) send(req *Request, cb func(*Reply, error)) error {
	payload, err := cbor.Marshal(req)
	if err != nil {
		return errdefs.Wrap(errdefs.Internal, "encode credential request", err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := c.conn.Write(frame); err != nil {
		return errdefs.Wrap(errdefs.CredentialError, "send credential request", err)
	}

	p := &pending{cb: cb}
	p.timer = c.loop.AddTimer(c.timeout, false, func(*loop.Timer) {
		c.expire(p)
	})
	c.queue = append(c.queue, p)
	return nil
}

func (c *Client) expire(p *pending) {
	if p.done {
		return
	}
	p.done = true
	for i, cur := range c.queue {
		if cur == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	p.cb(nil, errdefs.New(errdefs.Timeout, "credential operation timed out"))
}

func (c *Client) onReadable(fd int, ev loop.Events) {
	buf := make([]byte, 16*1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		logrus.WithError(err).Warn("credential collaborator connection lost")
		c.Close()
		return
	}
	c.readBuf = append(c.readBuf, buf[:n]...)

	for {
		if len(c.readBuf) < 4 {
			return
		}
		size := binary.BigEndian.Uint32(c.readBuf)
		if len(c.readBuf) < int(4+size) {
			return
		}
		payload := c.readBuf[4 : 4+size]
		c.readBuf = c.readBuf[4+size:]

		var reply Reply
		if err := cbor.Unmarshal(payload, &reply); err != nil {
			logrus.WithError(err).Warn("undecodable credential reply")
			c.completeNext(nil, errdefs.Wrap(errdefs.CredentialError, "decode credential reply", err))
			continue
		}
		c.completeNext(&reply, nil)
	}
}

func (c *Client) completeNext(reply *Reply, err error) {
	for len(c.queue) > 0 {
		p := c.queue[0]
		c.queue = c.queue[1:]
		if p.done {
			continue
		}
		p.done = true
		c.loop.RemoveTimer(p.timer)
		p.cb(reply, err)
		return
	}
}

func (c *Client) failAll(err error) {
	queue := c.queue
	c.queue = nil
	for _, p := range queue {
		if p.done {
			continue
		}
		p.done = true
		c.loop.RemoveTimer(p.timer)
		p.cb(nil, err)
	}
}
