package scd

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/loop"
)

// fakeCollaborator answers credential requests on the socket. A nil reply
// drops the request so timeouts can be exercised.
type fakeCollaborator struct {
	t      *testing.T
	answer func(*Request) *Reply
}

func (f *fakeCollaborator) serve(l *net.UnixListener) {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			return
		}
		go f.serveConn(conn)
	}
}

func (f *fakeCollaborator) serveConn(conn *net.UnixConn) {
	defer conn.Close()
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		var req Request
		if err := cbor.Unmarshal(payload, &req); err != nil {
			f.t.Errorf("undecodable request: %v", err)
			return
		}
		reply := f.answer(&req)
		if reply == nil {
			continue
		}

		out, err := cbor.Marshal(reply)
		if err != nil {
			f.t.Errorf("encode reply: %v", err)
			return
		}
		frame := make([]byte, 4+len(out))
		binary.BigEndian.PutUint32(frame, uint32(len(out)))
		copy(frame[4:], out)
		conn.Write(frame)
	}
}

func startHarness(t *testing.T, timeout time.Duration, answer func(*Request) *Reply) (*loop.Loop, *Client) {
	t.Helper()
	config.SocketDir = t.TempDir()

	path := filepath.Join(config.SocketDir, SocketName)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	fake := &fakeCollaborator{t: t, answer: answer}
	go fake.serve(listener)

	l, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
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

	client, err := Dial(l, timeout)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return l, client
}

func TestTokenUnlockRoundTrip(t *testing.T) {
	id := uuid.New()
	l, client := startHarness(t, time.Second, func(req *Request) *Reply {
		if req.Op != OpTokenUnlock {
			t.Errorf("op = %s, want %s", req.Op, OpTokenUnlock)
		}
		if req.UUID != id {
			t.Errorf("uuid = %s, want %s", req.UUID, id)
		}
		return &Reply{Status: StatusOK}
	})

	result := make(chan *Reply, 1)
	l.Submit(func() {
		client.TokenUnlock(id, "secret", func(reply *Reply, err error) {
			if err != nil {
				t.Errorf("TokenUnlock: %v", err)
			}
			result <- reply
		})
	})

	select {
	case reply := <-result:
		if reply.Status != StatusOK {
			t.Errorf("status = %s", reply.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestWrongPassphraseSurfaces(t *testing.T) {
	l, client := startHarness(t, time.Second, func(*Request) *Reply {
		return &Reply{Status: StatusWrongPW}
	})

	result := make(chan Status, 1)
	l.Submit(func() {
		client.TokenUnlock(uuid.New(), "wrong", func(reply *Reply, err error) {
			if err != nil {
				t.Errorf("transport error: %v", err)
				return
			}
			result <- reply.Status
		})
	})

	select {
	case status := <-result:
		if status != StatusWrongPW {
			t.Errorf("status = %s, want wrong_pw", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

// A collaborator that never answers surfaces a timeout, and the client
// stays usable for later requests.
func TestRequestTimeout(t *testing.T) {
	answered := false
	l, client := startHarness(t, 100*time.Millisecond, func(req *Request) *Reply {
		if answered {
			return &Reply{Status: StatusOK}
		}
		answered = true
		return nil
	})

	result := make(chan error, 1)
	l.Submit(func() {
		client.UnwrapKey(uuid.New(), []byte("wrapped"), func(reply *Reply, err error) {
			result <- err
		})
	})

	select {
	case err := <-result:
		if !errdefs.IsKind(err, errdefs.Timeout) {
			t.Errorf("error = %v, want timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout never fired")
	}

	next := make(chan error, 1)
	l.Submit(func() {
		client.UnwrapKey(uuid.New(), []byte("wrapped"), func(reply *Reply, err error) {
			if err == nil && reply.Status != StatusOK {
				t.Errorf("status = %s, want ok", reply.Status)
			}
			next <- err
		})
	})

	select {
	case err := <-next:
		if err != nil {
			t.Errorf("request after timeout: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request after timeout never answered")
	}
}

func TestUnwrapKeyCarriesData(t *testing.T) {
	l, client := startHarness(t, time.Second, func(req *Request) *Reply {
		if string(req.Data) != "wrapped-key" {
			return &Reply{Status: StatusError}
		}
		return &Reply{Status: StatusOK, Data: []byte("plain-key")}
	})

	result := make(chan []byte, 1)
	l.Submit(func() {
		client.UnwrapKey(uuid.New(), []byte("wrapped-key"), func(reply *Reply, err error) {
			if err != nil {
				t.Errorf("UnwrapKey: %v", err)
				return
			}
			if reply.Status != StatusOK {
				t.Errorf("status = %s", reply.Status)
				return
			}
			result <- reply.Data
		})
	})

	select {
	case key := <-result:
		if string(key) != "plain-key" {
			t.Errorf("key = %q", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}
