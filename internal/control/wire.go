package control

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
)

// SocketName is the control socket below config.SocketDir.
const SocketName = "cml-control"

// Op names a control operation.
type Op string

const (
	OpList          Op = "list"
	OpRegister      Op = "register"
	OpRemove        Op = "remove"
	OpStart         Op = "start"
	OpStop          Op = "stop"
	OpFreeze        Op = "freeze"
	OpUnfreeze      Op = "unfreeze"
	OpReboot        Op = "reboot"
	OpRegisterUSB   Op = "register_usb"
	OpUnregisterUSB Op = "unregister_usb"
	OpRegisterNet   Op = "register_net"
	OpUnregisterNet Op = "unregister_net"
	OpAttachToken   Op = "attach_token"
	OpSubscribe     Op = "subscribe"
)

// Request is one length-prefixed control record.
type Request struct {
	Op     Op             `cbor:"op"`
	UUID   string         `cbor:"uuid,omitempty"`
	Config []byte         `cbor:"config,omitempty"`
	USB    *config.USBDev `cbor:"usb,omitempty"`
	Net    *config.NetIf  `cbor:"net,omitempty"`
	MAC    string         `cbor:"mac,omitempty"`
}

// CompartmentInfo is one row of a list reply.
type CompartmentInfo struct {
	UUID  string `cbor:"uuid"`
	Name  string `cbor:"name"`
	State string `cbor:"state"`
	Pid   int    `cbor:"pid"`
}

// Response answers one request.
type Response struct {
	OK           bool              `cbor:"ok"`
	Error        string            `cbor:"error,omitempty"`
	ErrorKind    string            `cbor:"error_kind,omitempty"`
	UUID         string            `cbor:"uuid,omitempty"`
	Compartments []CompartmentInfo `cbor:"compartments,omitempty"`
}

// Notification is one asynchronous state-change record on a subscribed
// connection.
type Notification struct {
	UUID string `cbor:"uuid"`
	Name string `cbor:"name"`
	From string `cbor:"from"`
	To   string `cbor:"to"`
}

func okResponse() *Response {
	return &Response{OK: true}
}

func errResponse(err error) *Response {
	r := &Response{OK: false, Error: err.Error()}
	if kind := errdefs.KindOf(err); kind != 0 {
		r.ErrorKind = kind.String()
	}
	return r
}

// WriteRecord frames and writes one CBOR record.
func WriteRecord(w io.Writer, v any) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadRecord reads and decodes one length-prefixed CBOR record.
func ReadRecord(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return cbor.Unmarshal(payload, v)
}

func decodeRequest(payload []byte, req *Request) error {
	return cbor.Unmarshal(payload, req)
}

// decodeFrames splits buffered connection data into complete records,
// returning the remainder.
func decodeFrames(buf []byte, handle func(payload []byte)) []byte {
	for {
		if len(buf) < 4 {
			return buf
		}
		size := binary.BigEndian.Uint32(buf)
		if len(buf) < int(4+size) {
			return buf
		}
		handle(buf[4 : 4+size])
		buf = buf[4+size:]
	}
}
