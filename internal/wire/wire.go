// Package wire implements the framing protocol spoken between two fabric
// endpoints over a reliable byte stream. It carries two-sided sends as well
// as the one-sided read/write operations a remote peer executes against the
// local registration table. The package is internal plumbing; consumers work
// with the fabric package instead.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Frame opcodes.
const (
	OpConnect uint8 = iota + 1
	OpAccept
	OpSend
	OpReadReq
	OpReadResp
	OpWrite
	OpWriteAck
)

// Remote operation statuses carried in response frames.
const (
	StatusOK uint8 = iota
	StatusAccessErr
)

// MaxPayload bounds a single frame payload. Anything larger indicates a
// corrupted stream.
const MaxPayload = 1 << 21

const headerLen = 28

// Frame is the fixed header preceding every payload on the stream.
type Frame struct {
	Op     uint8
	Status uint8
	ReqID  uint64
	Addr   uint64
	Key    uint32
	Length uint32
}

// Conn wraps a stream connection with frame I/O. Writes are serialized so
// that the send pipeline and the remote-op responder can share the stream.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
}

// NewConn adopts an established stream connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		br:  bufio.NewReaderSize(raw, 1<<16),
		bw:  bufio.NewWriterSize(raw, 1<<16),
	}
}

// WriteFrame emits a frame followed by its payload and flushes the stream.
// An OpReadReq frame carries no payload; its Length is the requested read
// size and is sent as given.
func (c *Conn) WriteFrame(f Frame, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("wire: frame payload %d exceeds limit", len(payload))
	}
	if f.Op == OpReadReq {
		payload = nil
	} else {
		f.Length = uint32(len(payload))
	}

	var hdr [headerLen]byte
	hdr[0] = f.Op
	hdr[1] = f.Status
	binary.LittleEndian.PutUint64(hdr[4:], f.ReqID)
	binary.LittleEndian.PutUint64(hdr[12:], f.Addr)
	binary.LittleEndian.PutUint32(hdr[20:], f.Key)
	binary.LittleEndian.PutUint32(hdr[24:], f.Length)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.bw.Write(payload); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// ReadFrame blocks for the next frame. The returned payload is freshly
// allocated and owned by the caller.
func (c *Conn) ReadFrame() (Frame, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return Frame{}, nil, err
	}
	f := Frame{
		Op:     hdr[0],
		Status: hdr[1],
		ReqID:  binary.LittleEndian.Uint64(hdr[4:]),
		Addr:   binary.LittleEndian.Uint64(hdr[12:]),
		Key:    binary.LittleEndian.Uint32(hdr[20:]),
		Length: binary.LittleEndian.Uint32(hdr[24:]),
	}
	if f.Op == 0 || f.Op > OpWriteAck {
		return Frame{}, nil, fmt.Errorf("wire: bad opcode %d", f.Op)
	}
	if f.Length > MaxPayload {
		return Frame{}, nil, fmt.Errorf("wire: frame length %d exceeds limit", f.Length)
	}
	var payload []byte
	if f.Length > 0 && f.Op != OpReadReq {
		payload = make([]byte, f.Length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return Frame{}, nil, err
		}
	}
	return f, payload, nil
}

// Close tears down the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr reports the peer address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// ErrClosed reports whether err indicates an orderly remote close.
func ErrClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// ConnParams is the private data exchanged during connection setup.
// Identity names the connecting endpoint so the acceptor can attribute the
// connection regardless of arrival order.
type ConnParams struct {
	ResponderResources uint8
	InitiatorDepth     uint8
	RetryCount         uint8
	Identity           uint8
}

// Encode serializes params for the connect/accept frames.
func (p ConnParams) Encode() []byte {
	return []byte{p.ResponderResources, p.InitiatorDepth, p.RetryCount, p.Identity}
}

// DecodeConnParams parses the private data of a connect/accept frame.
func DecodeConnParams(b []byte) (ConnParams, error) {
	if len(b) < 4 {
		return ConnParams{}, fmt.Errorf("wire: short connection params (%d bytes)", len(b))
	}
	return ConnParams{
		ResponderResources: b[0],
		InitiatorDepth:     b[1],
		RetryCount:         b[2],
		Identity:           b[3],
	}, nil
}
