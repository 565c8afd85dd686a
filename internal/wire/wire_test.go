package wire

import (
	"bytes"
	"net"
	"testing"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		c   net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	cli, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	a := <-ch
	if a.err != nil {
		t.Fatalf("accept failed: %v", a.err)
	}
	c1, c2 := NewConn(cli), NewConn(a.c)
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return c1, c2
}

func TestFrameRoundTrip(t *testing.T) {
	c1, c2 := connPair(t)

	payload := []byte("sixteen byte pay")
	f := Frame{Op: OpWrite, Status: StatusOK, ReqID: 42, Addr: 0xdead0000, Key: 7}
	if err := c1.WriteFrame(f, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, body, err := c2.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Op != OpWrite || got.ReqID != 42 || got.Addr != 0xdead0000 || got.Key != 7 {
		t.Fatalf("frame header mismatch: %+v", got)
	}
	if got.Length != uint32(len(payload)) || !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: %q", body)
	}
}

func TestEmptyPayloadFrame(t *testing.T) {
	c1, c2 := connPair(t)
	if err := c1.WriteFrame(Frame{Op: OpWriteAck, ReqID: 9}, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, body, err := c2.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Op != OpWriteAck || got.ReqID != 9 || len(body) != 0 {
		t.Fatalf("unexpected frame %+v body %q", got, body)
	}
}

func TestReadFrameRejectsBadOpcode(t *testing.T) {
	c1, c2 := connPair(t)
	// A zero opcode never appears on a healthy stream.
	bad := make([]byte, 28)
	if err := c1.WriteFrame(Frame{Op: OpSend}, nil); err != nil {
		t.Fatalf("prime failed: %v", err)
	}
	if _, _, err := c2.ReadFrame(); err != nil {
		t.Fatalf("prime read failed: %v", err)
	}
	if _, err := c1.raw.Write(bad); err != nil {
		t.Fatalf("raw write failed: %v", err)
	}
	if _, _, err := c2.ReadFrame(); err == nil {
		t.Fatalf("expected an error for a zero opcode")
	}
}

func TestConnParamsRoundTrip(t *testing.T) {
	p := ConnParams{ResponderResources: 1, InitiatorDepth: 1, RetryCount: 1, Identity: 3}
	got, err := DecodeConnParams(p.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: %+v != %+v", got, p)
	}
	if _, err := DecodeConnParams([]byte{1, 2}); err == nil {
		t.Fatalf("expected failure for short params")
	}
}
