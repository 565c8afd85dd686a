package kmsg

import (
	"bytes"
	"testing"
)

func TestHeaderLayout(t *testing.T) {
	h := Header{
		Type:     7,
		Priority: 2,
		Flags:    FlagRDMA | FlagWrite,
		FromNode: 3,
		Size:     0x01020304,
	}
	var b [HeaderSize]byte
	h.encode(b[:])

	want := []byte{
		0x07, 0x00, // type
		0x02,       // priority
		0x05,       // flags: is_rdma | is_write
		0x03,       // from_node
		0x00,       // reserved
		0x00, 0x00, // reserved
		0x04, 0x03, 0x02, 0x01, // total size, little-endian
	}
	if !bytes.Equal(b[:], want) {
		t.Fatalf("header bytes %x, want %x", b, want)
	}

	got := decodeHeader(b[:])
	if got != h {
		t.Fatalf("decode mismatch: %+v != %+v", got, h)
	}
}

func TestRDMAHeaderRoundTrip(t *testing.T) {
	sub := RDMAHeader{
		PeerAddr:      0x1122334455667788,
		PeerKey:       0xdeadbeef,
		TransferSize:  8192,
		ReplyType:     9,
		RegionSlot:    63,
		RendezvousTag: 0xcafef00d,
		LocalDMAAddr:  0x8877665544332211,
	}
	var b [RDMAHeaderSize]byte
	sub.encode(b[:])

	if b[0] != 0x88 || b[1] != 0x77 {
		t.Fatalf("peer address not little-endian: %x", b[:8])
	}
	for _, pad := range b[32:] {
		if pad != 0 {
			t.Fatalf("padding bytes not zero: %x", b[32:])
		}
	}

	got := decodeRDMAHeader(b[:])
	if got != sub {
		t.Fatalf("decode mismatch: %+v != %+v", got, sub)
	}
}

func TestHeaderFlagHelpers(t *testing.T) {
	h := Header{Flags: FlagRDMA | FlagRDMAAck | FlagPolled | FlagNotify}
	if !h.IsRDMA() || !h.IsAck() || !h.IsPolled() || !h.IsNotify() {
		t.Fatalf("flag helpers disagree with flag bits: %08b", h.Flags)
	}
	if h.IsWrite() {
		t.Fatalf("write bit reported without being set")
	}
}

func TestHeaderLenDependsOnRDMAFlag(t *testing.T) {
	if got := headerLen(Header{}); got != HeaderSize {
		t.Fatalf("plain header length %d", got)
	}
	if got := headerLen(Header{Flags: FlagRDMA}); got != HeaderSize+RDMAHeaderSize {
		t.Fatalf("bulk header length %d", got)
	}
}

func TestRegisterHandlerRejectsReservedAndDoubles(t *testing.T) {
	n := &Node{}

	expectBug := func(fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("expected a fatal bug")
			}
		}()
		fn()
	}

	expectBug(func() { n.RegisterHandler(typeSentinelAdvert, func(*Message) {}) })

	n.RegisterHandler(TypeUserBase, func(*Message) {})
	expectBug(func() { n.RegisterHandler(TypeUserBase, func(*Message) {}) })
	expectBug(func() { n.RegisterHandler(TypeMax, func(*Message) {}) })
}
