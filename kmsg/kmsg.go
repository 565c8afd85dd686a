// Package kmsg is the inter-node messaging substrate of a multi-kernel
// cooperation layer. A fixed set of nodes forms a fully connected mesh of
// reliable queue pairs; on top of it the package offers typed small-message
// delivery with a per-type handler registry, and one-sided bulk transfers
// in acknowledged and polled flavors. Higher-level subsystems (page
// coherence, thread migration, syscall redirection) are clients of this
// package.
package kmsg

import (
	"encoding/binary"
	"fmt"
)

// Fabric and mesh parameters.
const (
	// Port is the TCP port every node listens on for mesh connections.
	Port = 10453
	// ListenBacklog is the advisory accept backlog.
	ListenBacklog = 99

	// ConnResponderResources, ConnInitiatorDepth, and ConnRetryCount are
	// the reliable-connection negotiation parameters.
	ConnResponderResources = 1
	ConnInitiatorDepth     = 1
	ConnRetryCount         = 1

	// MaxSendWR and MaxRecvWR bound the per-peer work queues. MaxRecvWR
	// receive buffers are pre-posted per peer at connection setup.
	MaxSendWR = 128
	MaxRecvWR = 128

	// MRPoolSize is the number of region slots per peer per pool kind.
	MRPoolSize = 64

	// MaxNodes is the compile-time bound on cluster size.
	MaxNodes = 64
)

// MessageType tags a message with its handler.
type MessageType uint16

// TypeMax bounds the handler table. Types below TypeUserBase are reserved
// for the substrate itself.
const (
	TypeMax      MessageType = 128
	TypeUserBase MessageType = 2

	typeSentinelAdvert MessageType = 1
)

// Message sizing.
const (
	// MaxMessageSize bounds a full message, header included.
	MaxMessageSize = 64 << 10

	// HeaderSize is the fixed message header length.
	HeaderSize = 12
	// RDMAHeaderSize is the bulk sub-header length, present when the
	// FlagRDMA bit is set.
	RDMAHeaderSize = 40
)

// Polled-transfer framing. The inline variant makes the delivered buffer
// self-describing: a 4-byte little-endian length and a 1-byte data flag
// ahead of the payload, and a 1-byte data flag behind it.
const (
	pollHead        = 4 + 1
	pollTail        = 1
	pollHeadAndTail = pollHead + pollTail

	pollIsData byte = 0x01
	pollIsIdle byte = 0x00

	// MaxTransferInline is the largest polled-inline payload.
	MaxTransferInline = MaxMessageSize - pollHeadAndTail
	// MaxTransfer is the largest payload of the other bulk variants.
	MaxTransfer = MaxMessageSize
)

// Header flag bits.
const (
	// FlagRDMA marks a message carrying the bulk sub-header.
	FlagRDMA = 1 << 0
	// FlagRDMAAck marks the acknowledgment of a completed bulk transfer.
	FlagRDMAAck = 1 << 1
	// FlagWrite marks a bulk request the responder serves with a one-sided
	// write into the initiator's region; clear means the responder pulls
	// from the initiator's region with a one-sided read.
	FlagWrite = 1 << 2
	// FlagPolled selects the polled bulk variant: the initiator busy-waits
	// on a sentinel instead of expecting an acknowledgment message.
	FlagPolled = 1 << 3
	// FlagNotify selects the notify polled variant, where the responder
	// issues a second one-sided write to a per-slot sentinel byte the
	// initiator advertised at bootstrap.
	FlagNotify = 1 << 4
)

// noSlot marks an acknowledgment that carries no region slot to release.
const noSlot = 0xffff

// Header is the fixed preamble of every message. Multi-byte fields are
// little-endian on the wire.
type Header struct {
	Type     MessageType
	Priority uint8
	Flags    uint8
	FromNode uint8
	Size     uint32
}

// IsRDMA reports whether the bulk sub-header follows.
func (h Header) IsRDMA() bool { return h.Flags&FlagRDMA != 0 }

// IsAck reports whether the message acknowledges a bulk transfer.
func (h Header) IsAck() bool { return h.Flags&FlagRDMAAck != 0 }

// IsWrite reports whether the responder serves the request with a
// one-sided write toward the initiator.
func (h Header) IsWrite() bool { return h.Flags&FlagWrite != 0 }

// IsPolled reports whether completion is signaled through a sentinel.
func (h Header) IsPolled() bool { return h.Flags&FlagPolled != 0 }

// IsNotify reports whether the notify sentinel variant is selected.
func (h Header) IsNotify() bool { return h.Flags&FlagNotify != 0 }

func (h Header) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], uint16(h.Type))
	b[2] = h.Priority
	b[3] = h.Flags
	b[4] = h.FromNode
	b[5] = 0
	binary.LittleEndian.PutUint16(b[6:], 0)
	binary.LittleEndian.PutUint32(b[8:], h.Size)
}

func decodeHeader(b []byte) Header {
	return Header{
		Type:     MessageType(binary.LittleEndian.Uint16(b[0:])),
		Priority: b[2],
		Flags:    b[3],
		FromNode: b[4],
		Size:     binary.LittleEndian.Uint32(b[8:]),
	}
}

// RDMAHeader is the bulk sub-header: the initiator's bound region, the
// transfer geometry, and the tokens that thread the acknowledgment back to
// the blocked caller.
type RDMAHeader struct {
	PeerAddr      uint64
	PeerKey       uint32
	TransferSize  uint32
	ReplyType     MessageType
	RegionSlot    uint16
	RendezvousTag uint32
	LocalDMAAddr  uint64
}

func (r RDMAHeader) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], r.PeerAddr)
	binary.LittleEndian.PutUint32(b[8:], r.PeerKey)
	binary.LittleEndian.PutUint32(b[12:], r.TransferSize)
	binary.LittleEndian.PutUint16(b[16:], uint16(r.ReplyType))
	binary.LittleEndian.PutUint16(b[18:], r.RegionSlot)
	binary.LittleEndian.PutUint32(b[20:], r.RendezvousTag)
	binary.LittleEndian.PutUint64(b[24:], r.LocalDMAAddr)
	for i := 32; i < RDMAHeaderSize; i++ {
		b[i] = 0
	}
}

func decodeRDMAHeader(b []byte) RDMAHeader {
	return RDMAHeader{
		PeerAddr:      binary.LittleEndian.Uint64(b[0:]),
		PeerKey:       binary.LittleEndian.Uint32(b[8:]),
		TransferSize:  binary.LittleEndian.Uint32(b[12:]),
		ReplyType:     MessageType(binary.LittleEndian.Uint16(b[16:])),
		RegionSlot:    binary.LittleEndian.Uint16(b[18:]),
		RendezvousTag: binary.LittleEndian.Uint32(b[20:]),
		LocalDMAAddr:  binary.LittleEndian.Uint64(b[24:]),
	}
}

// headerLen returns the wire offset of the payload for h.
func headerLen(h Header) int {
	if h.IsRDMA() {
		return HeaderSize + RDMAHeaderSize
	}
	return HeaderSize
}

// Message is a delivered message. Its buffer is owned by the receive pool
// unless the message was forged locally; ownership returns to the pool when
// the handler finishes, or, after Retain, when the holder calls Release.
type Message struct {
	Header
	RDMA *RDMAHeader

	buf      []byte
	item     *recvItem
	peer     *peer
	retained bool
}

// Payload returns the message body after the header(s).
func (m *Message) Payload() []byte {
	return m.buf[headerLen(m.Header):m.Size]
}

// From returns the sender's node identity.
func (m *Message) From() int {
	return int(m.FromNode)
}

// Retain transfers buffer ownership to the caller. The holder must hand
// the message back through Node.Release when finished.
func (m *Message) Retain() {
	m.retained = true
}

// bug aborts on a local invariant violation. Such violations are
// programming errors, not runtime conditions.
func bug(format string, args ...any) {
	panic(fmt.Sprintf("kmsg: BUG: "+format, args...))
}
