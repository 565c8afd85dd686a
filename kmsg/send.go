package kmsg

import (
	"runtime"

	"github.com/rocketbitz/kmesh-go/fabric"
	"github.com/rocketbitz/kmesh-go/ring"
)

// Send delivers a typed message to peer `to` reliably, blocking until the
// fabric reports the send completion. Sending to self is rejected with
// ErrInvalidPeer; a message larger than MaxMessageSize is a fatal bug.
// There is no retry: the fabric itself is reliable.
func (n *Node) Send(to int, typ MessageType, payload []byte) error {
	p, err := n.peerFor(to)
	if err != nil {
		return err
	}
	total := HeaderSize + len(payload)
	if total > MaxMessageSize {
		bug("message of %d bytes exceeds maximum %d", total, MaxMessageSize)
	}
	span := n.tracer.StartSpan("kmsg.send",
		TraceAttribute{Key: "peer", Value: to},
		TraceAttribute{Key: "type", Value: int(typ)})

	hdr := Header{Type: typ, Size: uint32(total)}
	err = n.transmit(p, hdr, nil, payload)
	span.End(err)
	if err != nil {
		n.metrics.SendFailed(to, err)
		return err
	}
	n.metrics.SendCompleted(to, total)
	return nil
}

// transmit stages a message in the outbound ring, stamps the header, maps
// the block for fabric access, posts a signaled send with a stack-resident
// waiter, and blocks until the completion fires.
func (n *Node) transmit(p *peer, hdr Header, sub *RDMAHeader, payload []byte) error {
	hdr.FromNode = uint8(n.my)
	if sub != nil {
		hdr.Flags |= FlagRDMA
	}
	total := int(hdr.Size)

	blk, err := n.stageOutbound(p, total)
	if err != nil {
		return err
	}
	defer n.sendRing.Put(blk)

	buf := blk.Bytes()
	hdr.encode(buf)
	off := HeaderSize
	if sub != nil {
		sub.encode(buf[off:])
		off += RDMAHeaderSize
	}
	copy(buf[off:], payload)

	mr, err := p.pd.RegisterMemory(buf, fabric.AccessLocal)
	if err != nil {
		return err
	}
	defer mr.Deregister()

	wr := fabric.SendWR{Opcode: fabric.OpSend, Buffer: mr.Bytes()}
	return p.postWait(&wr)
}

// stageOutbound allocates a ring block, yielding while the ring is full.
func (n *Node) stageOutbound(p *peer, size int) (*ring.Block, error) {
	for {
		blk, err := n.sendRing.Get(size)
		if err == nil {
			return blk, nil
		}
		if err != ring.ErrFull {
			return nil, err
		}
		if p.reg.failed() {
			return nil, p.reg.sticky()
		}
		n.metrics.PoolExhausted("send-ring")
		runtime.Gosched()
	}
}
