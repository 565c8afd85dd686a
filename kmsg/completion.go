package kmsg

import (
	"fmt"

	"github.com/rocketbitz/kmesh-go/fabric"
)

// drainCompletions is the per-peer completion handler. It drains the
// completion stream, dispatches each entry, then re-arms notification,
// looping while events arrived during the drain. Completions for the same
// queue pair are observed in posting order.
func (n *Node) drainCompletions(p *peer) {
	for {
		for {
			wc, ok := p.cq.Poll()
			if !ok {
				break
			}
			n.handleCompletion(p, wc)
		}
		if !p.cq.RequestNotify() {
			return
		}
	}
}

func (n *Node) handleCompletion(p *peer, wc fabric.WorkCompletion) {
	if wc.Status != fabric.StatusSuccess {
		switch wc.Opcode {
		case fabric.OpSend, fabric.OpRDMARead, fabric.OpRDMAWrite:
			p.wake(wc.WRID, completionError(wc))
		case fabric.OpRecv:
			// Flushed receives surface during teardown; nothing to do.
		default:
			n.slog.Errorw("completion failed",
				"peer", p.id, "opcode", wc.Opcode.String(), "err", wc.Err)
		}
		if wc.Status != fabric.StatusFlushed {
			p.fail(completionError(wc))
		}
		return
	}

	switch wc.Opcode {
	case fabric.OpSend, fabric.OpRDMARead, fabric.OpRDMAWrite:
		p.wake(wc.WRID, nil)

	case fabric.OpRecv:
		n.deliver(p, wc)

	case fabric.OpLocalInv, fabric.OpRegMR:
		n.log.Debugf("peer %d: %s completion", p.id, wc.Opcode)

	default:
		p.fail(fmt.Errorf("kmsg: unexpected completion opcode %d on peer %d", wc.Opcode, p.id))
	}
}

func completionError(wc fabric.WorkCompletion) error {
	if wc.Err != nil {
		return wc.Err
	}
	return fmt.Errorf("kmsg: %s completion status %d", wc.Opcode, wc.Status)
}

// deliver validates a received message and routes it: bulk acknowledgments
// resolve their rendezvous on the completion thread, everything else is
// handed to the peer's dispatch worker.
func (n *Node) deliver(p *peer, wc fabric.WorkCompletion) {
	it := p.recvPool.take(wc.WRID)
	if wc.ByteLen < HeaderSize {
		bug("runt message (%d bytes) from peer %d", wc.ByteLen, p.id)
	}
	hdr := decodeHeader(it.buf)
	if hdr.Type >= TypeMax {
		bug("message type %d out of range from peer %d", hdr.Type, p.id)
	}
	if hdr.Size < HeaderSize || hdr.Size > MaxMessageSize || hdr.Size > wc.ByteLen {
		bug("message size %d out of range from peer %d", hdr.Size, p.id)
	}
	if int(hdr.FromNode) != p.id {
		bug("message claims origin %d but arrived from peer %d", hdr.FromNode, p.id)
	}

	m := &Message{Header: hdr, buf: it.buf[:hdr.Size], item: it, peer: p}
	if hdr.IsRDMA() {
		if hdr.Size < HeaderSize+RDMAHeaderSize {
			bug("bulk message of %d bytes lacks its sub-header", hdr.Size)
		}
		sub := decodeRDMAHeader(it.buf[HeaderSize:])
		m.RDMA = &sub
	}
	n.metrics.MessageDelivered(p.id, uint16(hdr.Type), int(hdr.Size))

	if hdr.IsAck() {
		n.completeAck(p, m)
		n.finish(m)
		return
	}
	p.enqueue(m)
}

// process runs on a peer's dispatch worker: invoke the registered handler
// and recycle the receive item once it returns.
func (n *Node) process(m *Message) {
	h := n.handlers.lookup(m.Type)
	if h == nil {
		bug("no handler registered for message type %d", m.Type)
	}
	h(m)
	n.finish(m)
}

// completeAck wakes the rendezvous waiter a bulk acknowledgment belongs
// to. Slot release and unmapping happen in the woken initiator, which owns
// both.
func (n *Node) completeAck(p *peer, m *Message) {
	if m.RDMA == nil {
		bug("acknowledgment without bulk sub-header from peer %d", p.id)
	}
	info := ackInfo{size: m.RDMA.TransferSize, slot: m.RDMA.RegionSlot}
	if !n.rdv.complete(m.RDMA.RendezvousTag, info) {
		n.slog.Errorw("acknowledgment for unknown rendezvous",
			"peer", p.id, "tag", m.RDMA.RendezvousTag)
	}
}
