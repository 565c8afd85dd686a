package kmsg

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/rocketbitz/kmesh-go/fabric"
)

// BulkMode selects how a fetch transfer signals completion back to the
// initiator.
type BulkMode uint8

const (
	// BulkAck completes through an explicit acknowledgment message.
	BulkAck BulkMode = iota
	// BulkPollInline completes through an inline head/tail pattern the
	// responder writes around the payload; the initiator busy-waits on it
	// and no reply message flows.
	BulkPollInline
	// BulkPollNotify completes through a second one-sided write to the
	// per-slot sentinel byte the initiator advertised at bootstrap.
	BulkPollNotify
)

func (m BulkMode) String() string {
	switch m {
	case BulkAck:
		return "ack"
	case BulkPollInline:
		return "poll-inline"
	case BulkPollNotify:
		return "poll-notify"
	default:
		return "unknown"
	}
}

// BulkGet fetches up to size bytes from peer `to`. The request message of
// type typ, carrying req as its body, is delivered to the peer's handler,
// which serves it with BulkServe; the data lands in a region this node
// binds for the duration of the transfer. For BulkAck and BulkPollInline
// the returned slice holds exactly the delivered payload, and for
// BulkPollInline it aliases the staging buffer. For BulkPollNotify it is
// always size bytes long, whatever length the responder served.
//
// Only fetches support the polled modes. Completion is an acknowledgment
// message for BulkAck and a sentinel flip for the polled modes.
func (n *Node) BulkGet(to int, typ MessageType, req []byte, size int, mode BulkMode) ([]byte, error) {
	p, err := n.peerFor(to)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		bug("bulk fetch of %d bytes", size)
	}
	limit := MaxTransfer
	if mode == BulkPollInline {
		limit = MaxTransferInline
	}
	if size > limit {
		bug("bulk fetch of %d bytes exceeds maximum %d", size, limit)
	}
	if mode == BulkPollNotify && !p.sentinelReady.Load() {
		return nil, fmt.Errorf("kmsg: peer %d has not advertised its sentinel region", to)
	}

	span := n.tracer.StartSpan("kmsg.bulk_get",
		TraceAttribute{Key: "peer", Value: to},
		TraceAttribute{Key: "mode", Value: mode.String()})
	payload, err := n.bulkGet(p, typ, req, size, mode)
	span.End(err)
	if err != nil {
		n.metrics.BulkFailed(to, mode.String(), err)
		return nil, err
	}
	n.metrics.BulkCompleted(to, mode.String(), len(payload))
	return payload, nil
}

func (n *Node) bulkGet(p *peer, typ MessageType, req []byte, size int, mode BulkMode) ([]byte, error) {
	flags := uint8(FlagRDMA | FlagWrite)
	var dmaBuf []byte
	switch mode {
	case BulkAck:
		dmaBuf = make([]byte, size)
	case BulkPollInline:
		flags |= FlagPolled
		dmaBuf = make([]byte, size+pollHeadAndTail)
		dmaBuf[pollHead-1] = pollIsIdle
	case BulkPollNotify:
		flags |= FlagPolled | FlagNotify
		dmaBuf = make([]byte, size)
	default:
		bug("bulk mode %d", mode)
	}

	pool := p.pools[PoolBulk]
	slot, err := pool.acquire()
	if err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			pool.release(slot)
		}
	}()

	addr, key, err := pool.bind(slot, dmaBuf)
	if err != nil {
		return nil, err
	}
	if mode == BulkPollNotify {
		p.sentinelBuf[slot] = pollIsIdle
	}

	sub := RDMAHeader{
		PeerAddr:     addr,
		PeerKey:      key,
		TransferSize: uint32(size),
		ReplyType:    typ,
		RegionSlot:   uint16(slot),
		LocalDMAAddr: addr,
	}
	var tag uint32
	var ackCh chan ackInfo
	if mode == BulkAck {
		tag, ackCh = n.rdv.create(p.id)
		sub.RendezvousTag = tag
	}

	hdr := Header{
		Type:  typ,
		Flags: flags,
		Size:  uint32(HeaderSize + RDMAHeaderSize + len(req)),
	}
	if err := n.transmit(p, hdr, &sub, req); err != nil {
		if mode == BulkAck {
			n.rdv.cancel(tag)
		}
		return nil, err
	}

	switch mode {
	case BulkAck:
		info := <-ackCh
		if info.err != nil {
			return nil, info.err
		}
		if int(info.slot) != slot {
			bug("acknowledgment echoes slot %d, expected %d", info.slot, slot)
		}
		return dmaBuf[:info.size], nil

	case BulkPollInline:
		if err := p.pollSentinel(&dmaBuf[pollHead-1]); err != nil {
			return nil, err
		}
		length := binary.LittleEndian.Uint32(dmaBuf[:4])
		if int(length) > size {
			bug("inline transfer announces %d bytes into a %d-byte region", length, size)
		}
		if err := p.pollSentinel(&dmaBuf[int(length)+pollHeadAndTail-1]); err != nil {
			return nil, err
		}
		return dmaBuf[pollHead : pollHead+int(length)], nil

	default: // BulkPollNotify
		if err := p.pollSentinel(&p.sentinelBuf[slot]); err != nil {
			return nil, err
		}
		return dmaBuf[:size], nil
	}
}

// BulkPut offers src to peer `to`: the request of type typ is delivered to
// the peer's handler, which pulls the data with BulkCollect and
// acknowledges. Polled completion applies only to fetches; puts always use
// the acknowledged mode.
func (n *Node) BulkPut(to int, typ MessageType, req []byte, src []byte) error {
	p, err := n.peerFor(to)
	if err != nil {
		return err
	}
	if len(src) == 0 || len(src) > MaxTransfer {
		bug("bulk put of %d bytes", len(src))
	}

	span := n.tracer.StartSpan("kmsg.bulk_put",
		TraceAttribute{Key: "peer", Value: to})
	err = n.bulkPut(p, typ, req, src)
	span.End(err)
	if err != nil {
		n.metrics.BulkFailed(to, "put", err)
		return err
	}
	n.metrics.BulkCompleted(to, "put", len(src))
	return nil
}

func (n *Node) bulkPut(p *peer, typ MessageType, req []byte, src []byte) error {
	pool := p.pools[PoolBulk]
	slot, err := pool.acquire()
	if err != nil {
		return err
	}
	defer pool.release(slot)

	addr, key, err := pool.bind(slot, src)
	if err != nil {
		return err
	}

	tag, ackCh := n.rdv.create(p.id)
	sub := RDMAHeader{
		PeerAddr:      addr,
		PeerKey:       key,
		TransferSize:  uint32(len(src)),
		ReplyType:     typ,
		RegionSlot:    uint16(slot),
		RendezvousTag: tag,
		LocalDMAAddr:  addr,
	}
	hdr := Header{
		Type:  typ,
		Flags: FlagRDMA,
		Size:  uint32(HeaderSize + RDMAHeaderSize + len(req)),
	}
	if err := n.transmit(p, hdr, &sub, req); err != nil {
		n.rdv.cancel(tag)
		return err
	}

	info := <-ackCh
	if info.err != nil {
		return info.err
	}
	if int(info.slot) != slot {
		bug("acknowledgment echoes slot %d, expected %d", info.slot, slot)
	}
	return nil
}

// BulkServe answers a fetch request delivered to a handler: res is
// transferred into the initiator's bound region with a one-sided write,
// and completion is signaled the way the request selected: an
// acknowledgment message, the inline head/tail pattern, or a notify write
// to the initiator's sentinel. Must be called exactly once per fetch
// request.
func (n *Node) BulkServe(req *Message, res []byte) error {
	if req == nil || req.RDMA == nil || req.IsAck() || !req.IsWrite() {
		bug("bulk serve on a message that is not a fetch request")
	}
	if len(res) > int(req.RDMA.TransferSize) {
		bug("serving %d bytes into a %d-byte request", len(res), req.RDMA.TransferSize)
	}
	p, err := n.peerFor(req.From())
	if err != nil {
		return err
	}

	pool := p.pools[PoolBulk]
	slot, err := pool.acquire()
	if err != nil {
		return err
	}
	defer pool.release(slot)

	switch {
	case !req.IsPolled():
		if _, _, err := pool.bind(slot, res); err != nil {
			return err
		}
		wr := fabric.SendWR{
			Opcode:     fabric.OpRDMAWrite,
			Local:      res,
			RemoteAddr: req.RDMA.PeerAddr,
			RemoteKey:  req.RDMA.PeerKey,
		}
		if err := p.postWait(&wr); err != nil {
			return err
		}
		return n.sendAck(p, req, uint32(len(res)), true)

	case req.IsNotify():
		if !p.sentinelReady.Load() {
			return fmt.Errorf("kmsg: peer %d requested notify completion before key exchange", p.id)
		}
		if _, _, err := pool.bind(slot, res); err != nil {
			return err
		}
		wr := fabric.SendWR{
			Opcode:     fabric.OpRDMAWrite,
			Local:      res,
			RemoteAddr: req.RDMA.PeerAddr,
			RemoteKey:  req.RDMA.PeerKey,
		}
		if err := p.postWait(&wr); err != nil {
			return err
		}
		p.passBuf[slot][0] = pollIsData
		notify := fabric.SendWR{
			Opcode:     fabric.OpRDMAWrite,
			Local:      p.passBuf[slot],
			RemoteAddr: p.peerSentinelAddr.Load() + uint64(req.RDMA.RegionSlot),
			RemoteKey:  p.peerSentinelKey.Load(),
		}
		return p.postWait(&notify)

	default: // inline polled
		stage := p.stage(slot)
		dmaLen := len(res) + pollHeadAndTail
		binary.LittleEndian.PutUint32(stage[:4], uint32(len(res)))
		stage[pollHead-1] = pollIsData
		copy(stage[pollHead:], res)
		stage[dmaLen-1] = pollIsData
		if _, _, err := pool.bind(slot, stage[:dmaLen]); err != nil {
			return err
		}
		wr := fabric.SendWR{
			Opcode:     fabric.OpRDMAWrite,
			Local:      stage[:dmaLen],
			RemoteAddr: req.RDMA.PeerAddr,
			RemoteKey:  req.RDMA.PeerKey,
		}
		return p.postWait(&wr)
	}
}

// BulkCollect answers a put request delivered to a handler: the
// initiator's bound region is pulled with a one-sided read and the
// transfer acknowledged. The collected bytes are returned.
func (n *Node) BulkCollect(req *Message) ([]byte, error) {
	if req == nil || req.RDMA == nil || req.IsAck() || req.IsWrite() {
		bug("bulk collect on a message that is not a put request")
	}
	p, err := n.peerFor(req.From())
	if err != nil {
		return nil, err
	}
	size := int(req.RDMA.TransferSize)
	buf := make([]byte, size)

	pool := p.pools[PoolBulk]
	slot, err := pool.acquire()
	if err != nil {
		return nil, err
	}
	defer pool.release(slot)

	if _, _, err := pool.bind(slot, buf); err != nil {
		return nil, err
	}
	wr := fabric.SendWR{
		Opcode:     fabric.OpRDMARead,
		Local:      buf,
		RemoteAddr: req.RDMA.PeerAddr,
		RemoteKey:  req.RDMA.PeerKey,
	}
	if err := p.postWait(&wr); err != nil {
		return nil, err
	}
	if err := n.sendAck(p, req, uint32(size), false); err != nil {
		return nil, err
	}
	return buf, nil
}

// sendAck emits the acknowledgment message that unblocks the initiator,
// echoing the region slot, rendezvous tag, and initiator-side address the
// request carried.
func (n *Node) sendAck(p *peer, req *Message, size uint32, write bool) error {
	flags := uint8(FlagRDMA | FlagRDMAAck)
	if write {
		flags |= FlagWrite
	}
	sub := RDMAHeader{
		PeerAddr:      req.RDMA.PeerAddr,
		PeerKey:       req.RDMA.PeerKey,
		TransferSize:  size,
		ReplyType:     req.RDMA.ReplyType,
		RegionSlot:    req.RDMA.RegionSlot,
		RendezvousTag: req.RDMA.RendezvousTag,
		LocalDMAAddr:  req.RDMA.LocalDMAAddr,
	}
	hdr := Header{
		Type:  req.RDMA.ReplyType,
		Flags: flags,
		Size:  uint32(HeaderSize + RDMAHeaderSize),
	}
	return n.transmit(p, hdr, &sub, nil)
}

// pollSentinel busy-waits, yielding, until the byte leaves the idle state
// or the peer faults. The scheduler call in the loop also forces the byte
// to be re-read on every iteration.
func (p *peer) pollSentinel(b *byte) error {
	for *b == pollIsIdle {
		if p.reg.failed() {
			return p.reg.sticky()
		}
		runtime.Gosched()
	}
	return nil
}
