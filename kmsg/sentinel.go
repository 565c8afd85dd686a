package kmsg

// Sentinel key exchange. Immediately after the mesh is up, each node
// advertises the virtual address and key of its completion-sentinel region
// to every peer, so the polled notify variant can target it with one-sided
// writes. The exchange is synchronized through a rendezvous tag carried in
// the advertisement and echoed in its acknowledgment.

// exchangeSentinels advertises this node's sentinel region to every peer
// and waits for each acknowledgment.
func (n *Node) exchangeSentinels() error {
	for j := range n.peers {
		if j == n.my {
			continue
		}
		if err := n.advertiseSentinel(j); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) advertiseSentinel(j int) error {
	p := n.peers[j]

	// Bind the sentinel array through the local-sentinel pool; the slot is
	// held for the node's lifetime.
	pool := p.pools[PoolSentinelLocal]
	slot, err := pool.acquire()
	if err != nil {
		return err
	}
	addr, key, err := pool.bind(slot, p.sentinelBuf)
	if err != nil {
		return err
	}

	tag, ackCh := n.rdv.create(j)
	sub := RDMAHeader{
		PeerAddr:      addr,
		PeerKey:       key,
		TransferSize:  MRPoolSize,
		ReplyType:     typeSentinelAdvert,
		RegionSlot:    noSlot,
		RendezvousTag: tag,
	}
	hdr := Header{
		Type:  typeSentinelAdvert,
		Flags: FlagRDMA,
		Size:  uint32(HeaderSize + RDMAHeaderSize),
	}
	if err := n.transmit(p, hdr, &sub, nil); err != nil {
		n.rdv.cancel(tag)
		return err
	}
	info := <-ackCh
	return info.err
}

// handleSentinelAdvert stores the peer's sentinel address and key, binds
// the local one-byte source regions future notify writes are issued from,
// and acknowledges the exchange.
func (n *Node) handleSentinelAdvert(m *Message) {
	if m.RDMA == nil {
		bug("sentinel advertisement without bulk sub-header from node %d", m.From())
	}
	p := n.peers[m.From()]
	p.peerSentinelAddr.Store(m.RDMA.PeerAddr)
	p.peerSentinelKey.Store(m.RDMA.PeerKey)

	pool := p.pools[PoolSentinelPeer]
	for i := 0; i < MRPoolSize; i++ {
		slot, err := pool.acquire()
		if err != nil {
			n.slog.Errorw("sentinel source bind failed", "peer", p.id, "err", err)
			return
		}
		if _, _, err := pool.bind(slot, p.passBuf[slot]); err != nil {
			n.slog.Errorw("sentinel source bind failed", "peer", p.id, "err", err)
			return
		}
	}
	p.sentinelReady.Store(true)

	if err := n.sendAck(p, m, 0, false); err != nil {
		n.slog.Errorw("sentinel acknowledgment failed", "peer", p.id, "err", err)
	}
}
