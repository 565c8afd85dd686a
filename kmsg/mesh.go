package kmsg

import (
	"fmt"

	"github.com/rocketbitz/kmesh-go/fabric"
)

// listenerToken tags connection-manager events raised by the listener
// before an inbound connection has been attributed to a peer.
const listenerToken = ^uint64(0)

func (n *Node) connParams() fabric.ConnParams {
	return fabric.ConnParams{
		ResponderResources: ConnResponderResources,
		InitiatorDepth:     ConnInitiatorDepth,
		RetryCount:         ConnRetryCount,
		Identity:           uint8(n.my),
	}
}

// connectMesh establishes the full mesh: this node dials every lower-id
// peer in order, blocking per peer, then accepts until every higher-id
// peer has connected. The edge (i, j) is always driven by min(i, j) as
// connector and max(i, j) as acceptor.
func (n *Node) connectMesh() error {
	self := n.cfg.Nodes[n.my]
	listener, err := fabric.Listen("", self.Port, ListenBacklog, listenerToken, n.cmEvent)
	if err != nil {
		return err
	}
	n.listener = listener

	for j := 0; j < n.my; j++ {
		if err := n.connectPeer(j); err != nil {
			return fmt.Errorf("kmsg: connect node %d: %w", j, err)
		}
		n.log.Debugf("node %d: connected to %d", n.my, j)
	}

	// Accept loop: wait until every higher-id peer is connected.
	for {
		settled, err := n.inboundSettled()
		if err != nil {
			return err
		}
		if settled {
			return nil
		}
		<-n.estCh
	}
}

func (n *Node) connectPeer(j int) error {
	p := n.peers[j]
	addr := n.cfg.Nodes[j]

	p.cmID = fabric.NewIdentifier(uint64(j), n.cmEvent)
	p.cmID.ResolveAddr(addr.Host, addr.Port)
	if err := p.reg.await(StateAddrResolved); err != nil {
		return err
	}
	p.cmID.ResolveRoute()
	if err := p.reg.await(StateRouteResolved); err != nil {
		return err
	}

	qp, err := p.cmID.CreateQueuePair(p.pd, p.cq, MaxSendWR, MaxRecvWR)
	if err != nil {
		return err
	}
	p.qp = qp
	if err := p.setupBuffers(); err != nil {
		return err
	}
	if err := p.cmID.Connect(n.connParams()); err != nil {
		return err
	}
	return p.reg.await(StateConnected)
}

// inboundSettled reports whether every peer above this node's id has
// reached the connected state, failing when any of them is in error.
func (n *Node) inboundSettled() (bool, error) {
	for j := n.my + 1; j < len(n.peers); j++ {
		s, _ := n.peers[j].reg.get()
		switch s {
		case StateConnected:
		case StateError:
			return false, fmt.Errorf("kmsg: accept node %d: %w", j, n.peers[j].reg.sticky())
		default:
			return false, nil
		}
	}
	return true, nil
}

// cmEvent is the single connection-manager callback. Events carry only an
// opaque token that indexes the peer control blocks.
func (n *Node) cmEvent(ev fabric.Event) {
	switch ev.Type {
	case fabric.EventAddrResolved:
		n.peers[ev.Token].reg.set(StateAddrResolved)

	case fabric.EventRouteResolved:
		n.peers[ev.Token].reg.set(StateRouteResolved)

	case fabric.EventConnectRequest:
		n.acceptInbound(ev.ID)

	case fabric.EventEstablished:
		p := n.peers[ev.Token]
		p.reg.set(StateConnected)
		n.metrics.ConnectionEstablished(p.id)
		n.signalMesh()

	case fabric.EventDisconnected, fabric.EventError:
		if ev.Token == listenerToken {
			n.slog.Errorw("listener fault", "err", ev.Err)
			n.signalMesh()
			return
		}
		p := n.peers[ev.Token]
		n.slog.Errorw("connection fault", "peer", p.id, "err", ev.Err)
		n.metrics.ConnectionFailed(p.id, ev.Err)
		p.fail(ev.Err)
		n.signalMesh()
	}
}

// acceptInbound attributes a connect request and drives the accept side of
// the handshake. Attribution uses the identity the connector announced in
// its private data; the accept counter still bounds how many inbound
// connections are taken. Only higher-indexed nodes connect inward.
func (n *Node) acceptInbound(id *fabric.Identifier) {
	n.meshMu.Lock()
	n.acceptSeq++
	seq := n.acceptSeq
	n.meshMu.Unlock()

	pid := id.RemoteIdentity()
	if seq > len(n.peers)-n.my-1 || pid <= n.my || pid >= len(n.peers) {
		n.slog.Errorw("unexpected inbound connection", "identity", pid, "count", seq)
		_ = id.Close()
		return
	}
	p := n.peers[pid]
	if p.cmID != nil {
		n.slog.Errorw("duplicate inbound connection", "identity", pid)
		_ = id.Close()
		return
	}
	id.SetToken(uint64(pid))
	p.cmID = id
	p.reg.set(StateConnectRequest)

	qp, err := id.CreateQueuePair(p.pd, p.cq, MaxSendWR, MaxRecvWR)
	if err != nil {
		p.fail(err)
		n.signalMesh()
		return
	}
	p.qp = qp
	if err := p.setupBuffers(); err != nil {
		p.fail(err)
		n.signalMesh()
		return
	}
	if err := id.Accept(n.connParams()); err != nil {
		p.fail(err)
		n.signalMesh()
		return
	}
}

func (n *Node) signalMesh() {
	select {
	case n.estCh <- struct{}{}:
	default:
	}
}
