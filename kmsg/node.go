package kmsg

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/kmesh-go/fabric"
	"github.com/rocketbitz/kmesh-go/ring"
)

// NodeAddr locates one mesh participant.
type NodeAddr struct {
	Host string
	Port int
}

// Config parameterizes a Node. Nodes is the full mesh membership in node-id
// order; NodeID is this node's index into it. The set is fixed at startup.
type Config struct {
	NodeID int
	Nodes  []NodeAddr

	// Ring geometry for the outbound staging allocator. Zero selects the
	// defaults.
	RingChunks    int
	RingChunkSize int

	Logger           Logger
	StructuredLogger StructuredLogger
	Metrics          MetricHook
	Tracer           Tracer
}

// Node is one mesh participant: the per-peer control blocks, the handler
// registry, the outbound staging ring, and the rendezvous table. All of it
// is initialized once at startup and immutable afterwards.
type Node struct {
	cfg Config
	my  int

	peers    []*peer
	handlers handlerTable
	sendRing *ring.Ring
	rdv      *rendezvousTable

	listener *fabric.Listener

	// Accept-side bookkeeping.
	meshMu    sync.Mutex
	acceptSeq int
	estCh     chan struct{}

	log     Logger
	slog    StructuredLogger
	metrics MetricHook
	tracer  Tracer

	closed atomic.Bool
}

// Start brings the node up: it builds the control blocks, establishes the
// full mesh deterministically (lower-indexed nodes connect, higher-indexed
// accept), and completes the sentinel key exchange with every peer. Start
// returns only when the node can reach every other mesh member.
func Start(cfg Config) (*Node, error) {
	nn := len(cfg.Nodes)
	if nn < 2 {
		return nil, fmt.Errorf("kmsg: mesh needs at least 2 nodes, got %d", nn)
	}
	if nn > MaxNodes {
		return nil, fmt.Errorf("kmsg: mesh of %d nodes exceeds bound %d", nn, MaxNodes)
	}
	if cfg.NodeID < 0 || cfg.NodeID >= nn {
		return nil, fmt.Errorf("kmsg: node id %d out of range [0,%d)", cfg.NodeID, nn)
	}

	chunks, chunkSize := cfg.RingChunks, cfg.RingChunkSize
	if chunks == 0 {
		chunks = ring.DefaultChunks
	}
	if chunkSize == 0 {
		chunkSize = ring.DefaultChunkSize
	}
	sendRing, err := ring.New(chunks, chunkSize, fmt.Sprintf("kmsg-send-%d", cfg.NodeID))
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		my:       cfg.NodeID,
		peers:    make([]*peer, nn),
		sendRing: sendRing,
		rdv:      newRendezvousTable(),
		estCh:    make(chan struct{}, 2*nn),
		log:      cfg.Logger,
		slog:     cfg.StructuredLogger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	if n.log == nil {
		n.log = nopLogger{}
	}
	if n.slog == nil {
		n.slog = nopLogger{}
	}
	if n.metrics == nil {
		n.metrics = nopMetrics{}
	}
	if n.tracer == nil {
		n.tracer = nopTracer{}
	}

	for j := 0; j < nn; j++ {
		if j == n.my {
			continue
		}
		n.peers[j] = newPeer(n, j)
	}

	n.handlers.register(typeSentinelAdvert, n.handleSentinelAdvert)

	if err := n.connectMesh(); err != nil {
		_ = n.Shutdown()
		return nil, err
	}
	if err := n.exchangeSentinels(); err != nil {
		_ = n.Shutdown()
		return nil, err
	}
	return n, nil
}

// ID returns this node's mesh identity.
func (n *Node) ID() int {
	return n.my
}

// NumNodes returns the fixed mesh size.
func (n *Node) NumNodes() int {
	return len(n.peers)
}

// peerFor validates a destination and returns its control block.
func (n *Node) peerFor(to int) (*peer, error) {
	if to == n.my {
		return nil, ErrInvalidPeer
	}
	if to < 0 || to >= len(n.peers) {
		return nil, fmt.Errorf("kmsg: node %d outside the mesh", to)
	}
	if n.closed.Load() {
		return nil, ErrShutdown
	}
	p := n.peers[to]
	if p.reg.failed() {
		return nil, p.reg.sticky()
	}
	return p, nil
}

// RingUsage reports the outbound staging allocator's current and peak
// usage in bytes.
func (n *Node) RingUsage() (used, peak int) {
	return n.sendRing.Usage(), n.sendRing.Peak()
}

// BoundSlots reports how many region slots of the given kind are currently
// bound for the peer.
func (n *Node) BoundSlots(to int, kind PoolKind) (int, error) {
	if to == n.my || to < 0 || to >= len(n.peers) {
		return 0, ErrInvalidPeer
	}
	if kind < 0 || kind >= poolKinds {
		return 0, fmt.Errorf("kmsg: bad pool kind %d", kind)
	}
	p := n.peers[to]
	if p.pools[kind] == nil {
		return 0, nil
	}
	return p.pools[kind].bound(), nil
}

// ReceiveCounts reports the posted/held split of the peer's receive pool.
// The two always sum to MaxRecvWR once the connection is set up.
func (n *Node) ReceiveCounts(to int) (posted, held int, err error) {
	if to == n.my || to < 0 || to >= len(n.peers) {
		return 0, 0, ErrInvalidPeer
	}
	p := n.peers[to]
	if p.recvPool == nil {
		return 0, 0, nil
	}
	pp, hh := p.recvPool.counts()
	return int(pp), int(hh), nil
}

// Shutdown tears the node down: the listener stops, every connection is
// closed, and all waiters are woken with a failure.
func (n *Node) Shutdown() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	if n.listener != nil {
		errs = multierr.Append(errs, n.listener.Close())
	}
	for _, p := range n.peers {
		if p == nil {
			continue
		}
		p.fail(ErrShutdown)
		errs = multierr.Append(errs, p.close())
	}
	return errs
}
