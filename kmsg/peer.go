package kmsg

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/kmesh-go/fabric"
)

// spinlock guards tiny critical sections.
type spinlock struct{ mu sync.Mutex }

func (l *spinlock) lock()   { l.mu.Lock() }
func (l *spinlock) unlock() { l.mu.Unlock() }

// peer is the control block for one remote node: the connection identifier
// and queue pair, the shared completion queue, the protection domain, the
// receive and region pools, and the sentinel bookkeeping learned at
// bootstrap.
type peer struct {
	n  *Node
	id int

	reg *stateRegister

	pd   *fabric.ProtectionDomain
	cq   *fabric.CompletionQueue
	cmID *fabric.Identifier
	qp   *fabric.QueuePair

	// postMu serializes queue-pair postings; the fabric API is not
	// reentrant per queue pair.
	postMu sync.Mutex

	recvPool *recvPool
	pools    [poolKinds]*regionPool
	slots    [poolKinds][MRPoolSize]regionSlot

	// dispatch is the bottom-half worker feed: received messages are
	// handled off the completion thread, in arrival order.
	dispatch chan *Message
	done     chan struct{}
	doneOnce sync.Once

	wrSeq    atomic.Uint64
	waiters  sync.Map // wr id -> chan error
	inflight atomic.Int32

	// Local sentinel array: one byte per bulk slot, advertised to the peer
	// at bootstrap so its polled writes can flag completion here.
	sentinelBuf []byte

	// Peer sentinel target learned from the peer's advertisement.
	peerSentinelAddr atomic.Uint64
	peerSentinelKey  atomic.Uint32
	sentinelReady    atomic.Bool

	// passBuf backs the one-byte source regions for notify writes.
	passBuf [MRPoolSize][]byte

	// pollStage holds responder-side staging buffers for the inline polled
	// variant, allocated lazily per slot.
	stageMu   sync.Mutex
	pollStage [MRPoolSize][]byte
}

func newPeer(n *Node, id int) *peer {
	p := &peer{
		n:        n,
		id:       id,
		reg:      newStateRegister(),
		pd:       fabric.NewProtectionDomain(),
		dispatch: make(chan *Message, MaxRecvWR),
		done:     make(chan struct{}),
	}
	p.cq = fabric.NewCompletionQueue(func() { n.drainCompletions(p) })
	p.cq.RequestNotify()
	return p
}

// setupBuffers builds the receive pool, the region pools, and the sentinel
// region, and pre-posts every receive item. Called once the queue pair
// exists, before connect or accept.
func (p *peer) setupBuffers() error {
	var err error
	for k := PoolKind(0); k < poolKinds; k++ {
		p.pools[k], err = newRegionPool(p, k)
		if err != nil {
			return err
		}
	}
	for i := range p.passBuf {
		p.passBuf[i] = make([]byte, 1)
	}
	p.sentinelBuf = make([]byte, MRPoolSize)
	p.recvPool = newRecvPool(p, MaxRecvWR)
	if err := p.recvPool.postAll(); err != nil {
		return err
	}
	go p.dispatchLoop()
	return nil
}

// post submits a send-side work request, yielding while the queue is full.
func (p *peer) post(wr *fabric.SendWR) error {
	for {
		if p.reg.failed() {
			return p.reg.sticky()
		}
		p.postMu.Lock()
		err := p.qp.PostSend(wr)
		p.postMu.Unlock()
		if err == nil {
			return nil
		}
		if err != fabric.ErrQueueFull {
			return err
		}
		runtime.Gosched()
	}
}

// postChain submits consecutive work requests back to back under one hold
// of the posting lock.
func (p *peer) postChain(wrs ...*fabric.SendWR) error {
	for {
		if p.reg.failed() {
			return p.reg.sticky()
		}
		p.postMu.Lock()
		var err error
		for i, wr := range wrs {
			if err = p.qp.PostSend(wr); err != nil {
				if err == fabric.ErrQueueFull && i == 0 {
					break
				}
				if err == fabric.ErrQueueFull {
					// Part of the chain is in; spin the rest through.
					p.postMu.Unlock()
					return p.postRemainder(wrs[i:])
				}
				break
			}
		}
		p.postMu.Unlock()
		if err == nil {
			return nil
		}
		if err != fabric.ErrQueueFull {
			return err
		}
		runtime.Gosched()
	}
}

func (p *peer) postRemainder(wrs []*fabric.SendWR) error {
	for _, wr := range wrs {
		if err := p.post(wr); err != nil {
			return err
		}
	}
	return nil
}

// postRecv submits a receive work request.
func (p *peer) postRecv(wr *fabric.RecvWR) error {
	p.postMu.Lock()
	defer p.postMu.Unlock()
	return p.qp.PostRecv(wr)
}

// nextWRID returns a send-side work-request id outside the receive id
// space.
func (p *peer) nextWRID() uint64 {
	return p.wrSeq.Add(1) + uint64(MaxRecvWR)
}

// postWait posts a signaled work request and blocks until its completion
// wakes the stack-resident waiter.
func (p *peer) postWait(wr *fabric.SendWR) error {
	wr.WRID = p.nextWRID()
	wr.Signaled = true
	ch := make(chan error, 1)
	p.waiters.Store(wr.WRID, ch)

	if n := p.inflight.Add(1); n > MaxSendWR {
		bug("peer %d exceeds %d in-flight sends", p.id, MaxSendWR)
	}
	defer p.inflight.Add(-1)

	if err := p.post(wr); err != nil {
		p.waiters.Delete(wr.WRID)
		return err
	}
	return <-ch
}

// wake resolves the waiter registered under wrid, if it is still armed.
func (p *peer) wake(wrid uint64, err error) {
	if ch, ok := p.waiters.LoadAndDelete(wrid); ok {
		ch.(chan error) <- err
	}
}

// fail marks the connection faulted and wakes every waiter on this peer
// with the sticky failure. It does not tear the mesh down.
func (p *peer) fail(err error) {
	p.reg.fail(err)
	sticky := p.reg.sticky()
	p.waiters.Range(func(key, value any) bool {
		if ch, ok := p.waiters.LoadAndDelete(key); ok {
			ch.(chan error) <- sticky
		}
		return true
	})
	p.n.rdv.sweepPeer(p.id, sticky)
	p.doneOnce.Do(func() { close(p.done) })
}

// enqueue hands a received message to the bottom-half worker.
func (p *peer) enqueue(m *Message) {
	select {
	case p.dispatch <- m:
	case <-p.done:
	}
}

func (p *peer) dispatchLoop() {
	for {
		select {
		case m := <-p.dispatch:
			p.n.process(m)
		case <-p.done:
			return
		}
	}
}

// stage returns the responder-side staging buffer for slot, sized for a
// full inline polled message.
func (p *peer) stage(slot int) []byte {
	p.stageMu.Lock()
	defer p.stageMu.Unlock()
	if p.pollStage[slot] == nil {
		p.pollStage[slot] = make([]byte, MaxMessageSize)
	}
	return p.pollStage[slot]
}

// close releases fabric resources during node shutdown.
func (p *peer) close() error {
	p.doneOnce.Do(func() { close(p.done) })
	var err error
	if p.cmID != nil {
		err = p.cmID.Close()
	}
	if p.cq != nil {
		p.cq.Close()
	}
	return err
}
