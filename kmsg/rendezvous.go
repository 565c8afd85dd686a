package kmsg

import "sync"

// ackInfo is what an acknowledgment (or sentinel failure) delivers to the
// blocked initiator.
type ackInfo struct {
	size uint32
	slot uint16
	err  error
}

type rdvEntry struct {
	peer int
	ch   chan ackInfo
}

// rendezvousTable re-attaches arriving bulk acknowledgments to their
// blocked initiators through the opaque tag carried in request and reply.
type rendezvousTable struct {
	mu      sync.Mutex
	seq     uint32
	waiters map[uint32]rdvEntry
}

func newRendezvousTable() *rendezvousTable {
	return &rendezvousTable{waiters: make(map[uint32]rdvEntry)}
}

// create registers a waiter bound to peer and returns its tag.
func (t *rendezvousTable) create(peer int) (uint32, chan ackInfo) {
	ch := make(chan ackInfo, 1)
	t.mu.Lock()
	t.seq++
	for t.seq == 0 || t.collides(t.seq) {
		t.seq++
	}
	tag := t.seq
	t.waiters[tag] = rdvEntry{peer: peer, ch: ch}
	t.mu.Unlock()
	return tag, ch
}

func (t *rendezvousTable) collides(tag uint32) bool {
	_, taken := t.waiters[tag]
	return taken
}

// complete wakes the waiter registered under tag.
func (t *rendezvousTable) complete(tag uint32, info ackInfo) bool {
	t.mu.Lock()
	e, ok := t.waiters[tag]
	if ok {
		delete(t.waiters, tag)
	}
	t.mu.Unlock()
	if ok {
		e.ch <- info
	}
	return ok
}

// cancel drops a waiter that will no longer be completed.
func (t *rendezvousTable) cancel(tag uint32) {
	t.mu.Lock()
	delete(t.waiters, tag)
	t.mu.Unlock()
}

// sweepPeer fails every waiter attached to the given peer.
func (t *rendezvousTable) sweepPeer(peer int, err error) {
	t.mu.Lock()
	var swept []chan ackInfo
	for tag, e := range t.waiters {
		if e.peer == peer {
			swept = append(swept, e.ch)
			delete(t.waiters, tag)
		}
	}
	t.mu.Unlock()
	for _, ch := range swept {
		ch <- ackInfo{err: err}
	}
}
