package kmsg

import (
	"sync/atomic"

	"github.com/rocketbitz/kmesh-go/fabric"
)

// recvItem is one pre-posted receive buffer and its posting metadata. An
// item is owned either by the fabric (posted) or by a consumer (held); it
// is never dropped.
type recvItem struct {
	index int
	buf   []byte
	wr    fabric.RecvWR
}

// recvPool owns a peer's MaxRecvWR receive items. posted + held == MaxRecvWR
// at all times.
type recvPool struct {
	p      *peer
	items  []*recvItem
	posted atomic.Int32
	held   atomic.Int32
}

func newRecvPool(p *peer, n int) *recvPool {
	rp := &recvPool{p: p, items: make([]*recvItem, n)}
	for i := 0; i < n; i++ {
		it := &recvItem{index: i, buf: make([]byte, MaxMessageSize)}
		it.wr = fabric.RecvWR{WRID: uint64(i), Buffer: it.buf}
		rp.items[i] = it
	}
	return rp
}

// postAll hands every item to the fabric. Called once at connection setup.
func (rp *recvPool) postAll() error {
	for _, it := range rp.items {
		if err := rp.p.postRecv(&it.wr); err != nil {
			return err
		}
		rp.posted.Add(1)
	}
	return nil
}

// take transfers the item identified by a receive completion to the
// consumer.
func (rp *recvPool) take(wrid uint64) *recvItem {
	if wrid >= uint64(len(rp.items)) {
		bug("receive completion with unknown work-request id %d (peer %d)", wrid, rp.p.id)
	}
	rp.posted.Add(-1)
	rp.held.Add(1)
	return rp.items[wrid]
}

// repost recycles a held item back to the fabric. When the peer connection
// has failed the item is parked as held; teardown reclaims it.
func (rp *recvPool) repost(it *recvItem) {
	if it.index < 0 || it.index >= len(rp.items) || rp.items[it.index] != it {
		bug("recycled receive item %d does not belong to peer %d", it.index, rp.p.id)
	}
	if err := rp.p.postRecv(&it.wr); err != nil {
		return
	}
	rp.held.Add(-1)
	rp.posted.Add(1)
}

// counts reports the posted/held split for diagnostics and tests.
func (rp *recvPool) counts() (posted, held int32) {
	return rp.posted.Load(), rp.held.Load()
}
