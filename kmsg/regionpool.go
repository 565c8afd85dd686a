package kmsg

import (
	"math/bits"
	"runtime"

	"github.com/rocketbitz/kmesh-go/fabric"
)

// PoolKind selects one of a peer's region pools.
type PoolKind int

const (
	// PoolBulk holds the general-purpose bulk-transfer slots.
	PoolBulk PoolKind = iota
	// PoolSentinelLocal holds the region advertising the local sentinel
	// array remote peers write completion flags into.
	PoolSentinelLocal
	// PoolSentinelPeer holds the one-byte source regions used when writing
	// a sentinel flag into a peer's advertised array.
	PoolSentinelPeer

	poolKinds
)

func (k PoolKind) String() string {
	switch k {
	case PoolBulk:
		return "bulk"
	case PoolSentinelLocal:
		return "sentinel-local"
	case PoolSentinelPeer:
		return "sentinel-peer"
	default:
		return "unknown"
	}
}

// regionSlot pairs a reusable memory region with its pre-composed
// invalidate and register work requests, so rebinding is a single posting
// of the two as an unsignaled chain.
type regionSlot struct {
	mr    *fabric.MemoryRegion
	invWR fabric.SendWR
	regWR fabric.SendWR
}

// regionPool is a per-peer, per-kind bitmap of MRPoolSize slots. A set bit
// means the slot is bound and exclusively owned by the task that acquired
// it.
type regionPool struct {
	p    *peer
	kind PoolKind

	mu     spinlock
	bitmap uint64
}

// slots backing arrays live on the peer to keep the pool struct small.
func newRegionPool(p *peer, kind PoolKind) (*regionPool, error) {
	rp := &regionPool{p: p, kind: kind}
	for i := 0; i < MRPoolSize; i++ {
		// Seed each slot with a throwaway registration; the first bind
		// replaces it.
		mr, err := p.pd.RegisterMemory(make([]byte, 8), fabric.AccessLocal)
		if err != nil {
			return nil, err
		}
		s := &p.slots[kind][i]
		s.mr = mr
		s.invWR = fabric.SendWR{Opcode: fabric.OpLocalInv}
		s.regWR = fabric.SendWR{Opcode: fabric.OpRegMR, Region: mr}
	}
	return rp, nil
}

// acquire claims a free slot, yielding while the pool is exhausted. It
// fails only when the peer's connection has entered the error state.
func (rp *regionPool) acquire() (int, error) {
	for spins := 0; ; spins++ {
		if rp.p.reg.failed() {
			return -1, rp.p.reg.sticky()
		}
		rp.mu.lock()
		if free := ^rp.bitmap; free != 0 {
			i := bits.TrailingZeros64(free)
			if i < MRPoolSize {
				rp.bitmap |= 1 << uint(i)
				rp.mu.unlock()
				return i, nil
			}
		}
		rp.mu.unlock()
		rp.p.n.metrics.PoolExhausted(rp.kind.String())
		runtime.Gosched()
	}
}

// bind rebinds the slot's region over buf with a fresh key, posting the
// invalidate and register work requests as an unsignaled chain. The region
// is remote-reachable by the time any subsequently posted signaled work
// request completes.
func (rp *regionPool) bind(slot int, buf []byte) (addr uint64, key uint32, err error) {
	s := &rp.p.slots[rp.kind][slot]
	key = rp.p.pd.NextKey()
	addr = rp.p.pd.AssignVA(len(buf))

	s.invWR.InvalidateKey = s.mr.Key()
	s.regWR.RegBuffer = buf
	s.regWR.RegAddr = addr
	s.regWR.RegKey = key
	s.regWR.RegAccess = fabric.AccessLocal | fabric.AccessRemoteRead | fabric.AccessRemoteWrite

	if err := rp.p.postChain(&s.invWR, &s.regWR); err != nil {
		return 0, 0, err
	}
	return addr, key, nil
}

// release returns the slot to the pool. Releasing a free slot is a fatal
// bug.
func (rp *regionPool) release(slot int) {
	rp.mu.lock()
	bit := uint64(1) << uint(slot)
	if rp.bitmap&bit == 0 {
		rp.mu.unlock()
		bug("double release of region slot %d (peer %d, kind %s)", slot, rp.p.id, rp.kind)
	}
	rp.bitmap &^= bit
	rp.mu.unlock()
}

// bound returns the population count of the bitmap.
func (rp *regionPool) bound() int {
	rp.mu.lock()
	defer rp.mu.unlock()
	return bits.OnesCount64(rp.bitmap)
}
