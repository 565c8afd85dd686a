package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/kmesh-go/internal/wire"
)

// SendWR describes a send-side work request. Exactly one of the opcode
// groups is consulted: Buffer for OpSend, Local/RemoteAddr/RemoteKey for the
// one-sided opcodes, InvalidateKey for OpLocalInv, and the Reg* fields for
// OpRegMR.
type SendWR struct {
	WRID     uint64
	Opcode   Opcode
	Signaled bool

	Buffer []byte

	Local      []byte
	RemoteAddr uint64
	RemoteKey  uint32

	InvalidateKey uint32

	Region    *MemoryRegion
	RegBuffer []byte
	RegAddr   uint64
	RegKey    uint32
	RegAccess AccessFlag
}

// RecvWR describes a pre-posted receive buffer.
type RecvWR struct {
	WRID   uint64
	Buffer []byte
}

type wireReply struct {
	status  uint8
	payload []byte
}

// QueuePair is a reliable-connected send/receive queue bound to one remote
// endpoint. Send-side work requests are executed strictly in posting order;
// completions for the same queue pair are therefore observed in posting
// order as well. Posting is not reentrant; callers serialize Post* calls
// per queue pair.
type QueuePair struct {
	pd *ProtectionDomain
	cq *CompletionQueue

	sendCh chan *SendWR
	recvCh chan *RecvWR
	done   chan struct{}

	conn   *wire.Conn
	reqSeq atomic.Uint64

	pmu     sync.Mutex
	pending map[uint64]chan wireReply

	failed   atomic.Bool
	failOnce sync.Once
	errMu    sync.Mutex
	err      error

	onError func(error)
}

// NewQueuePair allocates a queue pair under the domain, delivering its
// completions to cq. The queue pair is inert until a connection is attached
// by the connection manager.
func NewQueuePair(pd *ProtectionDomain, cq *CompletionQueue, sendDepth, recvDepth int) (*QueuePair, error) {
	if pd == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if cq == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if sendDepth <= 0 || recvDepth <= 0 {
		return nil, fmt.Errorf("fabric: queue depths must be positive (send=%d recv=%d)", sendDepth, recvDepth)
	}
	return &QueuePair{
		pd:      pd,
		cq:      cq,
		sendCh:  make(chan *SendWR, sendDepth),
		recvCh:  make(chan *RecvWR, recvDepth),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan wireReply),
	}, nil
}

// PostSend queues a send-side work request. ErrQueueFull is returned when
// the send queue depth is exhausted; the caller yields and retries.
func (qp *QueuePair) PostSend(wr *SendWR) error {
	if qp == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if qp.failed.Load() {
		return qp.Err()
	}
	select {
	case qp.sendCh <- wr:
		return nil
	default:
		return ErrQueueFull
	}
}

// PostRecv queues a receive buffer for an inbound send.
func (qp *QueuePair) PostRecv(wr *RecvWR) error {
	if qp == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if qp.failed.Load() {
		return qp.Err()
	}
	select {
	case qp.recvCh <- wr:
		return nil
	default:
		return ErrQueueFull
	}
}

// Err returns the sticky failure, or ErrConnClosed when none was recorded.
func (qp *QueuePair) Err() error {
	qp.errMu.Lock()
	defer qp.errMu.Unlock()
	if qp.err != nil {
		return qp.err
	}
	return ErrConnClosed
}

// start attaches an established connection and spins up the work pipelines.
func (qp *QueuePair) start(conn *wire.Conn) {
	qp.conn = conn
	go qp.sendLoop()
	go qp.recvLoop()
}

// fail records the first error, aborts both pipelines, and flushes
// everything outstanding.
func (qp *QueuePair) fail(err error) {
	qp.failOnce.Do(func() {
		qp.errMu.Lock()
		qp.err = err
		qp.errMu.Unlock()
		qp.failed.Store(true)
		close(qp.done)
		if qp.conn != nil {
			_ = qp.conn.Close()
		}
		qp.pmu.Lock()
		for id, ch := range qp.pending {
			close(ch)
			delete(qp.pending, id)
		}
		qp.pmu.Unlock()
		if qp.onError != nil {
			qp.onError(err)
		}
	})
}

// Close tears the queue pair down, flushing outstanding work requests.
func (qp *QueuePair) Close() error {
	if qp == nil {
		return nil
	}
	qp.fail(ErrConnClosed)
	return nil
}

func (qp *QueuePair) flush(wr *SendWR) {
	qp.complete(wr, StatusFlushed, 0)
}

// complete reports a work request's outcome. Unsignaled requests surface a
// completion only on failure.
func (qp *QueuePair) complete(wr *SendWR, status Status, byteLen uint32) {
	if !wr.Signaled && status == StatusSuccess {
		return
	}
	wc := WorkCompletion{WRID: wr.WRID, Opcode: wr.Opcode, Status: status, ByteLen: byteLen}
	if status != StatusSuccess {
		wc.Err = qp.Err()
	}
	qp.cq.push(wc)
}

func (qp *QueuePair) register(id uint64) chan wireReply {
	ch := make(chan wireReply, 1)
	qp.pmu.Lock()
	qp.pending[id] = ch
	qp.pmu.Unlock()
	return ch
}

func (qp *QueuePair) resolvePending(id uint64, rep wireReply) {
	qp.pmu.Lock()
	ch, ok := qp.pending[id]
	if ok {
		delete(qp.pending, id)
	}
	qp.pmu.Unlock()
	if ok {
		ch <- rep
	}
}

func (qp *QueuePair) sendLoop() {
	for {
		select {
		case wr := <-qp.sendCh:
			qp.execute(wr)
		case <-qp.done:
			for {
				select {
				case wr := <-qp.sendCh:
					qp.flush(wr)
				default:
					return
				}
			}
		}
	}
}

func (qp *QueuePair) execute(wr *SendWR) {
	if qp.failed.Load() {
		qp.flush(wr)
		return
	}
	switch wr.Opcode {
	case OpSend:
		if err := qp.conn.WriteFrame(wire.Frame{Op: wire.OpSend}, wr.Buffer); err != nil {
			qp.flush(wr)
			qp.fail(err)
			return
		}
		qp.complete(wr, StatusSuccess, uint32(len(wr.Buffer)))

	case OpRDMAWrite:
		id := qp.reqSeq.Add(1)
		ch := qp.register(id)
		f := wire.Frame{Op: wire.OpWrite, ReqID: id, Addr: wr.RemoteAddr, Key: wr.RemoteKey}
		if err := qp.conn.WriteFrame(f, wr.Local); err != nil {
			qp.resolvePending(id, wireReply{})
			qp.flush(wr)
			qp.fail(err)
			return
		}
		rep, ok := <-ch
		if !ok {
			qp.flush(wr)
			return
		}
		if rep.status != wire.StatusOK {
			qp.complete(wr, StatusRemoteAccess, 0)
			qp.fail(ErrAccessViolation)
			return
		}
		qp.complete(wr, StatusSuccess, uint32(len(wr.Local)))

	case OpRDMARead:
		id := qp.reqSeq.Add(1)
		ch := qp.register(id)
		f := wire.Frame{Op: wire.OpReadReq, ReqID: id, Addr: wr.RemoteAddr, Key: wr.RemoteKey, Length: uint32(len(wr.Local))}
		if err := qp.conn.WriteFrame(f, nil); err != nil {
			qp.resolvePending(id, wireReply{})
			qp.flush(wr)
			qp.fail(err)
			return
		}
		rep, ok := <-ch
		if !ok {
			qp.flush(wr)
			return
		}
		if rep.status != wire.StatusOK {
			qp.complete(wr, StatusRemoteAccess, 0)
			qp.fail(ErrAccessViolation)
			return
		}
		n := copy(wr.Local, rep.payload)
		qp.complete(wr, StatusSuccess, uint32(n))

	case OpLocalInv:
		qp.pd.invalidate(wr.InvalidateKey)
		qp.complete(wr, StatusSuccess, 0)

	case OpRegMR:
		if err := qp.pd.rebind(wr.Region, wr.RegBuffer, wr.RegAddr, wr.RegKey, wr.RegAccess); err != nil {
			qp.flush(wr)
			qp.fail(err)
			return
		}
		qp.complete(wr, StatusSuccess, uint32(len(wr.RegBuffer)))

	default:
		qp.flush(wr)
		qp.fail(fmt.Errorf("fabric: bad send opcode %d", wr.Opcode))
	}
}

func (qp *QueuePair) recvLoop() {
	for {
		f, payload, err := qp.conn.ReadFrame()
		if err != nil {
			if wire.ErrClosed(err) {
				qp.fail(ErrConnClosed)
			} else {
				qp.fail(err)
			}
			return
		}
		switch f.Op {
		case wire.OpSend:
			var wr *RecvWR
			select {
			case wr = <-qp.recvCh:
			default:
				qp.fail(fmt.Errorf("fabric: inbound send with no posted receive"))
				return
			}
			n := copy(wr.Buffer, payload)
			qp.cq.push(WorkCompletion{WRID: wr.WRID, Opcode: OpRecv, Status: StatusSuccess, ByteLen: uint32(n)})

		case wire.OpReadReq:
			src, rerr := qp.pd.resolve(f.Addr, f.Key, f.Length, AccessRemoteRead)
			resp := wire.Frame{Op: wire.OpReadResp, ReqID: f.ReqID}
			if rerr != nil {
				resp.Status = wire.StatusAccessErr
				_ = qp.conn.WriteFrame(resp, nil)
				qp.fail(ErrAccessViolation)
				return
			}
			if werr := qp.conn.WriteFrame(resp, src); werr != nil {
				qp.fail(werr)
				return
			}

		case wire.OpWrite:
			dst, rerr := qp.pd.resolve(f.Addr, f.Key, uint32(len(payload)), AccessRemoteWrite)
			resp := wire.Frame{Op: wire.OpWriteAck, ReqID: f.ReqID}
			if rerr != nil {
				resp.Status = wire.StatusAccessErr
				_ = qp.conn.WriteFrame(resp, nil)
				qp.fail(ErrAccessViolation)
				return
			}
			copy(dst, payload)
			if werr := qp.conn.WriteFrame(resp, nil); werr != nil {
				qp.fail(werr)
				return
			}

		case wire.OpReadResp, wire.OpWriteAck:
			qp.resolvePending(f.ReqID, wireReply{status: f.Status, payload: payload})

		default:
			qp.fail(fmt.Errorf("fabric: unexpected frame opcode %d", f.Op))
			return
		}
	}
}
