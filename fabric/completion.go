package fabric

import "sync"

// Opcode classifies a work completion.
type Opcode uint8

const (
	// OpSend completes a two-sided send posting.
	OpSend Opcode = iota + 1
	// OpRecv completes a pre-posted receive.
	OpRecv
	// OpRDMARead completes a one-sided read of remote memory.
	OpRDMARead
	// OpRDMAWrite completes a one-sided write of remote memory.
	OpRDMAWrite
	// OpLocalInv completes a local key invalidation.
	OpLocalInv
	// OpRegMR completes a memory registration posting.
	OpRegMR
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpRDMARead:
		return "rdma-read"
	case OpRDMAWrite:
		return "rdma-write"
	case OpLocalInv:
		return "local-inv"
	case OpRegMR:
		return "reg-mr"
	default:
		return "unknown"
	}
}

// Status reports the outcome of a completed work request.
type Status uint8

const (
	// StatusSuccess indicates the work request completed normally.
	StatusSuccess Status = iota
	// StatusFlushed indicates the work request was aborted because the
	// connection failed before it could complete.
	StatusFlushed
	// StatusRemoteAccess indicates the remote side rejected a one-sided
	// operation's key or bounds.
	StatusRemoteAccess
)

// WorkCompletion describes one completed work request.
type WorkCompletion struct {
	WRID    uint64
	Opcode  Opcode
	Status  Status
	ByteLen uint32
	Err     error
}

// CompletionQueue collects work completions from every queue pair bound to
// it and delivers them through a notification callback. The callback runs
// on a single dedicated goroutine, so consumers need no locking for the
// state it drains into.
//
// The queue is disarmed while notifications are pending; consumers drain
// with Poll and re-arm with RequestNotify, looping while RequestNotify
// reports missed events.
type CompletionQueue struct {
	mu      sync.Mutex
	entries []WorkCompletion
	armed   bool
	missed  bool
	closed  bool
	kick    chan struct{}
}

// NewCompletionQueue creates a completion queue and starts its notifier.
// The handler is invoked once per arming whenever completions arrive.
func NewCompletionQueue(handler func()) *CompletionQueue {
	cq := &CompletionQueue{kick: make(chan struct{}, 1)}
	go func() {
		for range cq.kick {
			handler()
		}
	}()
	return cq
}

// push appends a completion and fires the notifier if the queue is armed.
func (cq *CompletionQueue) push(wc WorkCompletion) {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return
	}
	cq.entries = append(cq.entries, wc)
	if cq.armed {
		cq.armed = false
		select {
		case cq.kick <- struct{}{}:
		default:
		}
	} else {
		cq.missed = true
	}
	cq.mu.Unlock()
}

// Poll removes and returns the oldest completion, if any.
func (cq *CompletionQueue) Poll() (WorkCompletion, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if len(cq.entries) == 0 {
		return WorkCompletion{}, false
	}
	wc := cq.entries[0]
	cq.entries = cq.entries[1:]
	return wc, true
}

// RequestNotify re-arms the queue. It returns true when completions arrived
// while the queue was disarmed (or are still pending); the caller must then
// poll again before blocking.
func (cq *CompletionQueue) RequestNotify() bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.closed {
		return false
	}
	if cq.missed || len(cq.entries) > 0 {
		cq.missed = false
		return true
	}
	cq.armed = true
	return false
}

// Close stops the notifier. Pending entries are discarded.
func (cq *CompletionQueue) Close() {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return
	}
	cq.closed = true
	cq.entries = nil
	cq.mu.Unlock()
	close(cq.kick)
}
