package kmsg

import "sync"

// Handler consumes a delivered message. Handlers run on a per-peer
// dispatch worker, in arrival order; a handler completes before the
// receive item carrying its message is recycled, unless the handler
// retained the message.
type Handler func(*Message)

// handlerTable is the fixed type-to-handler registry. Registration is
// one-shot at initialization.
type handlerTable struct {
	mu       sync.Mutex
	handlers [TypeMax]Handler
}

// register installs fn for typ. Double registration is a fatal bug.
func (t *handlerTable) register(typ MessageType, fn Handler) {
	if typ >= TypeMax {
		bug("handler type %d out of range", typ)
	}
	if fn == nil {
		bug("nil handler for type %d", typ)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[typ] != nil {
		bug("handler for type %d registered twice", typ)
	}
	t.handlers[typ] = fn
}

// lookup returns the handler for typ, or nil.
func (t *handlerTable) lookup(typ MessageType) Handler {
	if typ >= TypeMax {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[typ]
}

// RegisterHandler installs the handler invoked for messages of typ.
// Types below TypeUserBase are reserved for the substrate; registering
// one, or registering any type twice, is a fatal bug.
func (n *Node) RegisterHandler(typ MessageType, fn Handler) {
	if typ < TypeUserBase {
		bug("type %d is reserved", typ)
	}
	n.handlers.register(typ, fn)
}

// Release returns a retained message's buffer to its owner: the receive
// item is recycled when the message arrived from a peer, and dropped for
// the collector when it was forged locally.
func (n *Node) Release(m *Message) {
	if m == nil || !m.retained {
		return
	}
	m.retained = false
	n.finish(m)
}

// finish applies the reclaim policy once a message's consumer is done.
func (n *Node) finish(m *Message) {
	if m.retained {
		return
	}
	if m.item != nil {
		m.peer.recvPool.repost(m.item)
		m.item = nil
		return
	}
	// Locally forged buffer; the collector owns it now.
	m.buf = nil
}
