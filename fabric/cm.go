package fabric

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/kmesh-go/internal/wire"
)

// EventType enumerates connection-manager events.
type EventType uint8

const (
	// EventAddrResolved reports a completed address resolution.
	EventAddrResolved EventType = iota + 1
	// EventRouteResolved reports a completed route resolution.
	EventRouteResolved
	// EventConnectRequest reports an inbound connection on a listener.
	EventConnectRequest
	// EventEstablished reports a fully established connection.
	EventEstablished
	// EventDisconnected reports an orderly remote close.
	EventDisconnected
	// EventError reports a connection fault.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventAddrResolved:
		return "addr-resolved"
	case EventRouteResolved:
		return "route-resolved"
	case EventConnectRequest:
		return "connect-request"
	case EventEstablished:
		return "established"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to the single registered handler for an identifier or
// listener. The handler receives only the opaque token supplied at creation
// so that the fabric layer never holds references into consumer state.
type Event struct {
	Type  EventType
	Token uint64
	// ID carries the server-side identifier of an inbound connection for
	// EventConnectRequest.
	ID  *Identifier
	Err error
}

// EventHandler consumes connection events. Handlers run on fabric-owned
// goroutines and must not block for long.
type EventHandler func(Event)

// ConnParams carries the reliable-connection negotiation parameters and
// the connector's identity, delivered to the acceptor as private data.
type ConnParams struct {
	ResponderResources uint8
	InitiatorDepth     uint8
	RetryCount         uint8
	Identity           uint8
}

// Identifier tracks one connection through resolution, connect/accept, and
// teardown. It is the rdma_cm_id analog of the software fabric.
type Identifier struct {
	token    uint64
	handler  EventHandler
	raddr    *net.TCPAddr
	qp       *QueuePair
	conn     *wire.Conn
	remoteID int
	closed   atomic.Bool
}

// NewIdentifier creates an identifier delivering events tagged with token
// to handler.
func NewIdentifier(token uint64, handler EventHandler) *Identifier {
	return &Identifier{token: token, handler: handler}
}

// Token returns the opaque token the identifier was created with.
func (id *Identifier) Token() uint64 {
	return id.token
}

// RemoteIdentity returns the identity the remote side announced in its
// connect private data. Valid on identifiers delivered through
// EventConnectRequest.
func (id *Identifier) RemoteIdentity() int {
	return id.remoteID
}

// SetToken retags the identifier. Consumers call it when a connect request
// has been demultiplexed so later events carry the assigned token.
func (id *Identifier) SetToken(token uint64) {
	id.token = token
}

func (id *Identifier) emit(t EventType, err error) {
	id.handler(Event{Type: t, Token: id.token, Err: err})
}

// ResolveAddr resolves the destination address asynchronously, reporting
// EventAddrResolved or EventError.
func (id *Identifier) ResolveAddr(host string, port int) {
	go func() {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			id.emit(EventError, fmt.Errorf("fabric: resolve %s: %w", host, err))
			return
		}
		id.raddr = addr
		id.emit(EventAddrResolved, nil)
	}()
}

// ResolveRoute resolves the path to the previously resolved address,
// reporting EventRouteResolved. The software fabric has no routing tables;
// the stage exists so consumers can drive the full state machine.
func (id *Identifier) ResolveRoute() {
	go func() {
		if id.raddr == nil {
			id.emit(EventError, fmt.Errorf("fabric: route resolution before address resolution"))
			return
		}
		id.emit(EventRouteResolved, nil)
	}()
}

// CreateQueuePair allocates the identifier's queue pair under pd, delivering
// completions to cq. Must be called before Connect or Accept.
func (id *Identifier) CreateQueuePair(pd *ProtectionDomain, cq *CompletionQueue, sendDepth, recvDepth int) (*QueuePair, error) {
	qp, err := NewQueuePair(pd, cq, sendDepth, recvDepth)
	if err != nil {
		return nil, err
	}
	qp.onError = func(qerr error) {
		if id.closed.Load() {
			return
		}
		id.emit(EventError, qerr)
	}
	id.qp = qp
	return qp, nil
}

// QueuePair returns the identifier's queue pair, if created.
func (id *Identifier) QueuePair() *QueuePair {
	return id.qp
}

// Connect dials the resolved address and completes the handshake
// asynchronously, reporting EventEstablished or EventError.
func (id *Identifier) Connect(params ConnParams) error {
	if id.qp == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if id.raddr == nil {
		return fmt.Errorf("fabric: connect before address resolution")
	}
	go func() {
		attempts := int(params.RetryCount) + 1
		var raw net.Conn
		var err error
		for i := 0; i < attempts; i++ {
			raw, err = net.DialTimeout("tcp", id.raddr.String(), 5*time.Second)
			if err == nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if err != nil {
			id.emit(EventError, fmt.Errorf("fabric: connect %s: %w", id.raddr, err))
			return
		}
		conn := wire.NewConn(raw)
		wp := wire.ConnParams{
			ResponderResources: params.ResponderResources,
			InitiatorDepth:     params.InitiatorDepth,
			RetryCount:         params.RetryCount,
			Identity:           params.Identity,
		}
		if err := conn.WriteFrame(wire.Frame{Op: wire.OpConnect}, wp.Encode()); err != nil {
			_ = conn.Close()
			id.emit(EventError, err)
			return
		}
		f, payload, err := conn.ReadFrame()
		if err != nil {
			_ = conn.Close()
			id.emit(EventError, err)
			return
		}
		if f.Op != wire.OpAccept {
			_ = conn.Close()
			id.emit(EventError, fmt.Errorf("fabric: unexpected handshake opcode %d", f.Op))
			return
		}
		if _, err := wire.DecodeConnParams(payload); err != nil {
			_ = conn.Close()
			id.emit(EventError, err)
			return
		}
		id.conn = conn
		id.qp.start(conn)
		id.emit(EventEstablished, nil)
	}()
	return nil
}

// Accept completes the handshake of an inbound connection delivered through
// EventConnectRequest. The Established event is reported on the listener's
// handler; accepted identifiers inherit it.
func (id *Identifier) Accept(params ConnParams) error {
	if id.qp == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if id.conn == nil {
		return ErrNotEstablished
	}
	wp := wire.ConnParams{
		ResponderResources: params.ResponderResources,
		InitiatorDepth:     params.InitiatorDepth,
		RetryCount:         params.RetryCount,
		Identity:           params.Identity,
	}
	if err := id.conn.WriteFrame(wire.Frame{Op: wire.OpAccept}, wp.Encode()); err != nil {
		return err
	}
	id.qp.start(id.conn)
	id.emit(EventEstablished, nil)
	return nil
}

// Close tears the identifier and its queue pair down.
func (id *Identifier) Close() error {
	if id == nil || !id.closed.CompareAndSwap(false, true) {
		return nil
	}
	if id.qp != nil {
		_ = id.qp.Close()
	} else if id.conn != nil {
		_ = id.conn.Close()
	}
	return nil
}

// Listener accepts inbound fabric connections on a TCP port. Each inbound
// handshake surfaces as EventConnectRequest carrying a server-side
// identifier; the consumer attaches a queue pair and calls Accept.
type Listener struct {
	ln      net.Listener
	token   uint64
	handler EventHandler
	closed  atomic.Bool
}

// Listen binds the listener. The backlog parameter is advisory; the host
// network stack governs the actual queue depth.
func Listen(bind string, port, backlog int, token uint64, handler EventHandler) (*Listener, error) {
	if handler == nil {
		return nil, fmt.Errorf("fabric: listener requires an event handler")
	}
	_ = backlog
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("fabric: listen port %d: %w", port, err)
	}
	l := &Listener{ln: ln, token: token, handler: handler}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if !l.closed.Load() {
				l.handler(Event{Type: EventError, Token: l.token, Err: err})
			}
			return
		}
		go l.handshake(raw)
	}
}

func (l *Listener) handshake(raw net.Conn) {
	conn := wire.NewConn(raw)
	f, payload, err := conn.ReadFrame()
	if err != nil || f.Op != wire.OpConnect {
		_ = conn.Close()
		return
	}
	cp, err := wire.DecodeConnParams(payload)
	if err != nil {
		_ = conn.Close()
		return
	}
	child := &Identifier{token: l.token, handler: l.handler, conn: conn, remoteID: int(cp.Identity)}
	l.handler(Event{Type: EventConnectRequest, Token: l.token, ID: child})
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error {
	if l == nil || !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
