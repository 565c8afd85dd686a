package kmsg

import "errors"

var (
	// ErrInvalidPeer indicates a send addressed to the local node.
	ErrInvalidPeer = errors.New("kmsg: message addressed to self")
	// ErrPeerUnreachable indicates the peer's connection is in the error
	// state; every subsequent operation on the peer fails fast.
	ErrPeerUnreachable = errors.New("kmsg: peer unreachable")
	// ErrPoolExhausted indicates a transient resource shortage that
	// persisted past bounded spinning.
	ErrPoolExhausted = errors.New("kmsg: resource pool exhausted")
	// ErrShutdown indicates the node has been shut down.
	ErrShutdown = errors.New("kmsg: node shut down")
)
