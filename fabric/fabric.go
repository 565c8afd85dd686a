// Package fabric provides a reliable-connected, RDMA-capable software
// fabric: protection domains, rebindable memory regions, queue pairs with
// two-sided sends and one-sided read/write, shared completion queues with
// re-armable notification, and an rdma_cm-style connection manager.
//
// The provider transports frames over TCP. One-sided operations are
// serviced by the remote endpoint's receive pipeline directly against its
// registration table, without surfacing anything to the consumer. The
// initiator observes only a work completion, and for writes the completion
// is reported only after the responder has applied the data.
package fabric
