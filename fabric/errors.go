package fabric

import "errors"

var (
	// ErrQueueFull indicates the work queue has no room for another posting.
	ErrQueueFull = errors.New("fabric: work queue full")
	// ErrConnClosed indicates the connection behind a queue pair is gone.
	ErrConnClosed = errors.New("fabric: connection closed")
	// ErrAccessViolation indicates a one-sided operation referenced an
	// unknown key or a range outside the registered region.
	ErrAccessViolation = errors.New("fabric: remote access violation")
	// ErrKeyInUse indicates a registration key collision within the domain.
	ErrKeyInUse = errors.New("fabric: registration key in use")
	// ErrNotEstablished indicates the queue pair has no live connection.
	ErrNotEstablished = errors.New("fabric: connection not established")
)

// ErrInvalidHandle reports use of a nil or closed fabric object.
type ErrInvalidHandle struct {
	What string
}

func (e ErrInvalidHandle) Error() string {
	return "fabric: invalid " + e.What + " handle"
}
