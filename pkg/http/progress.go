// Package http holds the incremental pieces of the redirect protocol: a
// request line scanner that works on a fixed buffer and a response writer
// that resumes at the exact byte a previous short write stopped at.
//
// Nothing in this package touches sockets directly. Transports are reached
// through the Receiver and Sender interfaces so the same code runs against
// an epoll driven descriptor and against in-memory fakes.
package http

import "errors"

// Progress is the outcome of one step of the parser or the response writer.
type Progress uint8

const (
	// NeedMore means the step stopped because the transport would block.
	NeedMore Progress = iota
	// Done means the step reached its terminal state.
	Done
	// Failed means the transport reported a hard error.
	Failed
)

func (p Progress) String() string {
	switch p {
	case NeedMore:
		return "NeedMore"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return "Progress(?)"
}

var (
	// ErrWouldBlock is returned by a Receiver or Sender when the operation
	// cannot make progress without blocking.
	ErrWouldBlock = errors.New("http: operation would block")

	// ErrInvalidStatus is returned for a redirect status other than 301 or 302.
	ErrInvalidStatus = errors.New("http: redirect status must be 301 or 302")
)

// Receiver reads bytes from the peer without blocking.
// An orderly close is reported as (0, io.EOF).
type Receiver interface {
	Receive(p []byte) (int, error)
}

// Sender writes bytes to the peer without blocking. more hints that further
// bytes follow immediately, so the transport may hold the segment back.
type Sender interface {
	Send(p []byte, more bool) (int, error)
}
