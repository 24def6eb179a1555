package http

import (
	"errors"
	"io"
)

const (
	// MaxMethod is the longest method accepted before the request line is
	// given up on.
	MaxMethod = 10
	// MaxPath is the longest request target accepted.
	MaxPath = 8000
	// BufferSize is the fixed per-connection receive buffer. It must exceed
	// MaxMethod + MaxPath plus the two separating spaces.
	BufferSize = 8192
)

type lineState uint8

const (
	awaitingMethodEnd lineState = iota
	awaitingPathEnd
	lineDone
	lineFailed
)

// span is a half-open window [start, end) into the receive buffer.
type span struct {
	start, end int
}

func newSpan(start, end, limit int) span {
	if start < 0 || end < start || end > limit {
		panic("http: span out of range")
	}
	return span{start: start, end: end}
}

func (s span) empty() bool { return s.end == s.start }

// RequestLine scans method and path out of a request that may arrive in any
// number of fragments. It never grows its buffer; whatever cannot be
// delimited within the limits ends the scan with an empty path.
//
// Malformed input is not an error. Any CR or LF before the path is
// delimited, an oversized method or path, a path not starting with '/', or
// a full buffer all complete the scan with Path() == nil. Failed is reserved
// for transport errors and for a peer that closes without sending anything.
type RequestLine struct {
	buf   [BufferSize]byte
	end   int
	pos   int
	state lineState

	method    span
	pathStart int
	path      span
	hasPath   bool
}

// Reset prepares r for a new connection.
func (r *RequestLine) Reset() {
	r.end = 0
	r.pos = 0
	r.state = awaitingMethodEnd
	r.method = span{}
	r.pathStart = 0
	r.path = span{}
	r.hasPath = false
}

// Feed appends chunk to the buffer and scans it. Bytes beyond the buffer
// capacity are ignored.
func (r *RequestLine) Feed(chunk []byte) Progress {
	switch r.state {
	case lineDone:
		return Done
	case lineFailed:
		return Failed
	}
	r.end += copy(r.buf[r.end:], chunk)
	return r.scan()
}

// Read pulls bytes from rc until the line completes, the transport would
// block, or the transport fails.
func (r *RequestLine) Read(rc Receiver) Progress {
	for {
		switch r.state {
		case lineDone:
			return Done
		case lineFailed:
			return Failed
		}

		n, err := rc.Receive(r.buf[r.end:])
		if n > 0 {
			r.end += n
			if p := r.scan(); p != NeedMore {
				return p
			}
		}

		switch {
		case err == nil:
			if n == 0 {
				return r.eof()
			}
		case errors.Is(err, ErrWouldBlock):
			return NeedMore
		case errors.Is(err, io.EOF):
			return r.eof()
		default:
			r.state = lineFailed
			return Failed
		}
	}
}

// eof handles an orderly close by the peer. Nothing received is a hard stop,
// anything received is answered with whatever was delimited.
func (r *RequestLine) eof() Progress {
	if r.end == 0 {
		r.state = lineFailed
		return Failed
	}
	return r.finish()
}

func (r *RequestLine) scan() Progress {
	for r.pos < r.end {
		c := r.buf[r.pos]
		if c == '\r' || c == '\n' {
			return r.finish()
		}

		switch r.state {
		case awaitingMethodEnd:
			if c == ' ' {
				r.method = newSpan(0, r.pos, r.end)
				r.pathStart = r.pos + 1
				r.state = awaitingPathEnd
			} else if r.pos+1 > MaxMethod {
				return r.finish()
			}
		case awaitingPathEnd:
			if c == ' ' {
				r.path = newSpan(r.pathStart, r.pos, r.end)
				r.hasPath = true
				r.pos++
				return r.finish()
			}
			if r.pos-r.pathStart+1 > MaxPath {
				return r.finish()
			}
		}
		r.pos++
	}

	if r.end == len(r.buf) {
		return r.finish()
	}
	return NeedMore
}

func (r *RequestLine) finish() Progress {
	if !r.hasPath || r.path.empty() || r.buf[r.path.start] != '/' {
		r.hasPath = false
		r.path = span{}
	}
	r.state = lineDone
	return Done
}

// Done reports whether the scan has completed.
func (r *RequestLine) Done() bool { return r.state == lineDone }

// Method returns the method bytes, valid until Reset. It is nil when the
// method was never delimited.
func (r *RequestLine) Method() []byte {
	if r.method.empty() {
		return nil
	}
	return r.buf[r.method.start:r.method.end:r.method.end]
}

// Path returns the usable request path, valid until Reset. It is nil when
// the request had no usable path.
func (r *RequestLine) Path() []byte {
	if !r.hasPath {
		return nil
	}
	return r.buf[r.path.start:r.path.end:r.path.end]
}

// Buffered returns the number of bytes received so far.
func (r *RequestLine) Buffered() int { return r.end }
