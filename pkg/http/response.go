package http

import (
	"errors"
	"fmt"
)

const (
	segHeader = iota
	segTarget
	segSuffix
	segTail
	segCount
)

// Template holds the fixed parts of every redirect a server sends.
type Template struct {
	status int
	header []byte
	tail   []byte
}

// NewTemplate builds the status line and trailing headers for status (301 or
// 302), announcing server in the Server header.
func NewTemplate(status int, server string) (*Template, error) {
	var line string
	switch status {
	case 301:
		line = "HTTP/1.1 301 Moved Permanently\r\n"
	case 302:
		line = "HTTP/1.1 302 Found\r\n"
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}
	return &Template{
		status: status,
		header: []byte(line + "Location: "),
		tail:   []byte("\r\nServer: " + server + "\r\nConnection: close\r\n\r\n"),
	}, nil
}

func (t *Template) Status() int { return t.status }

// Render returns the whole response for target and suffix in one slice.
func (t *Template) Render(target, suffix []byte) []byte {
	out := make([]byte, 0, len(t.header)+len(target)+len(suffix)+len(t.tail))
	out = append(out, t.header...)
	out = append(out, target...)
	out = append(out, suffix...)
	return append(out, t.tail...)
}

// Response sends one redirect as four segments: header template, target,
// path suffix and tail. Every segment keeps its own sent counter so a short
// write is resumed at the exact byte offset on the next call.
//
// The segments are borrowed. target points into the shared configuration and
// suffix into the connection's receive buffer; both must stay unchanged until
// the response is Done or abandoned.
type Response struct {
	segs [segCount][]byte
	sent [segCount]int
	cur  int
}

// Reset starts a new response.
func (r *Response) Reset(t *Template, target, suffix []byte) {
	r.segs = [segCount][]byte{
		segHeader: t.header,
		segTarget: target,
		segSuffix: suffix,
		segTail:   t.tail,
	}
	r.sent = [segCount]int{}
	r.cur = segHeader
}

// Advance writes as much of the remaining response as s accepts.
func (r *Response) Advance(s Sender) Progress {
	for r.cur < segCount {
		rest := r.segs[r.cur][r.sent[r.cur]:]
		if len(rest) == 0 {
			r.cur++
			continue
		}

		n, err := s.Send(rest, r.cur != segTail)
		if n > len(rest) {
			n = len(rest)
		}
		if n > 0 {
			r.sent[r.cur] += n
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return NeedMore
			}
			return Failed
		}
		if n < len(rest) {
			return NeedMore
		}
	}
	return Done
}

// Sent returns the number of bytes acknowledged by the transport so far.
func (r *Response) Sent() int {
	total := 0
	for _, n := range r.sent {
		total += n
	}
	return total
}

// Len returns the full length of the response.
func (r *Response) Len() int {
	total := 0
	for _, s := range r.segs {
		total += len(s)
	}
	return total
}
