//go:build !cgo

package tcp

import (
	"context"
	"errors"

	"github.com/pagpeter/redirector/pkg/server"
)

// SniffTCP needs libpcap, which is only reachable through cgo.
func SniffTCP(ctx context.Context, device string, port int, srv *server.Server) error {
	return errors.New("tcp: packet capture requires cgo")
}
