//go:build !linux

package tcp

import "errors"

const Backlog = 1000

var errUnsupported = errors.New("tcp: raw listener requires linux")

func Listen(host string, port int) (int, error) { return -1, errUnsupported }

func Port(fd int) (int, error) { return 0, errUnsupported }

func Close(fd int) error { return errUnsupported }
