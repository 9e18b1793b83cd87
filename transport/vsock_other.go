//go:build !linux

package transport

import (
	"context"
	"net"

	"github.com/luxfi/pipeshard/pipeerr"
)

func dialVSock(_ context.Context, addr string) (net.Conn, error) {
	return nil, pipeerr.New(pipeerr.Config, "transport: vsock is only supported on linux")
}

func listenVSock(addr string) (net.Listener, error) {
	return nil, pipeerr.New(pipeerr.Config, "transport: vsock is only supported on linux")
}
