//go:build linux

package transport

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"

	"github.com/luxfi/pipeshard/pipeerr"
)

// parseVSockAddress parses a vsock address of the form "cid:port", e.g. "3:5000".
func parseVSockAddress(addr string) (cid, port uint32, err error) {
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) != 2 {
		return 0, 0, pipeerr.Newf(pipeerr.Config, "transport: malformed vsock address %q, want cid:port", addr)
	}
	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, pipeerr.Wrap(pipeerr.Config, err, "transport: parsing vsock cid")
	}
	p, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, pipeerr.Wrap(pipeerr.Config, err, "transport: parsing vsock port")
	}
	return uint32(c), uint32(p), nil
}

func dialVSock(_ context.Context, addr string) (net.Conn, error) {
	cid, port, err := parseVSockAddress(addr)
	if err != nil {
		return nil, err
	}
	return vsock.Dial(cid, port, nil)
}

func listenVSock(addr string) (net.Listener, error) {
	_, port, err := parseVSockAddress(addr)
	if err != nil {
		return nil, err
	}
	return vsock.Listen(port, nil)
}
