package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pipeshard/executor/executortest"
	"github.com/luxfi/pipeshard/manifest"
)

func TestDefaultRetryPolicy_MatchesSpecDefaults(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 100*time.Millisecond, p.BaseDelay)
	require.Equal(t, 2.0, p.Multiplier)
	require.Equal(t, 0.1, p.Jitter)
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, 10*time.Second, p.MaxTotalDelay)
}

func TestListenDialAccept_TCP(t *testing.T) {
	ln, err := Listen(manifest.Endpoint{Kind: manifest.TransportTCP, Address: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	var serverConn net.Conn
	go func() {
		c, err := ln.Accept(ctx, DefaultRetryPolicy())
		serverConn = c
		serverErrCh <- err
	}()

	clientConn, err := Dial(ctx, manifest.Endpoint{Kind: manifest.TransportTCP, Address: addr}, DefaultRetryPolicy())
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, <-serverErrCh)
	defer serverConn.Close()

	msg := []byte("hello")
	_, err = clientConn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = serverConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

func TestDial_RejectsUnknownEndpointKind(t *testing.T) {
	_, err := Dial(context.Background(), manifest.Endpoint{Kind: "carrier-pigeon", Address: "x"}, RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1, MaxTotalDelay: time.Second})
	require.Error(t, err)
}

func TestInprocPair_TransfersBothDirections(t *testing.T) {
	a, b := InprocPair()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		_, err := b.Read(buf)
		require.NoError(t, err)
		require.Equal(t, []byte("ping!"), buf)
		_, err = b.Write([]byte("pong!"))
		require.NoError(t, err)
	}()

	_, err := a.Write([]byte("ping!"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = a.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("pong!"), buf)
	<-done
}

func TestUpgrade_ExposesPeerIdentity(t *testing.T) {
	a, b := InprocPair()
	defer a.Close()
	defer b.Close()

	id := executortest.NewPeerIdentity([]byte{0xAB, 0xCD})
	ch := Upgrade(a, id)
	require.Equal(t, id, ch.PeerIdentity())
}
