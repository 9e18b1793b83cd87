package relay

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pairedConns returns four endpoints wired as: left <-pipe-> relayA  and
// relayB <-pipe-> right, with the Relay joining relayA and relayB. Bytes
// written on left should arrive on right and vice versa, with the relay
// never looking at the payload.
func pairedConns() (left, relayA, relayB, right net.Conn) {
	left, relayA = net.Pipe()
	relayB, right = net.Pipe()
	return left, relayA, relayB, right
}

func TestRelay_TransparentProxyBothDirections(t *testing.T) {
	left, relayA, relayB, right := pairedConns()
	r := New(relayA, relayB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	payload := make([]byte, 128*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	recvDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, _ = io.ReadFull(right, buf)
		recvDone <- buf
	}()
	_, err = left.Write(payload)
	require.NoError(t, err)

	select {
	case got := <-recvDone:
		require.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed bytes")
	}

	// exercise the reverse direction too
	reply := []byte("pong-from-right")
	recvReply := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(reply))
		_, _ = io.ReadFull(left, buf)
		recvReply <- buf
	}()
	_, err = right.Write(reply)
	require.NoError(t, err)

	select {
	case got := <-recvReply:
		require.Equal(t, reply, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reverse-direction bytes")
	}

	_ = left.Close()
	_ = right.Close()

	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down after both ends closed")
	}
}

func TestRelay_FailureFanOutClosesBothSides(t *testing.T) {
	_, relayA, relayB, right := pairedConns()
	r := New(relayA, relayB, WithGracePeriod(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	// Close relayB's peer abruptly, which ends the B->A direction while
	// A->B stays blocked on a silent left side; the relay should still
	// unblock and return instead of hanging forever.
	_ = right.Close()

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("relay failed to unblock after one side closed")
	}
}
