// Package transport provides the deployment adapter of spec §4.7: it
// binds, accepts, and connects concrete byte streams (TCP, VSock,
// in-process duplex) under bounded retry/backoff, and upgrades them to
// SecureChannels by pairing each with a peer identity the caller has
// already verified (see Upgrade). The attested-channel
// handshake itself (key exchange, AEAD framing) is an external
// collaborator this package never implements (spec §1).
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/luxfi/pipeshard/executor"
	"github.com/luxfi/pipeshard/manifest"
	"github.com/luxfi/pipeshard/pipeerr"
)

// SecureChannel is the opaque, reliable, ordered, authenticated byte
// stream consumed by the stage runtime and orchestrator (spec §6). The
// module never inspects its internals beyond peer_identity().
type SecureChannel interface {
	io.Reader
	io.Writer
	io.Closer
	PeerIdentity() executor.PeerIdentity
}

// RetryPolicy configures the bounded exponential backoff used for
// connect/accept phase errors (spec §4.7). It is never applied to
// post-handshake protocol errors.
type RetryPolicy struct {
	BaseDelay     time.Duration
	Multiplier    float64
	Jitter        float64
	MaxAttempts   int
	MaxTotalDelay time.Duration
}

// DefaultRetryPolicy matches the spec's stated defaults: B=100ms,
// M=2.0, J=0.1, A=5, T=10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     100 * time.Millisecond,
		Multiplier:    2.0,
		Jitter:        0.1,
		MaxAttempts:   5,
		MaxTotalDelay: 10 * time.Second,
	}
}

func (p RetryPolicy) backoffPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = p.MaxTotalDelay
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// Dial connects to the given manifest endpoint, retrying connect-phase
// failures per policy. The returned net.Conn has not yet been upgraded
// to a SecureChannel; callers pass it to Upgrade.
func Dial(ctx context.Context, ep manifest.Endpoint, policy RetryPolicy) (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		var d net.Dialer
		c, err := dialEndpoint(ctx, d, ep)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(dial, backoff.WithContext(policy.backoffPolicy(), ctx))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "transport: dial "+ep.Address)
	}
	return conn, nil
}

func dialEndpoint(ctx context.Context, d net.Dialer, ep manifest.Endpoint) (net.Conn, error) {
	switch ep.Kind {
	case manifest.TransportTCP:
		return d.DialContext(ctx, "tcp", ep.Address)
	case manifest.TransportVSock:
		return dialVSock(ctx, ep.Address)
	case manifest.TransportInproc:
		return nil, pipeerr.New(pipeerr.Config, "transport: inproc endpoints are paired programmatically via InprocPair, not Dial")
	default:
		return nil, pipeerr.Newf(pipeerr.Config, "transport: unknown endpoint kind %q", ep.Kind)
	}
}

// Listener accepts a single inbound connection on an endpoint, retrying
// accept-phase failures per policy. It mirrors the "listener binds,
// accepts one peer" semantics of spec §4.7.
type Listener struct {
	ln net.Listener
}

// Listen binds ep for a single future Accept call.
func Listen(ep manifest.Endpoint) (*Listener, error) {
	ln, err := listenEndpoint(ep)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "transport: listen "+ep.Address)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the one peer this Listener accepts, retrying
// accept-phase errors per policy.
func (l *Listener) Accept(ctx context.Context, policy RetryPolicy) (net.Conn, error) {
	var conn net.Conn
	accept := func() error {
		c, err := l.ln.Accept()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(accept, backoff.WithContext(policy.backoffPolicy(), ctx))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "transport: accept")
	}
	return conn, nil
}

// Close releases the listener's bound socket.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func listenEndpoint(ep manifest.Endpoint) (net.Listener, error) {
	switch ep.Kind {
	case manifest.TransportTCP:
		return net.Listen("tcp", ep.Address)
	case manifest.TransportVSock:
		return listenVSock(ep.Address)
	default:
		return nil, pipeerr.Newf(pipeerr.Config, "transport: unknown listen endpoint kind %q", ep.Kind)
	}
}

// InprocPair returns two ends of an in-memory duplex byte stream, for
// tests and single-process deployments (spec §4.7).
func InprocPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

// attestedChannel wraps a net.Conn with its verified peer identity once
// the attestation handshake (external to this module) has completed.
type attestedChannel struct {
	net.Conn
	identity executor.PeerIdentity
}

func (c *attestedChannel) PeerIdentity() executor.PeerIdentity { return c.identity }

// Upgrade pairs a raw byte stream with an already-verified peer identity
// to produce a SecureChannel. The attestation exchange that produces
// identity is carried out by the caller via an executor.Verifier before
// this call; Upgrade itself performs no cryptographic work.
func Upgrade(conn net.Conn, identity executor.PeerIdentity) SecureChannel {
	return &attestedChannel{Conn: conn, identity: identity}
}
