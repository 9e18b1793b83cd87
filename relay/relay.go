// Package relay implements the host-side byte proxy that bridges two
// adjacent stages' data channels when the deployment topology doesn't let
// them connect directly (spec §4.4). A Relay never parses the bytes it
// moves — secure-channel state lives end to end between the stages, not
// in the relay.
package relay

import (
	"context"
	"io"
	"time"
)

// DefaultBufSize is the size of the bounded copy buffer used for each
// direction. Backpressure from a slow consumer propagates naturally to the
// producer because io.CopyBuffer blocks on Write.
const DefaultBufSize = 32 * 1024

// DefaultGracePeriod is how long a Relay waits for the second direction to
// finish, once the first direction has failed, before giving up on it.
const DefaultGracePeriod = 5 * time.Second

// halfCloser is implemented by connections (e.g. *net.TCPConn) that support
// shutting down one direction without closing the whole socket.
type halfCloser interface {
	CloseWrite() error
}

type halfReadCloser interface {
	CloseRead() error
}

// Stream is the minimal capability a Relay needs from each side: ordinary
// read/write/close, plus opportunistic half-close if the concrete type
// supports it.
type Stream = io.ReadWriteCloser

// Relay bidirectionally copies bytes between two streams.
type Relay struct {
	a, b        Stream
	bufSize     int
	gracePeriod time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithBufSize overrides DefaultBufSize.
func WithBufSize(n int) Option {
	return func(r *Relay) { r.bufSize = n }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Relay) { r.gracePeriod = d }
}

// New builds a Relay joining a and b.
func New(a, b Stream, opts ...Option) *Relay {
	r := &Relay{a: a, b: b, bufSize: DefaultBufSize, gracePeriod: DefaultGracePeriod}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run copies bytes in both directions until one direction stops or ctx is
// canceled, then fans out: it half-closes both streams in both directions
// (CloseWrite and CloseRead on each, where the concrete type supports
// them), which also stops the direction that had not stopped yet; it does
// not limit the half-close to the failed direction. It then waits up to
// the grace period for the other direction's copy to return and closes
// both streams.
//
// It returns the first error encountered, or nil on a clean shutdown
// (one side closing its write half, producing io.EOF on the other).
func (r *Relay) Run(ctx context.Context) error {
	done := make(chan error, 2)

	go func() { done <- r.copyDirection(r.a, r.b) }() // a -> b
	go func() { done <- r.copyDirection(r.b, r.a) }() // b -> a

	var first error
	select {
	case first = <-done:
	case <-ctx.Done():
		first = ctx.Err()
	}

	// Fan out: make sure both sides unblock, then wait (bounded) for the
	// other direction so we don't close out from under an in-flight copy.
	r.halfShutdown()

	select {
	case second := <-done:
		if first == nil {
			first = second
		}
	case <-time.After(r.gracePeriod):
	}

	closeErr := r.closeBoth()
	if first == nil || isCleanClose(first) {
		return closeErr
	}
	return first
}

func (r *Relay) copyDirection(src, dst Stream) error {
	buf := make([]byte, r.bufSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}

// halfShutdown best-effort half-closes both ends so that a copy blocked in
// Read or Write unblocks promptly instead of waiting for the full grace
// period.
func (r *Relay) halfShutdown() {
	shutdown(r.a)
	shutdown(r.b)
}

func shutdown(s Stream) {
	if hc, ok := s.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	if hrc, ok := s.(halfReadCloser); ok {
		_ = hrc.CloseRead()
	}
}

func (r *Relay) closeBoth() error {
	var err error
	if e := r.a.Close(); e != nil {
		err = e
	}
	if e := r.b.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func isCleanClose(err error) bool {
	return err == io.EOF || err == nil
}
