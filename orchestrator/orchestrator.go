// Package orchestrator implements the two-phase pipeline coordinator of
// spec §4.5: it establishes control channels, then data channels, then
// dispatches inference requests across the chain while enforcing
// per-operation timeouts and the sticky Tainted state.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/pipeshard/executor"
	"github.com/luxfi/pipeshard/idgen"
	"github.com/luxfi/pipeshard/logging"
	"github.com/luxfi/pipeshard/manifest"
	"github.com/luxfi/pipeshard/metrics"
	"github.com/luxfi/pipeshard/pipeerr"
	"github.com/luxfi/pipeshard/relay"
	"github.com/luxfi/pipeshard/schedule"
	"github.com/luxfi/pipeshard/tensor"
	"github.com/luxfi/pipeshard/transport"
	"github.com/luxfi/pipeshard/wire"
)

// Config wires an Orchestrator's collaborators and per-operation
// timeout defaults (spec §4.5, §5).
type Config struct {
	Manifest *manifest.Manifest
	Verifier executor.Verifier

	ReadyTimeout     time.Duration // default 10s (spec §4.5.1)
	DataReadyTimeout time.Duration // default 10s
	RequestTimeout   time.Duration // default 60s (spec §4.5.3)
	HealthTimeout    time.Duration // default 10s (spec §4.5.4)

	RelayBufSize     int
	RelayGracePeriod time.Duration

	Logger  logging.Logger
	Metrics *metrics.Orchestrator
}

func (c *Config) setDefaults() {
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.DataReadyTimeout == 0 {
		c.DataReadyTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 10 * time.Second
	}
	if c.RelayBufSize == 0 {
		c.RelayBufSize = relay.DefaultBufSize
	}
	if c.RelayGracePeriod == 0 {
		c.RelayGracePeriod = relay.DefaultGracePeriod
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// RelayEndpoints names the two endpoints one adjacent-stage relay leg
// bridges: Listen is bound and accepted from (the address stage i's
// data_out dials into), DialTo is dialed (stage i+1's data_in listener).
// Establishing both happens inside EstablishDataChannels, concurrently
// with the per-stage handshake, since the stages only dial/bind their
// own endpoints once they receive the EstablishDataChannels tag that
// call sends.
type RelayEndpoints struct {
	Listen manifest.Endpoint
	DialTo manifest.Endpoint
}

// Orchestrator is one pipeline's coordinator (spec §4.5).
type Orchestrator struct {
	cfg   Config
	state chainStateBox
	ids   *idgen.Generator

	mu              sync.Mutex
	controlChannels []transport.SecureChannel
	dataIn          transport.SecureChannel
	dataOut         transport.SecureChannel
	relayCancel     context.CancelFunc
	relayWG         sync.WaitGroup
	shutdownOnce    sync.Once
}

// New constructs an Orchestrator in the Uninit state.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Manifest == nil {
		return nil, pipeerr.New(pipeerr.Config, "orchestrator: manifest is required")
	}
	cfg.setDefaults()
	gen, err := idgen.NewGenerator()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, ids: gen}, nil
}

// State reports the orchestrator's current chain state.
func (o *Orchestrator) State() ChainState { return o.state.get() }

// deadliner is the subset of net.Conn that SecureChannel implementations
// built on transport.Upgrade expose, used to bound individual reads by
// an operation's remaining deadline without plumbing context through
// every blocking call.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

func applyDeadline(ctx context.Context, ch transport.SecureChannel) {
	d, ok := ctx.Deadline()
	if !ok {
		return
	}
	if dl, ok := ch.(deadliner); ok {
		_ = dl.SetReadDeadline(d)
	}
}

func clearDeadline(ch transport.SecureChannel) {
	if dl, ok := ch.(deadliner); ok {
		_ = dl.SetReadDeadline(time.Time{})
	}
}

// classifyReadErr distinguishes a deadline-exceeded read (spec §7 Timeout)
// from any other transport failure, e.g. the underlying channel closing
// unexpectedly (spec §7 Transport).
func classifyReadErr(err error) pipeerr.Kind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return pipeerr.Timeout
	}
	return pipeerr.Transport
}

// Init performs the control-phase handshake of spec §4.5.1: it upgrades
// each already-connected raw control stream to a SecureChannel via the
// configured Verifier, sends Init, and awaits Ready from every stage
// within ReadyTimeout.
func (o *Orchestrator) Init(ctx context.Context, rawControl []net.Conn) error {
	if o.state.get() != StateUninit {
		return pipeerr.New(pipeerr.InvalidRequest, "orchestrator: init requires Uninit state")
	}
	if err := o.cfg.Manifest.Validate(); err != nil {
		return err
	}
	n := o.cfg.Manifest.N()
	if len(rawControl) != n {
		return pipeerr.Newf(pipeerr.Config, "orchestrator: init got %d control streams, manifest declares %d stages", len(rawControl), n)
	}

	channels := make([]transport.SecureChannel, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			stageCtx, cancel := context.WithTimeout(gctx, o.cfg.ReadyTimeout)
			defer cancel()
			ch, err := o.initStage(stageCtx, i, rawControl[i])
			if err != nil {
				return err
			}
			channels[i] = ch
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, ch := range channels {
			if ch != nil {
				_ = ch.Close()
			}
		}
		for _, c := range rawControl {
			_ = c.Close()
		}
		return err
	}

	o.mu.Lock()
	o.controlChannels = channels
	o.mu.Unlock()
	o.state.set(StateCtrlReady)
	o.cfg.Logger.Info("control phase ready", "stages", n, "phase", "init")
	return nil
}

func (o *Orchestrator) initStage(ctx context.Context, i int, conn net.Conn) (transport.SecureChannel, error) {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}

	blob, err := wire.ReadPreamble(conn)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: reading attestation preamble")
	}

	stageSpec := o.cfg.Manifest.Stages[i]
	identity, err := o.cfg.Verifier.Verify(ctx, blob, stageSpec.ExpectedMeasurements)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Attestation, err, "orchestrator: verifying stage "+stageSpec.Control.Address)
	}
	ch := transport.Upgrade(conn, identity)

	prev, next := o.cfg.Manifest.PeerMeasurements(i)
	initMsg := wire.Init{
		StageSpec:        stageSpec,
		ActivationSpec:   o.cfg.Manifest.ActivationSpec,
		PrevMeasurements: prev,
		NextMeasurements: next,
	}
	payload, err := initMsg.Encode()
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, err, "orchestrator: encoding Init")
	}
	if err := wire.WriteControlFrame(ch, wire.TagInit, payload); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: sending Init")
	}

	tag, respPayload, err := wire.ReadControlFrame(ch)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.Timeout, err, "orchestrator: awaiting Ready")
	}
	if tag == wire.TagStageError {
		se, _ := wire.DecodeStageError(respPayload)
		return nil, pipeerr.StageFailure(se.StageIdx, se.Kind.String(), se.Detail)
	}
	if tag != wire.TagReady {
		return nil, pipeerr.Newf(pipeerr.InvalidMessage, "orchestrator: expected Ready from stage %d, got tag %#x", i, tag)
	}
	ready, err := wire.DecodeReady(respPayload)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.InvalidMessage, err, "orchestrator: decoding Ready")
	}
	if ready.StageIdx != uint32(i) {
		return nil, pipeerr.Newf(pipeerr.InvalidMessage, "orchestrator: Ready names stage_idx %d, expected %d", ready.StageIdx, i)
	}

	_ = conn.SetDeadline(time.Time{})
	return ch, nil
}

// EstablishDataChannels performs the data-phase handshake of spec
// §4.5.2: concurrently, it signals every stage to bind/dial its own data
// endpoints, dials/accepts the orchestrator's own data_in/data_out
// endpoints, and brings up a relay leg for every adjacent stage pair —
// all under one deadline, since none of these connections exist until
// the per-stage EstablishDataChannels tag this call sends causes the
// stage to act on it. Interleaved Ping frames are answered iteratively
// while awaiting each stage's DataChannelsUp.
func (o *Orchestrator) EstablishDataChannels(ctx context.Context, dataInEndpoint, dataOutEndpoint manifest.Endpoint, relays []RelayEndpoints) error {
	if o.state.get() != StateCtrlReady {
		return pipeerr.New(pipeerr.InvalidRequest, "orchestrator: establish_data_channels requires CtrlReady state")
	}
	n := o.cfg.Manifest.N()
	if len(relays) != n-1 {
		return pipeerr.Newf(pipeerr.Config, "orchestrator: got %d relay legs, want %d", len(relays), n-1)
	}

	o.mu.Lock()
	channels := o.controlChannels
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.DataReadyTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for i := range channels {
		ch := channels[i]
		g.Go(func() error {
			return o.establishStageDataChannel(gctx, ch)
		})
	}

	var dataIn, dataOut transport.SecureChannel
	g.Go(func() error {
		conn, err := transport.Dial(gctx, dataInEndpoint, transport.DefaultRetryPolicy())
		if err != nil {
			return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: dialing data_in")
		}
		dataIn = transport.Upgrade(conn, channels[0].PeerIdentity())
		return nil
	})
	g.Go(func() error {
		ln, err := transport.Listen(dataOutEndpoint)
		if err != nil {
			return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: listening on data_out")
		}
		defer ln.Close()
		conn, err := ln.Accept(gctx, transport.DefaultRetryPolicy())
		if err != nil {
			return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: accepting data_out")
		}
		dataOut = transport.Upgrade(conn, channels[n-1].PeerIdentity())
		return nil
	})

	relayCtx, relayCancel := context.WithCancel(context.Background())
	for _, leg := range relays {
		leg := leg
		g.Go(func() error {
			return o.bringUpRelayLeg(gctx, relayCtx, leg)
		})
	}

	if err := g.Wait(); err != nil {
		relayCancel()
		if dataIn != nil {
			dataIn.Close()
		}
		if dataOut != nil {
			dataOut.Close()
		}
		return err
	}

	o.mu.Lock()
	o.dataIn = dataIn
	o.dataOut = dataOut
	o.relayCancel = relayCancel
	o.mu.Unlock()
	o.state.set(StateDataReady)
	o.cfg.Logger.Info("data phase ready", "relay_legs", len(relays), "phase", "establish_data_channels")
	return nil
}

// bringUpRelayLeg binds and accepts the upstream stage's connection,
// dials the downstream stage's data_in, and runs the relay for the
// lifetime of relayCtx once both legs are up.
func (o *Orchestrator) bringUpRelayLeg(establishCtx, relayCtx context.Context, leg RelayEndpoints) error {
	ln, err := transport.Listen(leg.Listen)
	if err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: listening on relay leg")
	}
	defer ln.Close()

	fromOutCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(establishCtx, transport.DefaultRetryPolicy())
		if err != nil {
			acceptErrCh <- err
			return
		}
		fromOutCh <- conn
	}()

	toIn, err := transport.Dial(establishCtx, leg.DialTo, transport.DefaultRetryPolicy())
	if err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: dialing relay leg downstream")
	}

	var fromOut net.Conn
	select {
	case fromOut = <-fromOutCh:
	case err := <-acceptErrCh:
		toIn.Close()
		return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: accepting relay leg upstream")
	}

	rl := relay.New(fromOut, toIn, relay.WithBufSize(o.cfg.RelayBufSize), relay.WithGracePeriod(o.cfg.RelayGracePeriod))
	o.relayWG.Add(1)
	go func() {
		defer o.relayWG.Done()
		_ = rl.Run(relayCtx)
	}()
	return nil
}

// establishStageDataChannel sends EstablishDataChannels to one stage and
// loops reading control frames until DataChannelsUp arrives, answering
// any Ping frames in place. This loop — not recursion — is what keeps
// stack depth bounded under arbitrarily many interleaved Pings (spec §9).
func (o *Orchestrator) establishStageDataChannel(ctx context.Context, ch transport.SecureChannel) error {
	if err := wire.WriteControlFrame(ch, wire.TagEstablishDataChannels, nil); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: sending EstablishDataChannels")
	}
	applyDeadline(ctx, ch)
	defer clearDeadline(ch)

	for {
		tag, payload, err := wire.ReadControlFrame(ch)
		if err != nil {
			return pipeerr.Wrap(pipeerr.Timeout, err, "orchestrator: awaiting DataChannelsUp")
		}
		switch tag {
		case wire.TagPing:
			if err := wire.WriteControlFrame(ch, wire.TagPing, payload); err != nil {
				return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: replying to Ping")
			}
		case wire.TagDataChannelsUp:
			return nil
		case wire.TagStageError:
			se, _ := wire.DecodeStageError(payload)
			return pipeerr.StageFailure(se.StageIdx, se.Kind.String(), se.Detail)
		default:
			return pipeerr.Newf(pipeerr.InvalidMessage, "orchestrator: unexpected tag %#x awaiting DataChannelsUp", tag)
		}
	}
}

// Infer runs one inference request end to end (spec §4.5.3).
func (o *Orchestrator) Infer(ctx context.Context, microBatches []tensor.Tensor, seqLen uint32) ([]tensor.Tensor, error) {
	state := o.state.get()
	if state == StateTainted {
		return nil, pipeerr.Tainted
	}
	if state != StateDataReady && state != StateRunning {
		return nil, pipeerr.New(pipeerr.InvalidRequest, "orchestrator: infer requires DataReady or Running state")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveRequests.Inc()
		defer o.cfg.Metrics.ActiveRequests.Dec()
		start := time.Now()
		defer func() { o.cfg.Metrics.InferDuration.Observe(time.Since(start).Seconds()) }()
	}

	out, err := o.doInfer(ctx, microBatches, seqLen)
	if err != nil {
		o.state.taint()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TaintEventsTotal.Inc()
			if kind, ok := pipeerr.KindOf(err); ok {
				o.cfg.Metrics.RequestErrors.WithLabelValues(kind.String()).Inc()
			}
		}
		o.cfg.Logger.Error("request failed, pipeline tainted", "error", err, "phase", "infer")
		return nil, err
	}
	o.state.set(StateRunning)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RequestsTotal.WithLabelValues("ok").Inc()
	}
	return out, nil
}

func (o *Orchestrator) doInfer(ctx context.Context, microBatches []tensor.Tensor, seqLen uint32) ([]tensor.Tensor, error) {
	n := o.cfg.Manifest.N()
	m := uint64(len(microBatches))
	sched, err := schedule.Generate(uint32(n), m)
	if err != nil {
		return nil, err
	}

	requestID := o.ids.Next()
	o.cfg.Logger.Info("request started", "request_id", requestID, "micro_batches", m, "phase", "infer")

	o.mu.Lock()
	channels := o.controlChannels
	dataIn := o.dataIn
	dataOut := o.dataOut
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := range channels {
		ch := channels[i]
		g.Go(func() error {
			req := wire.StartRequest{RequestID: requestID, MicroBatchCount: uint32(m), SeqLen: seqLen, Schedule: sched}
			payload, err := req.Encode()
			if err != nil {
				return pipeerr.Wrap(pipeerr.Config, err, "orchestrator: encoding StartRequest")
			}
			if err := wire.WriteControlFrame(ch, wire.TagStartRequest, payload); err != nil {
				return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: sending StartRequest")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The per-stage control response (RequestComplete or StageError) is
	// drained concurrently with the data-channel read below, not after
	// it: a failing stage writes StageError on its control channel
	// unconditionally, and that write would block forever on an
	// unbuffered transport if nothing read it whenever the data path
	// notices the failure first and returns early.
	completeGroup, completeCtx := errgroup.WithContext(ctx)
	for i := range channels {
		ch := channels[i]
		completeGroup.Go(func() error {
			return o.awaitStageResponse(completeCtx, ch, requestID)
		})
	}

	writeErrCh := make(chan error, 1)
	go func() {
		for _, mb := range microBatches {
			if err := wire.WriteTensorFrame(dataIn, mb); err != nil {
				writeErrCh <- pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: writing input tensor")
				return
			}
		}
		writeErrCh <- nil
	}()

	applyDeadline(gctx, dataOut)
	outputs := make([]tensor.Tensor, 0, m)
	var dataErr error
	for i := uint64(0); i < m; i++ {
		out, err := wire.ReadTensorFrame(dataOut)
		if err != nil {
			dataErr = pipeerr.Wrap(classifyReadErr(err), err, "orchestrator: reading output tensor")
			break
		}
		if out.IsErrorSentinel() {
			stageIdx, kind, detail, _ := out.ErrorSentinelInfo()
			dataErr = pipeerr.StageFailure(stageIdx, kind.String(), detail)
			break
		}
		outputs = append(outputs, out)
	}
	clearDeadline(dataOut)

	completeErr := completeGroup.Wait()
	writeErr := <-writeErrCh

	if dataErr != nil {
		return nil, dataErr
	}
	if writeErr != nil {
		return nil, writeErr
	}
	if completeErr != nil {
		return nil, completeErr
	}
	o.cfg.Logger.Info("request complete", "request_id", requestID, "phase", "infer")
	return outputs, nil
}

// awaitStageResponse reads control frames from one stage until it sees
// RequestComplete (success) or StageError (failure) for requestID.
func (o *Orchestrator) awaitStageResponse(ctx context.Context, ch transport.SecureChannel, requestID uint64) error {
	applyDeadline(ctx, ch)
	defer clearDeadline(ch)
	for {
		tag, payload, err := wire.ReadControlFrame(ch)
		if err != nil {
			return pipeerr.Wrap(pipeerr.Timeout, err, "orchestrator: awaiting RequestComplete")
		}
		switch tag {
		case wire.TagRequestComplete:
			rc, err := wire.DecodeRequestComplete(payload)
			if err != nil {
				return pipeerr.Wrap(pipeerr.InvalidMessage, err, "orchestrator: decoding RequestComplete")
			}
			if rc.RequestID != requestID {
				return pipeerr.Newf(pipeerr.InvalidMessage, "orchestrator: RequestComplete for id %d, awaited %d", rc.RequestID, requestID)
			}
			return nil
		case wire.TagStageError:
			se, _ := wire.DecodeStageError(payload)
			return pipeerr.StageFailure(se.StageIdx, se.Kind.String(), se.Detail)
		default:
			return pipeerr.Newf(pipeerr.InvalidMessage, "orchestrator: unexpected tag %#x awaiting RequestComplete", tag)
		}
	}
}

// HealthCheck sends HealthCheck to every stage and awaits a matching
// HealthAck within HealthTimeout (spec §4.5.4). Any timeout or nonce
// mismatch taints the pipeline.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	if o.state.get() == StateTainted {
		return pipeerr.Tainted
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	nonce := o.ids.Next()

	o.mu.Lock()
	channels := o.controlChannels
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := range channels {
		ch := channels[i]
		g.Go(func() error {
			hc := wire.HealthCheck{Nonce: nonce}
			payload, err := hc.Encode()
			if err != nil {
				return pipeerr.Wrap(pipeerr.Config, err, "orchestrator: encoding HealthCheck")
			}
			if err := wire.WriteControlFrame(ch, wire.TagHealthCheck, payload); err != nil {
				return pipeerr.Wrap(pipeerr.Transport, err, "orchestrator: sending HealthCheck")
			}
			applyDeadline(gctx, ch)
			defer clearDeadline(ch)
			tag, respPayload, err := wire.ReadControlFrame(ch)
			if err != nil {
				return pipeerr.TimeoutIn("health_check")
			}
			if tag != wire.TagHealthAck {
				return pipeerr.Newf(pipeerr.InvalidMessage, "orchestrator: expected HealthAck, got tag %#x", tag)
			}
			ack, err := wire.DecodeHealthAck(respPayload)
			if err != nil {
				return pipeerr.Wrap(pipeerr.InvalidMessage, err, "orchestrator: decoding HealthAck")
			}
			if ack.Nonce != nonce || ack.Status != 0 {
				return pipeerr.Newf(pipeerr.StageFailed, "orchestrator: unhealthy HealthAck nonce=%d status=%d", ack.Nonce, ack.Status)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.state.taint()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.HealthCheckErrors.Inc()
			o.cfg.Metrics.TaintEventsTotal.Inc()
		}
		o.cfg.Logger.Error("health check failed, pipeline tainted", "error", err, "phase", "health_check")
		return err
	}
	return nil
}

// Shutdown sends Shutdown to every stage, closes all channels, and
// joins the relay mesh within a bounded grace period. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var col pipeerr.Collector
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		channels := o.controlChannels
		dataIn := o.dataIn
		dataOut := o.dataOut
		relayCancel := o.relayCancel
		o.mu.Unlock()

		for _, ch := range channels {
			if ch == nil {
				continue
			}
			_ = wire.WriteControlFrame(ch, wire.TagShutdown, nil)
			col.Add(ch.Close())
		}
		if dataIn != nil {
			col.Add(dataIn.Close())
		}
		if dataOut != nil {
			col.Add(dataOut.Close())
		}
		if relayCancel != nil {
			relayCancel()
		}

		done := make(chan struct{})
		go func() {
			o.relayWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(o.cfg.RelayGracePeriod + time.Second):
		}

		o.state.terminate()
		o.cfg.Logger.Info("shutdown complete", "phase", "shutdown")
	})
	return col.Err()
}
