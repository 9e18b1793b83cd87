// Package stage implements the stage runtime of spec §4.3: it accepts
// its control channel, negotiates Init/Ready, upgrades its data
// channels, then serves StartRequest cycles by driving a user-supplied
// executor.Executor over its activation chain.
package stage

import (
	"context"
	"time"

	"github.com/luxfi/pipeshard/executor"
	"github.com/luxfi/pipeshard/logging"
	"github.com/luxfi/pipeshard/manifest"
	"github.com/luxfi/pipeshard/metrics"
	"github.com/luxfi/pipeshard/pipeerr"
	"github.com/luxfi/pipeshard/tensor"
	"github.com/luxfi/pipeshard/transport"
	"github.com/luxfi/pipeshard/wire"
)

// AttestationProvider produces this stage's own attestation evidence,
// echoed back to the orchestrator in Ready so it can be cross-checked.
type AttestationProvider func(ctx context.Context) ([]byte, error)

// Config wires a Runtime's collaborators. Control is consumed already
// upgraded to a secure channel (the attested-transport handshake is an
// external collaborator, spec §1); DataIn/DataOut are raw endpoints the
// runtime itself binds/dials and upgrades once EstablishDataChannels
// arrives.
type Config struct {
	StageIdx        uint32
	Executor        executor.Executor
	Provider        AttestationProvider
	DataInEndpoint  manifest.Endpoint
	DataOutEndpoint manifest.Endpoint
	RetryPolicy     transport.RetryPolicy
	Logger          logging.Logger
	Metrics         *metrics.Stage
}

// Runtime is one stage's execution loop.
type Runtime struct {
	cfg   Config
	state stateBox
}

// New constructs a Runtime in the Listening state.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	r := &Runtime{cfg: cfg}
	r.state.set(StateListening)
	return r
}

// State reports the runtime's current lifecycle position.
func (r *Runtime) State() State { return r.state.get() }

// Run drives the stage lifecycle to completion: Init/Ready handshake,
// data-channel establishment, then the serving loop, until Shutdown or
// a fatal error (spec §4.3 steps 1-5; step 1, accepting/upgrading
// control, is the caller's responsibility since it owns the listener).
func (r *Runtime) Run(ctx context.Context, control transport.SecureChannel) error {
	defer control.Close()

	spec, err := r.handshakeInit(ctx, control)
	if err != nil {
		r.state.set(StateClosed)
		return err
	}

	dataIn, dataOut, err := r.establishDataChannels(ctx, control, spec)
	if err != nil {
		r.state.set(StateClosed)
		return err
	}
	defer dataIn.Close()
	defer dataOut.Close()

	r.state.set(StateServing)
	err = r.serve(ctx, control, dataIn, dataOut)
	r.state.set(StateDraining)
	if err != nil {
		r.state.set(StateClosed)
		return err
	}
	r.state.set(StateClosed)
	return nil
}

func (r *Runtime) handshakeInit(ctx context.Context, control transport.SecureChannel) (manifest.StageSpec, error) {
	var preamble []byte
	if r.cfg.Provider != nil {
		p, err := r.cfg.Provider(ctx)
		if err != nil {
			return manifest.StageSpec{}, pipeerr.Wrap(pipeerr.Attestation, err, "stage: producing attestation preamble")
		}
		preamble = p
	}
	if err := wire.WritePreamble(control, preamble); err != nil {
		return manifest.StageSpec{}, pipeerr.Wrap(pipeerr.Transport, err, "stage: sending attestation preamble")
	}

	tag, payload, err := wire.ReadControlFrame(control)
	if err != nil {
		return manifest.StageSpec{}, pipeerr.Wrap(pipeerr.Transport, err, "stage: reading Init")
	}
	if tag != wire.TagInit {
		return manifest.StageSpec{}, pipeerr.Newf(pipeerr.InvalidMessage, "stage: expected Init, got tag %#x", tag)
	}
	init, err := wire.DecodeInit(payload)
	if err != nil {
		return manifest.StageSpec{}, pipeerr.Wrap(pipeerr.InvalidMessage, err, "stage: decoding Init")
	}
	if init.StageSpec.StageIdx != r.cfg.StageIdx {
		return manifest.StageSpec{}, pipeerr.Newf(pipeerr.Config, "stage: Init names stage_idx %d, runtime is %d", init.StageSpec.StageIdx, r.cfg.StageIdx)
	}
	r.state.set(StateConfigured)

	// attestation_echo repeats the same evidence sent in the preamble so
	// the orchestrator can correlate Ready with the identity it already
	// verified.
	ready := wire.Ready{StageIdx: r.cfg.StageIdx, AttestationEcho: preamble}
	readyPayload, err := ready.Encode()
	if err != nil {
		return manifest.StageSpec{}, pipeerr.Wrap(pipeerr.Config, err, "stage: encoding Ready")
	}
	if err := wire.WriteControlFrame(control, wire.TagReady, readyPayload); err != nil {
		return manifest.StageSpec{}, pipeerr.Wrap(pipeerr.Transport, err, "stage: sending Ready")
	}
	r.state.set(StateReady)
	r.cfg.Logger.Info("control handshake ready", "stage_idx", r.cfg.StageIdx, "phase", "init")
	return init.StageSpec, nil
}

func (r *Runtime) establishDataChannels(ctx context.Context, control transport.SecureChannel, spec manifest.StageSpec) (transport.SecureChannel, transport.SecureChannel, error) {
	tag, _, err := wire.ReadControlFrame(control)
	if err != nil {
		return nil, nil, pipeerr.Wrap(pipeerr.Transport, err, "stage: reading EstablishDataChannels")
	}
	if tag != wire.TagEstablishDataChannels {
		return nil, nil, pipeerr.Newf(pipeerr.InvalidMessage, "stage: expected EstablishDataChannels, got tag %#x", tag)
	}

	ln, err := transport.Listen(r.cfg.DataInEndpoint)
	if err != nil {
		return nil, nil, pipeerr.Wrap(pipeerr.Transport, err, "stage: binding data_in")
	}
	defer ln.Close()
	inConn, err := ln.Accept(ctx, r.cfg.RetryPolicy)
	if err != nil {
		return nil, nil, pipeerr.Wrap(pipeerr.Transport, err, "stage: accepting data_in")
	}
	dataIn := transport.Upgrade(inConn, control.PeerIdentity())

	outConn, err := transport.Dial(ctx, r.cfg.DataOutEndpoint, r.cfg.RetryPolicy)
	if err != nil {
		dataIn.Close()
		return nil, nil, pipeerr.Wrap(pipeerr.Transport, err, "stage: connecting data_out")
	}
	dataOut := transport.Upgrade(outConn, control.PeerIdentity())

	if err := wire.WriteControlFrame(control, wire.TagDataChannelsUp, nil); err != nil {
		dataIn.Close()
		dataOut.Close()
		return nil, nil, pipeerr.Wrap(pipeerr.Transport, err, "stage: sending DataChannelsUp")
	}
	r.cfg.Logger.Info("data channels up", "stage_idx", r.cfg.StageIdx, "phase", "establish_data_channels")
	return dataIn, dataOut, nil
}

// serve runs the serving loop of spec §4.3.1 until Shutdown or a fatal
// control-channel error.
func (r *Runtime) serve(ctx context.Context, control transport.SecureChannel, dataIn, dataOut transport.SecureChannel) error {
	for {
		tag, payload, err := wire.ReadControlFrame(control)
		if err != nil {
			return pipeerr.Wrap(pipeerr.Transport, err, "stage: reading control frame")
		}
		switch tag {
		case wire.TagStartRequest:
			req, err := wire.DecodeStartRequest(payload)
			if err != nil {
				return pipeerr.Wrap(pipeerr.InvalidMessage, err, "stage: decoding StartRequest")
			}
			if err := r.serveRequest(ctx, control, dataIn, dataOut, req); err != nil {
				return err
			}
		case wire.TagHealthCheck:
			hc, err := wire.DecodeHealthCheck(payload)
			if err != nil {
				return pipeerr.Wrap(pipeerr.InvalidMessage, err, "stage: decoding HealthCheck")
			}
			ack := wire.HealthAck{Nonce: hc.Nonce, Status: 0}
			ackPayload, err := ack.Encode()
			if err != nil {
				return pipeerr.Wrap(pipeerr.Config, err, "stage: encoding HealthAck")
			}
			if err := wire.WriteControlFrame(control, wire.TagHealthAck, ackPayload); err != nil {
				return pipeerr.Wrap(pipeerr.Transport, err, "stage: sending HealthAck")
			}
		case wire.TagPing:
			// Echo the nonce back unmodified; either peer may send TagPing.
			if err := wire.WriteControlFrame(control, wire.TagPing, payload); err != nil {
				return pipeerr.Wrap(pipeerr.Transport, err, "stage: replying to Ping")
			}
		case wire.TagShutdown:
			return nil
		default:
			return pipeerr.Newf(pipeerr.InvalidMessage, "stage: unexpected control tag %#x in serving loop", tag)
		}
	}
}

func (r *Runtime) serveRequest(ctx context.Context, control, dataIn, dataOut transport.SecureChannel, req wire.StartRequest) error {
	r.cfg.Logger.Info("request started", "stage_idx", r.cfg.StageIdx, "request_id", req.RequestID, "phase", "serve")
	for mb := uint32(0); mb < req.MicroBatchCount; mb++ {
		in, err := wire.ReadTensorFrame(dataIn)
		if err != nil {
			return pipeerr.Wrap(pipeerr.Transport, err, "stage: reading activation tensor")
		}

		if in.IsErrorSentinel() {
			r.reportFailure(control, dataOut, req.RequestID, tensor.ErrKindUpstreamFailed, "upstream sentinel received")
			r.drainRemaining(dataIn, req.MicroBatchCount-mb-1)
			return nil
		}

		if in.IsCacheClear() {
			if err := r.cfg.Executor.ResetCache(req.RequestID); err != nil {
				r.reportFailure(control, dataOut, req.RequestID, tensor.ErrKindExecutorFailed, err.Error())
				r.drainRemaining(dataIn, req.MicroBatchCount-mb-1)
				return nil
			}
			if err := wire.WriteTensorFrame(dataOut, tensor.NewCacheClear()); err != nil {
				r.sendStageError(control, req.RequestID, tensor.ErrKindTransportFailed, err.Error())
				r.drainRemaining(dataIn, req.MicroBatchCount-mb-1)
				return nil
			}
			continue
		}

		start := time.Now()
		out, ferr := r.cfg.Executor.Forward(ctx, in, req.SeqLen, mb)
		if r.cfg.Metrics != nil {
			outcome := "ok"
			if ferr != nil {
				outcome = "error"
			}
			r.cfg.Metrics.ForwardDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
		if ferr != nil {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.ForwardErrors.Inc()
			}
			r.reportFailure(control, dataOut, req.RequestID, tensor.ErrKindExecutorFailed, ferr.Error())
			r.drainRemaining(dataIn, req.MicroBatchCount-mb-1)
			return nil
		}

		if err := wire.WriteTensorFrame(dataOut, out); err != nil {
			r.sendStageError(control, req.RequestID, tensor.ErrKindTransportFailed, err.Error())
			r.drainRemaining(dataIn, req.MicroBatchCount-mb-1)
			return nil
		}
	}

	complete := wire.RequestComplete{RequestID: req.RequestID}
	payload, err := complete.Encode()
	if err != nil {
		return pipeerr.Wrap(pipeerr.Config, err, "stage: encoding RequestComplete")
	}
	if err := wire.WriteControlFrame(control, wire.TagRequestComplete, payload); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "stage: sending RequestComplete")
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RequestsServed.Inc()
	}
	r.cfg.Logger.Info("request complete", "stage_idx", r.cfg.StageIdx, "request_id", req.RequestID, "phase", "serve")
	return nil
}

// reportFailure implements the error sentinel policy of spec §4.3.1:
// forward an error sentinel downstream, then report the cause on the
// control channel.
func (r *Runtime) reportFailure(control, dataOut transport.SecureChannel, requestID uint64, kind tensor.ErrorKind, detail string) {
	r.cfg.Logger.Warn("request failed", "stage_idx", r.cfg.StageIdx, "request_id", requestID, "kind", kind.String(), "phase", "serve")
	sentinel := tensor.NewErrorSentinel(r.cfg.StageIdx, kind, detail)
	_ = wire.WriteTensorFrame(dataOut, sentinel) // best-effort: channel may already be broken
	r.sendStageError(control, requestID, kind, detail)
}

func (r *Runtime) sendStageError(control transport.SecureChannel, requestID uint64, kind tensor.ErrorKind, detail string) {
	se := wire.StageError{
		HasRequestID: true,
		RequestID:    requestID,
		StageIdx:     r.cfg.StageIdx,
		Kind:         kind,
		Detail:       detail,
	}
	payload, err := se.Encode()
	if err != nil {
		return
	}
	_ = wire.WriteControlFrame(control, wire.TagStageError, payload)
}

// drainRemaining consumes and discards n expected tensors from data_in
// so the upstream stage is not blocked writing into a dead peer.
func (r *Runtime) drainRemaining(dataIn transport.SecureChannel, n uint32) {
	for i := uint32(0); i < n; i++ {
		if _, err := wire.ReadTensorFrame(dataIn); err != nil {
			return
		}
	}
}
