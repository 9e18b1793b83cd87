// Command pipeshard is a thin demonstration harness over the pipeshard
// library: it loads a manifest, stands up one stage.Runtime per declared
// stage plus an orchestrator.Orchestrator in this same process, wires
// them together over real TCP sockets per the manifest's endpoints, and
// drives a single infer() call end to end.
//
// It is not part of the library's tested surface. A real deployment
// supplies its own executor.Executor (actual model layers) and its own
// attestation plumbing (a TEE attestation SDK behind executor.Verifier
// and stage.AttestationProvider); this binary stands in a pass-through
// executor and a self-contained demo verifier so the transport and
// protocol machinery can be exercised without either dependency.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ids"

	"github.com/luxfi/pipeshard/attestation"
	"github.com/luxfi/pipeshard/executor"
	"github.com/luxfi/pipeshard/health"
	"github.com/luxfi/pipeshard/logging"
	"github.com/luxfi/pipeshard/manifest"
	"github.com/luxfi/pipeshard/metrics"
	"github.com/luxfi/pipeshard/orchestrator"
	"github.com/luxfi/pipeshard/stage"
	"github.com/luxfi/pipeshard/tensor"
	"github.com/luxfi/pipeshard/transport"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to the chain manifest JSON file (required)")
	microBatches := flag.Int("microbatches", 1, "number of micro-batches in the demo infer() call")
	seqLen := flag.Uint("seqlen", 8, "sequence length carried on the demo activation tensors")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for bring-up plus one infer() call")
	flag.Parse()

	logger, err := logging.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pipeshard: building logger:", err)
		os.Exit(1)
	}

	if err := run(*manifestPath, *microBatches, uint32(*seqLen), *metricsAddr, *timeout, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(manifestPath string, microBatchCount int, seqLen uint32, metricsAddr string, timeout time.Duration, logger logging.Logger) error {
	if manifestPath == "" {
		return fmt.Errorf("pipeshard: -manifest is required")
	}
	f, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("pipeshard: opening manifest: %w", err)
	}
	defer f.Close()

	m, err := manifest.Load(f)
	if err != nil {
		return fmt.Errorf("pipeshard: loading manifest: %w", err)
	}
	n := m.N()

	reg := prometheus.NewRegistry()
	orchMetrics := metrics.NewOrchestrator(reg)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stageErrs := make(chan error, n)
	for i := 0; i < n; i++ {
		spec := m.Stages[i]
		stageLogger := logger.With("stage_idx", spec.StageIdx)
		cfg := stage.Config{
			StageIdx:        spec.StageIdx,
			Executor:        passThroughExecutor{},
			Provider:        demoProvider(spec),
			DataInEndpoint:  spec.DataIn,
			DataOutEndpoint: spec.DataOut,
			RetryPolicy:     transport.DefaultRetryPolicy(),
			Logger:          stageLogger,
			Metrics:         metrics.NewStage(reg, spec.StageIdx),
		}
		go runStage(ctx, cfg, spec.Control, stageErrs, stageLogger)
	}

	o, err := orchestrator.New(orchestrator.Config{
		Manifest: m,
		Verifier: demoVerifier{},
		Logger:   logger.With("component", "orchestrator"),
		Metrics:  orchMetrics,
	})
	if err != nil {
		return fmt.Errorf("pipeshard: constructing orchestrator: %w", err)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", healthHandler(health.NewOrchestratorChecker(o)))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics and health", "addr", metricsAddr)
	}

	rawControl := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		conn, err := transport.Dial(ctx, m.Stages[i].Control, transport.DefaultRetryPolicy())
		if err != nil {
			return fmt.Errorf("pipeshard: dialing stage %d control: %w", i, err)
		}
		rawControl[i] = conn
	}
	if err := o.Init(ctx, rawControl); err != nil {
		return fmt.Errorf("pipeshard: init: %w", err)
	}
	logger.Info("control phase complete", "stages", n)

	relays := make([]orchestrator.RelayEndpoints, n-1)
	for i := range relays {
		relays[i] = orchestrator.RelayEndpoints{
			Listen: m.Stages[i].DataOut,
			DialTo: m.Stages[i+1].DataIn,
		}
	}
	if err := o.EstablishDataChannels(ctx, m.Stages[0].DataIn, m.Stages[n-1].DataOut, relays); err != nil {
		return fmt.Errorf("pipeshard: establish_data_channels: %w", err)
	}
	logger.Info("data phase complete")

	microBatches := make([]tensor.Tensor, microBatchCount)
	for i := range microBatches {
		data := make([]byte, m.ActivationSpec.DType.Sizeof()*int(m.ActivationSpec.HiddenDim))
		for j := range data {
			data[j] = byte(i)
		}
		microBatches[i] = tensor.Tensor{
			DType: m.ActivationSpec.DType,
			Shape: []uint32{m.ActivationSpec.HiddenDim},
			Data:  data,
		}
	}

	outputs, err := o.Infer(ctx, microBatches, seqLen)
	if err != nil {
		return fmt.Errorf("pipeshard: infer: %w", err)
	}
	logger.Info("infer complete", "micro_batches", len(outputs))
	for i, t := range outputs {
		fmt.Printf("micro_batch[%d]: dtype=%d shape=%v bytes=%d\n", i, t.DType, t.Shape, len(t.Data))
	}

	if err := o.Shutdown(ctx); err != nil {
		logger.Warn("shutdown reported errors", "error", err)
	}

	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		g.Go(func() error { return <-stageErrs })
	}
	return g.Wait()
}

func healthHandler(checker health.Checkable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := checker.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil || !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

func runStage(ctx context.Context, cfg stage.Config, controlEp manifest.Endpoint, errs chan<- error, logger logging.Logger) {
	ln, err := transport.Listen(controlEp)
	if err != nil {
		errs <- fmt.Errorf("stage %d: listening on control: %w", cfg.StageIdx, err)
		return
	}
	defer ln.Close()

	conn, err := ln.Accept(ctx, cfg.RetryPolicy)
	if err != nil {
		errs <- fmt.Errorf("stage %d: accepting control: %w", cfg.StageIdx, err)
		return
	}

	control := transport.Upgrade(conn, orchestratorIdentity{})
	errs <- stage.New(cfg).Run(ctx, control)
}

// orchestratorIdentity is the peer identity a stage attributes to its
// control connection. The real attested-transport handshake that would
// produce this identity is an external collaborator (spec §1); this
// demo harness fills the slot with a fixed placeholder since nothing
// downstream of stage.Run inspects it.
type orchestratorIdentity struct{}

func (orchestratorIdentity) Bytes() []byte  { return []byte("orchestrator") }
func (orchestratorIdentity) String() string { return "orchestrator" }

// passThroughExecutor is the demo Executor: it returns its input
// unchanged. Real deployments replace this with the actual model-layer
// kernel for the stage's layer range.
type passThroughExecutor struct{}

func (passThroughExecutor) Forward(_ context.Context, in tensor.Tensor, _ uint32, _ uint32) (tensor.Tensor, error) {
	return in, nil
}

func (passThroughExecutor) ResetCache(uint64) error { return nil }

// demoProvider builds a stage's attestation preamble as a self-contained
// blob: the stage's own expected PCR 0 measurement (so demoVerifier's
// trivial check matches) followed by a NodeID-shaped subject identifier
// tagging the stage index. A real deployment replaces this with calls
// into its attestation SDK to produce genuine evidence.
func demoProvider(spec manifest.StageSpec) stage.AttestationProvider {
	measurement := spec.ExpectedMeasurements[0]
	if measurement == nil {
		measurement = []byte{0, 0, 0, 0}
	}
	subject := make([]byte, len(ids.NodeID{}))
	subject[0] = byte(spec.StageIdx)

	return func(context.Context) ([]byte, error) {
		blob := make([]byte, 0, len(measurement)+len(subject))
		blob = append(blob, measurement...)
		blob = append(blob, subject...)
		return blob, nil
	}
}

// demoVerifier parses the self-contained blob demoProvider produces. A
// real deployment supplies an attestation.DocumentVerifier backed by its
// own CheckDocument implementation instead (spec §1's external
// attestation collaborator).
type demoVerifier struct{}

func (demoVerifier) Verify(ctx context.Context, blob []byte, expectedMeasurements map[uint32][]byte) (executor.PeerIdentity, error) {
	nodeIDLen := len(ids.NodeID{})
	if len(blob) < nodeIDLen {
		return nil, fmt.Errorf("pipeshard: attestation blob too short")
	}
	measurement := blob[:len(blob)-nodeIDLen]
	subject := blob[len(blob)-nodeIDLen:]

	if want, ok := expectedMeasurements[0]; ok {
		if !bytesEqual(measurement, want) {
			return nil, fmt.Errorf("pipeshard: measurement mismatch at PCR 0")
		}
	}
	return attestation.NodeIDFromBytes(subject)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
