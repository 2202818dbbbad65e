package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-rotary/internal/attention"
	"github.com/23skdu/longbow-rotary/internal/config"
	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/monitoring"
	"github.com/23skdu/longbow-rotary/internal/rope"
	"github.com/23skdu/longbow-rotary/internal/tensor"
	"github.com/23skdu/longbow-rotary/internal/trace"
)

var (
	configPath  = flag.String("config", "", "Path to a Hugging Face config.json (built-in demo config if empty)")
	batchSize   = flag.Int("batch", 1, "Batch size of the synthetic input")
	seqLen      = flag.Int("seq", 16, "Sequence length of the synthetic input")
	startPos    = flag.Int("start", 0, "Position id of the first token")
	precision   = flag.String("precision", "", "Working precision override (f32, f16, bf16)")
	seed        = flag.Int64("seed", 1, "Seed for synthetic weights and activations")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
	metricsAddr = flag.String("metrics", "", "Address to serve /metrics, /health and /status (disabled if empty)")
	flightAddr  = flag.String("flight", "", "Arrow Flight endpoint receiving encoding and weight traces")
	sweep       = flag.Int("sweep", 0, "Extra forward passes, doubling seq each time, to exercise basis growth")
	hold        = flag.Bool("hold", false, "Keep serving metrics until interrupted")
)

func demoConfig() config.Config {
	cfg := config.Default()
	cfg.Dimensions = rope.Dimensions{
		HiddenSize:            256,
		NumAttentionHeads:     8,
		NumKeyValueHeads:      2,
		MaxPositionEmbeddings: 512,
	}
	return cfg
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.With("ropecheck")

	if err := run(log); err != nil {
		log.Error("ropecheck failed", "error", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	cfg := demoConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if *precision != "" {
		p, err := tensor.ParsePrecision(*precision)
		if err != nil {
			return err
		}
		cfg.Precision = p
	}
	cfg.MetricsAddr = *metricsAddr
	cfg.TraceAddr = *flightAddr
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *batchSize <= 0 || *seqLen <= 0 || *startPos < 0 || *sweep < 0 {
		return fmt.Errorf("batch and seq must be positive, start and sweep non-negative")
	}
	runID := uuid.NewString()
	log.Info("ropecheck run", "run_id", runID, "variant", cfg.Rope.Type.String(), "precision", cfg.Precision.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := monitoring.NewHealthMonitor()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := health.Start(cfg.MetricsAddr); err != nil {
				log.Error("health server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = health.Stop(shutdownCtx)
		}()
	}

	rng := rand.New(rand.NewSource(*seed))
	weights := syntheticWeights(rng, cfg.Dimensions)
	layer, err := attention.NewLayer(cfg.Dimensions, &cfg.Rope, weights, cfg.Precision)
	if err != nil {
		return err
	}
	layer.ReturnWeights = cfg.TraceAddr != ""
	initial := layer.Basis()
	logBasis(log, initial, "initial")
	health.RecordBasis(initial)

	hidden := randomTensor(rng, 1.0, *batchSize, *seqLen, cfg.Dimensions.HiddenSize)
	ids := rope.Positions(*batchSize, *seqLen, *startPos)

	start := time.Now()
	out, err := layer.Forward(hidden, ids, nil)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	info := tensor.DetectNaN(out.Hidden.Data(), 8)
	health.RecordForward(*batchSize**seqLen, elapsed, info.Count, info.InfCount)
	log.Info("forward complete",
		"batch", *batchSize,
		"seq", *seqLen,
		"elapsed", elapsed.String(),
		"weights_size", humanize.Bytes(tensorBytes(weights.Q, weights.K, weights.V, weights.O)),
		"activation_size", humanize.Bytes(tensorBytes(hidden, out.Hidden)),
		"output_rms", rms(out.Hidden.Data()),
		"nan", info.Count,
		"inf", info.InfCount,
	)
	if grown := layer.Basis(); grown != initial {
		logBasis(log, grown, "grown")
		health.RecordBasis(grown)
	}

	if cfg.TraceAddr != "" {
		if err := exportTraces(ctx, log, cfg, runID, layer, ids, out); err != nil {
			return err
		}
	}

	if *sweep > 0 {
		if err := runSweep(log, health, layer, rng, cfg.Dimensions.HiddenSize, *seqLen, *sweep); err != nil {
			return err
		}
	}

	if !info.IsValid() {
		return fmt.Errorf("non-finite attention output: %d NaN, %d Inf", info.Count, info.InfCount)
	}

	if *hold && cfg.MetricsAddr != "" {
		log.Info("holding for metrics scrape, interrupt to exit", "status", health.Status().Status)
		<-ctx.Done()
	}
	return nil
}

// runSweep runs single-sequence forwards at seq*2, seq*4, ... and reports
// every basis change along the way.
func runSweep(log *logger.Logger, health *monitoring.HealthMonitor, layer *attention.Layer, rng *rand.Rand, hiddenSize, seq, steps int) error {
	bar := progressbar.Default(int64(steps), "sweep")
	defer func() { _ = bar.Finish() }()

	prev := layer.Basis()
	for i := 0; i < steps; i++ {
		seq *= 2
		hidden := randomTensor(rng, 1.0, 1, seq, hiddenSize)
		start := time.Now()
		out, err := layer.Forward(hidden, rope.Positions(1, seq, 0), nil)
		if err != nil {
			return fmt.Errorf("sweep seq %d: %w", seq, err)
		}
		info := tensor.DetectNaN(out.Hidden.Data(), 8)
		health.RecordForward(seq, time.Since(start), info.Count, info.InfCount)

		if b := layer.Basis(); b != prev {
			health.RecordBasis(b)
			logBasis(log, b, fmt.Sprintf("sweep-%d", seq))
			prev = b
		}
		_ = bar.Add(1)
	}
	return nil
}

func exportTraces(ctx context.Context, log *logger.Logger, cfg config.Config, runID string, layer *attention.Layer, ids [][]int, out *attention.Output) error {
	exp := trace.NewFlightExporter(cfg.TraceAddr)
	if err := exp.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = exp.Close() }()

	basis := layer.Basis()
	src := trace.Source{Basis: basis, Precision: cfg.Precision, Layer: "0", RunID: runID}

	enc, err := rope.Encode(basis, ids, cfg.Precision)
	if err != nil {
		return err
	}
	encRec, err := trace.EncodingRecord(memory.DefaultAllocator, enc, ids, src)
	if err != nil {
		return err
	}
	defer encRec.Release()
	if err := exp.Export(ctx, trace.KindEncoding, encRec); err != nil {
		return err
	}

	wRec, err := trace.WeightsRecord(memory.DefaultAllocator, out.Weights, src)
	if err != nil {
		return err
	}
	defer wRec.Release()
	if err := exp.Export(ctx, trace.KindWeights, wRec); err != nil {
		return err
	}

	log.Info("traces exported",
		"addr", cfg.TraceAddr,
		"encoding_rows", encRec.NumRows(),
		"weight_rows", wRec.NumRows(),
	)
	return nil
}

func logBasis(log *logger.Logger, b *rope.Basis, stage string) {
	log.Info("rope basis",
		"stage", stage,
		"variant", b.Variant.String(),
		"rotary_dim", b.RotaryDim,
		"seq_len", b.SeqLen,
		"theta", b.Theta,
		"attention_scaling", b.AttentionScaling,
		"inv_freq_first", b.InvFreq[0],
		"inv_freq_last", b.InvFreq[len(b.InvFreq)-1],
		"fingerprint", fmt.Sprintf("%016x", b.Fingerprint()),
	)
}

// syntheticWeights draws projections with 1/sqrt(fan_in) scale so
// activations stay O(1).
func syntheticWeights(rng *rand.Rand, dims rope.Dimensions) attention.Weights {
	hd := dims.HeadDimension()
	qOut := dims.NumAttentionHeads * hd
	kvOut := dims.KeyValueHeads() * hd
	in := dims.HiddenSize
	return attention.Weights{
		Q: randomTensor(rng, 1/math.Sqrt(float64(in)), qOut, in),
		K: randomTensor(rng, 1/math.Sqrt(float64(in)), kvOut, in),
		V: randomTensor(rng, 1/math.Sqrt(float64(in)), kvOut, in),
		O: randomTensor(rng, 1/math.Sqrt(float64(qOut)), in, qOut),
	}
}

func randomTensor(rng *rand.Rand, scale float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	d := t.Data()
	for i := range d {
		d[i] = float32(rng.NormFloat64() * scale)
	}
	return t
}

func tensorBytes(ts ...*tensor.Tensor) uint64 {
	var n uint64
	for _, t := range ts {
		n += uint64(t.Len()) * 4
	}
	return n
}

func rms(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	var s float64
	for _, v := range x {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s / float64(len(x)))
}
