// Command lookback runs a rolling-average query spec against a recorded
// base-result file and streams the result rows as JSONL.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/michael-trelinski/lookback/compressors"
	"github.com/michael-trelinski/lookback/config"
	"github.com/michael-trelinski/lookback/core"
	"github.com/michael-trelinski/lookback/engine"
	"github.com/michael-trelinski/lookback/hooks"
	"github.com/michael-trelinski/lookback/hooks/listeners"
	"github.com/michael-trelinski/lookback/query"
	"github.com/michael-trelinski/lookback/replay"
	"github.com/michael-trelinski/lookback/server"
)

// Exit codes: 0 success, 1 runtime failure, 2 validation or usage failure.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		// Return a no-op provider and an empty cleanup function.
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "lookback"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	queryPath := flag.String("query", "", "Path to the query spec JSON file, or '-' to read it from stdin")
	dataPath := flag.String("data", "", "Path to the replay data file (JSONL, optionally compressed)")
	outputPath := flag.String("output", "-", "Result destination: '-' for stdout or a file path")
	repeat := flag.Int("repeat", 1, "Run the query N times and report latency percentiles instead of rows")
	debugListen := flag.String("debug-listen", "", "Enable the debug server on this address (overrides config)")
	flag.Parse()

	if *queryPath == "" || *dataPath == "" {
		fmt.Fprintln(os.Stderr, "usage: lookback -query <spec.json|-> -data <file> [flags]")
		flag.PrintDefaults()
		return exitUsage
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return exitUsage
	}
	if *debugListen != "" {
		cfg.Debug.Enabled = true
		cfg.Debug.ListenAddress = *debugListen
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", *configPath, "error", err)
		return exitUsage
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		return exitUsage
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	specData, err := readQuerySpec(*queryPath)
	if err != nil {
		logger.Error("Failed to read query spec", "path", *queryPath, "error", err)
		return exitUsage
	}
	spec, err := query.Parse(specData)
	if err != nil {
		logger.Error("Failed to parse query spec", "error", err)
		return exitUsage
	}
	if spec.Timeout() == 0 {
		if d := config.ParseDuration(cfg.Query.DefaultTimeout, 0, logger); d > 0 {
			spec = spec.WithOverriddenContext(map[string]any{query.ContextTimeout: d.Milliseconds()})
		}
	}

	outType, err := compressors.ParseType(cfg.Output.Compression)
	if err != nil {
		logger.Error("Invalid output compression", "value", cfg.Output.Compression, "error", err)
		return exitUsage
	}
	outCodec, err := compressors.Get(outType)
	if err != nil {
		logger.Error("Invalid output compression", "value", cfg.Output.Compression, "error", err)
		return exitUsage
	}
	if *outputPath == "-" && outCodec.Type() != compressors.CompressionNone && term.IsTerminal(int(os.Stdout.Fd())) {
		logger.Error("Refusing to write compressed output to a terminal; redirect stdout or use -output")
		return exitUsage
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return exitRuntime
	}
	defer tracerCleanup()

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	hookManager.Register(hooks.EventPostQuery, listeners.NewRequestLogListener(logger))
	slowThreshold := config.ParseDuration(cfg.Query.SlowQueryThreshold, listeners.DefaultSlowQueryThreshold, logger)
	hookManager.Register(hooks.EventPostQuery, listeners.NewSlowQueryListener(logger, slowThreshold))

	srcOpts := []replay.Option{replay.WithLogger(logger)}
	if cfg.Replay.Compression != "" {
		replayType, err := compressors.ParseType(cfg.Replay.Compression)
		if err != nil {
			logger.Error("Invalid replay compression", "value", cfg.Replay.Compression, "error", err)
			return exitUsage
		}
		replayCodec, err := compressors.Get(replayType)
		if err != nil {
			logger.Error("Invalid replay compression", "value", cfg.Replay.Compression, "error", err)
			return exitUsage
		}
		srcOpts = append(srcOpts, replay.WithCompression(replayCodec))
	}
	if cfg.Replay.MaxLineBytes > 0 {
		srcOpts = append(srcOpts, replay.WithMaxLineBytes(cfg.Replay.MaxLineBytes))
	}
	source, err := replay.NewSource(*dataPath, srcOpts...)
	if err != nil {
		logger.Error("Failed to open replay source", "path", *dataPath, "error", err)
		return exitRuntime
	}

	runner := engine.NewRunner(source,
		engine.WithLogger(logger),
		engine.WithTracerProvider(tp),
		engine.WithHookManager(hookManager),
		engine.WithMetrics(engine.NewMetrics()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Debug server and system collector run alongside the query when enabled.
	var srvGroup errgroup.Group
	var metricSrv *server.MetricsServer
	var collector *server.SystemCollector
	if cfg.Debug.Enabled {
		metricSrv = server.NewMetricsServer(&cfg.Debug, logger)
		srvGroup.Go(metricSrv.Start)
		interval := config.ParseDuration(cfg.Debug.SystemMetricsInterval, 10*time.Second, logger)
		collector = server.NewSystemCollector(filepath.Dir(*dataPath), interval, logger)
		collector.Start()
	}
	defer func() {
		if collector != nil {
			collector.Stop()
		}
		if metricSrv != nil {
			metricSrv.Stop()
		}
		if err := srvGroup.Wait(); err != nil {
			logger.Error("Debug server exited with an error", "error", err)
		}
	}()

	if *repeat > 1 {
		return runBenchmark(ctx, runner, spec, *repeat, logger)
	}
	return runSingle(ctx, runner, spec, *outputPath, outCodec, logger)
}

func readQuerySpec(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// runSingle executes the query once and streams the result rows as JSONL.
// Compressed output is buffered and written as a single block on success.
func runSingle(ctx context.Context, runner *engine.Runner, spec *query.Spec, outputPath string, codec compressors.Compressor, logger *slog.Logger) int {
	var dest io.Writer = os.Stdout
	if outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			logger.Error("Failed to create output file", "path", outputPath, "error", err)
			return exitRuntime
		}
		defer f.Close()
		dest = f
	}

	var sink io.Writer = dest
	var block bytes.Buffer
	compressed := codec.Type() != compressors.CompressionNone
	if compressed {
		sink = &block
	}

	enc := json.NewEncoder(sink)
	rows, err := runQuery(ctx, runner, spec, func(row *core.Row) error {
		return enc.Encode(row)
	})
	if err != nil {
		logger.Error("Query failed", "error", err)
		return exitRuntime
	}

	if compressed {
		out, err := codec.Compress(block.Bytes())
		if err != nil {
			logger.Error("Failed to compress results", "error", err)
			return exitRuntime
		}
		if _, err := dest.Write(out); err != nil {
			logger.Error("Failed to write compressed results", "error", err)
			return exitRuntime
		}
	}

	logger.Info("Query completed", "rows", rows)
	return exitOK
}

// runBenchmark executes the query repeatedly, draining rows without writing
// them, and prints a latency distribution.
func runBenchmark(ctx context.Context, runner *engine.Runner, spec *query.Spec, n int, logger *slog.Logger) int {
	logger.Info("Starting benchmark", "runs", n)
	latencies := make([]time.Duration, 0, n)
	var totalRows int64

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			logger.Warn("Benchmark interrupted", "completed_runs", len(latencies))
			break
		}
		start := time.Now()
		rows, err := runQuery(ctx, runner, spec, nil)
		if err != nil {
			logger.Error("Benchmark run failed", "run", i+1, "error", err)
			return exitRuntime
		}
		latencies = append(latencies, time.Since(start))
		totalRows += rows
	}
	if len(latencies) == 0 {
		return exitRuntime
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, d := range latencies {
		total += d
	}
	p50 := latencies[int(float64(len(latencies))*0.50)]
	p95 := latencies[int(float64(len(latencies))*0.95)]
	p99 := latencies[int(float64(len(latencies))*0.99)]

	fmt.Println("--- Benchmark Results ---")
	fmt.Printf("Runs:         %d (%d rows total)\n", len(latencies), totalRows)
	fmt.Printf("Total Time:   %v\n", total)
	fmt.Printf("Min:          %v\n", latencies[0])
	fmt.Printf("Max:          %v\n", latencies[len(latencies)-1])
	fmt.Printf("P50 (Median): %v\n", p50)
	fmt.Printf("P95:          %v\n", p95)
	fmt.Printf("P99:          %v\n", p99)
	return exitOK
}

// runQuery executes the spec and feeds every result row to sink (nil drains).
func runQuery(ctx context.Context, runner *engine.Runner, spec *query.Spec, sink func(*core.Row) error) (int64, error) {
	it, err := runner.Run(ctx, spec)
	if err != nil {
		return 0, err
	}

	var rows int64
	for it.Next() {
		row, err := it.At()
		if err != nil {
			it.Close()
			return rows, err
		}
		if sink != nil {
			if err := sink(row); err != nil {
				it.Close()
				return rows, fmt.Errorf("failed to write result row: %w", err)
			}
		}
		rows++
	}
	if err := it.Error(); err != nil {
		it.Close()
		return rows, err
	}
	return rows, it.Close()
}
