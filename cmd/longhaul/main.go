package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"longhaul-telemetry/internal/config"
	"longhaul-telemetry/internal/harness"
	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/mqtt"
	"longhaul-telemetry/internal/report"
	"longhaul-telemetry/internal/stats"
	"longhaul-telemetry/internal/telemetry"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Exit codes.
const (
	exitPassed  = 0
	exitStartup = 1
	exitUsage   = 2
	exitFailed  = 3
)

var (
	loadConfigFunc       = loadConfig
	configLoadFunc       = config.Load
	newTransportFunc     = newTransport
	connectTransportFunc = connectWithRetry
	newMetricsServerFunc = func(addr string, progress metrics.ProgressFunc) metricsServer {
		return metrics.NewServer(addr, metrics.WithProgress(progress))
	}
	signalNotifyFunc = signal.Notify
	signalStopFunc   = signal.Stop
)

// Connection retry schedule used by connectWithRetry.
var (
	connectAttempts     = 5
	connectInitialDelay = time.Second
	connectMaxDelay     = 30 * time.Second
)

type metricsServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	Shutdown(context.Context) error
}

// transport is the device connection the harness drives.
type transport interface {
	harness.Transport
	Connect() error
	Close()
}

type aborter interface {
	Abort(reason harness.AbortReason) bool
}

// parseClientAuth maps a configuration string to the corresponding
// tls.ClientAuthType. Unrecognised values default to tls.NoClientCert.
func parseClientAuth(mode string) tls.ClientAuthType {
	switch mode {
	case "require":
		return tls.RequireAndVerifyClientCert
	case "request":
		return tls.RequestClientCert
	default:
		return tls.NoClientCert
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if err := godotenv.Overload(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	flags := flag.NewFlagSet("longhaul", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		_, _ = fmt.Fprintf(stdout, "Usage of %s:\n", flags.Name())
		flags.PrintDefaults()
	}
	durationFlag := flags.Duration("duration", 0, "wall-clock run duration (overrides LONGHAUL_DURATION)")
	intervalFlag := flags.Duration("interval", 0, "time between telemetry sends (overrides LONGHAUL_SEND_INTERVAL)")
	reportFlag := flags.String("report", "", "report file, '-' for stdout (overrides REPORT_PATH)")
	formatFlag := flags.String("format", "", "report format: json, yaml or text (overrides REPORT_FORMAT)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitPassed
		}
		_, _ = fmt.Fprintf(stderr, "parse flags: %v\n", err)
		return exitUsage
	}

	if flags.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", flags.Args())
		flags.Usage()
		return exitUsage
	}

	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["duration"] && *durationFlag <= 0 {
		_, _ = fmt.Fprintln(stderr, "-duration must be positive")
		return exitUsage
	}
	if set["interval"] && *intervalFlag <= 0 {
		_, _ = fmt.Fprintln(stderr, "-interval must be positive")
		return exitUsage
	}
	if set["format"] {
		if _, err := report.New(*formatFlag, io.Discard); err != nil {
			_, _ = fmt.Fprintf(stderr, "-format: %v\n", err)
			return exitUsage
		}
	}

	cfg, err := loadConfigFunc()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitStartup
	}

	if set["duration"] {
		cfg.Run.Duration = *durationFlag
	}
	if set["interval"] {
		cfg.Run.SendInterval = *intervalFlag
	}
	if set["report"] {
		cfg.Report.Path = *reportFlag
	}
	if set["format"] {
		cfg.Report.Format = *formatFlag
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitStartup
	}

	client, err := newTransportFunc(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mqtt init: %v\n", err)
		return exitStartup
	}
	defer client.Close()

	runID := uuid.NewString()
	h := harness.New(client,
		harness.WithRunID(runID),
		harness.WithBuilder(telemetry.NewBuilder(cfg.MQTT.DeviceID,
			telemetry.WithRunID(runID),
			telemetry.WithWindSpeedBase(cfg.Run.WindSpeedBase),
			telemetry.WithPadding(cfg.Run.PayloadPadding),
		)),
		harness.WithDrainTimeout(cfg.Run.DrainTimeout),
		harness.WithStopPayload(cfg.Run.StopPayload),
		harness.WithMaxEvents(cfg.Run.MaxEvents),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopWatching := watchSignals(h, cancel)
	defer stopWatching()

	if err := connectTransportFunc(ctx, client); err != nil {
		_, _ = fmt.Fprintf(stderr, "mqtt connect: %v\n", err)
		return exitStartup
	}
	log.Printf("longhaul: run %s connected to %s as %s (duration=%s, interval=%s)",
		runID, cfg.MQTT.BrokerURL, cfg.MQTT.DeviceID, cfg.Run.Duration, cfg.Run.SendInterval)

	runReport, runErr := execute(ctx, h, cfg)
	client.Close()

	if runErr != nil && runReport.RunID == "" {
		_, _ = fmt.Fprintf(stderr, "run: %v\n", runErr)
		return exitStartup
	}

	if err := report.WriteTo(cfg.Report.Path, cfg.Report.Format, stdout, runReport); err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitStartup
	}

	if runErr != nil {
		_, _ = fmt.Fprintf(stderr, "run: %v\n", runErr)
		return exitStartup
	}

	verdict := harness.Evaluate(runReport)
	log.Printf("longhaul: run %s %s", runID, verdict)
	if !verdict.Success() {
		return exitFailed
	}
	return exitPassed
}

// loadConfig loads the harness configuration from environment variables and
// the optional .env file.
func loadConfig() (config.Config, error) {
	cfg, err := configLoadFunc()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	log.Printf("environment: %s", cfg.Environment)
	return cfg, nil
}

func newTransport(cfg config.Config) (transport, error) {
	client, err := mqtt.NewClient(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		DeviceID:       cfg.MQTT.DeviceID,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TLSCAFile:      cfg.MQTT.TLSCAFile,
		TLSCertFile:    cfg.MQTT.TLSCertFile,
		TLSKeyFile:     cfg.MQTT.TLSKeyFile,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		TelemetryTopic: cfg.MQTT.TelemetryTopic,
		CommandTopic:   cfg.MQTT.CommandTopic,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// execute runs the harness alongside the optional metrics server. A metrics
// server failure cancels the run; the partial report is still returned.
func execute(ctx context.Context, h *harness.Harness, cfg config.Config) (stats.RunReport, error) {
	g, gctx := errgroup.WithContext(ctx)

	var server metricsServer
	if cfg.Metrics.Enabled {
		server = newMetricsServerFunc(cfg.Metrics.Bind, func() any { return h.Progress() })
		g.Go(func() error {
			return startMetrics(server, cfg.Metrics)
		})
	}

	var runReport stats.RunReport
	g.Go(func() error {
		defer shutdownMetrics(server)
		r, err := h.Run(gctx, cfg.Run.Duration, cfg.Run.SendInterval)
		if err != nil {
			return err
		}
		runReport = r
		return nil
	})

	err := g.Wait()
	return runReport, err
}

func startMetrics(server metricsServer, cfg config.Metrics) error {
	if cfg.TLSEnabled {
		return server.StartTLS(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile, parseClientAuth(cfg.TLSClientAuth))
	}
	return server.Start()
}

func shutdownMetrics(server metricsServer) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics: shutdown error: %v", err)
	}
}

// connectWithRetry invokes Connect until it succeeds, the attempts are used up
// or ctx is done. It applies exponential back-off with bounded jitter.
func connectWithRetry(ctx context.Context, client transport) error {
	const jitterFraction = 0.2

	delay := connectInitialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = client.Connect(); err == nil {
			if attempt > 1 {
				log.Printf("mqtt: connected after %d attempt(s)", attempt)
			}
			return nil
		}
		if attempt == connectAttempts {
			break
		}

		jitter := 1 + (rng.Float64()*2-1)*jitterFraction
		wait := time.Duration(float64(delay) * jitter)
		log.Printf("mqtt: connect attempt %d failed: %v (retrying in %s)", attempt, err, wait)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}

		delay *= 2
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
	}
	return fmt.Errorf("giving up after %d attempt(s): %w", connectAttempts, err)
}

// watchSignals turns the first SIGINT or SIGTERM into a stop request, which
// still drains pending confirmations, and a second one into cancellation.
// The returned function stops watching.
func watchSignals(target aborter, cancel context.CancelFunc) func() {
	sig := make(chan os.Signal, 2)
	signalNotifyFunc(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
		case <-done:
			return
		}
		log.Println("longhaul: interrupt received, stopping run (repeat to skip the drain)")
		target.Abort(harness.ReasonStopRequested)

		select {
		case <-sig:
			log.Println("longhaul: second interrupt, cancelling")
			cancel()
		case <-done:
		}
	}()

	return func() {
		signalStopFunc(sig)
		close(done)
	}
}
