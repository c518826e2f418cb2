package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"longhaul-telemetry/internal/config"
	"longhaul-telemetry/internal/harness"
	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/telemetry"
	"longhaul-telemetry/testutil"
)

type stubTransport struct {
	mu          sync.Mutex
	onConfirm   telemetry.ConfirmationHandler
	onStatus    telemetry.ConnectionStatusHandler
	onMessage   telemetry.MessageHandler
	connectErrs []error
	connects    int
	closes      int
	sends       int

	// afterSend runs on its own goroutine after every accepted send.
	afterSend func(s *stubTransport, id telemetry.TrackingID)
}

func (s *stubTransport) SetConfirmationHandler(h telemetry.ConfirmationHandler) {
	s.mu.Lock()
	s.onConfirm = h
	s.mu.Unlock()
}

func (s *stubTransport) SetConnectionStatusHandler(h telemetry.ConnectionStatusHandler) {
	s.mu.Lock()
	s.onStatus = h
	s.mu.Unlock()
}

func (s *stubTransport) SetMessageHandler(h telemetry.MessageHandler) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

func (s *stubTransport) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if s.onStatus != nil {
			s.onStatus(telemetry.StatusUnauthenticated, telemetry.ReasonBadCredential)
		}
		return err
	}
	if s.onStatus != nil {
		s.onStatus(telemetry.StatusAuthenticated, telemetry.ReasonConnectionOK)
	}
	return nil
}

func (s *stubTransport) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *stubTransport) Send(_ context.Context, id telemetry.TrackingID, _ telemetry.Message) error {
	s.mu.Lock()
	s.sends++
	after := s.afterSend
	s.mu.Unlock()
	if after == nil {
		after = confirmOK
	}
	go after(s, id)
	return nil
}

func (s *stubTransport) confirm(id telemetry.TrackingID, result telemetry.ConfirmationResult) {
	s.mu.Lock()
	h := s.onConfirm
	s.mu.Unlock()
	if h != nil {
		h(id, result)
	}
}

func (s *stubTransport) deliver(msg telemetry.InboundMessage) {
	s.mu.Lock()
	h := s.onMessage
	s.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (s *stubTransport) counts() (connects, closes, sends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.closes, s.sends
}

func confirmOK(s *stubTransport, id telemetry.TrackingID) {
	s.confirm(id, telemetry.ConfirmationOK)
}

type stubMetricsServer struct {
	mu          sync.Mutex
	startErr    error
	started     bool
	startedTLS  bool
	tlsCertFile string
	clientAuth  tls.ClientAuthType
	progress    metrics.ProgressFunc
	shutdowns   int
	stop        chan struct{}
	stopOnce    sync.Once
}

func newStubMetricsServer() *stubMetricsServer {
	return &stubMetricsServer{stop: make(chan struct{})}
}

func (s *stubMetricsServer) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	<-s.stop
	return nil
}

func (s *stubMetricsServer) StartTLS(certFile, _, _ string, clientAuth tls.ClientAuthType) error {
	s.mu.Lock()
	s.startedTLS = true
	s.tlsCertFile = certFile
	s.clientAuth = clientAuth
	s.mu.Unlock()
	<-s.stop
	return nil
}

func (s *stubMetricsServer) Shutdown(context.Context) error {
	s.mu.Lock()
	s.shutdowns++
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MQTT.DeviceID = "test-device"
	cfg.Run.Duration = 300 * time.Millisecond
	cfg.Run.SendInterval = 100 * time.Millisecond
	cfg.Run.DrainTimeout = 500 * time.Millisecond
	cfg.Metrics.Enabled = false
	return cfg
}

func withStubbedDeps(t *testing.T, cfg config.Config, tr *stubTransport) *stubMetricsServer {
	t.Helper()

	origLoadConfig := loadConfigFunc
	origConfigLoad := configLoadFunc
	origNewTransport := newTransportFunc
	origConnect := connectTransportFunc
	origNewMetricsServer := newMetricsServerFunc
	origSignalNotify := signalNotifyFunc
	origSignalStop := signalStopFunc

	t.Cleanup(func() {
		loadConfigFunc = origLoadConfig
		configLoadFunc = origConfigLoad
		newTransportFunc = origNewTransport
		connectTransportFunc = origConnect
		newMetricsServerFunc = origNewMetricsServer
		signalNotifyFunc = origSignalNotify
		signalStopFunc = origSignalStop
	})

	server := newStubMetricsServer()
	loadConfigFunc = func() (config.Config, error) { return cfg, nil }
	newTransportFunc = func(config.Config) (transport, error) { return tr, nil }
	connectTransportFunc = func(_ context.Context, c transport) error { return c.Connect() }
	newMetricsServerFunc = func(_ string, progress metrics.ProgressFunc) metricsServer {
		server.progress = progress
		return server
	}
	signalNotifyFunc = func(chan<- os.Signal, ...os.Signal) {}
	signalStopFunc = func(chan<- os.Signal) {}
	return server
}

func decodeReport(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, data)
	}
	return decoded
}

func TestRun_HelpFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-h"}, &stdout, &stderr); code != exitPassed {
		t.Fatalf("exit code = %d, want %d", code, exitPassed)
	}
	if !strings.Contains(stdout.String(), "Usage of longhaul") {
		t.Fatalf("usage not printed: %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "-interval") {
		t.Fatalf("usage missing flags: %q", stdout.String())
	}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown flag", []string{"-bogus"}, "parse flags"},
		{"extra argument", []string{"extra"}, "unexpected arguments"},
		{"negative duration", []string{"-duration", "-1s"}, "-duration must be positive"},
		{"zero interval", []string{"-interval", "0s"}, "-interval must be positive"},
		{"unknown format", []string{"-format", "xml"}, "-format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &stubTransport{}
			withStubbedDeps(t, testConfig(), tr)

			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != exitUsage {
				t.Fatalf("exit code = %d, want %d", code, exitUsage)
			}
			if !strings.Contains(stderr.String(), tt.want) {
				t.Fatalf("stderr = %q, want substring %q", stderr.String(), tt.want)
			}
			if connects, _, _ := tr.counts(); connects != 0 {
				t.Fatal("transport must not be used on usage errors")
			}
		})
	}
}

func TestRun_ConfigError(t *testing.T) {
	withStubbedDeps(t, testConfig(), &stubTransport{})
	configLoadFunc = func() (config.Config, error) {
		return config.Config{}, errors.New("config: MQTT_DEVICE_ID is required")
	}
	loadConfigFunc = loadConfig

	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != exitStartup {
		t.Fatalf("exit code = %d, want %d", code, exitStartup)
	}
	if !strings.Contains(stderr.String(), "MQTT_DEVICE_ID") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRun_FlagOverridesAreValidated(t *testing.T) {
	withStubbedDeps(t, testConfig(), &stubTransport{})

	var stdout, stderr bytes.Buffer
	code := run([]string{"-duration", "1s", "-interval", "1m"}, &stdout, &stderr)
	if code != exitStartup {
		t.Fatalf("exit code = %d, want %d", code, exitStartup)
	}
	if !strings.Contains(stderr.String(), "exceeds run duration") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRun_TransportInitError(t *testing.T) {
	withStubbedDeps(t, testConfig(), &stubTransport{})
	newTransportFunc = func(config.Config) (transport, error) {
		return nil, errors.New("mqtt: BrokerURL required")
	}

	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != exitStartup {
		t.Fatalf("exit code = %d, want %d", code, exitStartup)
	}
	if !strings.Contains(stderr.String(), "mqtt init") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRun_ConnectError(t *testing.T) {
	tr := &stubTransport{connectErrs: []error{errors.New("connection refused")}}
	withStubbedDeps(t, testConfig(), tr)

	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != exitStartup {
		t.Fatalf("exit code = %d, want %d", code, exitStartup)
	}
	if !strings.Contains(stderr.String(), "mqtt connect: connection refused") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if _, closes, sends := tr.counts(); closes == 0 || sends != 0 {
		t.Fatalf("closes=%d sends=%d, want closed transport and no sends", closes, sends)
	}
}

func TestRun_RefusedConnectRetriedRunCompletes(t *testing.T) {
	origDelay := connectInitialDelay
	t.Cleanup(func() { connectInitialDelay = origDelay })
	connectInitialDelay = time.Millisecond

	tr := &stubTransport{connectErrs: []error{errors.New("not authorised")}}
	withStubbedDeps(t, testConfig(), tr)
	connectTransportFunc = connectWithRetry

	var stdout, stderr bytes.Buffer
	code := run([]string{"-format", "json"}, &stdout, &stderr)
	if code != exitPassed {
		t.Fatalf("exit code = %d, want %d (stderr=%q)", code, exitPassed, stderr.String())
	}

	decoded := decodeReport(t, stdout.Bytes())
	if decoded["state"] != "completed" || decoded["sends_attempted"].(float64) < 2 {
		t.Fatalf("state=%v sends=%v", decoded["state"], decoded["sends_attempted"])
	}
	if decoded["connection_transitions"] != float64(2) {
		t.Fatalf("connection_transitions = %v, want 2", decoded["connection_transitions"])
	}
	current := decoded["current_status"].(map[string]any)
	if current["status"] != "authenticated" || current["reason"] != "connection_ok" {
		t.Fatalf("current_status = %v", current)
	}
	if connects, _, _ := tr.counts(); connects != 2 {
		t.Fatalf("connects = %d, want 2", connects)
	}
}

func TestRun_SuccessPath(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	tr := &stubTransport{}
	server := withStubbedDeps(t, cfg, tr)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-format", "json", "-report", "-"}, &stdout, &stderr)
	if code != exitPassed {
		t.Fatalf("exit code = %d, want %d (stderr=%q)", code, exitPassed, stderr.String())
	}

	decoded := decodeReport(t, stdout.Bytes())
	if decoded["state"] != "completed" || decoded["valid"] != true {
		t.Fatalf("report state=%v valid=%v", decoded["state"], decoded["valid"])
	}
	sends := decoded["sends_attempted"].(float64)
	if sends < 2 || sends > 4 {
		t.Fatalf("sends_attempted = %v, want about 3", sends)
	}
	if decoded["confirmed_ok"] != sends || decoded["pending"] != float64(0) {
		t.Fatalf("confirmed_ok=%v pending=%v, want all confirmed", decoded["confirmed_ok"], decoded["pending"])
	}

	connects, closes, _ := tr.counts()
	if connects != 1 || closes == 0 {
		t.Fatalf("connects=%d closes=%d", connects, closes)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if !server.started || server.shutdowns == 0 {
		t.Fatalf("metrics server started=%v shutdowns=%d", server.started, server.shutdowns)
	}
	if server.progress == nil {
		t.Fatal("metrics server should expose run progress")
	}
	if _, ok := server.progress().(interface{ Balanced() bool }); !ok {
		t.Fatalf("progress returned %T, want a run report", server.progress())
	}
}

func TestRun_ReportFileYAML(t *testing.T) {
	withStubbedDeps(t, testConfig(), &stubTransport{})
	path := filepath.Join(t.TempDir(), "out", "report.yaml")

	var stdout, stderr bytes.Buffer
	code := run([]string{"-format", "yaml", "-report", path, "-duration", "200ms"}, &stdout, &stderr)
	if code != exitPassed {
		t.Fatalf("exit code = %d, want %d (stderr=%q)", code, exitPassed, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("nothing expected on stdout, got %q", stdout.String())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(content), "state: completed") {
		t.Fatalf("unexpected report:\n%s", content)
	}
}

func TestRun_InvalidRunExitsFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Run.Duration = time.Second
	tr := &stubTransport{
		afterSend: func(s *stubTransport, id telemetry.TrackingID) {
			s.confirm(id, telemetry.ConfirmationOK)
			s.confirm(id+1000, telemetry.ConfirmationOK)
		},
	}
	withStubbedDeps(t, cfg, tr)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-format", "text"}, &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("exit code = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(stdout.String(), "Verdict:  FAILED") {
		t.Fatalf("text report:\n%s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "consistency_violation") {
		t.Fatalf("text report missing abort reason:\n%s", stdout.String())
	}
}

func TestRun_StopMessageExitsZero(t *testing.T) {
	cfg := testConfig()
	cfg.Run.Duration = 10 * time.Second
	tr := &stubTransport{
		afterSend: func(s *stubTransport, id telemetry.TrackingID) {
			s.confirm(id, telemetry.ConfirmationOK)
			if id == 2 {
				s.deliver(telemetry.InboundMessage{MessageID: "c2d-1", Body: []byte("quit")})
			}
		},
	}
	withStubbedDeps(t, cfg, tr)

	start := time.Now()
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != exitPassed {
		t.Fatalf("exit code = %d, want %d (stderr=%q)", code, exitPassed, stderr.String())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stop message did not end the run early (%s)", elapsed)
	}

	decoded := decodeReport(t, stdout.Bytes())
	if decoded["state"] != "aborted" || decoded["abort_reason"] != "stop_requested" {
		t.Fatalf("state=%v reason=%v", decoded["state"], decoded["abort_reason"])
	}
	if decoded["receives"] != float64(1) {
		t.Fatalf("receives = %v, want 1", decoded["receives"])
	}
}

func TestRun_MetricsStartupFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Run.Duration = 10 * time.Second
	server := withStubbedDeps(t, cfg, &stubTransport{})
	server.startErr = errors.New("metrics: HTTP server error: address already in use")

	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != exitStartup {
		t.Fatalf("exit code = %d, want %d", code, exitStartup)
	}
	if !strings.Contains(stderr.String(), "address already in use") {
		t.Fatalf("stderr = %q", stderr.String())
	}

	decoded := decodeReport(t, stdout.Bytes())
	if decoded["abort_reason"] != "cancelled" {
		t.Fatalf("abort_reason = %v, want cancelled", decoded["abort_reason"])
	}
}

func TestRun_MetricsTLSUsesStartTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.TLSEnabled = true
	cfg.Metrics.TLSCertFile = "/certs/server.pem"
	cfg.Metrics.TLSKeyFile = "/certs/server.key"
	cfg.Metrics.TLSCAFile = "/certs/ca.pem"
	cfg.Metrics.TLSClientAuth = "require"
	server := withStubbedDeps(t, cfg, &stubTransport{})

	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != exitPassed {
		t.Fatalf("exit code = %d, want %d (stderr=%q)", code, exitPassed, stderr.String())
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if !server.startedTLS || server.started {
		t.Fatalf("startedTLS=%v started=%v", server.startedTLS, server.started)
	}
	if server.tlsCertFile != "/certs/server.pem" || server.clientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("cert=%q clientAuth=%v", server.tlsCertFile, server.clientAuth)
	}
}

func TestConnectWithRetry(t *testing.T) {
	origAttempts, origDelay, origMax := connectAttempts, connectInitialDelay, connectMaxDelay
	t.Cleanup(func() {
		connectAttempts, connectInitialDelay, connectMaxDelay = origAttempts, origDelay, origMax
	})
	connectAttempts = 3
	connectInitialDelay = time.Millisecond
	connectMaxDelay = 2 * time.Millisecond

	t.Run("succeeds after failures", func(t *testing.T) {
		tr := &stubTransport{connectErrs: []error{errors.New("a"), errors.New("b")}}
		if err := connectWithRetry(context.Background(), tr); err != nil {
			t.Fatalf("connectWithRetry returned %v", err)
		}
		if connects, _, _ := tr.counts(); connects != 3 {
			t.Fatalf("connects = %d, want 3", connects)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		last := errors.New("still down")
		tr := &stubTransport{connectErrs: []error{errors.New("a"), errors.New("b"), last}}
		err := connectWithRetry(context.Background(), tr)
		if !errors.Is(err, last) || !strings.Contains(err.Error(), "giving up after 3") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("stops on cancel", func(t *testing.T) {
		connectInitialDelay = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tr := &stubTransport{connectErrs: []error{errors.New("a"), errors.New("b")}}
		err := connectWithRetry(ctx, tr)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if connects, _, _ := tr.counts(); connects != 1 {
			t.Fatalf("connects = %d, want 1", connects)
		}
	})
}

type recordingAborter struct {
	mu      sync.Mutex
	reasons []harness.AbortReason
}

func (r *recordingAborter) Abort(reason harness.AbortReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return len(r.reasons) == 1
}

func (r *recordingAborter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func TestWatchSignals(t *testing.T) {
	withStubbedDeps(t, testConfig(), &stubTransport{})

	var captured chan<- os.Signal
	var notified []os.Signal
	signalNotifyFunc = func(c chan<- os.Signal, sigs ...os.Signal) {
		captured = c
		notified = sigs
	}
	stopped := false
	signalStopFunc = func(chan<- os.Signal) { stopped = true }

	target := &recordingAborter{}
	cancelled := make(chan struct{})
	stop := watchSignals(target, func() { close(cancelled) })

	if len(notified) != 2 || notified[0] != syscall.SIGINT || notified[1] != syscall.SIGTERM {
		t.Fatalf("notified for %v", notified)
	}

	captured <- syscall.SIGINT
	testutil.Eventually(t, "first signal to request a stop", func() bool { return target.count() > 0 })
	if target.count() != 1 || target.reasons[0] != harness.ReasonStopRequested {
		t.Fatalf("abort reasons = %v", target.reasons)
	}

	captured <- syscall.SIGTERM
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not cancel")
	}

	stop()
	if !stopped {
		t.Fatal("signal delivery not stopped")
	}
}

func TestParseClientAuth(t *testing.T) {
	tests := map[string]tls.ClientAuthType{
		"require": tls.RequireAndVerifyClientCert,
		"request": tls.RequestClientCert,
		"none":    tls.NoClientCert,
		"":        tls.NoClientCert,
		"bogus":   tls.NoClientCert,
	}
	for mode, want := range tests {
		if got := parseClientAuth(mode); got != want {
			t.Errorf("parseClientAuth(%q) = %v, want %v", mode, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	withStubbedDeps(t, testConfig(), &stubTransport{})

	configLoadFunc = func() (config.Config, error) { return testConfig(), nil }
	cfg, err := loadConfig()
	if err != nil || cfg.MQTT.DeviceID != "test-device" {
		t.Fatalf("loadConfig = %+v, %v", cfg.MQTT, err)
	}

	configLoadFunc = func() (config.Config, error) { return config.Config{}, errors.New("boom") }
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "config: boom") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewTransport(t *testing.T) {
	cfg := testConfig()
	client, err := newTransport(cfg)
	if err != nil || client == nil {
		t.Fatalf("newTransport = %v, %v", client, err)
	}

	cfg.MQTT.DeviceID = ""
	client, err = newTransport(cfg)
	if err == nil || client != nil {
		t.Fatalf("expected error and nil transport, got %v, %v", client, err)
	}
}
