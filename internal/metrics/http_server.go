package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const baseUrlV1 = "/api/v1"

// ProgressFunc returns a JSON-encodable snapshot of the running test, or nil
// when no run is active.
type ProgressFunc func() any

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithProgress exposes the value returned by fn on /api/v1/progress.
func WithProgress(fn ProgressFunc) ServerOption {
	return func(s *Server) {
		s.progress = fn
	}
}

// WithGatherer serves metrics from the given gatherer instead of the default one.
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		if gatherer != nil {
			s.gatherer = gatherer
		}
	}
}

// Server exposes Prometheus metrics, a health check and the live progress of
// the long-haul run over HTTP.
//
// Endpoints:
//   - GET /api/v1/metrics  - Prometheus exposition
//   - GET /api/v1/health   - liveness, always "OK"
//   - GET /api/v1/progress - JSON snapshot of the current run report
type Server struct {
	addr     string
	server   *http.Server
	progress ProgressFunc
	gatherer prometheus.Gatherer
}

// NewServer creates a metrics HTTP server that will listen on addr
// ("host:port"). The listener is not opened until Start or StartTLS.
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle(baseUrlV1+"/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(baseUrlV1+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Printf("metrics: health handler write error: %v", err)
		}
	})
	mux.HandleFunc(baseUrlV1+"/progress", s.handleProgress)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var snapshot any
	if s.progress != nil {
		snapshot = s.progress()
	}
	if snapshot == nil {
		http.Error(w, "no run in progress", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Printf("metrics: progress handler write error: %v", err)
	}
}

// Start serves plain HTTP and blocks until Shutdown. http.ErrServerClosed is
// not reported as an error.
func (s *Server) Start() error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}

	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	log.Printf("metrics: starting HTTP server on %s", s.addr)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTP server error: %w", err)
	}

	log.Println("metrics: HTTP server stopped")
	return nil
}

// StartTLS serves HTTPS, optionally verifying client certificates against
// caFile, and blocks until Shutdown.
func (s *Server) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}

	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	tlsConfig, err := serverTLSConfig(certFile, keyFile, caFile, clientAuth)
	if err != nil {
		return fmt.Errorf("metrics: configure TLS: %w", err)
	}
	s.server.TLSConfig = tlsConfig

	log.Printf("metrics: starting HTTPS server on %s (cert %s)", s.addr, certFile)
	if caFile != "" {
		log.Printf("metrics: using custom CA certificate from %s for client verification", caFile)
	}

	err = s.server.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTPS server error: %w", err)
	}

	log.Println("metrics: HTTPS server stopped")
	return nil
}

// Shutdown gracefully stops the server within the deadline of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown error: %w", err)
	}

	log.Println("metrics: HTTP server shutdown complete")
	return nil
}

func serverTLSConfig(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("certificate and key files are required")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
	} else if clientAuth == tls.RequireAndVerifyClientCert {
		return nil, errors.New("client certificate verification requires a CA file")
	}

	return tlsConfig, nil
}

// validateAddress checks that addr is a host:port pair whose host resolves.
func validateAddress(addr string) error {
	if addr == "" {
		return errors.New("empty address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port format: %w", err)
	}

	if port == "" {
		return errors.New("port is required")
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return nil
	}

	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}

	return nil
}
