// Package config provides configuration management for the long-haul telemetry harness.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"longhaul-telemetry/internal/telemetry"
)

// Environment constants define the application runtime environments.
const (
	EnvironmentDevelopment = "dev"
	EnvironmentProduction  = "prod"
	defaultBrokerURL       = "tcp://127.0.0.1:1883"
	defaultQoS             = 1
	defaultKeepAlive       = 20 * time.Second
	defaultPublishTimeout  = 30 * time.Second
	defaultDuration        = time.Hour
	defaultSendInterval    = time.Second
	defaultDrainTimeout    = 30 * time.Second
	defaultStopPayload     = "quit"
	defaultWindSpeedBase   = 10.0
	defaultMetricsBind     = "127.0.0.1:8080"
)

// Report formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// MQTT contains configuration for the device connection under test.
type MQTT struct {
	BrokerURL      string        `json:"broker_url"`      // MQTT broker URL (e.g., "tcp://localhost:1883" or "ssl://hub.example.com:8883")
	DeviceID       string        `json:"device_id"`       // Device identity; required
	ClientID       string        `json:"client_id"`       // MQTT client ID (defaults to the device ID)
	QoS            byte          `json:"qos"`             // Quality of Service level (0 or 1)
	Username       string        `json:"username"`        // MQTT username for authentication (optional)
	Password       string        `json:"password"`        // MQTT password for authentication (optional)
	TLSCAFile      string        `json:"tls_ca_file"`     // Path to CA certificate for TLS verification (optional)
	TLSCertFile    string        `json:"tls_cert_file"`   // Path to the X.509 device certificate (optional)
	TLSKeyFile     string        `json:"tls_key_file"`    // Path to the device private key (optional)
	KeepAlive      time.Duration `json:"keep_alive"`      // Keepalive interval
	PublishTimeout time.Duration `json:"publish_timeout"` // Publishes unconfirmed after this report message_timeout
	TelemetryTopic string        `json:"telemetry_topic"` // Device-to-cloud topic prefix (optional)
	CommandTopic   string        `json:"command_topic"`   // Cloud-to-device subscription filter (optional)
}

// Run contains the long-haul run parameters.
type Run struct {
	Duration       time.Duration `json:"duration"`        // Wall-clock bound of the send loop
	SendInterval   time.Duration `json:"send_interval"`   // Time between two sends
	DrainTimeout   time.Duration `json:"drain_timeout"`   // Upper bound on waiting for late confirmations
	StopPayload    string        `json:"stop_payload"`    // Inbound body that requests a stop
	MaxEvents      int           `json:"max_events"`      // Cap per event log (0 = unbounded)
	WindSpeedBase  float64       `json:"wind_speed_base"` // Base of the simulated sensor reading
	PayloadPadding int           `json:"payload_padding"` // Filler bytes added to every payload
}

// Report contains run report output settings.
type Report struct {
	Format string `json:"format"` // "json", "yaml" or "text"
	Path   string `json:"path"`   // Output file; empty or "-" writes to stdout
}

// Metrics contains Prometheus metrics server configuration
type Metrics struct {
	Bind          string `json:"bind"`            // Bind address for metrics server (e.g., "127.0.0.1:8080")
	Enabled       bool   `json:"enabled"`         // Enable metrics server
	TLSEnabled    bool   `json:"tls_enabled"`     // Enable TLS for metrics server
	TLSCertFile   string `json:"tls_cert_file"`   // Path to server certificate for TLS
	TLSKeyFile    string `json:"tls_key_file"`    // Path to server private key for TLS
	TLSCAFile     string `json:"tls_ca_file"`     // Path to CA certificate for mTLS client verification (optional)
	TLSClientAuth string `json:"tls_client_auth"` // mTLS client auth mode: "none", "request", "require" (default: "none")
}

// Config holds the complete application configuration.
type Config struct {
	MQTT        MQTT    `json:"mqtt"`        // Device connection configuration
	Run         Run     `json:"run"`         // Run parameters
	Report      Report  `json:"report"`      // Report output
	Metrics     Metrics `json:"metrics"`     // Metrics server configuration
	Environment string  `json:"environment"` // Runtime environment ("dev" or "prod")
}

// Default returns the configuration used before any environment override.
func Default() Config {
	return Config{
		MQTT: MQTT{
			BrokerURL:      defaultBrokerURL,
			QoS:            defaultQoS,
			KeepAlive:      defaultKeepAlive,
			PublishTimeout: defaultPublishTimeout,
		},
		Run: Run{
			Duration:      defaultDuration,
			SendInterval:  defaultSendInterval,
			DrainTimeout:  defaultDrainTimeout,
			StopPayload:   defaultStopPayload,
			WindSpeedBase: defaultWindSpeedBase,
		},
		Report: Report{
			Format: FormatJSON,
		},
		Metrics: Metrics{
			Bind:          defaultMetricsBind, // Default to localhost only
			Enabled:       true,
			TLSClientAuth: "none",
		},
		Environment: EnvironmentDevelopment,
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// It applies defaults first, then overrides with environment variables.
// Returns an error if the required configuration is missing or invalid.
func Load() (Config, error) {
	configuration := Default()

	if err := applyMQTTEnvVars(&configuration); err != nil {
		return configuration, err
	}
	if err := applyRunEnvVars(&configuration); err != nil {
		return configuration, err
	}
	if err := applyReportEnvVars(&configuration); err != nil {
		return configuration, err
	}
	if err := applyMetricsEnvVars(&configuration); err != nil {
		return configuration, err
	}
	if err := applyEnvironmentEnvVars(&configuration); err != nil {
		return configuration, err
	}

	if err := configuration.Validate(); err != nil {
		return configuration, err
	}

	return configuration, nil
}

// applyMQTTEnvVars reads MQTT environment variables and applies them to the provided configuration.
// MQTT_BROKER_URL picks the broker, MQTT_DEVICE_ID names the device under test,
// and MQTT_QOS clamps QoS to 0 or 1.
func applyMQTTEnvVars(configuration *Config) error {
	configuration.MQTT.BrokerURL = GetEnvDefault("MQTT_BROKER_URL", configuration.MQTT.BrokerURL)
	configuration.MQTT.DeviceID = GetEnvDefault("MQTT_DEVICE_ID", configuration.MQTT.DeviceID)
	configuration.MQTT.ClientID = GetEnvDefault("MQTT_CLIENT_ID", configuration.MQTT.ClientID)
	// Topic filters may contain '#', so they bypass inline comment stripping.
	if v := strings.TrimSpace(os.Getenv("MQTT_TELEMETRY_TOPIC")); v != "" {
		configuration.MQTT.TelemetryTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("MQTT_COMMAND_TOPIC")); v != "" {
		configuration.MQTT.CommandTopic = v
	}
	configuration.MQTT.KeepAlive = ParseDurationEnv("MQTT_KEEPALIVE", configuration.MQTT.KeepAlive)
	configuration.MQTT.PublishTimeout = ParseDurationEnv("MQTT_PUBLISH_TIMEOUT", configuration.MQTT.PublishTimeout)

	if v := os.Getenv("MQTT_QOS"); v != "" {
		qos, err := strconv.Atoi(cleanEnvValue(v))
		if err != nil {
			return errors.New("config: MQTT_QOS must be a number (0 or 1)")
		}
		if qos < 0 {
			qos = 0
		}
		if qos > 1 {
			qos = 1
		}
		configuration.MQTT.QoS = byte(qos)
	}

	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		configuration.MQTT.Username = v
	}

	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		configuration.MQTT.Password = v
	}

	// MQTT_PASSWORD_FILE wins over MQTT_PASSWORD
	if passwordFile := os.Getenv("MQTT_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := readSecretFile(passwordFile)
		if err != nil {
			return fmt.Errorf("config: failed to read MQTT_PASSWORD_FILE: %w", err)
		}
		configuration.MQTT.Password = strings.TrimSpace(string(passwordBytes))
	}

	if v := os.Getenv("MQTT_TLS_CA_FILE"); v != "" {
		configuration.MQTT.TLSCAFile = v
	}

	// X.509 device authentication
	configuration.MQTT.TLSCertFile = GetEnvDefault("MQTT_TLS_CERT_FILE", configuration.MQTT.TLSCertFile)
	configuration.MQTT.TLSKeyFile = GetEnvDefault("MQTT_TLS_KEY_FILE", configuration.MQTT.TLSKeyFile)

	return nil
}

func readSecretFile(path string) ([]byte, error) {
	absPath, err := sanitizeAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	return readFileWithinRoot(absPath)
}

func sanitizeAbsolutePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("config: empty file path")
	}
	clean := filepath.Clean(path)
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	return abs, nil
}

func readFileWithinRoot(absPath string) ([]byte, error) {
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	f, err := os.OpenInRoot(dir, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("error closing file: %v", err)
		}
	}()
	return io.ReadAll(f)
}

// applyRunEnvVars reads the long-haul run parameters.
func applyRunEnvVars(configuration *Config) error {
	configuration.Run.Duration = ParseDurationEnv("LONGHAUL_DURATION", configuration.Run.Duration)
	configuration.Run.SendInterval = ParseDurationEnv("LONGHAUL_SEND_INTERVAL", configuration.Run.SendInterval)
	configuration.Run.DrainTimeout = ParseDurationEnv("LONGHAUL_DRAIN_TIMEOUT", configuration.Run.DrainTimeout)
	configuration.Run.MaxEvents = ParsePositiveEnvInt("LONGHAUL_MAX_EVENTS", configuration.Run.MaxEvents)
	configuration.Run.PayloadPadding = ParsePositiveEnvInt("LONGHAUL_PAYLOAD_PADDING", configuration.Run.PayloadPadding)

	// The stop payload is matched verbatim, so only surrounding whitespace is trimmed.
	if v, ok := os.LookupEnv("LONGHAUL_STOP_PAYLOAD"); ok && strings.TrimSpace(v) != "" {
		configuration.Run.StopPayload = strings.TrimSpace(v)
	}

	if v := os.Getenv("LONGHAUL_WIND_SPEED_BASE"); v != "" {
		base, err := strconv.ParseFloat(cleanEnvValue(v), 64)
		if err != nil {
			return fmt.Errorf("config: LONGHAUL_WIND_SPEED_BASE must be a number, got %q", v)
		}
		configuration.Run.WindSpeedBase = base
	}

	return nil
}

// applyReportEnvVars reads REPORT_FORMAT and REPORT_PATH.
func applyReportEnvVars(configuration *Config) error {
	configuration.Report.Format = strings.ToLower(GetEnvDefault("REPORT_FORMAT", configuration.Report.Format))
	configuration.Report.Path = GetEnvDefault("REPORT_PATH", configuration.Report.Path)
	return nil
}

// applyMetricsEnvVars reads Prometheus metrics server environment variables
func applyMetricsEnvVars(configuration *Config) error {
	configuration.Metrics.Bind = GetEnvDefault("METRICS_BIND", configuration.Metrics.Bind)
	configuration.Metrics.Enabled = ParseBoolEnv("METRICS_ENABLED", configuration.Metrics.Enabled)
	configuration.Metrics.TLSEnabled = ParseBoolEnv("METRICS_TLS_ENABLED", configuration.Metrics.TLSEnabled)

	// Use component-specific TLS files if set, otherwise fall back to shared TLS_* variables
	configuration.Metrics.TLSCertFile = GetEnvDefault("METRICS_TLS_CERT_FILE", os.Getenv("TLS_CERT_FILE"))
	configuration.Metrics.TLSKeyFile = GetEnvDefault("METRICS_TLS_KEY_FILE", os.Getenv("TLS_KEY_FILE"))
	configuration.Metrics.TLSCAFile = GetEnvDefault("METRICS_TLS_CA_FILE", os.Getenv("TLS_CA_FILE"))

	if v := os.Getenv("METRICS_TLS_CLIENT_AUTH"); v != "" {
		configuration.Metrics.TLSClientAuth = strings.ToLower(strings.TrimSpace(v))
	} else {
		configuration.Metrics.TLSClientAuth = "none"
	}

	return nil
}

// applyEnvironmentEnvVars normalizes ENVIRONMENT into "dev" or "prod".
// Valid inputs are "dev"/"development" and "prod"/"production"; other values error out.
func applyEnvironmentEnvVars(configuration *Config) error {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		env := strings.ToLower(strings.TrimSpace(v))

		switch env {
		case "dev", "development":
			configuration.Environment = EnvironmentDevelopment
		case "prod", "production":
			configuration.Environment = EnvironmentProduction
		default:
			return errors.New("config: ENVIRONMENT must be 'dev' or 'prod'")
		}
	}

	return nil
}

// Validate checks that required configuration fields are present and valid.
// It is exported so command-line overrides can be re-checked after Load.
func (cfg *Config) Validate() error {
	if cfg.MQTT.BrokerURL == "" {
		return errors.New("config: MQTT_BROKER_URL is required")
	}
	if cfg.MQTT.DeviceID == "" {
		return errors.New("config: MQTT_DEVICE_ID is required")
	}

	if cfg.Run.Duration <= 0 {
		return errors.New("config: LONGHAUL_DURATION must be positive")
	}
	if cfg.Run.SendInterval <= 0 {
		return errors.New("config: LONGHAUL_SEND_INTERVAL must be positive")
	}
	if cfg.Run.SendInterval > cfg.Run.Duration {
		return fmt.Errorf("config: send interval %s exceeds run duration %s", cfg.Run.SendInterval, cfg.Run.Duration)
	}
	if cfg.Run.DrainTimeout < 0 {
		return errors.New("config: LONGHAUL_DRAIN_TIMEOUT must not be negative")
	}
	if cfg.Run.PayloadPadding < 0 || cfg.Run.PayloadPadding >= telemetry.MaxMessageSize {
		return fmt.Errorf("config: LONGHAUL_PAYLOAD_PADDING must be below %d bytes", telemetry.MaxMessageSize)
	}

	if (cfg.MQTT.TLSCertFile == "") != (cfg.MQTT.TLSKeyFile == "") {
		return errors.New("config: MQTT_TLS_CERT_FILE and MQTT_TLS_KEY_FILE must be set together")
	}

	switch cfg.Report.Format {
	case FormatJSON, FormatYAML, FormatText:
	default:
		return fmt.Errorf("config: REPORT_FORMAT must be 'json', 'yaml', or 'text', got %q", cfg.Report.Format)
	}

	if cfg.Environment != EnvironmentDevelopment && cfg.Environment != EnvironmentProduction {
		return errors.New("config: environment must be 'dev' or 'prod'")
	}

	if cfg.Metrics.TLSEnabled {
		if cfg.Metrics.TLSCertFile == "" {
			return errors.New("config: METRICS_TLS_CERT_FILE is required when METRICS_TLS_ENABLED=true")
		}
		if cfg.Metrics.TLSKeyFile == "" {
			return errors.New("config: METRICS_TLS_KEY_FILE is required when METRICS_TLS_ENABLED=true")
		}

		validClientAuthModes := map[string]bool{
			"none":    true,
			"request": true,
			"require": true,
		}
		if !validClientAuthModes[cfg.Metrics.TLSClientAuth] {
			return fmt.Errorf("config: METRICS_TLS_CLIENT_AUTH must be 'none', 'request', or 'require', got %q", cfg.Metrics.TLSClientAuth)
		}

		if cfg.Metrics.TLSClientAuth == "require" && cfg.Metrics.TLSCAFile == "" {
			return errors.New("config: METRICS_TLS_CA_FILE is required when METRICS_TLS_CLIENT_AUTH=require")
		}
	}

	// Plain-text metrics on a public interface are refused in production.
	if cfg.Metrics.Enabled && !cfg.Metrics.TLSEnabled && cfg.IsProduction() && !isLoopbackBind(cfg.Metrics.Bind) {
		return errors.New("config: SECURITY: METRICS_TLS_ENABLED is required for a non-loopback METRICS_BIND in production mode")
	}

	return nil
}

func isLoopbackBind(bind string) bool {
	host := bind
	if idx := strings.LastIndex(bind, ":"); idx >= 0 {
		host = bind[:idx]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1"
}

// IsProduction returns true if the application is running in production mode.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

// IsDevelopment returns true if the application is running in development mode.
func (cfg *Config) IsDevelopment() bool {
	return cfg.Environment == EnvironmentDevelopment
}

// String returns a human-readable representation of the configuration.
// Credentials are never included.
func (cfg *Config) String() string {
	return "Config{" +
		"Environment=" + cfg.Environment +
		", MQTT.BrokerURL=" + cfg.MQTT.BrokerURL +
		", MQTT.DeviceID=" + cfg.MQTT.DeviceID +
		", Run.Duration=" + cfg.Run.Duration.String() +
		", Run.SendInterval=" + cfg.Run.SendInterval.String() +
		", Report.Format=" + cfg.Report.Format +
		"}"
}

// cleanEnvValue removes inline comments and trims whitespace from environment variable values.
// This handles systemd EnvironmentFile format where inline comments are included in the value.
// Example: "127.0.0.1:8080 # bind address" becomes "127.0.0.1:8080"
func cleanEnvValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if idx := strings.Index(cleaned, "#"); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[:idx])
	}
	return cleaned
}

// GetEnvDefault retrieves an environment variable or returns a fallback value.
// Empty or whitespace-only values are treated as unset.
// Inline comments (e.g., "value # comment") are stripped.
func GetEnvDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		cleaned := cleanEnvValue(value)
		if cleaned != "" {
			return cleaned
		}
	}
	return fallback
}

// ParsePositiveEnvInt reads an integer environment variable with validation.
// Returns the fallback if the variable is unset, invalid, or non-positive.
// Invalid or non-positive values are logged before falling back.
// Inline comments (e.g., "512 # comment") are stripped.
func ParsePositiveEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %d", key, value, fallback)
		return fallback
	}
	if parsed <= 0 {
		log.Printf("config: %s non-positive (%d), using fallback %d", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseDurationEnv reads a duration environment variable with validation.
// Values must include a unit suffix (e.g., "500ms", "30s", "5m").
// Returns the fallback if the variable is unset, invalid, or negative.
// Inline comments (e.g., "5s # comment") are stripped.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	hasUnit := false
	for i := 0; i < len(cleaned); i++ {
		ch := cleaned[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			hasUnit = true
			break
		}
	}
	if !hasUnit {
		log.Printf("config: %s missing duration unit (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	parsed, err := time.ParseDuration(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	if parsed < 0 {
		log.Printf("config: %s negative (%s), using fallback %s", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseBoolEnv interprets typical boolean environment values (true/false, 1/0, yes/no).
// Inline comments (e.g., "true # enable feature") are stripped.
func ParseBoolEnv(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	switch strings.ToLower(cleaned) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		log.Printf("config: %s has unrecognised boolean value %q, using fallback %v", key, value, fallback)
		return fallback
	}
}
