// Package mqtt is the device transport used by the long-haul harness. It
// publishes telemetry at QoS 1 and reports each publish outcome as an
// asynchronous confirmation, maps connection events to status changes, and
// delivers cloud-to-device messages with manual acknowledgement.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"longhaul-telemetry/internal/clock"
	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/telemetry"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const (
	defaultKeepAlive      = 20 * time.Second
	defaultPublishTimeout = 30 * time.Second
	connectTimeout        = 10 * time.Second
	closeWaitTimeout      = 5 * time.Second
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("mqtt: client closed")
)

// Config holds the broker connection and topic layout of one device.
type Config struct {
	BrokerURL      string        // e.g., "tcp://127.0.0.1:1883" or "ssl://hub.example.com:8883"
	DeviceID       string        // device identity; used in the default topics
	ClientID       string        // optional; defaults to DeviceID
	Username       string        // optional
	Password       string        // optional
	TLSCAFile      string        // optional; CA bundle for TLS brokers
	TLSCertFile    string        // optional; X.509 device certificate (PEM)
	TLSKeyFile     string        // optional; private key of TLSCertFile (PEM)
	QoS            byte          // 0 or 1; telemetry confirmations need 1
	KeepAlive      time.Duration // optional; defaults to 20s
	PublishTimeout time.Duration // optional; confirmations slower than this report message_timeout
	TelemetryTopic string        // optional; defaults to devices/{id}/messages/events/
	CommandTopic   string        // optional; defaults to devices/{id}/messages/devicebound/#
}

// Client is a device-side MQTT transport built on the Eclipse Paho library.
// It is safe for concurrent use.
type Client struct {
	config                    Config
	pahoClient                paho.Client
	clockSource               clock.Clock
	initialSubscriptionOnce   sync.Once
	initialSubscriptionResult chan error
	connectAttempts           int32

	handlersMu sync.RWMutex
	onConfirm  telemetry.ConfirmationHandler
	onStatus   telemetry.ConnectionStatusHandler
	onMessage  telemetry.MessageHandler

	inflight  sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient validates the configuration and constructs the client. The
// network connection is not opened until Connect is called.
func NewClient(config Config) (*Client, error) {
	if config.BrokerURL == "" {
		return nil, errors.New("mqtt: BrokerURL required")
	}
	if config.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID required")
	}
	if config.ClientID == "" {
		config.ClientID = config.DeviceID
	}
	if config.QoS > 1 {
		config.QoS = 1
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaultKeepAlive
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}
	if config.TelemetryTopic == "" {
		config.TelemetryTopic = TelemetryTopic(config.DeviceID)
	}
	if config.CommandTopic == "" {
		config.CommandTopic = CommandTopic(config.DeviceID)
	}

	client := newClient(config)

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetKeepAlive(config.KeepAlive).
		SetPingTimeout(5 * time.Second).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			client.handleMessage(msg)
		}).
		SetOnConnectHandler(func(pc paho.Client) {
			client.handleConnect(pc)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			client.handleConnectionLost(err)
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			log.Printf("mqtt: reconnecting to %s", config.BrokerURL)
		})

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	if (config.TLSCertFile != "" || config.TLSKeyFile != "") && !isTLSBroker(config.BrokerURL) {
		return nil, errors.New("mqtt: X.509 device authentication requires a TLS broker URL")
	}

	if isTLSBroker(config.BrokerURL) {
		tlsConfig, err := createMQTTTLSConfig(config)
		if err != nil {
			return nil, fmt.Errorf("mqtt: TLS configuration failed: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client.pahoClient = paho.NewClient(opts)
	return client, nil
}

func newClient(config Config) *Client {
	return &Client{
		config:                    config,
		clockSource:               clock.RealClock{},
		initialSubscriptionResult: make(chan error, 1),
		closing:                   make(chan struct{}),
	}
}

// TelemetryTopic is the default device-to-cloud topic prefix for deviceID.
func TelemetryTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// CommandTopic is the default cloud-to-device subscription filter for deviceID.
func CommandTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

// isTLSBroker reports whether the broker URL scheme implies a TLS transport.
func isTLSBroker(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "tls://") ||
		strings.HasPrefix(lower, "mqtts://") ||
		strings.HasPrefix(lower, "tcps://")
}

// createMQTTTLSConfig builds a tls.Config using either the custom CA
// certificate specified in Config.TLSCAFile or the system certificate pool.
// A device certificate and key, when configured, authenticate the device.
func createMQTTTLSConfig(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if config.TLSCertFile != "" || config.TLSKeyFile != "" {
		if config.TLSCertFile == "" || config.TLSKeyFile == "" {
			return nil, errors.New("device certificate and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load device key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		log.Printf("mqtt: using X.509 device certificate from %s", config.TLSCertFile)
	}

	if config.TLSCAFile != "" {
		caCert, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caCertPool
		log.Printf("mqtt: using custom CA certificate from %s", config.TLSCAFile)
	} else {
		systemCAs, err := x509.SystemCertPool()
		if err != nil {
			log.Printf("mqtt: failed to load system CA pool: %v, using empty pool", err)
			systemCAs = x509.NewCertPool()
		}
		tlsConfig.RootCAs = systemCAs
	}

	return tlsConfig, nil
}

// SetConfirmationHandler registers the receiver of publish outcomes.
func (c *Client) SetConfirmationHandler(h telemetry.ConfirmationHandler) {
	c.handlersMu.Lock()
	c.onConfirm = h
	c.handlersMu.Unlock()
}

// SetConnectionStatusHandler registers the receiver of status changes.
func (c *Client) SetConnectionStatusHandler(h telemetry.ConnectionStatusHandler) {
	c.handlersMu.Lock()
	c.onStatus = h
	c.handlersMu.Unlock()
}

// SetMessageHandler registers the receiver of cloud-to-device messages.
func (c *Client) SetMessageHandler(h telemetry.MessageHandler) {
	c.handlersMu.Lock()
	c.onMessage = h
	c.handlersMu.Unlock()
}

// Connect opens the connection and blocks until the command subscription
// completes or a ten-second timeout elapses. A refused login is reported as
// an unauthenticated status with reason bad_credential.
func (c *Client) Connect() error {
	if c.pahoClient == nil {
		return errors.New("mqtt: client not initialized")
	}

	token := c.pahoClient.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt: connect timeout")
	}

	if err := token.Error(); err != nil {
		c.notifyStatus(telemetry.StatusUnauthenticated, reasonForConnectError(err))
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	select {
	case err, ok := <-c.initialSubscriptionResult:
		if !ok || err == nil {
			return nil
		}
		return err
	case <-c.afterDuration(connectTimeout):
		return errors.New("mqtt: initial subscribe timeout")
	}
}

func (c *Client) afterDuration(d time.Duration) <-chan time.Time {
	if c.clockSource == nil {
		return time.After(d)
	}
	return c.clockSource.After(d)
}

// Send publishes msg and returns without waiting for the broker. The outcome
// is delivered to the confirmation handler once the publish token completes,
// the publish timeout elapses or the client is closed.
func (c *Client) Send(ctx context.Context, id telemetry.TrackingID, msg telemetry.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.pahoClient == nil {
		return errors.New("mqtt: client not initialized")
	}

	topic := PublishTopic(c.config.TelemetryTopic, msg)
	start := c.clockSource.Now()
	token := c.pahoClient.Publish(topic, c.config.QoS, false, msg.Body)

	c.inflight.Add(1)
	go c.awaitConfirmation(id, token, start)
	return nil
}

func (c *Client) awaitConfirmation(id telemetry.TrackingID, token paho.Token, start time.Time) {
	defer c.inflight.Done()

	result := telemetry.ConfirmationOK
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			// Disconnect fails every outstanding token.
			if c.closed.Load() {
				result = telemetry.ConfirmationBecauseDestroy
			} else {
				log.Printf("mqtt: publish %s failed: %v", id, err)
				result = telemetry.ConfirmationError
			}
		}
	case <-c.afterDuration(c.config.PublishTimeout):
		log.Printf("mqtt: publish %s not confirmed within %s", id, c.config.PublishTimeout)
		result = telemetry.ConfirmationMessageTimeout
	case <-c.closing:
		result = telemetry.ConfirmationBecauseDestroy
	}
	metrics.RecordMQTTPublish(clock.Since(c.clockSource, start))

	c.handlersMu.RLock()
	confirm := c.onConfirm
	c.handlersMu.RUnlock()
	if confirm != nil {
		confirm(id, result)
	}
}

// Close resolves publishes that are still unconfirmed as because_destroy,
// disconnects from the broker with a 250 ms quiesce period and waits briefly
// for the confirmations to be delivered.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)

		if c.pahoClient != nil && c.pahoClient.IsConnectionOpen() {
			metrics.RecordMQTTDisconnect()
			c.pahoClient.Disconnect(250) // ms
		}

		done := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeWaitTimeout):
			log.Printf("mqtt: close timed out waiting for publish confirmations")
		}
	})
}

// handleConnect resubscribes to the command topic on every connection
// (including reconnections), reports the authenticated status and signals
// completion of the initial subscription.
func (c *Client) handleConnect(pahoClient paho.Client) {
	if err := c.subscribe(pahoClient); err != nil {
		log.Printf("mqtt: subscribe failed: %v", err)
		c.completeInitialSubscription(fmt.Errorf("mqtt: subscribe failed: %w", err))
		return
	}

	if atomic.AddInt32(&c.connectAttempts, 1) > 1 {
		metrics.RecordMQTTReconnect()
		log.Printf("mqtt: re-subscribed to %s (QoS=%d)", c.config.CommandTopic, c.config.QoS)
	} else {
		log.Printf("mqtt: subscribed to %s (QoS=%d)", c.config.CommandTopic, c.config.QoS)
	}

	metrics.RecordMQTTConnect()
	c.notifyStatus(telemetry.StatusAuthenticated, telemetry.ReasonConnectionOK)
	c.completeInitialSubscription(nil)
}

func (c *Client) handleConnectionLost(err error) {
	metrics.RecordMQTTDisconnect()
	if err != nil {
		log.Printf("mqtt: connection lost: %v", err)
	} else {
		log.Printf("mqtt: connection lost (reason unknown)")
	}
	c.notifyStatus(telemetry.StatusUnauthenticated, reasonForConnectionLost(err))
}

// subscribe issues the command subscription and blocks until it is
// acknowledged or times out.
func (c *Client) subscribe(pahoClient paho.Client) error {
	topic := c.config.CommandTopic
	token := pahoClient.Subscribe(topic, c.config.QoS, nil)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// completeInitialSubscription delivers the result of the first subscription
// attempt exactly once, unblocking the Connect caller.
func (c *Client) completeInitialSubscription(err error) {
	c.initialSubscriptionOnce.Do(func() {
		c.initialSubscriptionResult <- err
		close(c.initialSubscriptionResult)
	})
}

func (c *Client) notifyStatus(status telemetry.ConnectionStatus, reason telemetry.StatusReason) {
	c.handlersMu.RLock()
	h := c.onStatus
	c.handlersMu.RUnlock()
	if h != nil {
		h(status, reason)
	}
}

// reasonForConnectError classifies an initial connect failure.
func reasonForConnectError(err error) telemetry.StatusReason {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return telemetry.ReasonBadCredential
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return telemetry.ReasonDeviceDisabled
	case errors.Is(err, packets.ErrorNetworkError):
		return telemetry.ReasonNoNetwork
	default:
		return telemetry.ReasonCommunicationError
	}
}

// reasonForConnectionLost classifies a dropped connection. Paho reports a
// missed keepalive as "pingresp not received".
func reasonForConnectionLost(err error) telemetry.StatusReason {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "pingresp") {
		return telemetry.ReasonNoPingResponse
	}
	return telemetry.ReasonCommunicationError
}
