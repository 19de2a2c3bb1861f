// Package session owns the authenticated broker connection used for telemetry.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banchen21/esp32c3-oled/internal/credential"
)

// ProtocolV311 selects the MQTT 3.1.1 wire revision.
const ProtocolV311 = 4

// Quality of service levels used by the session.
const (
	qosAtMostOnce  byte = 0
	qosAtLeastOnce byte = 1
)

const disconnectQuiesce = 250 // milliseconds

var (
	// ErrPublishTimeout is returned when a publish is not written within the network timeout.
	ErrPublishTimeout = errors.New("publish timed out")
	// ErrConnectTimeout is returned when the broker does not accept the connection in time.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrSubscriptionRefused is returned when the broker refuses a subscription in its SUBACK.
	ErrSubscriptionRefused = errors.New("subscription refused by broker")
)

// Config holds the broker session parameters.
type Config struct {
	BrokerURL       string
	ClientID        string
	Credential      credential.Credential
	KeepAlive       time.Duration
	Timeout         time.Duration
	ProtocolVersion uint
}

// Session is a connected MQTT client publishing at-most-once and subscribing
// at-least-once.
type Session struct {
	cfg     Config
	client  mqtt.Client
	logger  *slog.Logger
	handler EventHandler
}

// BrokerURL turns a configured host into a paho server URL. Bare hosts get the tcp
// scheme and port; mqtt:// and mqtts:// are mapped to tcp:// and ssl://.
func BrokerURL(host string, port int) string {
	host = strings.TrimSpace(host)
	if scheme, rest, ok := strings.Cut(host, "://"); ok {
		switch scheme {
		case "mqtt":
			return "tcp://" + rest
		case "mqtts":
			return "ssl://" + rest
		default:
			return host
		}
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "tcp://" + host
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Open connects to the broker and returns once the CONNACK is received, the
// network timeout elapses, or ctx is cancelled. handler receives every inbound event
// on paho's goroutines and must not block.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, handler EventHandler) (*Session, error) {
	if handler == nil {
		handler = func(Event) {}
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = ProtocolV311
	}

	s := &Session{cfg: cfg, logger: logger, handler: handler}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Credential.Username).
		SetPassword(cfg.Credential.Password).
		SetProtocolVersion(cfg.ProtocolVersion).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.Timeout).
		SetConnectTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetDefaultPublishHandler(s.onMessage)
	opts.OnConnect = func(mqtt.Client) {
		s.handler(Event{Kind: EventConnected, Topic: cfg.BrokerURL})
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.handler(Event{Kind: EventError, Err: err})
	}
	if strings.HasPrefix(cfg.BrokerURL, "ssl://") || strings.HasPrefix(cfg.BrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if err := wait(ctx, tok, cfg.Timeout, ErrConnectTimeout); err != nil {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}

	logger.Info("mqtt session established", "broker", cfg.BrokerURL, "client_id", cfg.ClientID, "username", cfg.Credential.Username)
	return s, nil
}

// Subscribe registers interest in topic at QoS 1. A SUBACK refusing the topic is
// reported as ErrSubscriptionRefused.
func (s *Session) Subscribe(topic string) error {
	tok := s.client.Subscribe(topic, qosAtLeastOnce, s.onMessage)
	err := wait(context.Background(), tok, s.cfg.Timeout, ErrConnectTimeout)
	if granted, ok := tok.(*mqtt.SubscribeToken).Result()[topic]; ok && granted == 0x80 {
		return fmt.Errorf("subscribe %s: %w", topic, ErrSubscriptionRefused)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.logger.Info("mqtt subscribed", "topic", topic, "qos", qosAtLeastOnce)
	return nil
}

// Publish sends payload at QoS 0 and waits at most the network timeout for it to be
// written.
func (s *Session) Publish(topic string, payload []byte) error {
	tok := s.client.Publish(topic, qosAtMostOnce, false, payload)
	if err := wait(context.Background(), tok, s.cfg.Timeout, ErrPublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the underlying client is connected.
func (s *Session) Connected() bool {
	return s.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (s *Session) Close() {
	s.client.Disconnect(disconnectQuiesce)
	s.handler(Event{Kind: EventDisconnected, Topic: s.cfg.BrokerURL})
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.handler(Event{
		Kind:      EventReceived,
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		MessageID: msg.MessageID(),
		QoS:       msg.Qos(),
		Retained:  msg.Retained(),
		Duplicate: msg.Duplicate(),
	})
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration, timeoutErr error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return timeoutErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
