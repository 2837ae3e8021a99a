package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/situkun123/stock-assistant/internal/config"
)

// publisher is the subset of the autopaho connection manager the sink
// uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTTSink publishes each audit entry as JSON to a broker topic. A
// retained availability message on <topic>/availability tracks whether
// the process is connected.
type MQTTSink struct {
	cfg     config.MQTTConfig
	maxText int
	logger  *slog.Logger

	mu  sync.RWMutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// NewMQTTSink creates a sink but does not connect. Call [MQTTSink.Start]
// to open the connection.
func NewMQTTSink(cfg config.MQTTConfig, maxText int, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}
	return &MQTTSink{
		cfg:     cfg,
		maxText: maxText,
		logger:  logger.With("component", "audit_mqtt"),
	}
}

func (s *MQTTSink) availabilityTopic() string {
	return s.cfg.Topic + "/availability"
}

// Start connects to the broker. autopaho keeps reconnecting in the
// background for the lifetime of ctx; Start returns once the first
// connection attempt settles.
func (s *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.mu.Lock()
	s.cm = cm
	s.pub = cm
	s.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (s *MQTTSink) Stop(ctx context.Context) error {
	s.mu.RLock()
	cm := s.cm
	s.mu.RUnlock()
	if cm == nil {
		return nil
	}
	s.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Record implements Sink. Entries are published at QoS 1 and not
// retained.
func (s *MQTTSink) Record(ctx context.Context, e Entry) error {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()
	if pub == nil {
		return errors.New("mqtt audit sink not started")
	}

	payload, err := json.Marshal(e.Capped(s.maxText))
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.cfg.Topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", s.cfg.Topic, err)
	}
	s.logger.Debug("audit entry published", "topic", s.cfg.Topic, "bytes", len(payload))
	return nil
}

func (s *MQTTSink) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}
