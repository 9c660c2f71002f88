package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	BrokerURL   string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
}

// MQTTSink publishes each record to <prefix>/<label>/<kind>.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	connected bool
}

// NewMQTTSink creates the client; call Connect before storing data.
func NewMQTTSink(cfg MQTTConfig, logger *zap.SugaredLogger) *MQTTSink {
	s := &MQTTSink{
		prefix: strings.Trim(cfg.TopicPrefix, "/"),
		logger: logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Infow("mqtt connected", "broker", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warnw("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect waits for the initial broker connection, respecting ctx.
func (s *MQTTSink) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Topic returns the topic a record is published to.
func (s *MQTTSink) Topic(rec telemetry.Record) string {
	label := strings.ReplaceAll(rec.Label, " ", "_")
	kind := strings.ToLower(string(rec.Kind))
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s", label, kind)
	}
	return fmt.Sprintf("%s/%s/%s", s.prefix, label, kind)
}

// StoreData publishes the record with QoS 1.
func (s *MQTTSink) StoreData(_ context.Context, rec telemetry.Record) error {
	if !s.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	topic := s.Topic(rec)
	token := s.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}

	s.logger.Debugw("published telemetry", "topic", topic)
	return nil
}

// IsConnected returns whether the client is connected.
func (s *MQTTSink) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
	s.setConnected(false)
	s.logger.Info("mqtt disconnected")
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
