package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	publishQoS     = 1
	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
)

// MQTTConfig holds broker settings for MQTTSink.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTSink publishes readings as JSON to <prefix>/devices/<id>/<kind>.
type MQTTSink struct {
	client publisher
	conn   pahomqtt.Client
	prefix string
	logger *zap.Logger
}

// NewMQTTSink connects to the broker and returns a sink publishing at QoS 1.
func NewMQTTSink(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("mqtt")
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cropwatch-device-auth"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	sink := newMQTTSink(client, cfg.TopicPrefix, logger)
	sink.conn = client
	return sink, nil
}

func newMQTTSink(client publisher, prefix string, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, logger: logger}
}

// Topic returns the topic a reading is published on.
func (s *MQTTSink) Topic(r Reading) string {
	return s.prefix + "/devices/" + strconv.FormatInt(r.DeviceID, 10) + "/" + string(r.Kind)
}

// Publish blocks until the broker acknowledges the message, the publish
// timeout passes or ctx is done.
func (s *MQTTSink) Publish(ctx context.Context, r Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	topic := s.Topic(r)
	token := s.client.Publish(topic, publishQoS, false, payload)

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.logger.Warn("mqtt publish error", zap.String("topic", topic), zap.Error(err))
			return fmt.Errorf("mqtt publish: %w", err)
		}
		return nil
	case <-timer.C:
		s.logger.Warn("mqtt publish timeout", zap.String("topic", topic))
		return fmt.Errorf("mqtt publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.conn != nil {
		s.conn.Disconnect(1000)
	}
}
