// Package mqtt feeds sensor payloads published to a broker topic into the same submission
// path as POST /.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/submission"
)

const transport = "mqtt"

// Submitter accepts raw sensor payloads.
type Submitter interface {
	Submit(ctx context.Context, body []byte, transport string) (submission.Result, error)
}

// Config selects the broker and topic.
type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Topic          string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// HandleTimeout bounds storing one message.
	HandleTimeout time.Duration
}

// Subscriber owns one paho client. Subscriptions are re-established on every (re)connect
// since sessions are clean.
type Subscriber struct {
	client    paho.Client
	cfg       Config
	submitter Submitter
	logger    *zap.Logger
}

// NewSubscriber configures the client; nothing connects until Connect.
func NewSubscriber(cfg Config, submitter Submitter, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "balloon-tracker-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	s := &Subscriber{cfg: cfg, submitter: submitter, logger: logger.With(zap.String("transport", transport))}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	s.client = paho.NewClient(opts)
	return s
}

// Connect starts the client and waits for the first connection, bounded by ctx and
// ConnectTimeout. The client keeps retrying in the background after a timeout.
func (s *Subscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	for !token.WaitTimeout(200 * time.Millisecond) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("mqtt connect to %s: timed out after %s", s.cfg.Broker, s.cfg.ConnectTimeout)
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *Subscriber) onConnect(c paho.Client) {
	s.logger.Info("mqtt connected", zap.String("broker", s.cfg.Broker))
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Error("mqtt subscribe timed out", zap.String("topic", s.cfg.Topic))
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	s.logger.Info("subscribed to mqtt topic", zap.String("topic", s.cfg.Topic), zap.Uint8("qos", s.cfg.QoS))
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	_ = s.handle(msg.Topic(), msg.Payload())
}

// handle stores one payload. Invalid payloads are dropped; there is no one to answer.
func (s *Subscriber) handle(topic string, payload []byte) error {
	corrID := uuid.NewString()
	logger := s.logger.With(zap.String("correlation_id", corrID), zap.String("topic", topic))
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandleTimeout)
	defer cancel()
	ctx = observability.WithLogger(observability.WithCorrelationID(ctx, corrID), logger)

	_, err := s.submitter.Submit(ctx, payload, transport)
	switch {
	case err == nil:
	case errors.Is(err, submission.ErrInvalid):
		logger.Info("dropped invalid mqtt payload", zap.Int("bytes", len(payload)))
	default:
		logger.Error("failed to store mqtt payload", zap.Error(err))
	}
	return err
}

// Close disconnects, giving in-flight acknowledgements a moment to finish.
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
	s.logger.Info("mqtt disconnected")
}
