package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// SubscriberConfig carries the broker connection settings.
type SubscriberConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	ClientID     string
	TLSCAFile    string
	TLSInsecure  bool
	TopicFilters []string
	ConnectWait  time.Duration
}

// Subscriber owns the MQTT connection and feeds birth frames into the
// pipeline. It also serves as the publisher for rebirth requests.
type Subscriber struct {
	cfg      SubscriberConfig
	pipeline *Pipeline
	logger   *zap.Logger
	client   mqtt.Client
}

// NewSubscriber builds a subscriber around the pipeline.
func NewSubscriber(cfg SubscriberConfig, pipeline *Pipeline, logger *zap.Logger) (*Subscriber, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("subscriber: broker host must be set")
	}
	if cfg.Port == 0 {
		cfg.Port = 8883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "uns-metadata-sync"
	}
	if len(cfg.TopicFilters) == 0 {
		cfg.TopicFilters = []string{"spBv1.0/+/DBIRTH/#", "spBv1.0/+/NBIRTH/#"}
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Subscriber{cfg: cfg, pipeline: pipeline, logger: logger}

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetTLSConfig(tlsConfig).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost", zap.Error(err))
		})
	s.client = mqtt.NewClient(opts)
	return s, nil
}

func (s *Subscriber) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: s.cfg.TLSInsecure}
	if s.cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(s.cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("subscriber: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("subscriber: CA file %s contains no certificates", s.cfg.TLSCAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	filters := make(map[string]byte, len(s.cfg.TopicFilters))
	for _, filter := range s.cfg.TopicFilters {
		filters[filter] = 0
	}
	token := client.SubscribeMultiple(filters, s.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error("subscribe failed", zap.Error(err))
		return
	}
	s.logger.Info("subscribed to broker", zap.Strings("filters", s.cfg.TopicFilters))
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := s.pipeline.HandleMessage(context.Background(), msg.Topic(), msg.Payload()); err != nil {
		s.logger.Error("frame handling failed",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
	}
}

// Publish sends a message to the broker, used for rebirth requests.
func (s *Subscriber) Publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Run connects and blocks until ctx is cancelled, then disconnects cleanly.
func (s *Subscriber) Run(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectWait) {
		return fmt.Errorf("subscriber: broker connect timed out after %s", s.cfg.ConnectWait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscriber: broker connect: %w", err)
	}
	s.logger.Info("connected to broker",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
	)

	<-ctx.Done()
	s.client.Disconnect(250)
	return ctx.Err()
}
