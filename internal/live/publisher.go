package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the part of mqtt.Client the publisher uses.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PublisherConfig configures snapshot publishing.
type PublisherConfig struct {
	Broker   string        `mapstructure:"broker"`
	ClientID string        `mapstructure:"client_id"`
	Topic    string        `mapstructure:"topic"`
	Interval time.Duration `mapstructure:"interval"`
	QoS      byte          `mapstructure:"qos"`
	Retained bool          `mapstructure:"retained"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NewMQTTClient connects to the configured broker.
func NewMQTTClient(cfg PublisherConfig) (mqtt.Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("activity-recorder-%d", time.Now().UnixNano())
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}

// payload is the JSON document published on every tick.
type payload struct {
	SessionID string   `json:"session_id,omitempty"`
	Timestamp string   `json:"timestamp"`
	Live      Snapshot `json:"live"`
}

// Publisher periodically publishes the aggregator snapshot.
type Publisher struct {
	client    MQTTClient
	agg       *Aggregator
	cfg       PublisherConfig
	logger    *log.Logger
	sessionID func() string
}

// NewPublisher creates a publisher. sessionID may be nil.
func NewPublisher(client MQTTClient, agg *Aggregator, cfg PublisherConfig, sessionID func() string, logger *log.Logger) *Publisher {
	if client == nil || agg == nil {
		panic("Publisher: client and aggregator are required")
	}
	if logger == nil {
		panic("Publisher: logger cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "activity-recorder/live"
	}
	return &Publisher{client: client, agg: agg, cfg: cfg, sessionID: sessionID, logger: logger}
}

// Run publishes until ctx ends. Publish failures are logged and skipped.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.logger.Printf("Publisher: publishing to %s every %v", p.cfg.Topic, p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := p.PublishOnce(now); err != nil {
				p.logger.Printf("Publisher: %v", err)
			}
		}
	}
}

// PublishOnce publishes the current snapshot.
func (p *Publisher) PublishOnce(now time.Time) error {
	doc := payload{Timestamp: now.UTC().Format(time.RFC3339Nano), Live: p.agg.Snapshot()}
	if p.sessionID != nil {
		doc.SessionID = p.sessionID()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retained, data)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish to %s timed out", p.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.cfg.Topic, err)
	}
	return nil
}
