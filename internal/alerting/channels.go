package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"

	"medsentry/internal/schema"
)

// WebhookChannel delivers notifications via HTTP webhook.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

// webhookPayload is the wire format delivered to webhook endpoints.
type webhookPayload struct {
	Notification *schema.Notification `json:"notification"`
	Alert        *schema.Alert        `json:"alert"`
}

func (w *WebhookChannel) Send(ctx context.Context, notification *schema.Notification, alert *schema.Alert) error {
	payload, err := json.Marshal(webhookPayload{Notification: notification, Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// KafkaConfig holds configuration for the Kafka notification channel.
type KafkaConfig struct {
	Enabled bool          `yaml:"enabled"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultKafkaConfig returns the default Kafka channel configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Enabled: false,
		Brokers: []string{"localhost:9092"},
		Topic:   "medsentry.notifications",
		Timeout: 10 * time.Second,
	}
}

// KafkaChannel publishes notifications to a Kafka topic, keyed by
// recipient so per-admin ordering is preserved.
type KafkaChannel struct {
	writer *kafka.Writer
}

// NewKafkaChannel creates a new Kafka notification channel.
func NewKafkaChannel(cfg KafkaConfig) *KafkaChannel {
	return &KafkaChannel{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: cfg.Timeout,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, notification *schema.Notification, alert *schema.Alert) error {
	payload, err := json.Marshal(webhookPayload{Notification: notification, Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(notification.Recipient),
		Value: payload,
		Time:  notification.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying Kafka writer.
func (k *KafkaChannel) Close() error {
	return k.writer.Close()
}

// StaticRecipients is a fixed admin list, used when no external user
// directory is wired in.
type StaticRecipients []string

// Recipients returns the fixed admin list.
func (s StaticRecipients) Recipients(ctx context.Context) ([]string, error) {
	return s, nil
}
