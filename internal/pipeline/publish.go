package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/xtxerr/raintier/internal/config"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Event announces that a product is ready for downstream consumers.
type Event struct {
	Kind       string    `json:"kind"`
	Code       string    `json:"code"`
	Prodcode   string    `json:"prodcode"`
	Timeframe  string    `json:"timeframe"`
	Datetime   time.Time `json:"datetime"`
	Method     string    `json:"method"`
	GaugeCount int       `json:"gauge_count"`
	Stations   []string  `json:"stations"`
	Tier       string    `json:"tier,omitempty"`
	Anchor     string    `json:"anchor,omitempty"`
}

// NewEvent describes p, stored as kind and written into tier.
func NewEvent(kind products.Kind, p *types.Product, tier string) Event {
	e := Event{
		Kind:       string(kind),
		Code:       p.Key.Code(),
		Prodcode:   p.Key.Prodcode.String(),
		Timeframe:  p.Key.Timeframe.String(),
		Datetime:   p.Key.Datetime.UTC(),
		Method:     string(p.Method),
		GaugeCount: p.GaugeCount,
		Stations:   p.Stations,
		Tier:       tier,
	}
	if p.Anchor != nil {
		e.Anchor = p.Anchor.Code() + "_" + p.Anchor.Datetime.UTC().Format("200601021504")
	}
	return e
}

// Key identifies the product of the event.
func (e Event) Key() string {
	return e.Code + "_" + e.Datetime.Format("200601021504")
}

// Publisher announces ready products.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// KafkaPublisher produces events as JSON messages to a Kafka topic.
type KafkaPublisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a producer for the configured topic.
func NewKafkaPublisher(cfg config.PublishConfig, logger *slog.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaPublisher{writer: w, logger: logging.Component(logger, "kafka")}
}

// Publish writes all events in one WriteMessages call.
func (k *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := eventMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	k.logger.Debug("events published", "count", len(events), "topic", k.writer.Topic)
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func eventMessage(e Event) (kafkago.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize event %s: %w", e.Key(), err)
	}
	return kafkago.Message{
		Key:   []byte(e.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "timeframe", Value: []byte(e.Timeframe)},
		},
	}, nil
}

// LogPublisher logs events instead of sending them anywhere. It is used when
// no brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.Component(logger, "publisher")}
}

func (l *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		l.logger.Info("product ready",
			"kind", e.Kind,
			"product", e.Key(),
			"method", e.Method,
			"gauges", e.GaugeCount,
			"tier", e.Tier,
		)
	}
	return nil
}

func (l *LogPublisher) Close() error { return nil }

// NewPublisher returns a Kafka publisher when brokers are configured and a
// LogPublisher otherwise.
func NewPublisher(cfg config.PublishConfig, logger *slog.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		return NewLogPublisher(logger)
	}
	return NewKafkaPublisher(cfg, logger)
}
