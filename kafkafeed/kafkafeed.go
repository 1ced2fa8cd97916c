// Package kafkafeed publishes committed tabkv changes to a Kafka topic and
// consumes them back.
//
// Messages are JSON-encoded tabkv.Change values keyed by "tenant/table", so
// the hash balancer keeps every change of one table in one partition, in
// commit order.
package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andreyvit/tabkv"
)

var ErrClosed = errors.New("kafka feed is closed")

const headerOp = "tabkv-op"

type Config struct {
	Brokers      []string
	Topic        string
	GroupID      string // consumers only
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int // 0, 1, or -1 (all)

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("Kafka topic is required")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a tabkv.ChangeSink writing to Kafka synchronously.
type Publisher struct {
	w      messageWriter
	topic  string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ tabkv.ChangeSink = (*Publisher)(nil)

func NewPublisher(c Config) (*Publisher, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              c.BatchSize,
		BatchTimeout:           c.BatchTimeout,
		WriteTimeout:           c.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(c.RequiredAcks),
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, c.Topic, c.Logger), nil
}

func newPublisher(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{w: w, topic: topic, logger: logger}
}

// MessageKey is the partitioning key of a change.
func MessageKey(chg *tabkv.Change) []byte {
	return []byte(chg.TenantID + "/" + chg.TableID)
}

func encodeMessage(chg *tabkv.Change) (kafka.Message, error) {
	value, err := json.Marshal(chg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal change: %w", err)
	}
	return kafka.Message{
		Key:   MessageKey(chg),
		Value: value,
		Time:  chg.Time,
		Headers: []kafka.Header{
			{Key: headerOp, Value: []byte(chg.Op.String())},
		},
	}, nil
}

func decodeMessage(msg kafka.Message) (tabkv.Change, error) {
	var chg tabkv.Change
	if err := json.Unmarshal(msg.Value, &chg); err != nil {
		return chg, fmt.Errorf("failed to unmarshal change at offset %d: %w", msg.Offset, err)
	}
	return chg, nil
}

func (p *Publisher) PublishChanges(ctx context.Context, changes []tabkv.Change) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	msgs := make([]kafka.Message, 0, len(changes))
	for i := range changes {
		msg, err := encodeMessage(&changes[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d changes to %s: %w", len(msgs), p.topic, err)
	}
	p.logger.LogAttrs(ctx, slog.LevelDebug, "kafkafeed: published", slog.String("topic", p.topic), slog.Int("count", len(msgs)))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads changes back from the topic as part of a consumer group.
type Consumer struct {
	r      messageReader
	logger *slog.Logger
}

func NewConsumer(c Config) (*Consumer, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.GroupID == "" {
		c.GroupID = "tabkv-feed"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.Brokers,
		Topic:       c.Topic,
		GroupID:     c.GroupID,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, c.Logger), nil
}

func newConsumer(r messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{r: r, logger: logger}
}

// Run hands each change to fn and commits its offset once fn succeeds. It
// returns when ctx is done or fn fails. Undecodable messages are logged and
// skipped.
func (c *Consumer) Run(ctx context.Context, fn func(ctx context.Context, chg tabkv.Change) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		chg, err := decodeMessage(msg)
		if err != nil {
			c.logger.LogAttrs(ctx, slog.LevelError, "kafkafeed: skipping message", slog.Int64("offset", msg.Offset), slog.Any("err", err))
		} else if err := fn(ctx, chg); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}
