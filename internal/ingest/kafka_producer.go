package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultQueueSize = 1024
	writeTimeout     = 2 * time.Second
)

// KafkaProducer exports booking events and vehicle positions. Notify only enqueues;
// Run owns every write of booking events, since even an async kafka.Writer does a
// blocking metadata lookup on first use of a topic.
type KafkaProducer struct {
	writer        MessageWriter
	eventTopic    string
	positionTopic string
	queue         chan kafka.Message
	logger        *slog.Logger
}

func NewKafkaProducer(brokers []string, eventTopic, positionTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			result := "ok"
			if err != nil {
				result = "error"
				logger.Warn("kafka export failed", "messages", len(msgs), "error", err)
			}
			observability.EventsExported.WithLabelValues("kafka", result).Add(float64(len(msgs)))
		},
	}
	return NewKafkaProducerWithWriter(w, eventTopic, positionTopic, logger)
}

func NewKafkaProducerWithWriter(w MessageWriter, eventTopic, positionTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{
		writer:        w,
		eventTopic:    eventTopic,
		positionTopic: positionTopic,
		queue:         make(chan kafka.Message, defaultQueueSize),
		logger:        logger,
	}
}

// Notify publishes a booking event keyed by booking id so a booking's events stay ordered
// within one partition.
func (k *KafkaProducer) Notify(evt models.BookingEvent) {
	b, err := json.Marshal(evt)
	if err != nil {
		k.logger.Error("encode booking event", "booking_id", evt.BookingID, "error", err)
		return
	}
	msg := kafka.Message{Topic: k.eventTopic, Key: []byte(strconv.FormatInt(evt.BookingID, 10)), Value: b}
	select {
	case k.queue <- msg:
	default:
		observability.EventsExported.WithLabelValues("kafka", "dropped").Inc()
	}
}

// Run drains queued booking events until ctx is done. A single worker keeps each
// booking's events in emission order.
func (k *KafkaProducer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-k.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := k.writer.WriteMessages(wctx, msg)
			cancel()
			if err != nil {
				observability.EventsExported.WithLabelValues("kafka", "error").Inc()
				k.logger.Warn("kafka enqueue failed", "booking_id", string(msg.Key), "error", err)
			}
		}
	}
}

func (k *KafkaProducer) RecordPosition(ctx context.Context, v models.Vehicle) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.positionTopic, Key: []byte(v.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
