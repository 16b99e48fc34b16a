// Package events publishes case lifecycle events. Events carry identifiers
// and status only; intake and generated content never leave the store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const TypeCaseFinalized = "case.finalized"

// CaseEvent is published once per terminal case transition.
type CaseEvent struct {
	Type        string    `json:"type"`
	CaseID      string    `json:"case_id"`
	Status      string    `json:"status"`
	FailureKind string    `json:"failure_kind,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher delivers events. Callers treat errors as log-only.
type Publisher interface {
	Publish(ctx context.Context, ev CaseEvent) error
	Close() error
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, CaseEvent) error { return nil }
func (NopPublisher) Close() error                             { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, keyed by case id so all events
// for a case land on the same partition.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{w: w, timeout: 5 * time.Second}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev CaseEvent) error {
	if ev.Type == "" {
		ev.Type = TypeCaseFinalized
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.CaseID),
		Value: value,
		Time:  ev.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish %s for case %s: %w", ev.Type, ev.CaseID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// New returns a KafkaPublisher when brokers are configured and a
// NopPublisher otherwise.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return NopPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}
