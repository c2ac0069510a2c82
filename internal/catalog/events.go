package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maneesh/hookvault/internal/models"
)

// EventType names a catalog change.
type EventType string

const (
	EventFileCreated  EventType = "file.created"
	EventFileDeleted  EventType = "file.deleted"
	EventFileImported EventType = "file.imported"
)

// Event is published after a catalog change is committed.
type Event struct {
	Type   EventType `json:"type"`
	FileID string    `json:"file_id"`
	Name   string    `json:"name"`
	Size   int64     `json:"size"`
	Chunks int       `json:"chunks"`
	Time   time.Time `json:"time"`
}

// NewEvent describes a change to rec.
func NewEvent(typ EventType, rec *models.FileRecord, at time.Time) Event {
	return Event{
		Type:   typ,
		FileID: rec.ID,
		Name:   rec.Name,
		Size:   rec.Size,
		Chunks: len(rec.Chunks),
		Time:   at.UTC(),
	}
}

// Publisher delivers catalog events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// KafkaPublisher writes events as JSON messages keyed by file id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a producer for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish implements Publisher
func (kp *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = kp.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.FileID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending messages.
func (kp *KafkaPublisher) Close() error {
	return kp.writer.Close()
}
