package security

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"vote-service/internal/bucketing"
	"vote-service/internal/client"
	"vote-service/internal/models"
	"vote-service/internal/util"
)

// EventSink receives structured security events. Recording is best-effort:
// a sink failure is logged, never propagated, so observability problems
// cannot block the request path.
type EventSink interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// KafkaSink publishes events to the security-events topic, keyed by event
// bucket so one identity's events land on the same partition.
type KafkaSink struct {
	producer *client.KafkaProducer
	buckets  *bucketing.Manager
}

func NewKafkaSink(producer *client.KafkaProducer, buckets *bucketing.Manager) *KafkaSink {
	return &KafkaSink{producer: producer, buckets: buckets}
}

func (s *KafkaSink) Record(ctx context.Context, event models.SecurityEvent) {
	if event.EventBucket == 0 && event.IdentityHash != "" {
		event.EventBucket = s.buckets.EventBucket(event.IdentityHash)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal security event", zap.Error(err))
		return
	}

	key := []byte(strconv.Itoa(event.EventBucket))
	if err := s.producer.Publish(ctx, key, payload); err != nil {
		util.Error("Failed to publish security event",
			zap.String("kind", event.Kind),
			zap.Error(err))
	}
}

// LogSink writes events to the structured log. It is the development
// fallback and the second leg of the production fan-out.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Record(_ context.Context, event models.SecurityEvent) {
	util.Warn("Security event",
		zap.String("kind", event.Kind),
		zap.String("identity_hash", event.IdentityHash),
		zap.String("origin", event.Origin),
		zap.String("reason", event.Reason),
		zap.Time("timestamp", event.Timestamp),
		zap.String("details", event.Details))
}

// MultiSink fans one event out to every configured sink.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Record(ctx context.Context, event models.SecurityEvent) {
	for _, sink := range s.sinks {
		sink.Record(ctx, event)
	}
}

// MemorySink collects events for inspection in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, event models.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *MemorySink) Events() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...)
}

// EventsOfKind filters collected events, newest last.
func (s *MemorySink) EventsOfKind(kind string) []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.SecurityEvent
	for _, event := range s.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}
