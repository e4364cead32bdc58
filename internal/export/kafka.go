// Package export forwards accepted telemetry and alert transitions to optional sinks.
package export

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/data"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter publishes telemetry keyed by pod and alert transitions keyed by plant.
// The writer is asynchronous so callers holding a plant lock never wait on the broker.
type KafkaExporter struct {
	w   messageWriter
	log *zap.Logger
}

func NewKafkaExporter(brokers []string, topic string, log *zap.Logger) *KafkaExporter {
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // partition by key
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("Kafka write failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaExporter{w: w, log: log}
}

type plantEvent struct {
	Moisture  *float64   `json:"moisture,omitempty"`
	Unknown   bool       `json:"moistureUnknown,omitempty"`
	WateredAt *time.Time `json:"wateredAt,omitempty"`
}

type telemetryEvent struct {
	Type        string                `json:"type"`
	PodID       string                `json:"podId"`
	At          time.Time             `json:"at"`
	Plants      map[string]plantEvent `json:"plants,omitempty"`
	AvgTempC    *float64              `json:"avgTempC,omitempty"`
	AvgHumidity *float64              `json:"avgHumidity,omitempty"`
}

type alertEvent struct {
	Type        string     `json:"type"`
	PlantID     string     `json:"plantId"`
	AlertID     string     `json:"alertId"`
	Status      string     `json:"status"`
	From        string     `json:"from,omitempty"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
}

// Export implements ingest.Sink.
func (k *KafkaExporter) Export(ctx context.Context, u data.Update) error {
	evt := telemetryEvent{
		Type:        "telemetry",
		PodID:       u.GroupKey,
		At:          u.ObservedAt,
		Plants:      make(map[string]plantEvent, len(u.Members)),
		AvgTempC:    u.Aggregate.TempC,
		AvgHumidity: u.Aggregate.Humidity01,
	}
	for id, m := range u.Members {
		evt.Plants[id] = plantEvent{
			Moisture:  m.Moisture,
			Unknown:   m.HasMoisture && m.Moisture == nil,
			WateredAt: m.WateredAt,
		}
	}
	return k.write(ctx, u.GroupKey, evt)
}

// AlertTransition implements alerting.Observer.
func (k *KafkaExporter) AlertTransition(ctx context.Context, t alerting.Transition) {
	evt := alertEvent{
		Type:        "alert",
		PlantID:     t.Alert.MemberID,
		AlertID:     t.Alert.ID,
		Status:      string(t.Alert.Status),
		From:        string(t.From),
		TriggeredAt: t.Alert.TriggeredAt,
		FulfilledAt: t.Alert.FulfilledAt,
	}
	if err := k.write(ctx, t.Alert.MemberID, evt); err != nil {
		k.log.Warn("Alert export failed", zap.String("alert", t.Alert.ID), zap.Error(err))
	}
}

func (k *KafkaExporter) write(ctx context.Context, key string, evt any) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{{
			Key:   "exportedAt",
			Value: []byte(time.Now().UTC().Format(time.RFC3339Nano)),
		}},
	})
}

func (k *KafkaExporter) Close() error {
	return k.w.Close()
}
