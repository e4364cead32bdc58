package export

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/data"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func sampleUpdate() data.Update {
	return data.Update{
		GroupKey:   "pod-1",
		ObservedAt: t0,
		Members: map[string]data.MemberUpdate{
			"a": {HasMoisture: true, Moisture: data.Float(0.4)},
			"b": {HasMoisture: true},
			"c": {WateredAt: data.Time(t0)},
		},
		Aggregate: data.AggregateUpdate{HasTempC: true, TempC: data.Float(21)},
	}
}

func TestKafkaExportTelemetry(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaExporter{w: w}

	require.NoError(t, k.Export(context.Background(), sampleUpdate()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "pod-1", string(w.msgs[0].Key))

	var evt telemetryEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, "telemetry", evt.Type)
	assert.InDelta(t, 0.4, *evt.Plants["a"].Moisture, 1e-9)
	assert.True(t, evt.Plants["b"].Unknown)
	assert.NotNil(t, evt.Plants["c"].WateredAt)
	assert.Nil(t, evt.AvgHumidity)
}

func TestKafkaExportAlertTransition(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaExporter{w: w}

	k.AlertTransition(context.Background(), alerting.Transition{
		Alert: data.AlertRecord{ID: "x", MemberID: "a", Status: data.AlertMissed, TriggeredAt: t0},
		From:  data.AlertPending,
	})
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "a", string(w.msgs[0].Key))

	var evt alertEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, "MISSED", evt.Status)
	assert.Equal(t, "PENDING", evt.From)
}

type fakePoints struct {
	points []*write.Point
}

func (f *fakePoints) WritePoint(_ context.Context, p ...*write.Point) error {
	f.points = append(f.points, p...)
	return nil
}

func TestInfluxExport(t *testing.T) {
	fp := &fakePoints{}
	e := &InfluxExporter{writeAPI: fp}

	require.NoError(t, e.Export(context.Background(), sampleUpdate()))
	require.Len(t, fp.points, 3, "b has no usable field")

	assert.Equal(t, plantMeasurement, fp.points[0].Name())
	assert.Equal(t, t0, fp.points[0].Time())
	assert.Equal(t, "moisture", fp.points[0].FieldList()[0].Key)
	assert.Equal(t, "watered", fp.points[1].FieldList()[0].Key)
	assert.Equal(t, podMeasurement, fp.points[2].Name())

	fp.points = nil
	require.NoError(t, e.Export(context.Background(), data.Update{GroupKey: "pod-1", ObservedAt: t0}))
	assert.Empty(t, fp.points)
}
