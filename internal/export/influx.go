package export

import (
	"context"
	"sort"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"plantpod-gateway/internal/data"
)

const (
	plantMeasurement = "plant_reading"
	podMeasurement   = "pod_environment"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxExporter keeps a time series of every accepted reading.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI pointWriter
}

func NewInfluxExporter(url, token, org, bucket string) *InfluxExporter {
	client := influxdb2.NewClient(url, token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (e *InfluxExporter) Close() {
	if e != nil && e.client != nil {
		e.client.Close()
	}
}

// Export implements ingest.Sink.
func (e *InfluxExporter) Export(ctx context.Context, u data.Update) error {
	points := buildPoints(u)
	if len(points) == 0 {
		return nil
	}
	return e.writeAPI.WritePoint(ctx, points...)
}

func buildPoints(u data.Update) []*write.Point {
	var points []*write.Point

	ids := make([]string, 0, len(u.Members))
	for id := range u.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := u.Members[id]
		fields := map[string]interface{}{}
		if m.Moisture != nil {
			fields["moisture"] = *m.Moisture
		}
		if m.WateredAt != nil {
			fields["watered"] = true
		}
		if len(fields) == 0 {
			continue
		}
		tags := map[string]string{"podId": u.GroupKey, "plantId": id}
		points = append(points, write.NewPoint(plantMeasurement, tags, fields, u.ObservedAt))
	}

	env := map[string]interface{}{}
	if u.Aggregate.TempC != nil {
		env["avgTempC"] = *u.Aggregate.TempC
	}
	if u.Aggregate.Humidity01 != nil {
		env["avgHumidity"] = *u.Aggregate.Humidity01
	}
	if len(env) > 0 {
		points = append(points, write.NewPoint(podMeasurement, map[string]string{"podId": u.GroupKey}, env, u.ObservedAt))
	}
	return points
}
