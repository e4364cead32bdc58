// internal/data/parser.go
package data

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Plausible ranges of the pod's environment sensors (KY-013 thermistor, DHT11 humidity).
const (
	MinTempC           = -40.0
	MaxTempC           = 125.0
	MinHumidityPercent = 20.0
	MaxHumidityPercent = 90.0

	// Epoch values above this are already milliseconds.
	millisecondThreshold = 1e11
)

// Parse decodes a raw device payload and normalizes it into an Update.
// now is the ingestion clock; it stamps watering events and stands in for a missing timestamp.
func Parse(raw []byte, now time.Time) (Update, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Update{}, &ValidationError{Reason: "body is not a JSON object: " + err.Error()}
	}
	if payload == nil {
		return Update{}, &ValidationError{Reason: "body is null"}
	}
	return Normalize(payload, now)
}

// Normalize applies the sensor normalization rules to an already-decoded payload.
// It has no side effects.
func Normalize(payload map[string]interface{}, now time.Time) (Update, error) {
	podID, ok := payload["podId"].(string)
	if !ok || strings.TrimSpace(podID) == "" {
		return Update{}, &ValidationError{Field: "podId", Reason: "required non-empty string"}
	}

	update := Update{
		GroupKey:   strings.TrimSpace(podID),
		ObservedAt: now,
		Members:    map[string]MemberUpdate{},
	}

	if rawAt, present := payload["at"]; present && rawAt != nil {
		at, ok := rawAt.(float64)
		if !ok {
			return Update{}, &ValidationError{Field: "at", Reason: "must be an epoch number"}
		}
		if ts, ok := NormalizeTimestamp(at); ok {
			update.ObservedAt = ts
		}
	}

	if rawPlants, present := payload["plant_info"]; present && rawPlants != nil {
		plants, ok := rawPlants.(map[string]interface{})
		if !ok {
			return Update{}, &ValidationError{Field: "plant_info", Reason: "must be an object"}
		}
		for id, rawReading := range plants {
			if strings.TrimSpace(id) == "" {
				return Update{}, &ValidationError{Field: "plant_info", Reason: "empty plant id"}
			}
			reading, ok := rawReading.(map[string]interface{})
			if !ok {
				return Update{}, &ValidationError{Field: "plant_info." + id, Reason: "must be an object"}
			}
			var mu MemberUpdate
			if v, present := reading["moisture"]; present {
				mu.HasMoisture = true
				mu.Moisture = NormalizeMoisture(v)
			}
			if rawWatered, present := reading["watered"]; present && rawWatered != nil {
				watered, ok := rawWatered.(bool)
				if !ok {
					return Update{}, &ValidationError{Field: "plant_info." + id + ".watered", Reason: "must be a boolean"}
				}
				if watered {
					mu.WateredAt = Time(now)
				}
			}
			if mu.HasMoisture || mu.WateredAt != nil {
				update.Members[id] = mu
			}
		}
	}

	if rawGlobal, present := payload["global_info"]; present && rawGlobal != nil {
		global, ok := rawGlobal.(map[string]interface{})
		if !ok {
			return Update{}, &ValidationError{Field: "global_info", Reason: "must be an object"}
		}
		if v, present := global["avgTempC"]; present {
			update.Aggregate.HasTempC = true
			update.Aggregate.TempC = NormalizeTemperature(v)
		}
		if v, present := global["avgHumidity"]; present {
			update.Aggregate.HasHumidity = true
			update.Aggregate.Humidity01 = NormalizeHumidity(v)
		}
	}

	return update, nil
}

// NormalizeTimestamp converts an epoch in seconds or milliseconds to a time.
func NormalizeTimestamp(epoch float64) (time.Time, bool) {
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return time.Time{}, false
	}
	ms := epoch
	if epoch <= millisecondThreshold {
		ms = epoch * 1000
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}

// NormalizeMoisture passes a [0,1] ratio through and turns everything else into unknown.
// Member readings are never clamped.
func NormalizeMoisture(v interface{}) *float64 {
	f, ok := finite(v)
	if !ok || f < 0 || f > 1 {
		return nil
	}
	return Float(f)
}

// NormalizeTemperature clamps to the thermistor's range.
func NormalizeTemperature(v interface{}) *float64 {
	f, ok := finite(v)
	if !ok {
		return nil
	}
	return Float(math.Min(MaxTempC, math.Max(MinTempC, f)))
}

// NormalizeHumidity accepts a ratio (|v| <= 1) or a percent, clamps the percent to the
// sensor band and returns a ratio.
func NormalizeHumidity(v interface{}) *float64 {
	f, ok := finite(v)
	if !ok {
		return nil
	}
	// Ratios are clamped in ratio space so an in-band ratio comes back bit-for-bit.
	if math.Abs(f) <= 1 {
		return Float(math.Min(MaxHumidityPercent/100, math.Max(MinHumidityPercent/100, f)))
	}
	percent := math.Min(MaxHumidityPercent, math.Max(MinHumidityPercent, f))
	return Float(percent / 100)
}

func finite(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
