// internal/data/models.go
package data

import "time"

// Snapshot is the current best-known state of a pod.
type Snapshot struct {
	GroupKey   string                   `json:"podId"`
	ObservedAt *time.Time               `json:"at"`
	Members    map[string]MemberReading `json:"plant_info"`
	Aggregate  AggregateReading         `json:"global_info"`
}

// MemberReading holds the latest reading for one plant. Nil fields are unknown.
type MemberReading struct {
	Moisture      *float64   `json:"moisture"`
	LastWateredAt *time.Time `json:"lastWateredAt"`
}

// AggregateReading holds pod-wide environment readings. Nil fields are unknown, not zero.
type AggregateReading struct {
	AvgTempC      *float64 `json:"avgTempC"`
	AvgHumidity01 *float64 `json:"avgHumidity"`
}

// EmptySnapshot is what a pod looks like before any telemetry has arrived.
func EmptySnapshot(groupKey string) Snapshot {
	return Snapshot{GroupKey: groupKey, Members: map[string]MemberReading{}}
}

// Clone returns a deep copy that shares no memory with s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		GroupKey:   s.GroupKey,
		ObservedAt: cloneTime(s.ObservedAt),
		Members:    make(map[string]MemberReading, len(s.Members)),
		Aggregate: AggregateReading{
			AvgTempC:      cloneFloat(s.Aggregate.AvgTempC),
			AvgHumidity01: cloneFloat(s.Aggregate.AvgHumidity01),
		},
	}
	for id, m := range s.Members {
		out.Members[id] = MemberReading{
			Moisture:      cloneFloat(m.Moisture),
			LastWateredAt: cloneTime(m.LastWateredAt),
		}
	}
	return out
}

// Update is a normalized, partial telemetry update for one pod.
// Zero ObservedAt means the update carries no observation time.
type Update struct {
	GroupKey   string
	ObservedAt time.Time
	Members    map[string]MemberUpdate
	Aggregate  AggregateUpdate
}

// MemberUpdate distinguishes an absent field (Has* false, keep prior value)
// from a reported-but-invalid one (Has* true, nil value).
type MemberUpdate struct {
	HasMoisture bool
	Moisture    *float64
	WateredAt   *time.Time
}

type AggregateUpdate struct {
	HasTempC    bool
	TempC       *float64
	HasHumidity bool
	Humidity01  *float64
}

// AlertStatus is the lifecycle state of a watering alert.
type AlertStatus string

const (
	AlertPending   AlertStatus = "PENDING"
	AlertMissed    AlertStatus = "MISSED"
	AlertFulfilled AlertStatus = "FULFILLED"
)

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertMissed || s == AlertFulfilled
}

// AlertRecord - one watering alert for a plant
type AlertRecord struct {
	ID          string      `json:"id"`
	MemberID    string      `json:"plantId"`
	Status      AlertStatus `json:"status"`
	TriggeredAt time.Time   `json:"triggeredAt"`
	FulfilledAt *time.Time  `json:"fulfilledAt,omitempty"`
}

// MoodSnapshot is derived at read time from alert history and the last watering.
type MoodSnapshot struct {
	Severity               int      `json:"severity"`
	Label                  string   `json:"label"`
	Description            string   `json:"description"`
	HoursSinceWatered      *float64 `json:"hoursSinceWatered"`
	HoursSinceWateredLabel string   `json:"hoursSinceWateredLabel"`
	PendingAlertCount      int      `json:"pendingAlerts"`
	MissedAlertCount       int      `json:"missedAlerts"`
}

// Member is catalog metadata for one plant, supplied by the identity/catalog collaborator.
type Member struct {
	ID            string `json:"id" mapstructure:"id"`
	GroupKey      string `json:"podId" mapstructure:"pod_id"`
	OwnerID       string `json:"ownerId" mapstructure:"owner_id"`
	Name          string `json:"plantName" mapstructure:"name"`
	Contact       string `json:"-" mapstructure:"contact"`
	IdealMoisture string `json:"idealMoisture,omitempty" mapstructure:"ideal_moisture"`
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
