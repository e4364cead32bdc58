package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotCloneIsDeep(t *testing.T) {
	at := time.Unix(100, 0)
	orig := Snapshot{
		GroupKey:   "pod",
		ObservedAt: &at,
		Members:    map[string]MemberReading{"a": {Moisture: Float(0.4)}},
		Aggregate:  AggregateReading{AvgTempC: Float(20)},
	}

	c := orig.Clone()
	*c.Members["a"].Moisture = 0.9
	c.Members["b"] = MemberReading{}
	*c.Aggregate.AvgTempC = 30
	*c.ObservedAt = time.Unix(200, 0)

	assert.Equal(t, 0.4, *orig.Members["a"].Moisture)
	assert.Len(t, orig.Members, 1)
	assert.Equal(t, 20.0, *orig.Aggregate.AvgTempC)
	assert.Equal(t, at, *orig.ObservedAt)
}

func TestAlertStatusTerminal(t *testing.T) {
	assert.False(t, AlertPending.Terminal())
	assert.True(t, AlertMissed.Terminal())
	assert.True(t, AlertFulfilled.Terminal())
}
