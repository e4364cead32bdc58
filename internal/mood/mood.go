// Package mood derives how overdue a plant is for watering from its alert history.
// Nothing here is persisted; every value is computed at read time.
package mood

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"plantpod-gateway/internal/data"
)

// MaxSeverity is the angriest a plant gets.
const MaxSeverity = 4

// RecentAlertWindow is how many PENDING/MISSED alerts the resolver weighs.
const RecentAlertWindow = 5

type descriptor struct {
	label       string
	description string
}

var descriptors = [MaxSeverity + 1]descriptor{
	{"calm", "polite and patient about getting a drink"},
	{"antsy", "impatient and lightly guilt-tripping"},
	{"irritated", "annoyed and demanding attention"},
	{"angry", "mad, dramatic, and not shy about it"},
	{"furious", "full-on rage, comedic but intense"},
}

// SeverityGuidance is the tone each severity should take in outbound copy.
var SeverityGuidance = [MaxSeverity + 1]string{
	"gentle and polite, grateful but still friendly",
	"slightly annoyed, firmer wording and a bit of guilt",
	"frustrated, clearly upset and demanding attention",
	"angry, sharp, dramatic, and guilt-tripping",
	"furious, comedic rage, shouting in all caps is acceptable in bursts",
}

// Estimate computes the mood at now. alerts should be the plant's recent PENDING and
// MISSED alerts; other statuses are ignored.
func Estimate(now time.Time, lastWateredAt *time.Time, alerts []data.AlertRecord) data.MoodSnapshot {
	var hours *float64
	if lastWateredAt != nil {
		h := now.Sub(*lastWateredAt).Hours()
		hours = &h
	}

	var pending, missed int
	for _, a := range alerts {
		switch a.Status {
		case data.AlertPending:
			pending++
		case data.AlertMissed:
			missed++
		}
	}

	severity := baseSeverity(hours)
	if missed > 0 || pending > 1 {
		severity = min(MaxSeverity, severity+1)
	}

	label := "an unknown amount of time"
	if hours != nil {
		label = FormatDuration(math.Max(*hours, 0))
	}

	d := descriptors[severity]
	return data.MoodSnapshot{
		Severity:               severity,
		Label:                  d.label,
		Description:            d.description,
		HoursSinceWatered:      hours,
		HoursSinceWateredLabel: label,
		PendingAlertCount:      pending,
		MissedAlertCount:       missed,
	}
}

func baseSeverity(hours *float64) int {
	if hours == nil {
		return 3
	}
	switch h := *hours; {
	case h >= 120:
		return 4
	case h >= 72:
		return 3
	case h >= 48:
		return 2
	case h >= 24:
		return 1
	default:
		return 0
	}
}

// FormatDuration renders hours the way a person would say it.
func FormatDuration(hours float64) string {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours <= 0 {
		return "under an hour"
	}
	if hours < 1 {
		minutes := max(1, int(math.Round(hours*60)))
		return plural(minutes, "minute")
	}
	if hours < 24 {
		return plural(int(math.Round(hours)), "hour")
	}

	days := int(math.Floor(hours / 24))
	if days >= 14 {
		parts := []string{plural(days/7, "week")}
		if rest := days % 7; rest > 0 {
			parts = append(parts, plural(rest, "day"))
		}
		return strings.Join(parts, " and ")
	}

	parts := []string{plural(days, "day")}
	if rest := int(math.Floor(math.Mod(hours, 24))); rest > 0 {
		parts = append(parts, plural(rest, "hour"))
	}
	return strings.Join(parts, " and ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Describe is a one-line label for prompts and logs.
func Describe(m data.MoodSnapshot) string {
	return fmt.Sprintf("%s (%s)", m.Label, m.Description)
}

// Summary is the watering context handed to the copywriter.
func Summary(m data.MoodSnapshot) string {
	watered := "There's no recorded watering yet."
	if m.HoursSinceWatered != nil {
		watered = fmt.Sprintf("Last watered about %s ago.", m.HoursSinceWateredLabel)
	}
	return fmt.Sprintf("%s Pending alerts: %d. Missed alerts: %d.", watered, m.PendingAlertCount, m.MissedAlertCount)
}

// Guidance returns the tone for a severity, falling back to the calmest.
func Guidance(severity int) string {
	if severity < 0 || severity > MaxSeverity {
		return SeverityGuidance[0]
	}
	return SeverityGuidance[severity]
}

// History is the slice of the datastore the resolver reads.
type History interface {
	LastWatering(ctx context.Context, memberID string) (*time.Time, error)
	RecentAlerts(ctx context.Context, memberID string, limit int) ([]data.AlertRecord, error)
}

// Resolver computes moods from stored history.
type Resolver struct {
	History History
	Now     func() time.Time
}

func NewResolver(h History) *Resolver {
	return &Resolver{History: h, Now: time.Now}
}

// Resolve reads the plant's last watering and recent alerts and estimates its mood.
func (r *Resolver) Resolve(ctx context.Context, memberID string) (data.MoodSnapshot, error) {
	last, err := r.History.LastWatering(ctx, memberID)
	if err != nil {
		return data.MoodSnapshot{}, fmt.Errorf("last watering for %s: %w", memberID, err)
	}
	alerts, err := r.History.RecentAlerts(ctx, memberID, RecentAlertWindow)
	if err != nil {
		return data.MoodSnapshot{}, fmt.Errorf("recent alerts for %s: %w", memberID, err)
	}
	return Estimate(r.Now(), last, alerts), nil
}
