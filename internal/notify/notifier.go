// Package notify turns a fresh watering alert into a text message for the plant's owner.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/data"
)

// ErrInvalidNumber is returned when a contact cannot be turned into an E.164 number.
var ErrInvalidNumber = errors.New("invalid phone number")

var e164 = regexp.MustCompile(`^\+\d{8,15}$`)
var nonDigit = regexp.MustCompile(`\D`)

// Copywriter writes the alert text.
type Copywriter interface {
	Compose(ctx context.Context, in Message) (string, error)
}

// Sender delivers a text to a phone number.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Message is the copywriter input. MoisturePercent is rounded to a whole number.
type Message struct {
	PlantName       string
	MoisturePercent *int
	Mood            data.MoodSnapshot
}

// Notifier implements alerting.Notifier.
type Notifier struct {
	writer Copywriter
	sender Sender
	log    *zap.Logger
}

func New(writer Copywriter, sender Sender, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{writer: writer, sender: sender, log: log}
}

func (n *Notifier) Notify(ctx context.Context, a alerting.Notification) error {
	if strings.TrimSpace(a.Member.Contact) == "" {
		n.log.Info("No contact for plant, skipping alert", zap.String("plant", a.Member.ID))
		return nil
	}
	to, err := NormalizeNumber(a.Member.Contact)
	if err != nil {
		return fmt.Errorf("notify %s: %w", a.Member.ID, err)
	}

	msg := Message{PlantName: a.Member.Name}
	if a.Mood != nil {
		msg.Mood = *a.Mood
	}
	if a.MoisturePercent != nil && !math.IsNaN(*a.MoisturePercent) {
		pct := int(math.Round(*a.MoisturePercent))
		msg.MoisturePercent = &pct
	}

	text := ""
	if n.writer != nil && a.Mood != nil {
		text, err = n.writer.Compose(ctx, msg)
		if err != nil {
			n.log.Warn("Falling back to default water alert message", zap.String("plant", a.Member.ID), zap.Error(err))
			text = ""
		}
	}
	if text == "" {
		text = FallbackMessage(a.Member.Name, msg.MoisturePercent)
	}

	if err := n.sender.Send(ctx, to, text); err != nil {
		return fmt.Errorf("send alert for %s: %w", a.Member.ID, err)
	}
	n.log.Info("Water alert sent", zap.String("plant", a.Member.ID), zap.String("alert", a.Alert.ID))
	return nil
}

// FallbackMessage is used when no generated copy is available.
func FallbackMessage(plantName string, moisturePercent *int) string {
	parts := []string{fmt.Sprintf("Hey! %s is feeling thirsty.", plantName)}
	if moisturePercent != nil {
		parts = append(parts, fmt.Sprintf("Current moisture is around %d%%.", *moisturePercent))
	}
	parts = append(parts, "Could you give them a drink?")
	return strings.Join(parts, " ")
}

// NormalizeNumber returns the number in E.164 form. Numbers without a leading + are
// assumed to be North American.
func NormalizeNumber(num string) (string, error) {
	num = strings.TrimSpace(num)
	if !strings.HasPrefix(num, "+") {
		clean := nonDigit.ReplaceAllString(num, "")
		if !strings.HasPrefix(clean, "1") {
			clean = "1" + clean
		}
		num = "+" + clean
	}
	if !e164.MatchString(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, num)
	}
	return num, nil
}
