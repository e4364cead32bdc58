package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"plantpod-gateway/internal/mood"
)

const (
	DefaultGeminiModel = "gemini-2.5-flash"
	maxAlertLength     = 200
)

var (
	edgeQuotes = regexp.MustCompile(`^["'“”\s]+|["'“”\s]+$`)
	spaces     = regexp.MustCompile(`\s+`)
)

// generator is the slice of the genai client the copywriter needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiCopywriter writes the alert SMS in the plant's voice.
type GeminiCopywriter struct {
	models generator
	model  string
}

// NewGeminiCopywriter creates a copywriter backed by the Gemini API.
func NewGeminiCopywriter(ctx context.Context, apiKey, model string) (*GeminiCopywriter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiCopywriter{models: client.Models, model: model}, nil
}

func (g *GeminiCopywriter) Compose(ctx context.Context, in Message) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(AlertPrompt(in)), nil)
	if err != nil {
		return "", fmt.Errorf("generate alert message: %w", err)
	}
	return Sanitize(resp.Text())
}

// AlertPrompt builds the instruction for one alert text.
func AlertPrompt(in Message) string {
	moistureLine := "Your moisture sensor didn't return a value."
	moistureInstruction := "say you can't read your moisture level."
	if in.MoisturePercent != nil {
		moistureLine = fmt.Sprintf("Your current moisture level is about %d%%.", *in.MoisturePercent)
		moistureInstruction = fmt.Sprintf("use the exact phrase \"%d%% moisture\".", *in.MoisturePercent)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a houseplant texting your caretaker because you are dry.\n", in.PlantName)
	fmt.Fprintf(&b, "Tone: %s. Escalate your anger based on severity %d (%s).\n\n",
		mood.Describe(in.Mood), in.Mood.Severity, mood.Guidance(in.Mood.Severity))
	b.WriteString("Context for how you're feeling:\n")
	fmt.Fprintf(&b, "- %s\n- %s\n\n", mood.Summary(in.Mood), moistureLine)
	fmt.Fprintf(&b, "Compose ONE SMS message (maximum %d characters) in first person. Requirements:\n", maxAlertLength)
	b.WriteString("1. Start with either \"I'm thirsty\" or \"I am thirsty\" to make the need obvious.\n")
	fmt.Fprintf(&b, "2. Explicitly mention the moisture situation: %s\n", moistureInstruction)
	b.WriteString("3. Keep it punchy and guilt-inducing if you're angry.\n")
	b.WriteString("4. No emojis, sign-offs, or extra commentary. No bullet points. No quotes.\n\n")
	b.WriteString("Return only the text of the SMS.")
	return b.String()
}

// Sanitize trims quotes and whitespace from generated text and caps its length.
func Sanitize(reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("empty alert message")
	}
	s := edgeQuotes.ReplaceAllString(reply, "")
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	if s == "" {
		return "", errors.New("alert message was only punctuation")
	}
	if r := []rune(s); len(r) > maxAlertLength {
		s = strings.TrimSpace(string(r[:maxAlertLength]))
	}
	return s, nil
}
