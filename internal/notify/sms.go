package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultVonageEndpoint = "https://rest.nexmo.com/sms/json"

// VonageSender sends SMS through the Vonage SMS REST API.
type VonageSender struct {
	APIKey    string
	APISecret string
	From      string
	Endpoint  string
	Client    *http.Client
}

func NewVonageSender(apiKey, apiSecret, from string) *VonageSender {
	return &VonageSender{
		APIKey:    apiKey,
		APISecret: apiSecret,
		From:      from,
		Endpoint:  DefaultVonageEndpoint,
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type vonageResponse struct {
	Messages []struct {
		Status    string `json:"status"`
		ErrorText string `json:"error-text"`
	} `json:"messages"`
}

func (v *VonageSender) Send(ctx context.Context, to, text string) error {
	form := url.Values{
		"api_key":    {v.APIKey},
		"api_secret": {v.APISecret},
		"from":       {v.From},
		"to":         {strings.TrimPrefix(to, "+")},
		"text":       {text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sms request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms request: unexpected status %d", resp.StatusCode)
	}

	var body vonageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode sms response: %w", err)
	}
	var failures []string
	for _, m := range body.Messages {
		if m.Status != "0" {
			failures = append(failures, m.ErrorText)
		}
	}
	if len(failures) > 0 {
		text := strings.Join(failures, "; ")
		if strings.TrimSpace(text) == "" {
			text = "some SMS messages failed to send"
		}
		return fmt.Errorf("sms rejected: %s", text)
	}
	return nil
}

// LogSender only logs. Used when SMS credentials are not configured.
type LogSender struct {
	Log *zap.Logger
}

func (l LogSender) Send(_ context.Context, to, text string) error {
	if l.Log != nil {
		l.Log.Info("SMS delivery disabled, alert not sent", zap.String("to", to), zap.String("text", text))
	}
	return nil
}
