package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingAPIKey indicates the mail provider key was not configured.
	ErrMissingAPIKey = errors.New("mailer.missing_api_key")
	// ErrMissingSender indicates no from-address was configured.
	ErrMissingSender = errors.New("mailer.missing_sender")
)

// HTTPMailer delivers mail through an HTTP mail API (resend.com wire
// format). It satisfies authcore.Notifier.
type HTTPMailer struct {
	apiKey  string
	from    string
	client  *http.Client
	baseURL string
}

// NewHTTPMailer constructs a mailer for the given provider credentials.
func NewHTTPMailer(apiKey string, from string, baseURL string) (*HTTPMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(from) == "" {
		return nil, ErrMissingSender
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.resend.com"
	}
	return &HTTPMailer{
		apiKey: apiKey,
		from:   from,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		baseURL: baseURL,
	}, nil
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// Notify sends one message. The caller treats failures as non-fatal.
func (mailer *HTTPMailer) Notify(ctx context.Context, recipient string, subject string, textBody string, htmlBody string) error {
	payload := sendRequest{
		From:    mailer.from,
		To:      []string{recipient},
		Subject: subject,
		Text:    textBody,
		HTML:    htmlBody,
	}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return fmt.Errorf("mailer.encode: %w", encodeErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, mailer.baseURL+"/emails", bytes.NewReader(encoded))
	if requestErr != nil {
		return fmt.Errorf("mailer.request: %w", requestErr)
	}
	request.Header.Set("Authorization", "Bearer "+mailer.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, sendErr := mailer.client.Do(request)
	if sendErr != nil {
		return fmt.Errorf("mailer.send: %w", sendErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("mailer.send: unexpected status %d", response.StatusCode)
	}
	return nil
}

// LogNotifier records notifications instead of sending them; used for dev
// runs without mail credentials. Bodies are not logged because one-time
// token secrets travel in them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the delivery envelope and succeeds.
func (notifier *LogNotifier) Notify(ctx context.Context, recipient string, subject string, textBody string, htmlBody string) error {
	notifier.logger.Info("notification suppressed",
		zap.String("code", "mailer.log_only"),
		zap.String("recipient", recipient),
		zap.String("subject", subject),
	)
	return nil
}
