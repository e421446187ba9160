package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/recovery"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
)

// EmailAlertHandler forwards alerts at or above a severity to a mailing list
type EmailAlertHandler struct {
	sender      *EmailSender
	recipients  []string
	minSeverity resilience.AlertSeverity
}

// NewEmailAlertHandler creates an alert handler backed by sender
func NewEmailAlertHandler(sender *EmailSender, recipients []string, minSeverity resilience.AlertSeverity) *EmailAlertHandler {
	return &EmailAlertHandler{
		sender:      sender,
		recipients:  recipients,
		minSeverity: minSeverity,
	}
}

// HandleAlert sends the alert as an email
func (h *EmailAlertHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	if alert.Severity < h.minSeverity || len(h.recipients) == 0 {
		return nil
	}

	msg := Message{
		To:      h.recipients,
		Subject: fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Body:    alertBody(alert),
		Headers: map[string]string{"X-Alert-ID": alert.ID},
	}
	if alert.Severity >= resilience.SeverityError {
		msg.Priority = "high"
	}

	return h.sender.Send(ctx, alertTestName(alert), msg)
}

// Name returns the name of the handler
func (h *EmailAlertHandler) Name() string {
	return "email"
}

func alertTestName(alert resilience.Alert) string {
	name, _ := alert.Metadata["test_name"].(string)
	return name
}

func alertBody(alert resilience.Alert) string {
	var body strings.Builder
	fmt.Fprintf(&body, "# %s\n\n", alert.Title)
	fmt.Fprintf(&body, "**Source:** %s\n", alert.Source)
	fmt.Fprintf(&body, "**Time:** %s\n", alert.Timestamp.UTC().Format(time.RFC3339))
	if alert.Description != "" {
		fmt.Fprintf(&body, "\n%s\n", alert.Description)
	}

	details := alertDetails(alert)
	if len(details) > 0 {
		body.WriteString("\n## Details\n")
		for _, line := range details {
			body.WriteString(line + "\n")
		}
	}
	return body.String()
}

// alertDetails flattens tags and metadata into sorted key: value lines
func alertDetails(alert resilience.Alert) []string {
	lines := make([]string, 0, len(alert.Tags)+len(alert.Metadata))
	for key, value := range alert.Tags {
		lines = append(lines, fmt.Sprintf("%s: %s", key, value))
	}
	for key, value := range alert.Metadata {
		lines = append(lines, fmt.Sprintf("%s: %v", key, value))
	}
	sort.Strings(lines)
	return lines
}

// SlackMessage is the incoming webhook payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the alert details
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is a short key/value pair in an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackAlertHandler posts alerts to a Slack incoming webhook. Posts go
// through the remote retry recipe behind a breaker keyed slack:<host>.
type SlackAlertHandler struct {
	webhookURL string
	username   string
	strategy   *recovery.ErrorRecoveryStrategy
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSlackAlertHandler creates a Slack alert handler
func NewSlackAlertHandler(webhookURL, username string, strategy *recovery.ErrorRecoveryStrategy, logger *zap.Logger) (*SlackAlertHandler, error) {
	if _, err := url.ParseRequestURI(webhookURL); err != nil {
		return nil, fmt.Errorf("%w: invalid slack webhook URL: %v", errors.ErrInvalidArgument, err)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: recovery strategy is required", errors.ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackAlertHandler{
		webhookURL: webhookURL,
		username:   username,
		strategy:   strategy,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

// Endpoint names the webhook host for circuit breaking
func (h *SlackAlertHandler) Endpoint() string {
	u, err := url.Parse(h.webhookURL)
	if err != nil {
		return "slack:webhook"
	}
	return "slack:" + u.Host
}

// HandleAlert posts the alert
func (h *SlackAlertHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	payload, err := json.Marshal(h.buildSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	rc := recovery.ForRemoteCall(h, alertTestName(alert)).
		WithComponent("SlackAlertHandler").
		WithOperation("post")

	_, err = recovery.WithRemoteRetry(ctx, h.strategy, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.post(ctx, payload)
	})
	if err != nil {
		return err
	}

	h.logger.Info("Successfully sent Slack notification",
		zap.String("alert_id", alert.ID),
		zap.String("webhook_url", maskWebhookURL(h.webhookURL)))
	return nil
}

// Name returns the name of the handler
func (h *SlackAlertHandler) Name() string {
	return "slack"
}

func (h *SlackAlertHandler) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return errors.NewValidationError("failed to create slack request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.NewUnavailableError(h.Endpoint(), fmt.Sprintf("slack API returned status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.NewAuthenticationError(fmt.Sprintf("slack API returned status %d", resp.StatusCode))
	default:
		return errors.NewValidationError(fmt.Sprintf("slack API returned status %d", resp.StatusCode))
	}
}

func (h *SlackAlertHandler) buildSlackMessage(alert resilience.Alert) SlackMessage {
	attachment := SlackAttachment{
		Title:     alert.Title,
		Text:      alert.Description,
		Footer:    alert.Source,
		Timestamp: alert.Timestamp.Unix(),
	}

	icon := ":information_source:"
	switch alert.Severity {
	case resilience.SeverityCritical, resilience.SeverityError:
		attachment.Color = "danger"
		icon = ":rotating_light:"
	case resilience.SeverityWarning:
		attachment.Color = "warning"
		icon = ":warning:"
	default:
		attachment.Color = "good"
	}

	keys := make([]string, 0, len(alert.Tags))
	for key := range alert.Tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: key,
			Value: alert.Tags[key],
			Short: true,
		})
	}

	return SlackMessage{
		Text:        fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Username:    h.username,
		IconEmoji:   icon,
		Attachments: []SlackAttachment{attachment},
	}
}

// maskWebhookURL masks the secret path of a webhook URL for logging
func maskWebhookURL(webhookURL string) string {
	u, err := url.Parse(webhookURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
