package notify

import (
	"context"
	"fmt"
	"html"
	"net/mail"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
	"github.com/NikhilSetiya/recoverykit/pkg/recovery"
)

// Message is a notification before rendering. Body is plain text with
// light markdown: "# " headings and "**bold**".
type Message struct {
	To       []string
	Subject  string
	Body     string
	Priority string
	Headers  map[string]string
}

// SenderConfig holds the sender settings
type SenderConfig struct {
	SMTP SMTPConfig
	From string
}

// EmailSender delivers notifications as HTML and degrades to plain text when
// the HTML delivery keeps failing for transient reasons. Deliveries run
// through the remote retry recipe behind a breaker keyed smtp:<host>.
type EmailSender struct {
	config    SenderConfig
	transport Transport
	strategy  *recovery.ErrorRecoveryStrategy
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// SenderOption configures an EmailSender
type SenderOption func(*EmailSender)

// WithTransport replaces the SMTP transport
func WithTransport(transport Transport) SenderOption {
	return func(s *EmailSender) {
		s.transport = transport
	}
}

// WithSenderMetrics records delivery outcomes
func WithSenderMetrics(m *metrics.Metrics) SenderOption {
	return func(s *EmailSender) {
		s.metrics = m
	}
}

// NewEmailSender creates an email sender
func NewEmailSender(config SenderConfig, strategy *recovery.ErrorRecoveryStrategy, logger *zap.Logger, opts ...SenderOption) (*EmailSender, error) {
	if config.SMTP.Host == "" {
		return nil, fmt.Errorf("%w: SMTP host not configured", errors.ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(config.From); err != nil {
		return nil, fmt.Errorf("%w: invalid sender address %q: %v", errors.ErrInvalidArgument, config.From, err)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: recovery strategy is required", errors.ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &EmailSender{
		config:   config,
		strategy: strategy,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = NewSMTPTransport(config.SMTP)
	}
	return s, nil
}

// Endpoint names the mail server for circuit breaking
func (s *EmailSender) Endpoint() string {
	return "smtp:" + s.config.SMTP.Host
}

// Send delivers msg. testName labels the delivery in logs and errors.
func (s *EmailSender) Send(ctx context.Context, testName string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		s.metrics.RecordNotification("none", "invalid")
		return err
	}

	rc := recovery.ForRemoteCall(s, testName).
		WithComponent("EmailSender").
		WithOperation("send")

	htmlEnvelope := s.envelope(msg, "text/html; charset=UTF-8", renderHTML(msg))
	textEnvelope := s.envelope(msg, "text/plain; charset=UTF-8", renderText(msg))

	format := "html"
	_, err := recovery.WithFallbackRecovery(ctx, s.strategy, rc,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.transport.Deliver(ctx, htmlEnvelope)
		},
		func(ctx context.Context) (struct{}, error) {
			format = "text"
			s.logger.Warn("HTML delivery failed, sending plain text",
				zap.String("smtp_server", s.config.SMTP.Host),
				zap.String("subject", msg.Subject))
			return struct{}{}, s.transport.Deliver(ctx, textEnvelope)
		},
		shouldSendPlainText,
	)
	if err != nil {
		s.metrics.RecordNotification(format, "failed")
		s.logger.Error("Failed to send email notification",
			zap.String("smtp_server", s.config.SMTP.Host),
			zap.Strings("to", msg.To),
			zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.metrics.RecordNotification(format, "sent")
	s.logger.Info("Successfully sent email notification",
		zap.String("format", format),
		zap.Strings("to", msg.To),
		zap.String("smtp_server", s.config.SMTP.Host))
	return nil
}

// shouldSendPlainText accepts transient failures of the HTML delivery. An
// open breaker is declined since the plain-text copy targets the same host.
func shouldSendPlainText(err error) bool {
	switch errors.Classify(err).Kind {
	case errors.KindTransient, errors.KindRecoveryExhausted:
		return true
	default:
		return false
	}
}

func validateMessage(msg Message) error {
	if len(msg.To) == 0 {
		return errors.NewValidationError("email has no recipients")
	}
	for _, to := range msg.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid recipient address %q", to)).WithCause(err)
		}
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return errors.NewValidationError("email subject is empty")
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.NewValidationError("email subject contains a line break")
	}
	return nil
}

func (s *EmailSender) envelope(msg Message, contentType, body string) Envelope {
	headers := map[string]string{
		"X-Mailer":   "recoverykit",
		"X-Priority": "3",
	}
	if msg.Priority == "high" {
		headers["X-Priority"] = "1"
		headers["Importance"] = "high"
	}
	for key, value := range msg.Headers {
		headers[key] = value
	}

	return Envelope{
		From: s.config.From,
		To:   msg.To,
		Data: []byte(buildMIMEMessage(s.config.From, msg.To, msg.Subject, contentType, s.now(), headers, body)),
	}
}

// buildMIMEMessage builds a MIME-formatted email message
func buildMIMEMessage(from string, to []string, subject, contentType string, date time.Time, headers map[string]string, body string) string {
	var message strings.Builder

	fmt.Fprintf(&message, "From: %s\r\n", from)
	fmt.Fprintf(&message, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&message, "Subject: %s\r\n", subject)
	fmt.Fprintf(&message, "Date: %s\r\n", date.Format(time.RFC1123Z))
	message.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&message, "Content-Type: %s\r\n", contentType)

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&message, "%s: %s\r\n", key, headers[key])
	}

	message.WriteString("\r\n")
	message.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	return message.String()
}

// renderHTML converts the light markdown body to an HTML document
func renderHTML(msg Message) string {
	var content strings.Builder
	for _, line := range strings.Split(msg.Body, "\n") {
		escaped := html.EscapeString(line)
		switch {
		case strings.HasPrefix(line, "### "):
			fmt.Fprintf(&content, "<h3>%s</h3>\n", strings.TrimPrefix(escaped, "### "))
		case strings.HasPrefix(line, "## "):
			fmt.Fprintf(&content, "<h2>%s</h2>\n", strings.TrimPrefix(escaped, "## "))
		case strings.HasPrefix(line, "# "):
			fmt.Fprintf(&content, "<h1>%s</h1>\n", strings.TrimPrefix(escaped, "# "))
		case strings.TrimSpace(line) == "":
			content.WriteString("<br>\n")
		default:
			fmt.Fprintf(&content, "<p>%s</p>\n", boldToHTML(escaped))
		}
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .content { padding: 20px; }
        .footer { background-color: #f4f4f4; padding: 10px; text-align: center; font-size: 12px; }
    </style>
</head>
<body>
    <div class="content">
%s    </div>
    <div class="footer">
        <p>This notification was sent by recoverykit</p>
    </div>
</body>
</html>`, html.EscapeString(msg.Subject), content.String())
}

// boldToHTML turns **pairs** into strong tags; an unpaired marker stays literal
func boldToHTML(line string) string {
	parts := strings.Split(line, "**")
	if len(parts) < 3 {
		return line
	}
	var out strings.Builder
	for i, part := range parts {
		if i > 0 {
			switch {
			case i == len(parts)-1 && i%2 == 1:
				out.WriteString("**")
			case i%2 == 1:
				out.WriteString("<strong>")
			default:
				out.WriteString("</strong>")
			}
		}
		out.WriteString(part)
	}
	return out.String()
}

// renderText strips the markdown markers for the plain-text copy
func renderText(msg Message) string {
	lines := strings.Split(msg.Body, "\n")
	for i, line := range lines {
		line = strings.TrimLeft(line, "#")
		lines[i] = strings.TrimSpace(strings.ReplaceAll(line, "**", ""))
	}
	return strings.Join(lines, "\n")
}
