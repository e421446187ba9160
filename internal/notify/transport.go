package notify

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
)

// Envelope is a rendered message ready for delivery
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// Transport delivers one envelope to a mail server
type Transport interface {
	Deliver(ctx context.Context, envelope Envelope) error
}

// SMTPConfig holds the mail server connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// Addr returns host:port, defaulting to the submission port
func (c SMTPConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SMTPTransport delivers mail with net/smtp. Port 465 uses implicit TLS,
// every other port STARTTLS when the server offers it.
type SMTPTransport struct {
	config SMTPConfig
}

// NewSMTPTransport creates an SMTP transport
func NewSMTPTransport(config SMTPConfig) *SMTPTransport {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPTransport{config: config}
}

// Deliver sends the envelope, giving up when ctx ends or the timeout passes
func (t *SMTPTransport) Deliver(ctx context.Context, envelope Envelope) error {
	var auth smtp.Auth
	if t.config.Username != "" && t.config.Password != "" {
		auth = smtp.PlainAuth("", t.config.Username, t.config.Password, t.config.Host)
	}

	done := make(chan error, 1)
	go func() {
		if t.config.Port == 465 {
			done <- t.deliverTLS(auth, envelope)
			return
		}
		done <- smtp.SendMail(t.config.Addr(), auth, envelope.From, envelope.To, envelope.Data)
	}()

	timer := time.NewTimer(t.config.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return classifySMTPError(t.config.Host, err)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.NewTimeoutError(fmt.Sprintf("smtp delivery to %s", t.config.Host))
	}
}

func (t *SMTPTransport) deliverTLS(auth smtp.Auth, envelope Envelope) error {
	tlsConfig := &tls.Config{ServerName: t.config.Host}

	conn, err := tls.Dial("tcp", t.config.Addr(), tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Quit()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(envelope.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range envelope.To {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", recipient, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := writer.Write(envelope.Data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return writer.Close()
}

// classifySMTPError maps SMTP reply codes onto the error taxonomy. 4xx
// replies are temporary by definition; 5xx replies are permanent.
func classifySMTPError(host string, err error) error {
	if err == nil {
		return nil
	}

	var reply *textproto.Error
	if !stderrors.As(err, &reply) {
		// network failures are classified from the error chain itself
		return err
	}

	switch {
	case reply.Code == 530 || reply.Code == 535:
		return errors.NewAuthenticationError(fmt.Sprintf("smtp %s rejected credentials: %s", host, reply.Msg)).WithCause(err)
	case reply.Code == 550 || reply.Code == 551 || reply.Code == 553:
		return errors.NewNotFoundError(fmt.Sprintf("smtp mailbox (%s)", reply.Msg)).WithCause(err)
	case reply.Code >= 400 && reply.Code < 500:
		return errors.NewUnavailableError("smtp:"+host, fmt.Sprintf("temporary failure %d: %s", reply.Code, reply.Msg)).WithCause(err)
	case reply.Code >= 500:
		return errors.NewValidationError(fmt.Sprintf("smtp %s rejected message %d: %s", host, reply.Code, reply.Msg)).WithCause(err)
	default:
		return err
	}
}
