package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

const implicitTLSPort = 465

var errMissingRecipient = errors.New("mail: recipient address required")

// Message is one outbound notification. The gateway treats delivery failure
// as non-fatal; callers log and continue.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers formatted messages to a recipient.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig describes the outbound SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail over SMTP. Port 465 uses implicit TLS; any other
// port upgrades via STARTTLS when the server offers it.
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender constructs an SMTP-backed sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail: smtp host required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("mail: smtp port required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail: from address required")
	}
	return &SMTPSender{config: cfg}, nil
}

// Send delivers one message, bounding connection establishment by the caller
// context.
func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	if strings.TrimSpace(message.To) == "" {
		return errMissingRecipient
	}

	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("mail: dial %s: %w", address, err)
	}

	if s.config.Port == implicitTLSPort {
		conn = tls.Client(conn, &tls.Config{ServerName: s.config.Host})
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mail: smtp handshake: %w", err)
	}
	defer client.Close()

	if s.config.Port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
				return fmt.Errorf("mail: starttls: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("mail: sender rejected: %w", err)
	}
	if err := client.Rcpt(message.To); err != nil {
		return fmt.Errorf("mail: recipient rejected: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail: data: %w", err)
	}
	if _, err := writer.Write(encodeMessage(s.config.From, message)); err != nil {
		writer.Close()
		return fmt.Errorf("mail: write body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("mail: finalize body: %w", err)
	}

	return client.Quit()
}

// encodeMessage renders a multipart/alternative MIME message with plain-text
// and HTML parts.
func encodeMessage(from string, message Message) []byte {
	const boundary = "soulbox-alt-boundary"

	var builder strings.Builder
	writeHeader := func(name, value string) {
		builder.WriteString(name)
		builder.WriteString(": ")
		builder.WriteString(value)
		builder.WriteString("\r\n")
	}

	writeHeader("From", from)
	writeHeader("To", message.To)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", message.Subject))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	builder.WriteString("\r\n")

	writePart := func(contentType, body string) {
		builder.WriteString("--" + boundary + "\r\n")
		writeHeader("Content-Type", contentType+"; charset=utf-8")
		builder.WriteString("\r\n")
		builder.WriteString(body)
		builder.WriteString("\r\n")
	}
	writePart("text/plain", message.TextBody)
	writePart("text/html", message.HTMLBody)
	builder.WriteString("--" + boundary + "--\r\n")

	return []byte(builder.String())
}

// LogSender stands in for the SMTP relay when outbound mail is not
// configured. It records the would-be delivery and succeeds.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a sender that only logs.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message instead of delivering it.
func (s *LogSender) Send(_ context.Context, message Message) error {
	s.logger.Info("outbound mail suppressed (smtp not configured)",
		zap.String("to", message.To),
		zap.String("subject", message.Subject))
	return nil
}
