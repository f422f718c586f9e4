package email

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends mail through an unauthenticated relay (Mailpit-compatible).
type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(host string, port string, from string) *SMTPSender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	if port == "" {
		port = "1025"
	}
	if from == "" {
		from = "no-reply@tenancy.local"
	}
	return &SMTPSender{
		addr: net.JoinHostPort(host, port),
		from: from,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To+msg.Subject, "\r\n") {
		return fmt.Errorf("email: header contains line break")
	}
	return smtp.SendMail(s.addr, nil, s.from, []string{msg.To}, []byte(buildMessage(s.from, msg)))
}

func buildMessage(from string, msg Message) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		msg.To,
		msg.Subject,
		msg.Body,
	)
}

// LogSender writes messages to the log instead of sending them. Used when no
// SMTP relay is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "email suppressed (no smtp relay)", "to", msg.To, "subject", msg.Subject)
	return nil
}
