// Package email sends outbound notifications (approval requests,
// status reports) over SMTP with an opportunistic STARTTLS upgrade,
// the way the original implementation's emailer.py does — stdlib
// only for the protocol itself, since no repo in the retrieval pack
// wires a third-party SMTP client and the original itself never
// reaches past smtplib. Delivery is retried through resilience.Retry,
// since a mail relay hiccup shouldn't cost an approval request.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/resilience"
)

// Config holds the SMTP connection settings.
type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Sender sends plain-text/HTML email messages.
type Sender struct {
	cfg    Config
	logger core.Logger
}

// Option configures a Sender at construction time.
type Option func(*Sender)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// New builds a Sender from cfg.
func New(cfg Config, opts ...Option) *Sender {
	s := &Sender{cfg: cfg, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether enough configuration is present to attempt
// a send; callers use this to skip silently when SMTP isn't configured.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

// Send delivers a message to a single recipient, making up to three
// attempts; any error from an attempt leads to a retry. If the server
// advertises STARTTLS it is used; otherwise the message goes out in
// the clear over the initial connection, matching the original's
// opportunistic-upgrade behavior.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.Enabled() {
		return core.NewFrameworkError("email.Send", "config", core.ErrMissingConfiguration)
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	return resilience.Retry(ctx, retryCfg, func() error {
		return s.sendOnce(to, subject, body)
	})
}

func (s *Sender) sendOnce(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	c, err := smtp.Dial(addr)
	if err != nil {
		return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("dial: %w", err))
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: s.cfg.Host}
		if err := c.StartTLS(tlsConfig); err != nil {
			return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("starttls: %w", err))
		}
	}

	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("auth: %w", err))
			}
		}
	}

	if err := c.Mail(s.cfg.From); err != nil {
		return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("mail from: %w", err))
	}
	if err := c.Rcpt(to); err != nil {
		return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("rcpt to: %w", err))
	}

	w, err := c.Data()
	if err != nil {
		return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("data: %w", err))
	}
	msg := buildMessage(s.cfg.From, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("write: %w", err))
	}
	if err := w.Close(); err != nil {
		return core.NewFrameworkError("email.Send", "connection", fmt.Errorf("close: %w", err))
	}

	s.logger.Info("email sent", map[string]interface{}{
		"operation": "send_email",
		"to":        to,
		"subject":   subject,
	})
	return c.Quit()
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
