// email.go -- SMTP alert sink.
package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig holds all configuration for Email.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
	To          []string
}

// Email mails alerts to a fixed recipient list.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type Email struct {
	cfg SMTPConfig
}

// NewEmail returns an Email sink with the given config.
func NewEmail(cfg SMTPConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Alert(ctx context.Context, a Alert) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("email alert: no recipients configured")
	}
	if err := e.sendMail(ctx, composeMessage(e.cfg.FromAddress, e.cfg.To, a)); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

// composeMessage renders a plain-text RFC 5322 message for a.
func composeMessage(from string, to []string, a Alert) string {
	subject := fmt.Sprintf("[ledgersync] webhook %s failed permanently", a.EventType)

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + a.At.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(a.Summary() + "\r\n\r\n")
	fmt.Fprintf(&b, "Log ID:     %s\r\n", a.LogID)
	fmt.Fprintf(&b, "Message ID: %s\r\n", a.MessageID)
	fmt.Fprintf(&b, "Event type: %s\r\n", a.EventType)
	fmt.Fprintf(&b, "Attempts:   %d\r\n", a.Attempts)
	fmt.Fprintf(&b, "Failed at:  %s\r\n", a.At.Format(time.RFC3339))
	b.WriteString("\r\nReplay with: ledgersync replay " + a.LogID.String() + "\r\n")
	return b.String()
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext sessions),
// authenticates, and delivers msg to every recipient. The dial respects ctx.
func (e *Email) sendMail(ctx context.Context, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(e.cfg.Host, e.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if e.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(e.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range e.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}
