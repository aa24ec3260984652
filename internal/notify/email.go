package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"kpialert/internal/config"
)

const smtpDialTimeout = 10 * time.Second

// EmailSender delivers notifications over SMTP with TLS or STARTTLS.
// Params: SMTP endpoint, credentials, and sender identity.
// Returns: email channel sender.
type EmailSender struct {
	cfg config.EmailNotifier
}

// NewEmailSender creates the SMTP sender.
// Params: email notifier config.
// Returns: initialized sender.
func NewEmailSender(cfg config.EmailNotifier) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *EmailSender) Channel() string {
	return config.ChannelEmail
}

// Send delivers one message to the recipient mailbox.
// Params: context and rendered message.
// Returns: transport or protocol error.
func (s *EmailSender) Send(ctx context.Context, message Message) error {
	recipient := strings.TrimSpace(message.Recipient.Email)
	if recipient == "" {
		return fmt.Errorf("recipient %q has no email address", message.Recipient.ID)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, smtpDialTimeout)
		defer cancel()
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialer := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *smtp.Client
	if s.cfg.UseTLS && s.cfg.Port == 465 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.cfg.Host})
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("smtp tls handshake: %w", err)
		}
		client, err = smtp.NewClient(tlsConn, s.cfg.Host)
	} else {
		client, err = smtp.NewClient(conn, s.cfg.Host)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp client init: %w", err)
	}
	defer client.Close()

	if s.cfg.UseTLS && s.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("smtp rcpt to %s: %w", recipient, err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write([]byte(buildMail(s.cfg.From, recipient, message.Subject, message.Body))); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	// QUIT failure does not undo a delivered message.
	_ = client.Quit()
	return nil
}

// buildMail assembles a plain-text SMTP payload with CRLF line endings.
// Params: envelope addresses, subject, and body.
// Returns: complete DATA payload.
func buildMail(from, to, subject, body string) string {
	cleanSubject := strings.NewReplacer("\r", "", "\n", "").Replace(subject)
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + cleanSubject,
		"Date: " + time.Now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.ReplaceAll(normalized, "\n", "\r\n")
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + normalized + "\r\n"
}
