// Package mail delivers verification codes to account email addresses.
package mail

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Sender delivers authentication emails. Implementations must be safe for
// concurrent use.
type Sender interface {
	// SendLoginCode delivers a sign-in verification code.
	SendLoginCode(ctx context.Context, to, code string) error
	// SendResetCode delivers a password-reset verification code.
	SendResetCode(ctx context.Context, to, code string) error
}

// SMTP sends mail through a configured relay.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTP creates a Sender backed by the given SMTP relay.
func NewSMTP(host string, port int, username, password, from string) *SMTP {
	return &SMTP{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *SMTP) SendLoginCode(ctx context.Context, to, code string) error {
	body := fmt.Sprintf("Your sign-in verification code is: %s\n\nThis code expires in 10 minutes. If you did not try to sign in, you can ignore this email.", code)
	return s.send(ctx, to, "Your sign-in code", body)
}

func (s *SMTP) SendResetCode(ctx context.Context, to, code string) error {
	body := fmt.Sprintf("Your password reset code is: %s\n\nThis code expires in 10 minutes. If you did not request a password reset, you can ignore this email.", code)
	return s.send(ctx, to, "Password reset code", body)
}

// send delivers one message, honoring ctx while the dial is in flight.
// gomail has no context support so the send runs in its own goroutine.
func (s *SMTP) send(ctx context.Context, to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender writes codes to the application log instead of sending mail.
// It backs local development when no SMTP relay is configured.
type LogSender struct{}

func (LogSender) SendLoginCode(ctx context.Context, to, code string) error {
	slog.Info("dev mail: sign-in code", "source", "mail", "to", to, "code", code)
	return nil
}

func (LogSender) SendResetCode(ctx context.Context, to, code string) error {
	slog.Info("dev mail: password reset code", "source", "mail", "to", to, "code", code)
	return nil
}
