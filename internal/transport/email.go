package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"

	"teamcal/internal/apperr"
	"teamcal/internal/config"
	"teamcal/internal/notify"
)

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email delivers the email channel over SMTP.
type Email struct {
	sender Sender
	from   string
}

func NewEmail(cfg config.SMTPConfig) *Email {
	return &Email{
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// NewEmailWithSender is used by tests and by callers that bring their own
// SMTP client.
func NewEmailWithSender(s Sender, from string) *Email {
	return &Email{sender: s, from: from}
}

func (e *Email) Deliver(_ context.Context, in notify.DeliveryIntent) error {
	const op = "transport.Email"
	if err := checkmail.ValidateFormat(in.Email); err != nil {
		return apperr.Permanent(op, fmt.Errorf("recipient %s: %w", in.Recipient, err))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", in.Email)
	m.SetHeader("Subject", in.Title)
	m.SetHeader("X-Idempotency-Key", in.IdempotencyKey)
	m.SetBody("text/plain", in.Body)

	if err := e.sender.DialAndSend(m); err != nil {
		if permanentSMTP(err) {
			return apperr.Permanent(op, err)
		}
		return apperr.Transient(op, err)
	}
	return nil
}

// permanentSMTP reports 5xx replies; network errors and 4xx are retryable.
func permanentSMTP(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return strings.HasPrefix(err.Error(), "5")
}
