package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mail "github.com/wneessen/go-mail"
)

var errMissingSender = errors.New("notifications: email sender address is required")

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type mailDialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPSender delivers HTML email through an SMTP relay.
type SMTPSender struct {
	from   string
	dialer mailDialer
}

// NewSMTPSender builds a client for the relay. Authentication is enabled when a
// username is configured.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errMissingSender
	}
	options := []mail.Option{mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if cfg.Port > 0 {
		options = append(options, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, options...)
	if err != nil {
		return nil, fmt.Errorf("notifications: init smtp client: %w", err)
	}
	return &SMTPSender{from: cfg.From, dialer: client}, nil
}

// SendEmail sends one HTML message.
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, html string) error {
	message, err := s.buildMessage(to, subject, html)
	if err != nil {
		return err
	}
	if err := s.dialer.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("notifications: smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) buildMessage(to, subject, html string) (*mail.Msg, error) {
	message := mail.NewMsg()
	if err := message.From(s.from); err != nil {
		return nil, fmt.Errorf("notifications: invalid sender %q: %w", s.from, err)
	}
	if err := message.To(strings.TrimSpace(to)); err != nil {
		return nil, fmt.Errorf("notifications: invalid recipient %q: %w", to, err)
	}
	message.Subject(subject)
	message.SetBodyString(mail.TypeTextHTML, html)
	return message, nil
}
