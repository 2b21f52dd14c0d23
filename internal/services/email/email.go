// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package email sends the hub's transactional mail.
package email

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/avollmer/idhub/internal/config"
	"github.com/wneessen/go-mail"
)

//go:embed templates/*.txt
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.txt"))

// Sender delivers a single plain-text message. The SMTP implementation
// is swapped out for a recorder in tests.
type Sender interface {
	Send(to, subject, body string) error
}

// Service renders and sends the hub's notification mails.
type Service struct {
	sender  Sender
	issuer  string
	baseURL string
}

// NewService creates an email service on top of a Sender.
func NewService(sender Sender, issuer, baseURL string) *Service {
	return &Service{
		sender:  sender,
		issuer:  issuer,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// templateData is what every mail template gets to work with.
type templateData struct {
	Issuer    string
	FirstName string
	Link      string
	Validity  string
}

func (s *Service) send(to, subject, templateName string, data templateData) error {
	data.Issuer = s.issuer

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("rendering %s: %w", templateName, err)
	}
	if err := s.sender.Send(to, subject, body.String()); err != nil {
		return fmt.Errorf("sending %s: %w", templateName, err)
	}
	return nil
}

// SendRegistration mails the confirmation link for a new account.
func (s *Service) SendRegistration(to, firstName, path string) error {
	return s.send(to, fmt.Sprintf("Complete your %s registration", s.issuer),
		"registration.txt", templateData{
			FirstName: firstName,
			Link:      s.baseURL + path,
			Validity:  "3 days",
		})
}

// SendRecovery mails the continuation link for a credential recovery.
func (s *Service) SendRecovery(to, firstName, path string) error {
	return s.send(to, fmt.Sprintf("Recover your %s credentials", s.issuer),
		"recovery.txt", templateData{
			FirstName: firstName,
			Link:      s.baseURL + path,
			Validity:  "1 hour",
		})
}

// SendEmailChange mails the confirmation link to a new address.
func (s *Service) SendEmailChange(to, firstName, path string) error {
	return s.send(to, fmt.Sprintf("Confirm your new %s e-mail address", s.issuer),
		"email_change.txt", templateData{
			FirstName: firstName,
			Link:      s.baseURL + path,
			Validity:  "24 hours",
		})
}

// SMTPSender delivers mail over SMTP using go-mail.
type SMTPSender struct {
	cfg *config.SMTPConfig
}

// NewSMTPSender creates an SMTP sender from config.
func NewSMTPSender(cfg *config.SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("SMTP from address is required")
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send implements Sender.
func (s *SMTPSender) Send(to, subject, body string) error {
	msg := mail.NewMsg()

	if s.cfg.FromName != "" {
		if err := msg.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
			return fmt.Errorf("setting from address: %w", err)
		}
	} else {
		if err := msg.From(s.cfg.From); err != nil {
			return fmt.Errorf("setting from address: %w", err)
		}
	}

	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting to address: %w", err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}

	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		// Implicit TLS for port 465, STARTTLS for others
		if s.cfg.Port == 465 {
			opts = append(opts, mail.WithSSL())
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("creating mail client: %w", err)
	}

	if err := client.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}

	return nil
}
