// Package mailer sends transactional notifications. SMTP settings are
// optional; when unset the process falls back to a no-op sender that only
// logs, which keeps development and tests free of mail dependencies.
package mailer

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/cloudexport/backend/internal/config"
)

type Sender interface {
	Send(to, subject, body string) error
}

// New picks the SMTP sender when a host is configured, Noop otherwise.
func New(cfg *config.Config, log *slog.Logger) Sender {
	if cfg.SMTPHost == "" {
		return &Noop{log: log}
	}
	return &SMTP{cfg: cfg, log: log}
}

type Noop struct {
	log *slog.Logger
}

func (n *Noop) Send(to, subject, body string) error {
	if n.log != nil {
		n.log.Info("mail suppressed (smtp not configured)", "to", to, "subject", subject)
	}
	return nil
}

type SMTP struct {
	cfg *config.Config
	log *slog.Logger
}

func (s *SMTP) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.SMTPFrom)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, fromAddress(s.cfg.SMTPFrom), []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	if s.log != nil {
		s.log.Info("mail sent", "to", to, "subject", subject)
	}
	return nil
}

// fromAddress strips a display name ("Name <a@b>") down to the bare address.
func fromAddress(from string) string {
	if i := strings.LastIndexByte(from, '<'); i >= 0 {
		if j := strings.LastIndexByte(from, '>'); j > i {
			return from[i+1 : j]
		}
	}
	return from
}
