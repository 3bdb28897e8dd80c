// Package mailer sends account emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

var (
	_ services.Notifier = (*Mailer)(nil)
	_ services.Notifier = (*LogNotifier)(nil)
)

// Sender delivers prepared messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig holds the SMTP settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer implements services.Notifier with HTML emails.
type Mailer struct {
	sender Sender
	from   string
	logger logging.Logger
}

// New returns a Mailer dialing cfg on every send.
func New(cfg SMTPConfig, l logging.Logger) (*Mailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	return NewWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, l), nil
}

func NewWithSender(s Sender, from string, l logging.Logger) *Mailer {
	return &Mailer{sender: s, from: from, logger: l.With("module", "mailer")}
}

var (
	inviteTmpl = template.Must(template.New("invite").Parse(`<p>You have been invited to join.</p>
<p><a href="{{.Link}}">Accept the invitation</a></p>
<p>The link expires on {{.Expires}}.</p>`))

	resetTmpl = template.Must(template.New("reset").Parse(`<p>A password reset was requested for your account.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>The link expires on {{.Expires}}. If you did not ask for this, ignore this email.</p>`))
)

type linkData struct {
	Link    string
	Expires string
}

func render(t *template.Template, link string, expiresAt time.Time) (string, error) {
	var buf bytes.Buffer
	err := t.Execute(&buf, linkData{Link: link, Expires: expiresAt.UTC().Format("2006-01-02 15:04 MST")})
	return buf.String(), err
}

func (m *Mailer) send(ctx context.Context, to, subject, html, text string) error {
	if to == "" {
		return errors.New("no recipient specified")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", html)
	msg.AddAlternative("text/plain", text)

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send %q: %w", subject, err)
	}
	m.logger.Info(ctx, "email sent", "subject", subject)
	return nil
}

func (m *Mailer) SendInvitation(ctx context.Context, to, link string, expiresAt time.Time) error {
	body, err := render(inviteTmpl, link, expiresAt)
	if err != nil {
		return err
	}
	return m.send(ctx, to, "You're invited", body, "Accept the invitation: "+link)
}

func (m *Mailer) SendPasswordReset(ctx context.Context, to, link string, expiresAt time.Time) error {
	body, err := render(resetTmpl, link, expiresAt)
	if err != nil {
		return err
	}
	return m.send(ctx, to, "Reset your password", body, "Reset your password: "+link)
}

// LogNotifier stands in when SMTP is not configured. It records that an
// email would have gone out; links are not logged because they carry
// tokens.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(l logging.Logger) *LogNotifier {
	return &LogNotifier{logger: l.With("module", "mailer")}
}

func (n *LogNotifier) SendInvitation(ctx context.Context, _, _ string, expiresAt time.Time) error {
	n.logger.Warn(ctx, "smtp not configured, invitation not delivered", "expires_at", expiresAt)
	return nil
}

func (n *LogNotifier) SendPasswordReset(ctx context.Context, _, _ string, expiresAt time.Time) error {
	n.logger.Warn(ctx, "smtp not configured, password reset not delivered", "expires_at", expiresAt)
	return nil
}
