package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

type Email struct {
	Subject      string
	Body         string
	From         string
	To           []string
	Template     string
	TemplateVars map[string]any
}

type Mailer struct {
	domain     string
	apiKey     string
	apiBase    string
	appBaseURL string
}

func NewMailer(domain, apiKey, apiBase, appBaseURL string) *Mailer {
	return &Mailer{
		domain:     domain,
		apiKey:     apiKey,
		apiBase:    apiBase,
		appBaseURL: appBaseURL,
	}
}

func (m *Mailer) SendMail(e *Email) error {
	mg := mailgun.NewMailgun(m.domain, m.apiKey)
	mg.SetAPIBase(m.apiBase)

	message := mailgun.NewMessage(e.From, e.Subject, e.Body, e.To...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, _, err := mg.Send(ctx, message)
	if err != nil {
		return err
	}

	return nil
}

func (m *Mailer) sendTemplatedMail(ctx context.Context, e *Email) error {
	mg := mailgun.NewMailgun(m.domain, m.apiKey)
	mg.SetAPIBase(m.apiBase)

	message := mailgun.NewMessage(e.From, e.Subject, "", e.To...)
	message.SetTemplate(e.Template)

	for k, v := range e.TemplateVars {
		message.AddTemplateVariable(k, v)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	_, _, err := mg.Send(ctx, message)
	if err != nil {
		return err
	}

	return nil
}

// SendChangeConfirmation implements changeemail.Notifier.
func (m *Mailer) SendChangeConfirmation(ctx context.Context, name, to, token string) error {
	message := Email{
		Subject:  "Lockgate - Confirm your new email address",
		From:     fmt.Sprintf("Lockgate <no-reply@%s>", m.domain),
		To:       []string{to},
		Template: "confirm-email-change",
		TemplateVars: map[string]any{
			"userName":   name,
			"confirmURL": fmt.Sprintf("%s/api/account/change-email/%s", m.appBaseURL, token),
		},
	}
	return m.sendTemplatedMail(ctx, &message)
}

// SendRevertLink implements changeemail.Notifier.
func (m *Mailer) SendRevertLink(ctx context.Context, name, to, token string) error {
	message := Email{
		Subject:  "Lockgate - Your email address was changed",
		From:     fmt.Sprintf("Lockgate <no-reply@%s>", m.domain),
		To:       []string{to},
		Template: "revert-email-change",
		TemplateVars: map[string]any{
			"userName":  name,
			"revertURL": fmt.Sprintf("%s/api/account/change-email/%s", m.appBaseURL, token),
		},
	}
	return m.sendTemplatedMail(ctx, &message)
}
