package client

import (
	"context"
	"fmt"
	"time"

	"github.com/mailersend/mailersend-go"

	"checkout-service/internal/config"
	"checkout-service/internal/models"
	"checkout-service/internal/util"
)

const mailerTimeout = 5 * time.Second

type MailerClient struct {
	Client         *mailersend.Mailersend
	fromEmail      string
	fromName       string
	otpSubject     string
	receiptSubject string
}

func NewMailerClient(cfg *config.Config) *MailerClient {
	return &MailerClient{
		Client:         mailersend.NewMailersend(cfg.Mailer.APIKey),
		fromEmail:      cfg.Mailer.FromEmail,
		fromName:       cfg.Mailer.FromName,
		otpSubject:     cfg.Mailer.OTPSubject,
		receiptSubject: cfg.Mailer.ReceiptSubject,
	}
}

// SendOTP emails a verification code.
func (m *MailerClient) SendOTP(ctx context.Context, to, code string, ttl time.Duration) error {
	minutes := int(ttl / time.Minute)
	text := fmt.Sprintf("Your verification code is %s. It expires in %d minutes. If you did not request it, ignore this email.", code, minutes)
	html := fmt.Sprintf("<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not request it, ignore this email.</p>", code, minutes)
	return m.send(ctx, to, m.otpSubject, text, html)
}

// SendReceipt emails a confirmation for a completed payment.
func (m *MailerClient) SendReceipt(ctx context.Context, n *models.PaymentNotification) error {
	var detail string
	switch n.Type {
	case models.PaymentTypeVote:
		detail = fmt.Sprintf("%d votes have been added for your artist.", n.Votes)
	case models.PaymentTypeTicket:
		detail = fmt.Sprintf("Your booking for %d ticket(s) is confirmed.", n.Quantity)
	}
	amount := fmt.Sprintf("%s %d.%02d", n.Currency, n.Amount/100, n.Amount%100)
	text := fmt.Sprintf("Payment %s of %s received. %s", n.Reference, amount, detail)
	html := fmt.Sprintf("<p>Payment <code>%s</code> of <strong>%s</strong> received.</p><p>%s</p>", n.Reference, amount, detail)
	return m.send(ctx, n.Email, m.receiptSubject, text, html)
}

func (m *MailerClient) send(ctx context.Context, to, subject, text, html string) error {
	ctx, cancel := context.WithTimeout(ctx, mailerTimeout)
	defer cancel()

	message := m.Client.Email.NewMessage()
	message.SetFrom(mailersend.From{Name: m.fromName, Email: m.fromEmail})
	message.SetRecipients([]mailersend.Recipient{{Email: to}})
	message.SetSubject(subject)
	message.SetText(text)
	message.SetHTML(html)

	res, err := m.Client.Email.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	util.Debug("Email sent",
		util.String("to", util.MaskIdentifier(to)),
		util.String("message_id", res.Header.Get("X-Message-Id")))
	return nil
}
