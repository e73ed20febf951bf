package email

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

const senderName = "AI Assistant"

// Send delivers a plain-text reply over SMTP with STARTTLS.
func (c *Client) Send(ctx context.Context, out Outgoing) error {
	msg, err := c.buildMessage(out)
	if err != nil {
		return err
	}

	sc, err := gomail.NewClient(c.cfg.SMTPHost,
		gomail.WithPort(c.cfg.SMTPPort),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(c.cfg.Username),
		gomail.WithPassword(c.cfg.Password),
		gomail.WithTimeout(commandTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if err := sc.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", out.To, err)
	}

	c.logger.Info("email sent", "to", out.To, "subject", out.Subject)
	return nil
}

func (c *Client) buildMessage(out Outgoing) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(senderName, c.cfg.Username); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(out.To); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(out.Subject)
	if out.InReplyTo != "" {
		msg.SetGenHeader(gomail.HeaderInReplyTo, out.InReplyTo)
		msg.SetGenHeader(gomail.HeaderReferences, out.InReplyTo)
	}
	msg.SetBodyString(gomail.TypeTextPlain, out.Body)
	return msg, nil
}

// Ensure Client implements Mailbox
var _ Mailbox = (*Client)(nil)
