package imap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/provider"
)

// SendMail delivers a rendered message through the SMTP server in s.
func SendMail(ctx context.Context, s Settings, msg *provider.Rendered) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		c   *smtp.Client
		err error
	)
	switch s.Security {
	case SecurityTLS:
		c, err = smtp.DialTLS(s.addr(), s.tlsConfig())
	case SecurityStartTLS:
		c, err = smtp.DialStartTLS(s.addr(), s.tlsConfig())
	default:
		c, err = smtp.Dial(s.addr())
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = c.Close() }()

	if s.Username != "" {
		var auth sasl.Client
		if s.OAuth {
			auth = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
				Username: s.Username,
				Token:    s.Secret,
				Host:     s.Host,
				Port:     s.Port,
			})
		} else {
			auth = sasl.NewPlainClient("", s.Username, s.Secret)
		}
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("%w: %v", errAuth, err)
		}
	}

	if err := c.SendMail(msg.From, msg.Recipients, bytes.NewReader(msg.Raw)); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return c.Quit()
}

// Send delivers msg over SMTP and files a copy in the Sent folder. It returns the RFC Message-ID.
// A failed copy is logged but does not fail the send, which already happened.
func (a *Adapter) Send(ctx context.Context, msg *provider.Outgoing) (string, error) {
	rendered, err := provider.BuildMIME(a.withSender(msg))
	if err != nil {
		return "", err
	}
	if err := SendMail(ctx, a.cfg.SMTP, rendered); err != nil {
		return "", err
	}

	if _, err := a.appendTo(ctx, labels.Sent, rendered.Raw, []string{imap.SeenFlag}); err != nil {
		a.logger.Warn().Err(err).Str("message_id", rendered.MessageID).Msg("Sent mail could not be saved to the Sent folder")
	}
	return rendered.MessageID, nil
}

// withSender fills in the account address and name when msg leaves them empty.
func (a *Adapter) withSender(msg *provider.Outgoing) *provider.Outgoing {
	out := *msg
	if out.From == "" {
		out.From = a.cfg.Email
	}
	if out.FromName == "" {
		out.FromName = a.cfg.DisplayName
	}
	return &out
}
