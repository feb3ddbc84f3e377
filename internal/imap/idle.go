package imap

import (
	"context"
	"errors"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/provider"
)

// idleListenerSleep is the pause after an error before retrying IDLE.
const idleListenerSleep = 10 * time.Second

// idlePollInterval is used by servers without IDLE support.
const idlePollInterval = 5 * time.Minute

// Listen keeps an IDLE connection on INBOX and calls onChange whenever the server reports a
// mailbox change. It blocks until ctx is canceled or the adapter is closed.
func (a *Adapter) Listen(ctx context.Context, onChange func()) {
	for {
		if ctx.Err() != nil || a.closed.Load() {
			return
		}

		listener, err := a.pool.getListenerConnection(ctx, a.cfg.AccountID, a.cfg.IMAP)
		if errors.Is(err, provider.ErrEvicted) {
			return
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("IMAP IDLE: failed to get listener connection")
		} else {
			func() {
				defer listener.Unlock()
				a.runIdleLoop(ctx, listener.GetClient(), onChange)
			}()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idleListenerSleep):
		}
	}
}

// runIdleLoop runs IDLE on INBOX until ctx is canceled or the connection fails.
func (a *Adapter) runIdleLoop(ctx context.Context, c *imapclient.Client, onChange func()) {
	if _, err := c.Select("INBOX", true); err != nil {
		a.logger.Warn().Err(err).Msg("IMAP IDLE: failed to select INBOX")
		a.pool.RemoveListenerConnection(a.cfg.AccountID)
		return
	}

	updates := make(chan imapclient.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c).IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			for {
				select {
				case <-done:
					return
				case <-updates:
				}
			}
		case err := <-done:
			if err != nil {
				a.logger.Warn().Err(err).Msg("IMAP IDLE: idle loop ended with error")
				a.pool.RemoveListenerConnection(a.cfg.AccountID)
			}
			return
		case update := <-updates:
			if isInboxChange(update) {
				onChange()
			}
		}
	}
}

// isInboxChange reports whether an unsolicited update means INBOX content changed.
func isInboxChange(update imapclient.Update) bool {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		return u.Mailbox != nil && u.Mailbox.Name == "INBOX"
	case *imapclient.ExpungeUpdate, *imapclient.MessageUpdate:
		return true
	}
	return false
}
