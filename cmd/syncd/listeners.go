package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/adapters"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

type accountLister interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

type adapterSource interface {
	Adapter(ctx context.Context, account *models.Account) (provider.Adapter, error)
}

type triggerer interface {
	Trigger(accountID string) bool
}

// startListeners runs a push listener for every enabled account whose adapter supports one, and
// triggers a sync pass on every reported change. It returns when all listeners have stopped.
func startListeners(ctx context.Context, accounts accountLister, source adapterSource, t triggerer, logger zerolog.Logger) {
	list, err := accounts.ListAccounts(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list accounts for push listeners")
		return
	}

	var wg sync.WaitGroup
	for i := range list {
		account := &list[i]
		if !account.Enabled {
			continue
		}
		a, err := source.Adapter(ctx, account)
		if err != nil {
			logger.Warn().Err(err).Str("account", account.ID).Msg("Failed to build adapter for push listener")
			continue
		}
		listener, ok := a.(adapters.Listener)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			listener.Listen(ctx, func() {
				if !t.Trigger(id) {
					logger.Debug().Str("account", id).Msg("Change reported but no worker runs")
				}
			})
		}(account.ID)
	}
	wg.Wait()
}
