// Package imap syncs and mutates mail on IMAP servers and sends mail over SMTP.
package imap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/ids"
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// DefaultBatchSize is the number of messages fetched per UID FETCH.
const DefaultBatchSize = 50

// Config describes one IMAP account.
type Config struct {
	AccountID   string
	Email       string
	DisplayName string
	IMAP        Settings
	SMTP        Settings
	BatchSize   int
	// DaysBack bounds the initial sync of folders first seen during a delta pass.
	DaysBack int
}

// Adapter implements provider.Adapter for IMAP accounts.
type Adapter struct {
	cfg    Config
	pool   *Pool
	state  provider.StateStore
	logger zerolog.Logger
	now    func() time.Time
	closed atomic.Bool
	// checkFolders reads UIDVALIDITY and UIDNEXT of known folders during a delta.
	checkFolders func(c *client.Client, folders []labels.Folder) (map[string]*imap.MailboxStatus, error)

	mu      sync.Mutex
	folders []labels.Folder
}

var _ provider.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter that borrows connections from pool.
func NewAdapter(cfg Config, pool *Pool, state provider.StateStore, logger zerolog.Logger) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	pool.Admit(cfg.AccountID)
	return &Adapter{
		cfg:    cfg,
		pool:   pool,
		state:  state,
		logger: logger.With().Str("account", cfg.AccountID).Str("provider", string(models.ProviderIMAP)).Logger(),
		now:    time.Now,

		checkFolders: batchStatus,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderIMAP
}

// ThreadingMode is ThreadingBuild: IMAP has no portable server-side thread ids.
func (a *Adapter) ThreadingMode() provider.ThreadingMode {
	return provider.ThreadingBuild
}

// withClient runs fn on a pooled worker connection.
func (a *Adapter) withClient(ctx context.Context, fn func(c *client.Client) error) error {
	if a.closed.Load() {
		return provider.ErrEvicted
	}
	c, release, err := a.pool.Acquire(ctx, a.cfg.AccountID, a.cfg.IMAP)
	if err != nil {
		return err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(c)
}

// withFolder selects folder and runs fn.
func (a *Adapter) withFolder(ctx context.Context, folder string, readOnly bool, fn func(c *client.Client) error) error {
	return a.withClient(ctx, func(c *client.Client) error {
		if _, err := c.Select(folder, readOnly); err != nil {
			return fmt.Errorf("failed to select %s: %w", folder, err)
		}
		return fn(c)
	})
}

func (a *Adapter) ListFolders(ctx context.Context) ([]models.Label, error) {
	var folders []labels.Folder
	err := a.withClient(ctx, func(c *client.Client) error {
		var err error
		folders, err = ListFolders(c)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.rememberFolders(folders)
	return a.toLabels(folders), nil
}

func (a *Adapter) rememberFolders(folders []labels.Folder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.folders = folders
}

func (a *Adapter) knownFolders(ctx context.Context) ([]labels.Folder, error) {
	a.mu.Lock()
	folders := a.folders
	a.mu.Unlock()
	if folders != nil {
		return folders, nil
	}
	if _, err := a.ListFolders(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.folders, nil
}

// toLabels maps syncable folders to labels. When several folders map to the same system label
// the counts are summed.
func (a *Adapter) toLabels(folders []labels.Folder) []models.Label {
	out := make([]models.Label, 0, len(folders))
	index := make(map[string]int)
	for _, f := range folders {
		if !labels.IsSyncable(f) {
			continue
		}
		m := labels.MapFolder(f)
		if i, ok := index[m.LabelID]; ok {
			out[i].TotalCount += f.Total
			out[i].UnreadCount += f.Unseen
			continue
		}
		index[m.LabelID] = len(out)
		out = append(out, labels.ToLabel(a.cfg.AccountID, m, f.Total, f.Unseen))
	}
	return out
}

// folderFor resolves a label id to the folder path that holds it. A folder flagged with a
// special-use attribute wins over one matched by name.
func (a *Adapter) folderFor(ctx context.Context, labelID string) (string, error) {
	if path, ok := labels.FolderPath(labelID); ok {
		return path, nil
	}
	if labelID == labels.Inbox {
		return "INBOX", nil
	}

	folders, err := a.knownFolders(ctx)
	if err != nil {
		return "", err
	}
	best := ""
	for _, f := range folders {
		if !labels.IsSyncable(f) || labels.MapFolder(f).LabelID != labelID {
			continue
		}
		if hasSpecialUse(f) {
			return f.Path, nil
		}
		if best == "" {
			best = f.Path
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no folder for label %s", provider.ErrNotSupported, labelID)
	}
	return best, nil
}

// mappingFor returns the label mapping of a folder path using the last listing when possible.
func (a *Adapter) mappingFor(ctx context.Context, path string) labels.Mapping {
	folders, err := a.knownFolders(ctx)
	if err == nil {
		for _, f := range folders {
			if f.Path == path {
				return labels.MapFolder(f)
			}
		}
	}
	return labels.MapFolder(labels.Folder{Path: path})
}

func hasSpecialUse(f labels.Folder) bool {
	for _, attr := range f.Attributes {
		switch attr {
		case imap.NoInferiorsAttr, imap.NoSelectAttr, imap.MarkedAttr, imap.UnmarkedAttr, imap.HasChildrenAttr, imap.HasNoChildrenAttr:
			continue
		}
		return true
	}
	return false
}

// uidsByFolder groups message ids of this account by folder.
func (a *Adapter) uidsByFolder(messageIDs []string) (map[string][]uint32, error) {
	out := make(map[string][]uint32)
	for _, id := range messageIDs {
		p, err := ids.Parse(id)
		if err != nil {
			return nil, err
		}
		if p.Provider != models.ProviderIMAP || p.AccountID != a.cfg.AccountID {
			return nil, fmt.Errorf("message %s does not belong to account %s", id, a.cfg.AccountID)
		}
		out[p.Folder] = append(out[p.Folder], p.UID)
	}
	return out, nil
}

func (a *Adapter) parseID(messageID string) (ids.Parsed, error) {
	p, err := ids.Parse(messageID)
	if err != nil {
		return ids.Parsed{}, err
	}
	if p.Provider != models.ProviderIMAP || p.AccountID != a.cfg.AccountID {
		return ids.Parsed{}, fmt.Errorf("message %s does not belong to account %s", messageID, a.cfg.AccountID)
	}
	return p, nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	return a.withClient(ctx, func(c *client.Client) error {
		return c.Noop()
	})
}

func (a *Adapter) Profile(ctx context.Context) (*provider.Profile, error) {
	profile := &provider.Profile{Email: a.cfg.Email, DisplayName: a.cfg.DisplayName}
	err := a.withClient(ctx, func(c *client.Client) error {
		status, err := c.Status("INBOX", []imap.StatusItem{imap.StatusMessages})
		if err != nil {
			return fmt.Errorf("failed to read INBOX status: %w", err)
		}
		profile.MessagesTotal = int(status.Messages)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Close evicts the account's connections. The adapter cannot be used afterwards.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.pool.Evict(a.cfg.AccountID)
	return nil
}
