package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/labels"
)

// ListMailboxes lists all folders on the IMAP server.
func ListMailboxes(c *client.Client) ([]*imap.MailboxInfo, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var result []*imap.MailboxInfo
	for m := range mailboxes {
		result = append(result, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return result, nil
}

// ListFolders lists folders with their message and unseen counts.
// Counts of a folder whose STATUS fails are left at zero.
func ListFolders(c *client.Client) ([]labels.Folder, error) {
	mailboxes, err := ListMailboxes(c)
	if err != nil {
		return nil, err
	}

	folders := make([]labels.Folder, 0, len(mailboxes))
	for _, m := range mailboxes {
		f := labels.Folder{
			Path:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		}
		if labels.IsSyncable(f) {
			status, err := c.Status(m.Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
			if err == nil {
				f.Total = int(status.Messages)
				f.Unseen = int(status.Unseen)
			}
		}
		folders = append(folders, f)
	}
	return folders, nil
}
