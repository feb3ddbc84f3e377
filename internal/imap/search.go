package imap

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

var errUIDNotFound = errors.New("uid not found in folder")

// SearchAllUIDs returns every UID in the selected folder.
func SearchAllUIDs(c *client.Client) ([]uint32, error) {
	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	return uids, nil
}

// SearchNewUIDs returns UIDs above lastSeen in the selected folder.
//
// "UID n:*" always matches the highest UID even when it is below n, so results are filtered.
func SearchNewUIDs(c *client.Client, lastSeen uint32) ([]uint32, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lastSeen+1, 0)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search new messages: %w", err)
	}

	filtered := uids[:0]
	for _, uid := range uids {
		if uid > lastSeen {
			filtered = append(filtered, uid)
		}
	}
	return filtered, nil
}

// SearchSince returns the UIDs of messages whose internal date is on or after since, newest
// first. Servers with SORT order by date; others fall back to descending UIDs.
func SearchSince(c *client.Client, since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	}

	if ok, err := c.Support("SORT"); err == nil && ok {
		sc := sortthread.NewSortClient(c)
		uids, err := sc.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortDate, Reverse: true}}, criteria)
		if err == nil {
			return uids, nil
		}
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

func maxUID(uids []uint32) uint32 {
	var m uint32
	for _, uid := range uids {
		if uid > m {
			m = uid
		}
	}
	return m
}

func batches(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = max(len(uids), 1)
	}
	out := make([][]uint32, 0, (len(uids)+size-1)/size)
	for start := 0; start < len(uids); start += size {
		end := min(start+size, len(uids))
		out = append(out, uids[start:end])
	}
	return out
}
