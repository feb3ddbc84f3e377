package imap

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// fullSection is BODY.PEEK[], the whole message without setting \Seen.
var fullSection = &imap.BodySectionName{Peek: true}

// fetchItems are the items needed to build a message from the raw body.
var fetchItems = []imap.FetchItem{
	imap.FetchUid,
	imap.FetchFlags,
	imap.FetchInternalDate,
	imap.FetchRFC822Size,
	fullSection.FetchItem(),
}

// FetchMessages fetches full messages for the given UIDs in the selected folder.
// Messages are returned in server order; UIDs the server does not know are skipped.
func FetchMessages(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, fetchItems, messages)
	}()

	result := make([]*imap.Message, 0, len(uids))
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return result, nil
}

// FetchRaw returns the RFC 5322 bytes of one message in the selected folder.
func FetchRaw(c *client.Client, uid uint32) ([]byte, *imap.Message, error) {
	msgs, err := FetchMessages(c, []uint32{uid})
	if err != nil {
		return nil, nil, err
	}
	for _, msg := range msgs {
		if msg.Uid != uid {
			continue
		}
		body := msg.GetBody(fullSection)
		if body == nil {
			return nil, nil, fmt.Errorf("server returned no body for uid %d", uid)
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read body: %w", err)
		}
		return raw, msg, nil
	}
	return nil, nil, errUIDNotFound
}
