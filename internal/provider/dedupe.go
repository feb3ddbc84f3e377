package provider

import (
	"github.com/vdavid/mailsync/internal/labels"
	"github.com/vdavid/mailsync/internal/models"
)

// DedupeByMessageID collapses copies of the same RFC Message-ID (e.g. one in Sent and one in a
// shared folder) into the first copy seen and unions the label sets of all copies.
// Messages without a Message-ID are kept as they are.
func DedupeByMessageID(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	index := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.MessageIDHeader == "" {
			out = append(out, m)
			continue
		}
		if i, ok := index[m.MessageIDHeader]; ok {
			kept := &out[i]
			kept.LabelIDs = labels.Merge(kept.LabelIDs, m.LabelIDs)
			kept.IsStarred = kept.IsStarred || m.IsStarred
			kept.IsRead = kept.IsRead && m.IsRead
			if kept.BodyHTML == nil {
				kept.BodyHTML = m.BodyHTML
			}
			if kept.BodyText == nil {
				kept.BodyText = m.BodyText
			}
			continue
		}
		index[m.MessageIDHeader] = len(out)
		out = append(out, m)
	}
	return out
}
