package labels

import (
	"strings"

	"github.com/vdavid/mailsync/internal/models"
)

var jmapRoles = map[string]string{
	"inbox":   `\Inbox`,
	"sent":    `\Sent`,
	"drafts":  `\Drafts`,
	"trash":   `\Trash`,
	"junk":    `\Junk`,
	"archive": `\Archive`,
	"all":     `\All`,
	"flagged": `\Flagged`,
}

// FromJMAPRole turns a JMAP mailbox role into the matching special-use attribute list.
func FromJMAPRole(role string) []string {
	if attr, ok := jmapRoles[strings.ToLower(role)]; ok {
		return []string{attr}
	}
	return nil
}

var gmailSystem = map[string]string{
	"INBOX":   Inbox,
	"SENT":    Sent,
	"DRAFT":   Draft,
	"TRASH":   Trash,
	"SPAM":    Spam,
	"STARRED": Starred,
	"UNREAD":  Unread,
}

// MapGmailLabel maps a Gmail label id. System labels keep their id, user labels keep the
// Gmail id with the display name as the label name.
func MapGmailLabel(id, name, labelType string) Mapping {
	if canonical, ok := gmailSystem[id]; ok {
		return Mapping{LabelID: canonical, Name: systemNames[canonical], Type: models.LabelSystem}
	}
	if labelType == "system" {
		return Mapping{LabelID: id, Name: name, Type: models.LabelSystem}
	}
	return Mapping{LabelID: id, Name: name, Type: models.LabelUser, Path: name}
}

// GmailLabelIDs maps a Gmail message's labelIds to canonical ids.
// Archived mail has no INBOX label and gets ARCHIVE.
func GmailLabelIDs(ids []string) []string {
	out := make([]string, 0, len(ids)+1)
	inTrashOrSpam := false
	hasInbox := false
	for _, id := range ids {
		if canonical, ok := gmailSystem[id]; ok {
			out = append(out, canonical)
		} else {
			out = append(out, id)
		}
		switch id {
		case "INBOX":
			hasInbox = true
		case "TRASH", "SPAM":
			inTrashOrSpam = true
		}
	}
	if !hasInbox && !inTrashOrSpam {
		out = append(out, Archive)
	}
	return Merge(out)
}

// GmailLabelID is the reverse of GmailLabelIDs for mutation requests.
func GmailLabelID(canonical string) string {
	if canonical == Archive {
		return ""
	}
	for gmailID, id := range gmailSystem {
		if id == canonical {
			return gmailID
		}
	}
	return canonical
}
