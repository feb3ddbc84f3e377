// Package labels maps provider folders, mailboxes and labels onto canonical label ids.
package labels

import (
	"sort"
	"strings"

	"github.com/vdavid/mailsync/internal/models"
)

// Canonical system label ids.
const (
	Inbox   = "INBOX"
	Sent    = "SENT"
	Draft   = "DRAFT"
	Trash   = "TRASH"
	Spam    = "SPAM"
	Archive = "ARCHIVE"
	Starred = "STARRED"
	Unread  = "UNREAD"

	userPrefix = "folder:"
)

// Folder is the provider-neutral description of a folder or mailbox as listed by the server.
type Folder struct {
	Path       string
	Name       string
	Delimiter  string
	Attributes []string
	Total      int
	Unseen     int
}

// Mapping is the canonical label a folder maps to.
type Mapping struct {
	LabelID string
	Name    string
	Type    models.LabelType
	Path    string
}

var specialUse = map[string]string{
	`\inbox`:   Inbox,
	`\sent`:    Sent,
	`\drafts`:  Draft,
	`\trash`:   Trash,
	`\junk`:    Spam,
	`\archive`: Archive,
	`\all`:     Archive,
	`\flagged`: Starred,
}

var systemNames = map[string]string{
	Inbox:   "Inbox",
	Sent:    "Sent",
	Draft:   "Drafts",
	Trash:   "Trash",
	Spam:    "Spam",
	Archive: "Archive",
	Starred: "Starred",
}

// aliases maps lower-cased folder names to system labels when the server sends no marker.
var aliases = map[string]string{
	"inbox":            Inbox,
	"sent":             Sent,
	"sent mail":        Sent,
	"sent messages":    Sent,
	"sent items":       Sent,
	"sent-mail":        Sent,
	"trash":            Trash,
	"deleted":          Trash,
	"deleted items":    Trash,
	"deleted messages": Trash,
	"bin":              Trash,
	"corbeille":        Trash,
	"drafts":           Draft,
	"draft":            Draft,
	"draftbox":         Draft,
	"brouillons":       Draft,
	"junk":             Spam,
	"junk e-mail":      Spam,
	"junk email":       Spam,
	"spam":             Spam,
	"bulk mail":        Spam,
	"archive":          Archive,
	"archives":         Archive,
	"all mail":         Archive,
	"starred":          Starred,
	"flagged":          Starred,
}

var vendorPrefixes = []string{"[gmail]", "[google mail]", "inbox"}

// MapFolder returns the canonical label for a folder.
// Special-use attributes win over names. Names are compared case-insensitively against the full
// path first and then against the last path segment below a vendor prefix.
func MapFolder(f Folder) Mapping {
	for _, attr := range f.Attributes {
		if id, ok := specialUse[strings.ToLower(attr)]; ok {
			return system(id, f.Path)
		}
	}

	if id, ok := matchAlias(f); ok {
		return system(id, f.Path)
	}

	name := f.Name
	if name == "" {
		name = lastSegment(f.Path, f.Delimiter)
	}
	return Mapping{
		LabelID: UserLabelID(f.Path),
		Name:    name,
		Type:    models.LabelUser,
		Path:    f.Path,
	}
}

func matchAlias(f Folder) (string, bool) {
	lower := strings.ToLower(f.Path)
	if id, ok := aliases[lower]; ok {
		return id, true
	}

	delim := f.Delimiter
	if delim == "" {
		delim = "/"
	}
	parts := strings.Split(lower, delim)
	if len(parts) != 2 {
		return "", false
	}
	for _, prefix := range vendorPrefixes {
		if parts[0] == prefix {
			id, ok := aliases[parts[1]]
			return id, ok
		}
	}
	return "", false
}

func system(id, path string) Mapping {
	return Mapping{LabelID: id, Name: systemNames[id], Type: models.LabelSystem, Path: path}
}

// UserLabelID is the canonical id for a user folder.
func UserLabelID(path string) string {
	return userPrefix + path
}

// FolderPath returns the folder path behind a user label id, if it is one.
func FolderPath(labelID string) (string, bool) {
	if !strings.HasPrefix(labelID, userPrefix) {
		return "", false
	}
	return strings.TrimPrefix(labelID, userPrefix), true
}

// IsSystem reports whether id is one of the fixed canonical labels.
func IsSystem(id string) bool {
	_, ok := systemNames[id]
	return ok || id == Unread
}

// MessageLabels computes the label set of a single message from its folder and flags.
// The result is deduplicated and sorted.
func MessageLabels(folder Mapping, read, starred, draft bool) []string {
	set := map[string]bool{}
	if folder.LabelID != "" {
		set[folder.LabelID] = true
	}
	if !read {
		set[Unread] = true
	}
	if starred {
		set[Starred] = true
	}
	if draft {
		set[Draft] = true
	}
	return sortedKeys(set)
}

// Merge unions label sets, deduplicated and sorted.
func Merge(sets ...[]string) []string {
	set := map[string]bool{}
	for _, s := range sets {
		for _, id := range s {
			if id != "" {
				set[id] = true
			}
		}
	}
	return sortedKeys(set)
}

// IsSyncable reports whether messages should be fetched from a folder.
// Containers that cannot be selected and vendor meta folders are skipped.
func IsSyncable(f Folder) bool {
	for _, attr := range f.Attributes {
		switch strings.ToLower(attr) {
		case `\noselect`, `\nonexistent`:
			return false
		}
	}
	switch strings.ToLower(f.Path) {
	case "[gmail]", "[google mail]":
		return false
	}
	return true
}

// ToLabel converts a mapping into a label row for an account.
func ToLabel(accountID string, m Mapping, total, unread int) models.Label {
	return models.Label{
		ID:          m.LabelID,
		AccountID:   accountID,
		Name:        m.Name,
		Type:        m.Type,
		Path:        m.Path,
		TotalCount:  total,
		UnreadCount: unread,
	}
}

func lastSegment(path, delim string) string {
	if delim == "" {
		return path
	}
	if i := strings.LastIndex(path, delim); i >= 0 {
		return path[i+len(delim):]
	}
	return path
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
