// Package ids builds and parses provider-qualified identifiers.
//
//	imap:<account>:<folder>:<uid>
//	gmail:<account>:<native id>
//	jmap:<account>:<native id>
//
// Account ids never contain ':'. Folder paths and native ids may, so IMAP ids are parsed from
// both ends and everything between the account and the uid is the folder.
package ids

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrMalformed is returned for ids that do not match any known layout.
var ErrMalformed = errors.New("malformed id")

const sep = ":"

// IMAPMessage identifies a message by folder and uid.
func IMAPMessage(accountID, folder string, uid uint32) string {
	return strings.Join([]string{string(models.ProviderIMAP), accountID, folder, strconv.FormatUint(uint64(uid), 10)}, sep)
}

// Native identifies a message by its provider-native id.
func Native(provider models.Provider, accountID, nativeID string) string {
	return strings.Join([]string{string(provider), accountID, nativeID}, sep)
}

// NativeThread identifies a provider-native thread.
func NativeThread(provider models.Provider, accountID, nativeThreadID string) string {
	return strings.Join([]string{string(provider), accountID, "t", nativeThreadID}, sep)
}

// Parsed is the decoded form of a message id.
type Parsed struct {
	Provider  models.Provider
	AccountID string
	Folder    string
	UID       uint32
	NativeID  string
}

// Parse decodes a message id built by IMAPMessage or Native.
func Parse(id string) (Parsed, error) {
	provider, rest, ok := strings.Cut(id, sep)
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %q", ErrMalformed, id)
	}
	account, rest, ok := strings.Cut(rest, sep)
	if !ok || account == "" || rest == "" {
		return Parsed{}, fmt.Errorf("%w: %q", ErrMalformed, id)
	}

	switch models.Provider(provider) {
	case models.ProviderIMAP:
		i := strings.LastIndex(rest, sep)
		if i <= 0 {
			return Parsed{}, fmt.Errorf("%w: %q has no folder", ErrMalformed, id)
		}
		uid, err := strconv.ParseUint(rest[i+1:], 10, 32)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: %q has a bad uid", ErrMalformed, id)
		}
		return Parsed{Provider: models.ProviderIMAP, AccountID: account, Folder: rest[:i], UID: uint32(uid)}, nil
	case models.ProviderGmail, models.ProviderJMAP:
		return Parsed{Provider: models.Provider(provider), AccountID: account, NativeID: rest}, nil
	}
	return Parsed{}, fmt.Errorf("%w: unknown provider %q", ErrMalformed, provider)
}

// NativeThreadID returns the provider thread id inside a thread id built by NativeThread.
func NativeThreadID(threadID string) (string, bool) {
	parts := strings.SplitN(threadID, sep, 4)
	if len(parts) != 4 || parts[2] != "t" {
		return "", false
	}
	return parts[3], true
}
