package ids

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

func TestIMAPMessageRoundTrip(t *testing.T) {
	folders := []string{"INBOX", "Work/Clients", "Archive:2024", "a:b:c", "[Gmail]/All Mail"}
	for _, folder := range folders {
		t.Run(folder, func(t *testing.T) {
			id := IMAPMessage("acc1", folder, 4711)
			parsed, err := Parse(id)
			require.NoError(t, err)
			assert.Equal(t, models.ProviderIMAP, parsed.Provider)
			assert.Equal(t, "acc1", parsed.AccountID)
			assert.Equal(t, folder, parsed.Folder)
			assert.Equal(t, uint32(4711), parsed.UID)
		})
	}
}

func TestNativeRoundTrip(t *testing.T) {
	id := Native(models.ProviderJMAP, "acc2", "M1:x")
	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderJMAP, parsed.Provider)
	assert.Equal(t, "acc2", parsed.AccountID)
	assert.Equal(t, "M1:x", parsed.NativeID)
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{"", "imap", "imap:acc", "imap:acc:INBOX", "imap:acc:INBOX:notanumber", "pop3:acc:1", "gmail::x"}
	for _, id := range bad {
		_, err := Parse(id)
		assert.True(t, errors.Is(err, ErrMalformed), "id %q", id)
	}
}

func TestNativeThreadID(t *testing.T) {
	tid := NativeThread(models.ProviderGmail, "acc", "18c0ffee")
	native, ok := NativeThreadID(tid)
	assert.True(t, ok)
	assert.Equal(t, "18c0ffee", native)

	_, ok = NativeThreadID("t0123456789abcdef")
	assert.False(t, ok)
}
