package localdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	require.NoError(t, s.UpsertAccount(context.Background(), &models.Account{
		ID: "acc", Email: "me@example.com", Provider: models.ProviderIMAP, Enabled: true,
	}))
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/mail.db"

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertAccount(context.Background(), &models.Account{ID: "a", Email: "a@x", Provider: models.ProviderJMAP, Enabled: true}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	accounts, err := s.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, models.ProviderJMAP, accounts[0].Provider)
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAccount(ctx, &models.Account{
		ID: "acc", Email: "me@example.com", Provider: models.ProviderIMAP, Enabled: true, EncryptedSecret: []byte("pw"),
	}))
	require.NoError(t, s.UpsertAccount(ctx, &models.Account{
		ID: "acc", Email: "me@example.com", Provider: models.ProviderIMAP, Enabled: true, DisplayName: "Me",
	}))
	require.NoError(t, s.UpsertAccount(ctx, &models.Account{ID: "off", Email: "off@example.com", Provider: models.ProviderGmail}))

	got, err := s.GetAccount(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, []byte("pw"), got.EncryptedSecret)
	assert.Equal(t, "Me", got.DisplayName)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc", accounts[0].ID)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	html := "<b>hi</b>"
	sent := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &models.Message{
		ID:              "imap:acc:INBOX:7",
		AccountID:       "acc",
		ThreadID:        "t1",
		MessageIDHeader: "m7@x",
		InReplyTo:       []string{"m6@x"},
		ToAddresses:     []string{"b@x", "c@x"},
		Subject:         "Hi",
		Snippet:         "hi",
		BodyHTML:        &html,
		SentAt:          sent,
		IsStarred:       true,
		LabelIDs:        []string{"INBOX"},
		IMAPUID:         7,
		IMAPFolder:      "INBOX",
		Attachments:     []models.Attachment{{PartID: "1.2", Filename: "x.png", MimeType: "image/png", IsInline: true}},
	}
	require.NoError(t, s.UpsertMessage(ctx, msg))

	t.Run("round trip", func(t *testing.T) {
		got, err := s.GetMessage(ctx, "acc", msg.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []string{"m6@x"}, got.InReplyTo)
		assert.Equal(t, []string{"b@x", "c@x"}, got.ToAddresses)
		assert.Empty(t, got.CCAddresses)
		assert.True(t, got.SentAt.Equal(sent))
		assert.True(t, got.IsStarred)
		assert.Nil(t, got.BodyText)
		assert.Equal(t, uint32(7), got.IMAPUID)
		require.Len(t, got.Attachments, 1)
		assert.True(t, got.Attachments[0].IsInline)
		assert.Equal(t, msg.ID+"/1.2", got.Attachments[0].ID)
	})

	t.Run("metadata update keeps body and snippet", func(t *testing.T) {
		update := *msg
		update.BodyHTML = nil
		update.Snippet = ""
		update.IsRead = true
		update.LabelIDs = []string{"ARCHIVE"}
		require.NoError(t, s.UpsertMessage(ctx, &update))

		got, err := s.GetMessage(ctx, "acc", msg.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BodyHTML)
		assert.Equal(t, html, *got.BodyHTML)
		assert.Equal(t, "hi", got.Snippet)
		assert.True(t, got.IsRead)
		assert.Equal(t, []string{"ARCHIVE"}, got.LabelIDs)
	})

	t.Run("thread lookup by header", func(t *testing.T) {
		id, err := s.FindThreadIDByMessageIDs(ctx, "acc", []string{"nope@x", "m7@x"})
		require.NoError(t, err)
		assert.Equal(t, "t1", id)

		id, err = s.FindThreadIDByMessageIDs(ctx, "other", []string{"m7@x"})
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("messages for thread are date ordered", func(t *testing.T) {
		older := &models.Message{ID: "imap:acc:INBOX:3", AccountID: "acc", ThreadID: "t1", SentAt: sent.Add(-time.Hour)}
		require.NoError(t, s.UpsertMessage(ctx, older))

		msgs, err := s.MessagesForThread(ctx, "acc", "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, older.ID, msgs[0].ID)
		assert.Len(t, msgs[1].Attachments, 1)
	})

	t.Run("lists ids by folder", func(t *testing.T) {
		ids, err := s.MessageIDsInFolder(ctx, "acc", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, []string{msg.ID}, ids)
	})

	t.Run("delete returns affected threads", func(t *testing.T) {
		threads, err := s.DeleteMessages(ctx, "acc", []string{msg.ID, "imap:acc:INBOX:3", "unknown"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, threads)

		got, err := s.GetMessage(ctx, "acc", msg.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestReplyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, &models.Message{
		ID: "m2", AccountID: "acc", ThreadID: "t2", MessageIDHeader: " <b@x> ", InReplyTo: []string{"<a@x>"},
	}))
	require.NoError(t, s.UpsertMessage(ctx, &models.Message{
		ID: "m3", AccountID: "acc", ThreadID: "t3", MessageIDHeader: "<c@x>", References: []string{"<a@x>", "<b@x>"},
	}))

	got, err := s.GetMessage(ctx, "acc", "m2")
	require.NoError(t, err)
	assert.Equal(t, "b@x", got.MessageIDHeader)
	assert.Equal(t, []string{"a@x"}, got.InReplyTo)

	cases := []struct {
		headers []string
		want    []string
	}{
		{headers: []string{"a@x"}, want: []string{"t2", "t3"}},
		{headers: []string{"b@x", "zz@x"}, want: []string{"t3"}},
		{headers: []string{"c@x"}, want: nil},
		{headers: nil, want: nil},
	}
	for _, tc := range cases {
		threads, err := s.FindThreadIDsReferencing(ctx, "acc", tc.headers)
		require.NoError(t, err)
		assert.Equal(t, tc.want, threads, "headers %v", tc.headers)
	}

	require.NoError(t, s.MoveThreadMessages(ctx, "acc", "t3", "t2"))
	msgs, err := s.MessagesForThread(ctx, "acc", "t2")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	msgs, err = s.MessagesForThread(ctx, "acc", "t3")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestThreadsAndLabels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertThread(ctx, &models.Thread{
		ID: "t1", AccountID: "acc", Subject: "S", LastMessageAt: last, MessageCount: 2, IsStarred: true, LabelIDs: []string{"INBOX", "STARRED"},
	}))

	got, err := s.GetThread(ctx, "acc", "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.LastMessageAt.Equal(last))
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, []string{"INBOX", "STARRED"}, got.LabelIDs)

	require.NoError(t, s.SetThreadLabels(ctx, "acc", "t1", nil))
	got, err = s.GetThread(ctx, "acc", "t1")
	require.NoError(t, err)
	assert.Empty(t, got.LabelIDs)

	require.NoError(t, s.DeleteThread(ctx, "acc", "t1"))
	got, err = s.GetThread(ctx, "acc", "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.UpsertLabels(ctx, []models.Label{
		{ID: "folder:Work", AccountID: "acc", Name: "Work", Type: models.LabelUser, Path: "Work"},
		{ID: "INBOX", AccountID: "acc", Name: "Inbox", Type: models.LabelSystem, UnreadCount: 2},
	}))
	labels, err := s.ListLabels(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "INBOX", labels[0].ID)
	assert.Equal(t, 2, labels[0].UnreadCount)
}

func TestSyncState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.GetFolderSyncState(ctx, "acc", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, state)

	tests := []struct {
		name        string
		uidValidity uint32
		lastSeen    uint32
		want        uint32
	}{
		{"first write", 10, 50, 50},
		{"advances", 10, 60, 60},
		{"never moves back", 10, 40, 60},
		{"uidvalidity change resets", 11, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.UpsertFolderSyncState(ctx, &models.FolderSyncState{
				AccountID: "acc", FolderPath: "INBOX", UIDValidity: tt.uidValidity, LastSeenUID: tt.lastSeen,
			}))
			got, err := s.GetFolderSyncState(ctx, "acc", "INBOX")
			require.NoError(t, err)
			assert.Equal(t, tt.uidValidity, got.UIDValidity)
			assert.Equal(t, tt.want, got.LastSeenUID)
		})
	}

	states, err := s.ListFolderSyncStates(ctx, "acc")
	require.NoError(t, err)
	assert.Len(t, states, 1)
	require.NoError(t, s.DeleteFolderSyncState(ctx, "acc", "INBOX"))
	states, err = s.ListFolderSyncStates(ctx, "acc")
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, s.UpsertObjectSyncState(ctx, &models.ObjectSyncState{AccountID: "acc", ObjectType: models.ObjectHistory, State: "123"}))
	obj, err := s.GetObjectSyncState(ctx, "acc", models.ObjectHistory)
	require.NoError(t, err)
	assert.Equal(t, "123", obj.State)

	done := time.Now().UTC()
	require.NoError(t, s.UpsertAccountSyncStatus(ctx, &models.AccountSyncStatus{AccountID: "acc", InitialSyncCompletedAt: &done}))
	require.NoError(t, s.UpsertAccountSyncStatus(ctx, &models.AccountSyncStatus{AccountID: "acc", LastStored: 4}))
	status, err := s.GetAccountSyncStatus(ctx, "acc")
	require.NoError(t, err)
	require.NotNil(t, status.InitialSyncCompletedAt)
	assert.True(t, status.InitialSyncCompletedAt.Equal(done))
	assert.Equal(t, 4, status.LastStored)
}

func TestPendingOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ops := []*models.PendingOperation{
		{ID: "1", AccountID: "acc", ResourceID: "t1", OpType: models.OpMove, Params: map[string]any{"label_id": "TRASH"}, Status: models.PendingQueued, NextRetryAt: now.Add(-time.Second), CreatedAt: now},
		{ID: "2", AccountID: "acc", ResourceID: "t2", OpType: models.OpMarkRead, Status: models.PendingQueued, NextRetryAt: now.Add(time.Minute), CreatedAt: now.Add(time.Millisecond)},
		{ID: "3", AccountID: "acc", ResourceID: "t1", OpType: models.OpStar, Status: models.PendingFailed, CreatedAt: now.Add(2 * time.Millisecond)},
	}
	for _, op := range ops {
		require.NoError(t, s.SavePendingOperation(ctx, op))
	}

	forT1, err := s.ListPendingOperations(ctx, "acc", []string{"t1"})
	require.NoError(t, err)
	require.Len(t, forT1, 2)
	assert.Equal(t, "1", forT1[0].ID)
	assert.Equal(t, "TRASH", forT1[0].Params["label_id"])

	none, err := s.ListPendingOperations(ctx, "acc", []string{})
	require.NoError(t, err)
	assert.Empty(t, none)

	due, err := s.ListDuePendingOperations(ctx, "acc", now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "1", due[0].ID)

	require.NoError(t, s.DeletePendingOperations(ctx, []string{"1", "3"}))
	all, err := s.ListPendingOperations(ctx, "acc", nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "2", all[0].ID)
}
