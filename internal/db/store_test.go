package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestAccounts(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	account := &models.Account{
		ID:              "acc-1",
		Email:           "me@example.com",
		Provider:        models.ProviderIMAP,
		Enabled:         true,
		IMAPHost:        "imap.example.com",
		IMAPPort:        993,
		IMAPSecurity:    "tls",
		Username:        "me",
		AuthMethod:      "password",
		EncryptedSecret: []byte("secret"),
		SyncDaysBack:    14,
	}
	require.NoError(t, SaveAccount(ctx, pool, account))

	t.Run("keeps stored secret when update has none", func(t *testing.T) {
		account.EncryptedSecret = nil
		account.DisplayName = "Me"
		require.NoError(t, SaveAccount(ctx, pool, account))

		got, err := GetAccount(ctx, pool, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), got.EncryptedSecret)
		assert.Equal(t, "Me", got.DisplayName)
		assert.Equal(t, models.ProviderIMAP, got.Provider)
	})

	t.Run("lists only enabled accounts", func(t *testing.T) {
		disabled := &models.Account{ID: "acc-2", Email: "x@example.com", Provider: models.ProviderJMAP}
		require.NoError(t, SaveAccount(ctx, pool, disabled))

		accounts, err := ListAccounts(ctx, pool)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, "acc-1", accounts[0].ID)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := GetAccount(ctx, pool, "nope")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestThreadsAndMessages(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	testutil.SeedAccount(t, pool, "acc")
	store := NewStore(pool)

	sent := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	html := "<p>hello</p>"
	text := "hello"

	thread := &models.Thread{
		ID:            "t1",
		AccountID:     "acc",
		Subject:       "Hello",
		LastMessageAt: sent,
		MessageCount:  1,
		LabelIDs:      []string{"INBOX"},
	}
	require.NoError(t, store.UpsertThread(ctx, thread))

	msg := &models.Message{
		ID:              "imap:acc:INBOX:1",
		AccountID:       "acc",
		ThreadID:        "t1",
		MessageIDHeader: "m1@x",
		References:      []string{"root@x"},
		FromAddress:     "a@example.com",
		ToAddresses:     []string{"b@example.com"},
		Subject:         "Hello",
		BodyHTML:        &html,
		BodyText:        &text,
		SentAt:          sent,
		LabelIDs:        []string{"INBOX", "UNREAD"},
		IMAPUID:         1,
		IMAPFolder:      "INBOX",
		Attachments: []models.Attachment{
			{PartID: "2", Filename: "a.pdf", MimeType: "application/pdf", SizeBytes: 10},
		},
	}
	require.NoError(t, store.UpsertMessage(ctx, msg))

	t.Run("reads back message with attachments", func(t *testing.T) {
		got, err := store.GetMessage(ctx, "acc", msg.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "m1@x", got.MessageIDHeader)
		assert.Equal(t, []string{"root@x"}, got.References)
		assert.True(t, got.SentAt.Equal(sent))
		require.Len(t, got.Attachments, 1)
		assert.Equal(t, "a.pdf", got.Attachments[0].Filename)
	})

	t.Run("nil bodies keep stored bodies", func(t *testing.T) {
		update := *msg
		update.BodyHTML = nil
		update.BodyText = nil
		update.IsRead = true
		update.Attachments = nil
		require.NoError(t, store.UpsertMessage(ctx, &update))

		got, err := store.GetMessage(ctx, "acc", msg.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BodyHTML)
		assert.Equal(t, html, *got.BodyHTML)
		require.NotNil(t, got.BodyText)
		assert.Equal(t, text, *got.BodyText)
		assert.True(t, got.IsRead)
	})

	t.Run("finds thread by referenced message id", func(t *testing.T) {
		threadID, err := store.FindThreadIDByMessageIDs(ctx, "acc", []string{"unknown@x", "m1@x"})
		require.NoError(t, err)
		assert.Equal(t, "t1", threadID)

		threadID, err = store.FindThreadIDByMessageIDs(ctx, "acc", []string{"unknown@x"})
		require.NoError(t, err)
		assert.Empty(t, threadID)
	})

	t.Run("replaces thread labels", func(t *testing.T) {
		require.NoError(t, store.SetThreadLabels(ctx, "acc", "t1", []string{"ARCHIVE"}))
		got, err := store.GetThread(ctx, "acc", "t1")
		require.NoError(t, err)
		assert.Equal(t, []string{"ARCHIVE"}, got.LabelIDs)

		assert.ErrorIs(t, SetThreadLabels(ctx, pool, "acc", "missing", nil), ErrThreadNotFound)
	})

	t.Run("missing thread reads as nil", func(t *testing.T) {
		got, err := store.GetThread(ctx, "acc", "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("lists ids by folder", func(t *testing.T) {
		ids, err := store.MessageIDsInFolder(ctx, "acc", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, []string{msg.ID}, ids)

		ids, err = store.MessageIDsInFolder(ctx, "acc", "Archive")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("deleting messages reports their threads", func(t *testing.T) {
		threads, err := store.DeleteMessages(ctx, "acc", []string{msg.ID, "imap:acc:INBOX:404"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, threads)

		remaining, err := store.MessagesForThread(ctx, "acc", "t1")
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})
}

func TestReplyLookup(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	testutil.SeedAccount(t, pool, "acc")

	require.NoError(t, SaveMessage(ctx, pool, &models.Message{
		ID: "m2", AccountID: "acc", ThreadID: "t2", MessageIDHeader: "<b@x>", InReplyTo: []string{"<a@x>"},
	}))
	require.NoError(t, SaveMessage(ctx, pool, &models.Message{
		ID: "m3", AccountID: "acc", ThreadID: "t3", MessageIDHeader: "<c@x>", References: []string{"<a@x>", "<b@x>"},
	}))

	got, err := GetMessage(ctx, pool, "acc", "m2")
	require.NoError(t, err)
	assert.Equal(t, "b@x", got.MessageIDHeader)
	assert.Equal(t, []string{"a@x"}, got.InReplyTo)

	threads, err := FindThreadIDsReferencing(ctx, pool, "acc", []string{"a@x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3"}, threads)

	threads, err = FindThreadIDsReferencing(ctx, pool, "acc", []string{"b@x", "zz@x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, threads)

	threads, err = FindThreadIDsReferencing(ctx, pool, "acc", []string{"c@x"})
	require.NoError(t, err)
	assert.Empty(t, threads)

	require.NoError(t, MoveThreadMessages(ctx, pool, "acc", "t3", "t2"))
	msgs, err := GetMessagesForThread(ctx, pool, "acc", "t2")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFolderSyncState(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	testutil.SeedAccount(t, pool, "acc")

	got, err := GetFolderSyncState(ctx, pool, "acc", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, SetFolderSyncState(ctx, pool, &models.FolderSyncState{AccountID: "acc", FolderPath: "INBOX", UIDValidity: 4, LastSeenUID: 100}))

	t.Run("last seen uid never decreases within a uidvalidity", func(t *testing.T) {
		require.NoError(t, SetFolderSyncState(ctx, pool, &models.FolderSyncState{AccountID: "acc", FolderPath: "INBOX", UIDValidity: 4, LastSeenUID: 90}))
		got, err := GetFolderSyncState(ctx, pool, "acc", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(100), got.LastSeenUID)
	})

	t.Run("new uidvalidity resets last seen uid", func(t *testing.T) {
		modseq := uint64(77)
		require.NoError(t, SetFolderSyncState(ctx, pool, &models.FolderSyncState{AccountID: "acc", FolderPath: "INBOX", UIDValidity: 5, LastSeenUID: 3, HighestModSeq: &modseq}))
		got, err := GetFolderSyncState(ctx, pool, "acc", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(5), got.UIDValidity)
		assert.Equal(t, uint32(3), got.LastSeenUID)
		require.NotNil(t, got.HighestModSeq)
		assert.Equal(t, uint64(77), *got.HighestModSeq)
	})

	t.Run("object state round trip and delete", func(t *testing.T) {
		require.NoError(t, SetObjectSyncState(ctx, pool, &models.ObjectSyncState{AccountID: "acc", ObjectType: models.ObjectEmail, State: "s1"}))
		require.NoError(t, SetObjectSyncState(ctx, pool, &models.ObjectSyncState{AccountID: "acc", ObjectType: models.ObjectEmail, State: "s2"}))
		state, err := GetObjectSyncState(ctx, pool, "acc", models.ObjectEmail)
		require.NoError(t, err)
		assert.Equal(t, "s2", state.State)

		require.NoError(t, DeleteObjectSyncState(ctx, pool, "acc", models.ObjectEmail))
		state, err = GetObjectSyncState(ctx, pool, "acc", models.ObjectEmail)
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("completion time is sticky", func(t *testing.T) {
		done := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, SetAccountSyncStatus(ctx, pool, &models.AccountSyncStatus{AccountID: "acc", InitialSyncCompletedAt: &done, LastStored: 3}))
		require.NoError(t, SetAccountSyncStatus(ctx, pool, &models.AccountSyncStatus{AccountID: "acc", LastError: "timeout"}))

		status, err := GetAccountSyncStatus(ctx, pool, "acc")
		require.NoError(t, err)
		require.NotNil(t, status.InitialSyncCompletedAt)
		assert.True(t, status.InitialSyncCompletedAt.Equal(done))
		assert.Equal(t, "timeout", status.LastError)
	})
}

func TestPendingOperations(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	testutil.SeedAccount(t, pool, "acc")

	now := time.Now().UTC().Truncate(time.Millisecond)
	due := &models.PendingOperation{
		ID: uuid.NewString(), AccountID: "acc", ResourceID: "t1", OpType: models.OpStar,
		Params: map[string]any{"value": true}, Status: models.PendingQueued, NextRetryAt: now.Add(-time.Minute), CreatedAt: now,
	}
	later := &models.PendingOperation{
		ID: uuid.NewString(), AccountID: "acc", ResourceID: "t2", OpType: models.OpArchive,
		Status: models.PendingQueued, NextRetryAt: now.Add(time.Hour), CreatedAt: now.Add(time.Second),
	}
	require.NoError(t, SavePendingOperation(ctx, pool, due))
	require.NoError(t, SavePendingOperation(ctx, pool, later))

	ops, err := ListPendingOperations(ctx, pool, "acc", []string{"t1"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpStar, ops[0].OpType)
	assert.Equal(t, true, ops[0].Params["value"])

	all, err := ListPendingOperations(ctx, pool, "acc", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	dueOps, err := ListDuePendingOperations(ctx, pool, "acc", now)
	require.NoError(t, err)
	require.Len(t, dueOps, 1)
	assert.Equal(t, due.ID, dueOps[0].ID)

	due.Status = models.PendingFailed
	due.RetryCount = 5
	require.NoError(t, SavePendingOperation(ctx, pool, due))
	dueOps, err = ListDuePendingOperations(ctx, pool, "acc", now)
	require.NoError(t, err)
	assert.Empty(t, dueOps, "failed operations are not retried")

	require.NoError(t, DeletePendingOperations(ctx, pool, []string{due.ID, later.ID}))
	all, err = ListPendingOperations(ctx, pool, "acc", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSaveLabels(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	testutil.SeedAccount(t, pool, "acc")

	require.NoError(t, SaveLabels(ctx, pool, []models.Label{
		{ID: "INBOX", AccountID: "acc", Name: "Inbox", Type: models.LabelSystem, TotalCount: 3},
		{ID: "folder:Work", AccountID: "acc", Name: "Work", Type: models.LabelUser, Path: "Work"},
	}))
	require.NoError(t, SaveLabels(ctx, pool, []models.Label{
		{ID: "INBOX", AccountID: "acc", Name: "Inbox", Type: models.LabelSystem, TotalCount: 4, UnreadCount: 1},
	}))

	labels, err := GetLabels(ctx, pool, "acc")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "INBOX", labels[0].ID)
	assert.Equal(t, 4, labels[0].TotalCount)
	assert.Equal(t, "folder:Work", labels[1].ID)
}
