package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/localdb"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pending"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

const testToken = "s3cret"

type schedulerMock struct {
	mock.Mock
}

func (m *schedulerMock) Add(accountID string)    { m.Called(accountID) }
func (m *schedulerMock) Remove(accountID string) { m.Called(accountID) }

func (m *schedulerMock) Trigger(accountID string) bool {
	return m.Called(accountID).Bool(0)
}

func (m *schedulerMock) Running() []string {
	return m.Called().Get(0).([]string)
}

type testEnv struct {
	store     *localdb.Store
	scheduler *schedulerMock
	hub       *ws.Hub
	server    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := localdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertAccount(ctx, &models.Account{
		ID: "acc", Email: "me@example.com", Provider: models.ProviderIMAP, Enabled: true,
		EncryptedSecret: []byte("ciphertext"), CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertAccount(ctx, &models.Account{
		ID: "off", Email: "off@example.com", Provider: models.ProviderIMAP, Enabled: false,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertAccountSyncStatus(ctx, &models.AccountSyncStatus{
		AccountID: "acc", LastPassAt: &now, LastStored: 3, LastReported: 3,
	}))
	require.NoError(t, store.UpsertLabels(ctx, []models.Label{
		{ID: "INBOX", AccountID: "acc", Name: "Inbox", Type: models.LabelSystem, UnreadCount: 1, TotalCount: 2},
	}))
	require.NoError(t, store.UpsertThread(ctx, &models.Thread{
		ID: "t1", AccountID: "acc", Subject: "Hello", LastMessageAt: now, MessageCount: 1, LabelIDs: []string{"INBOX"},
	}))
	require.NoError(t, store.UpsertMessage(ctx, &models.Message{
		ID: "m1", AccountID: "acc", ThreadID: "t1", MessageIDHeader: "<m1@example.com>",
		FromAddress: "alice@example.com", Subject: "Hello", SentAt: now, ReceivedAt: now, LabelIDs: []string{"INBOX"},
	}))

	env := &testEnv{
		store:     store,
		scheduler: &schedulerMock{},
		hub:       ws.NewHub(2, zerolog.Nop()),
	}
	env.server = httptest.NewServer(NewRouter(Deps{
		Store:     store,
		Scheduler: env.scheduler,
		Queue:     pending.NewQueue(store, zerolog.Nop()),
		Hub:       env.hub,
		Token:     testToken,
		Logger:    zerolog.Nop(),
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthzAndAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/api/v1/accounts")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAccounts(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.On("Running").Return([]string{"acc"})

	t.Run("list returns enabled accounts with status", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/accounts", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decode[[]AccountResponse](t, resp)
		require.Len(t, got, 1)
		assert.Equal(t, "acc", got[0].ID)
		assert.True(t, got[0].Running)
		require.NotNil(t, got[0].Status)
		assert.Equal(t, 3, got[0].Status.LastStored)
	})

	t.Run("get never exposes secrets", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/accounts/acc", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw := decode[map[string]any](t, resp)
		assert.Equal(t, "me@example.com", raw["email"])
		assert.NotContains(t, raw, "EncryptedSecret")
	})

	t.Run("unknown account", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/accounts/nope", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("labels", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/accounts/acc/labels", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decode[[]models.Label](t, resp)
		require.Len(t, got, 1)
		assert.Equal(t, 1, got[0].UnreadCount)
	})
}

func TestSyncControl(t *testing.T) {
	env := newTestEnv(t)

	env.scheduler.On("Trigger", "acc").Return(true).Once()
	resp := env.do(t, http.MethodPost, "/api/v1/accounts/acc/sync", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	env.scheduler.On("Trigger", "acc").Return(false).Once()
	resp = env.do(t, http.MethodPost, "/api/v1/accounts/acc/sync", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	env.scheduler.On("Add", "acc").Return().Once()
	resp = env.do(t, http.MethodPut, "/api/v1/accounts/acc/worker", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/accounts/off/worker", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "disabled accounts get no worker")

	env.scheduler.On("Remove", "acc").Return().Once()
	resp = env.do(t, http.MethodDelete, "/api/v1/accounts/acc/worker", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.scheduler.AssertExpectations(t)
	env.scheduler.AssertNotCalled(t, "Add", "off")
}

func TestThread(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/accounts/acc/threads/t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ThreadResponse](t, resp)
	assert.Equal(t, "Hello", got.Subject)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "alice@example.com", got.Messages[0].FromAddress)

	resp = env.do(t, http.MethodGet, "/api/v1/accounts/acc/threads/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperations(t *testing.T) {
	t.Run("rejects invalid requests", func(t *testing.T) {
		env := newTestEnv(t)
		cases := []struct {
			name string
			body string
		}{
			{"malformed", `{`},
			{"unknown field", `{"thread_id":"t1","op_type":"archive","extra":1}`},
			{"missing thread", `{"op_type":"archive"}`},
			{"unknown op", `{"thread_id":"t1","op_type":"explode"}`},
			{"toggle without value", `{"thread_id":"t1","op_type":"star"}`},
			{"label op without label", `{"thread_id":"t1","op_type":"add_label","params":{}}`},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				resp := env.do(t, http.MethodPost, "/api/v1/accounts/acc/operations", tc.body)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			})
		}
		env.scheduler.AssertNotCalled(t, "Trigger", mock.Anything)
	})

	t.Run("queues and wakes the worker", func(t *testing.T) {
		env := newTestEnv(t)
		env.scheduler.On("Trigger", "acc").Return(true)

		resp := env.do(t, http.MethodPost, "/api/v1/accounts/acc/operations",
			`{"thread_id":"t1","op_type":"mark_read","params":{"value":true,"previous":false}}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		op := decode[models.PendingOperation](t, resp)
		assert.NotEmpty(t, op.ID)
		assert.Equal(t, models.PendingQueued, op.Status)
		assert.Equal(t, true, op.Params[pending.ParamValue])

		queued, err := env.store.ListPendingOperations(context.Background(), "acc", []string{"t1"})
		require.NoError(t, err)
		assert.Len(t, queued, 1)
		env.scheduler.AssertCalled(t, "Trigger", "acc")
	})

	t.Run("an opposite operation cancels the queued one", func(t *testing.T) {
		env := newTestEnv(t)
		env.scheduler.On("Trigger", "acc").Return(true)

		resp := env.do(t, http.MethodPost, "/api/v1/accounts/acc/operations",
			`{"thread_id":"t1","op_type":"add_label","params":{"label_id":"folder:Work"}}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp = env.do(t, http.MethodPost, "/api/v1/accounts/acc/operations",
			`{"thread_id":"t1","op_type":"remove_label","params":{"label_id":"folder:Work"}}`)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		queued, err := env.store.ListPendingOperations(context.Background(), "acc", []string{"t1"})
		require.NoError(t, err)
		assert.Empty(t, queued)
	})

	t.Run("unknown account", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/api/v1/accounts/nope/operations", `{"thread_id":"t1","op_type":"archive"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
