package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/localdb"
	"github.com/vdavid/mailsync/internal/models"
	gmailapi "google.golang.org/api/gmail/v1"
)

const usersPath = "/gmail/v1/users/me"

// fakeGmail serves the subset of the Gmail API the adapter uses.
type fakeGmail struct {
	mu sync.Mutex

	email       string
	historyID   uint64
	pageSize    int
	labels      []*gmailapi.Label
	messages    map[string]*gmailapi.Message
	history     []*gmailapi.History
	historyGone bool
	failGet     map[string]int
	failAll     int
	attachments map[string]string

	queries  []string
	modifies []gmailapi.BatchModifyMessagesRequest
	trashed  []string
	deleted  []string
	sent     []string
	drafts   map[string]string
	nextID   int
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		email:     "me@gmail.com",
		historyID: 100,
		pageSize:  2,
		labels: []*gmailapi.Label{
			{Id: "INBOX", Name: "INBOX", Type: "system", MessagesTotal: 2, MessagesUnread: 1},
			{Id: "SENT", Name: "SENT", Type: "system"},
			{Id: "TRASH", Name: "TRASH", Type: "system"},
			{Id: "Label_1", Name: "Receipts", Type: "user", MessagesTotal: 1},
		},
		messages:    make(map[string]*gmailapi.Message),
		failGet:     make(map[string]int),
		attachments: make(map[string]string),
		drafts:      make(map[string]string),
	}
}

func (f *fakeGmail) add(msg *gmailapi.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.Id] = msg
}

// record appends a history entry and advances the history id.
func (f *fakeGmail) record(h *gmailapi.History) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyID++
	h.Id = f.historyID
	f.history = append(f.history, h)
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+usersPath+"/profile", f.profile)
	mux.HandleFunc("GET "+usersPath+"/labels", f.listLabels)
	mux.HandleFunc("GET "+usersPath+"/messages", f.listMessages)
	mux.HandleFunc("GET "+usersPath+"/messages/{id}", f.getMessage)
	mux.HandleFunc("GET "+usersPath+"/messages/{id}/attachments/{att}", f.getAttachment)
	mux.HandleFunc("POST "+usersPath+"/messages/batchModify", f.batchModify)
	mux.HandleFunc("POST "+usersPath+"/messages/{id}/trash", f.trash)
	mux.HandleFunc("DELETE "+usersPath+"/messages/{id}", f.deleteMessage)
	mux.HandleFunc("POST "+usersPath+"/messages/send", f.send)
	mux.HandleFunc("GET "+usersPath+"/history", f.listHistory)
	mux.HandleFunc("POST "+usersPath+"/drafts", f.createDraft)
	mux.HandleFunc("PUT "+usersPath+"/drafts/{id}", f.updateDraft)
	mux.HandleFunc("DELETE "+usersPath+"/drafts/{id}", f.deleteDraft)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failAll := f.failAll
		f.mu.Unlock()
		if failAll != 0 {
			writeError(w, failAll)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func (f *fakeGmail) profile(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, &gmailapi.Profile{EmailAddress: f.email, HistoryId: f.historyID, MessagesTotal: int64(len(f.messages))})
}

func (f *fakeGmail) listLabels(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, &gmailapi.ListLabelsResponse{Labels: f.labels})
}

func (f *fakeGmail) listMessages(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.URL.Query().Get("q"))

	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	end := min(start+f.pageSize, len(ids))
	resp := &gmailapi.ListMessagesResponse{}
	for _, id := range ids[start:end] {
		resp.Messages = append(resp.Messages, &gmailapi.Message{Id: id, ThreadId: f.messages[id].ThreadId})
	}
	if end < len(ids) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

func (f *fakeGmail) getMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if code := f.failGet[id]; code != 0 {
		writeError(w, code)
		return
	}
	msg, ok := f.messages[id]
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}

	out := *msg
	switch r.URL.Query().Get("format") {
	case "raw":
		out.Payload = nil
		out.Raw = base64.URLEncoding.EncodeToString([]byte("Subject: raw " + id + "\r\n\r\nbody"))
	case "metadata":
		payload := *msg.Payload
		payload.Parts = nil
		payload.Body = nil
		out.Payload = &payload
	}
	writeJSON(w, &out)
}

func (f *fakeGmail) getAttachment(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.attachments[r.PathValue("att")]
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	writeJSON(w, &gmailapi.MessagePartBody{Data: data, Size: int64(len(data))})
}

func (f *fakeGmail) batchModify(w http.ResponseWriter, r *http.Request) {
	var req gmailapi.BatchModifyMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, req)
	for _, id := range req.Ids {
		msg, ok := f.messages[id]
		if !ok {
			continue
		}
		labels := slices.DeleteFunc(slices.Clone(msg.LabelIds), func(l string) bool {
			return slices.Contains(req.RemoveLabelIds, l)
		})
		for _, l := range req.AddLabelIds {
			if !slices.Contains(labels, l) {
				labels = append(labels, l)
			}
		}
		msg.LabelIds = labels
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGmail) trash(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	msg, ok := f.messages[id]
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	f.trashed = append(f.trashed, id)
	msg.LabelIds = append(slices.DeleteFunc(slices.Clone(msg.LabelIds), func(l string) bool { return l == "INBOX" }), "TRASH")
	writeJSON(w, msg)
}

func (f *fakeGmail) deleteMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.messages[id]; !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	f.deleted = append(f.deleted, id)
	delete(f.messages, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGmail) decodeRaw(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest)
		return false
	}
	return true
}

func (f *fakeGmail) send(w http.ResponseWriter, r *http.Request) {
	var msg gmailapi.Message
	if !f.decodeRaw(w, r, &msg) {
		return
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(raw))
	f.nextID++
	writeJSON(w, &gmailapi.Message{Id: "sent" + strconv.Itoa(f.nextID), LabelIds: []string{"SENT"}})
}

func (f *fakeGmail) createDraft(w http.ResponseWriter, r *http.Request) {
	var draft gmailapi.Draft
	if !f.decodeRaw(w, r, &draft) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "d" + strconv.Itoa(f.nextID)
	f.drafts[id] = draft.Message.Raw
	writeJSON(w, &gmailapi.Draft{Id: id, Message: &gmailapi.Message{Id: "m" + id}})
}

func (f *fakeGmail) updateDraft(w http.ResponseWriter, r *http.Request) {
	var draft gmailapi.Draft
	if !f.decodeRaw(w, r, &draft) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.drafts[id]; !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	f.drafts[id] = draft.Message.Raw
	writeJSON(w, &gmailapi.Draft{Id: id})
}

func (f *fakeGmail) deleteDraft(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.drafts[id]; !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	delete(f.drafts, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGmail) listHistory(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyGone {
		writeError(w, http.StatusNotFound)
		return
	}
	start, err := strconv.ParseUint(r.URL.Query().Get("startHistoryId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	var records []*gmailapi.History
	for _, h := range f.history {
		if h.Id > start {
			records = append(records, h)
		}
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	end := min(offset+f.pageSize, len(records))
	resp := &gmailapi.ListHistoryResponse{HistoryId: f.historyID, History: records[offset:end]}
	if end < len(records) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

type testEnv struct {
	fake    *fakeGmail
	server  *httptest.Server
	store   *localdb.Store
	adapter *Adapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fake := newFakeGmail()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	store, err := localdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.UpsertAccount(context.Background(), &models.Account{
		ID: "acc", Email: "me@gmail.com", Provider: models.ProviderGmail, Enabled: true,
	}))

	adapter, err := NewAdapter(context.Background(), Config{
		AccountID:   "acc",
		Email:       "me@gmail.com",
		DisplayName: "Me",
		HTTPClient:  server.Client(),
		BaseURL:     server.URL + "/",
		Concurrency: 3,
	}, store, zerolog.Nop())
	require.NoError(t, err)

	return &testEnv{fake: fake, server: server, store: store, adapter: adapter}
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

// apiMessage builds a message with a plain text body and an optional attachment part.
func apiMessage(id, threadID string, labelIDs []string, subject string, at time.Time, headers ...string) *gmailapi.Message {
	hs := []*gmailapi.MessagePartHeader{
		{Name: "Message-ID", Value: "<" + id + "@example.com>"},
		{Name: "From", Value: "Sender <sender@example.com>"},
		{Name: "To", Value: "me@gmail.com"},
		{Name: "Subject", Value: subject},
		{Name: "Date", Value: at.Format(time.RFC1123Z)},
	}
	for i := 0; i+1 < len(headers); i += 2 {
		hs = append(hs, &gmailapi.MessagePartHeader{Name: headers[i], Value: headers[i+1]})
	}
	return &gmailapi.Message{
		Id:           id,
		ThreadId:     threadID,
		LabelIds:     labelIDs,
		Snippet:      "snippet of " + id,
		InternalDate: at.UnixMilli(),
		SizeEstimate: 1234,
		Payload: &gmailapi.MessagePart{
			PartId:   "",
			MimeType: "multipart/mixed",
			Headers:  hs,
			Parts: []*gmailapi.MessagePart{
				{PartId: "0", MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("Hello from " + id), Size: 12}},
				{PartId: "1", MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>Hello</p>"), Size: 12}},
			},
		},
	}
}

func withAttachment(msg *gmailapi.Message, part *gmailapi.MessagePart) *gmailapi.Message {
	msg.Payload.Parts = append(msg.Payload.Parts, part)
	return msg
}
