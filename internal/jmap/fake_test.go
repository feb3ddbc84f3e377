package jmap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/localdb"
	"github.com/vdavid/mailsync/internal/models"
)

const fakeAccount = "A1"

type fakeChange struct {
	state int
	id    string
	kind  string
}

// fakeJMAP serves the subset of JMAP core and mail the adapter uses. Email states are integers
// so tests can reason about them.
type fakeJMAP struct {
	mu sync.Mutex

	server       *httptest.Server
	mailboxes    []Mailbox
	mailboxState int
	emails       map[string]*Email
	emailState   int
	minState     int
	changes      []fakeChange
	threadState  int
	blobs        map[string][]byte
	identities   []Identity
	submissions  []map[string]json.RawMessage
	nextID       int
	failStatus   int
	methods      []string
	sessionGets  int
}

func newFakeJMAP(t *testing.T) *fakeJMAP {
	f := &fakeJMAP{
		mailboxes: []Mailbox{
			{ID: "mb-inbox", Name: "Inbox", Role: "inbox"},
			{ID: "mb-sent", Name: "Sent", Role: "sent"},
			{ID: "mb-drafts", Name: "Drafts", Role: "drafts"},
			{ID: "mb-trash", Name: "Trash", Role: "trash"},
			{ID: "mb-junk", Name: "Junk", Role: "junk"},
			{ID: "mb-archive", Name: "Archive", Role: "archive"},
			{ID: "mb-work", Name: "Work"},
			{ID: "mb-reports", Name: "Reports", ParentID: "mb-work"},
		},
		emails:     make(map[string]*Email),
		blobs:      make(map[string][]byte),
		identities: []Identity{{ID: "id-1", Name: "Me", Email: "me@example.com"}},
		emailState: 1,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", f.session)
	mux.HandleFunc("POST /api", f.api)
	mux.HandleFunc("GET /download/{accountId}/{blobId}/{name}", f.download)
	mux.HandleFunc("POST /upload/{accountId}/", f.upload)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeJMAP) session(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sessionGets++
	status := f.failStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	if user, pass, ok := r.BasicAuth(); !ok || user != "me" || pass != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, Session{
		Username:        "me@example.com",
		APIURL:          f.server.URL + "/api",
		DownloadURL:     f.server.URL + "/download/{accountId}/{blobId}/{name}?type={type}",
		UploadURL:       f.server.URL + "/upload/{accountId}/",
		PrimaryAccounts: map[string]string{CapMail: fakeAccount},
		State:           "s1",
	})
}

func (f *fakeJMAP) download(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.blobs[r.PathValue("blobId")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", r.URL.Query().Get("type"))
	_, _ = w.Write(data)
}

func (f *fakeJMAP) upload(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("blob-up-%d", f.nextID)
	f.blobs[id] = data
	f.mu.Unlock()
	writeJSON(w, map[string]any{"accountId": r.PathValue("accountId"), "blobId": id, "type": r.Header.Get("Content-Type"), "size": len(data)})
}

func (f *fakeJMAP) api(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus != 0 {
		http.Error(w, "unavailable", f.failStatus)
		return
	}

	var req struct {
		Using       []string            `json:"using"`
		MethodCalls [][]json.RawMessage `json:"methodCalls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created := make(map[string]string)
	var out [][]any
	for _, call := range req.MethodCalls {
		var name, callID string
		_ = json.Unmarshal(call[0], &name)
		_ = json.Unmarshal(call[2], &callID)
		var args map[string]json.RawMessage
		_ = json.Unmarshal(call[1], &args)
		f.methods = append(f.methods, name)

		respName, resp := f.dispatch(name, args, created)
		out = append(out, []any{respName, resp, callID})
	}
	writeJSON(w, map[string]any{"methodResponses": out, "sessionState": "s1"})
}

func (f *fakeJMAP) dispatch(name string, args map[string]json.RawMessage, created map[string]string) (string, any) {
	var accountID string
	_ = json.Unmarshal(args["accountId"], &accountID)
	if accountID != fakeAccount {
		return "error", MethodError{Type: "accountNotFound"}
	}

	switch name {
	case "Mailbox/get":
		return name, map[string]any{"accountId": fakeAccount, "state": f.mailboxStateString(), "list": f.mailboxes, "notFound": []string{}}
	case "Mailbox/changes":
		var since string
		_ = json.Unmarshal(args["sinceState"], &since)
		var updated []string
		if since != f.mailboxStateString() {
			for _, m := range f.mailboxes {
				updated = append(updated, m.ID)
			}
		}
		return name, changesResponse{OldState: since, NewState: f.mailboxStateString(), Updated: updated}
	case "Thread/get":
		return name, map[string]any{"accountId": fakeAccount, "state": "t" + strconv.Itoa(f.threadState), "list": []any{}}
	case "Thread/changes":
		var since string
		_ = json.Unmarshal(args["sinceState"], &since)
		return name, changesResponse{OldState: since, NewState: "t" + strconv.Itoa(f.threadState)}
	case "Email/get":
		return name, f.emailGet(args)
	case "Email/query":
		return name, f.emailQuery(args)
	case "Email/changes":
		return f.emailChanges(args)
	case "Email/set":
		return name, f.emailSet(args, created)
	case "EmailSubmission/set":
		return name, f.submissionSet(args, created)
	case "Identity/get":
		return name, map[string]any{"accountId": fakeAccount, "state": "i1", "list": f.identities}
	}
	return "error", MethodError{Type: "unknownMethod"}
}

func (f *fakeJMAP) mailboxStateString() string {
	return "m" + strconv.Itoa(f.mailboxState)
}

func (f *fakeJMAP) emailGet(args map[string]json.RawMessage) any {
	var ids []string
	_ = json.Unmarshal(args["ids"], &ids)
	list := []Email{}
	notFound := []string{}
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			list = append(list, *e)
		} else {
			notFound = append(notFound, id)
		}
	}
	return map[string]any{"accountId": fakeAccount, "state": strconv.Itoa(f.emailState), "list": list, "notFound": notFound}
}

func (f *fakeJMAP) emailQuery(args map[string]json.RawMessage) any {
	var filter struct {
		After *time.Time `json:"after"`
	}
	_ = json.Unmarshal(args["filter"], &filter)
	var position, limit int
	_ = json.Unmarshal(args["position"], &position)
	_ = json.Unmarshal(args["limit"], &limit)

	var matched []*Email
	for _, e := range f.emails {
		if filter.After != nil && e.ReceivedAt.Before(*filter.After) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.After(matched[j].ReceivedAt) })

	ids := []string{}
	for i := position; i < len(matched) && (limit == 0 || i < position+limit); i++ {
		ids = append(ids, matched[i].ID)
	}
	return queryResponse{QueryState: "q", IDs: ids, Position: position, Total: len(matched)}
}

func (f *fakeJMAP) emailChanges(args map[string]json.RawMessage) (string, any) {
	var since string
	var pageLimit int
	_ = json.Unmarshal(args["sinceState"], &since)
	_ = json.Unmarshal(args["maxChanges"], &pageLimit)
	from, err := strconv.Atoi(since)
	if err != nil || from < f.minState {
		return "error", MethodError{Type: ErrTypeCannotCalculateChanges}
	}

	resp := changesResponse{OldState: since, NewState: strconv.Itoa(f.emailState)}
	count := 0
	for _, c := range f.changes {
		if c.state <= from {
			continue
		}
		if pageLimit > 0 && count == pageLimit {
			resp.HasMoreChanges = true
			resp.NewState = strconv.Itoa(c.state - 1)
			break
		}
		count++
		switch c.kind {
		case "created":
			resp.Created = append(resp.Created, c.id)
		case "updated":
			resp.Updated = append(resp.Updated, c.id)
		case "destroyed":
			resp.Destroyed = append(resp.Destroyed, c.id)
		}
	}
	return "Email/changes", resp
}

func (f *fakeJMAP) record(id, kind string) {
	f.emailState++
	f.changes = append(f.changes, fakeChange{state: f.emailState, id: id, kind: kind})
}

func (f *fakeJMAP) emailSet(args map[string]json.RawMessage, created map[string]string) any {
	resp := map[string]any{"accountId": fakeAccount}
	createdOut := map[string]any{}
	notCreated := map[string]SetError{}
	updatedOut := map[string]any{}
	notUpdated := map[string]SetError{}
	destroyedOut := []string{}
	notDestroyed := map[string]SetError{}

	var create map[string]Email
	_ = json.Unmarshal(args["create"], &create)
	for key, e := range create {
		if len(e.MailboxIDs) == 0 {
			notCreated[key] = SetError{Type: "invalidProperties"}
			continue
		}
		f.nextID++
		e.ID = fmt.Sprintf("e-new-%d", f.nextID)
		e.ThreadID = "T-" + e.ID
		e.BlobID = "blob-" + e.ID
		e.ReceivedAt = time.Now().UTC()
		for i := range e.Attachments {
			e.Attachments[i].PartID = strconv.Itoa(i + 2)
		}
		f.emails[e.ID] = &e
		created[key] = e.ID
		f.record(e.ID, "created")
		createdOut[key] = map[string]any{"id": e.ID, "threadId": e.ThreadID, "blobId": e.BlobID}
	}

	var update map[string]map[string]json.RawMessage
	_ = json.Unmarshal(args["update"], &update)
	for id, patch := range update {
		e, ok := f.emails[id]
		if !ok {
			notUpdated[id] = SetError{Type: ErrTypeNotFound}
			continue
		}
		applyPatch(e, patch)
		f.record(id, "updated")
		updatedOut[id] = nil
	}

	var destroy []string
	_ = json.Unmarshal(args["destroy"], &destroy)
	for _, id := range destroy {
		if _, ok := f.emails[id]; !ok {
			notDestroyed[id] = SetError{Type: ErrTypeNotFound}
			continue
		}
		delete(f.emails, id)
		f.record(id, "destroyed")
		destroyedOut = append(destroyedOut, id)
	}

	resp["newState"] = strconv.Itoa(f.emailState)
	resp["created"] = createdOut
	resp["notCreated"] = notCreated
	resp["updated"] = updatedOut
	resp["notUpdated"] = notUpdated
	resp["destroyed"] = destroyedOut
	resp["notDestroyed"] = notDestroyed
	return resp
}

func applyPatch(e *Email, patch map[string]json.RawMessage) {
	for key, raw := range patch {
		set := string(raw) == "true"
		switch {
		case key == "mailboxIds":
			e.MailboxIDs = nil
			_ = json.Unmarshal(raw, &e.MailboxIDs)
		case strings.HasPrefix(key, "mailboxIds/"):
			if e.MailboxIDs == nil {
				e.MailboxIDs = map[string]bool{}
			}
			setFlag(e.MailboxIDs, strings.TrimPrefix(key, "mailboxIds/"), set)
		case strings.HasPrefix(key, "keywords/"):
			if e.Keywords == nil {
				e.Keywords = map[string]bool{}
			}
			setFlag(e.Keywords, strings.TrimPrefix(key, "keywords/"), set)
		}
	}
}

func setFlag(m map[string]bool, key string, on bool) {
	if on {
		m[key] = true
	} else {
		delete(m, key)
	}
}

func (f *fakeJMAP) submissionSet(args map[string]json.RawMessage, created map[string]string) any {
	var create map[string]map[string]json.RawMessage
	_ = json.Unmarshal(args["create"], &create)
	var onSuccess map[string]map[string]json.RawMessage
	_ = json.Unmarshal(args["onSuccessUpdateEmail"], &onSuccess)

	createdOut := map[string]any{}
	notCreated := map[string]SetError{}
	for key, sub := range create {
		var emailID string
		_ = json.Unmarshal(sub["emailId"], &emailID)
		if strings.HasPrefix(emailID, "#") {
			emailID = created[strings.TrimPrefix(emailID, "#")]
		}
		e, ok := f.emails[emailID]
		if !ok {
			notCreated[key] = SetError{Type: "invalidEmail"}
			continue
		}
		f.submissions = append(f.submissions, sub)
		if patch, ok := onSuccess["#"+key]; ok {
			applyPatch(e, patch)
			f.record(emailID, "updated")
		}
		createdOut[key] = map[string]any{"id": "sub-" + key}
	}
	return map[string]any{"accountId": fakeAccount, "created": createdOut, "notCreated": notCreated}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// addEmail seeds an email and records its creation.
func (f *fakeJMAP) addEmail(e Email) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails[e.ID] = &e
	f.record(e.ID, "created")
}

func (f *fakeJMAP) state() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.Itoa(f.emailState)
}

func (f *fakeJMAP) email(id string) *Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[id]; ok {
		c := *e
		return &c
	}
	return nil
}

type testEnv struct {
	fake    *fakeJMAP
	store   *localdb.Store
	adapter *Adapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := newFakeJMAP(t)

	store, err := localdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.UpsertAccount(context.Background(), &models.Account{
		ID: "acc", Email: "me@example.com", Provider: models.ProviderJMAP, Enabled: true,
	}))

	adapter := NewAdapter(Config{
		AccountID:   "acc",
		Email:       "me@example.com",
		DisplayName: "Me",
		SessionURL:  fake.server.URL + "/session",
		Username:    "me",
		Secret:      "secret",
		HTTPClient:  fake.server.Client(),
		DaysBack:    30,
	}, store, zerolog.Nop())
	return &testEnv{fake: fake, store: store, adapter: adapter}
}

// testEmail builds an inbox email with a plain text body.
func testEmail(id, subject string, at time.Time, mailboxIDs ...string) Email {
	if len(mailboxIDs) == 0 {
		mailboxIDs = []string{"mb-inbox"}
	}
	boxes := make(map[string]bool, len(mailboxIDs))
	for _, m := range mailboxIDs {
		boxes[m] = true
	}
	sent := at.Add(-time.Minute)
	return Email{
		ID:         id,
		BlobID:     "blob-" + id,
		ThreadID:   "T-" + id,
		MailboxIDs: boxes,
		Keywords:   map[string]bool{},
		Size:       1234,
		ReceivedAt: at,
		SentAt:     &sent,
		MessageID:  []string{id + "@example.com"},
		From:       []EmailAddress{{Name: "Sender", Email: "sender@example.com"}},
		To:         []EmailAddress{{Email: "me@example.com"}},
		Subject:    subject,
		Preview:    "preview of " + subject,
		TextBody:   []BodyPart{{PartID: "1", Type: "text/plain"}},
		HTMLBody:   []BodyPart{{PartID: "1", Type: "text/plain"}},
		BodyValues: map[string]BodyValue{"1": {Value: "body of " + subject}},
	}
}

func (f *fakeJMAP) update(id string, fn func(*Email)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.emails[id])
	f.record(id, "updated")
}

func (f *fakeJMAP) destroy(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.emails, id)
	f.record(id, "destroyed")
}

func (f *fakeJMAP) findBySubject(subject string) *Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.emails {
		if e.Subject == subject {
			c := *e
			return &c
		}
	}
	return nil
}
