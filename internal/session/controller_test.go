package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agenthub/internal/agentcall"
	"agenthub/internal/crypto"
	"agenthub/internal/guard"
	"agenthub/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      []storage.TranscriptRow
	insertErr error
}

func (f *fakeStore) GetAgent(context.Context, string) (storage.Agent, error) {
	return storage.Agent{}, storage.ErrNotFound
}
func (f *fakeStore) ListAgents(context.Context, string) ([]storage.Agent, error) { return nil, nil }
func (f *fakeStore) UpsertAgent(context.Context, storage.Agent) error            { return nil }
func (f *fakeStore) DeleteAgent(context.Context, string, string) error           { return nil }

func (f *fakeStore) InsertTranscript(_ context.Context, row storage.TranscriptRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeStore) ListTranscripts(_ context.Context, sessionID, uid string) ([]storage.TranscriptRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.TranscriptRow, 0)
	for _, r := range f.rows {
		if r.SessionID == sessionID && r.UID == uid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteTranscript(_ context.Context, id, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if r.ID == id && r.UID == uid {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) ListSessions(context.Context, string, string) ([]storage.SessionInfo, error) {
	return nil, nil
}
func (f *fakeStore) RenameSession(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeStore) DeleteSession(context.Context, string, string, string) error { return nil }
func (f *fakeStore) Close() error                                                { return nil }

type fixture struct {
	controller *Controller
	store      *fakeStore
	lock       *guard.SendLock
	warnings   *[]string
}

func newFixture(t *testing.T, cryptoMgr *crypto.Manager) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &fakeStore{}
	lock := guard.NewSendLock(rdb, 10*time.Second)
	warnings := []string{}
	controller := NewController(Config{
		Store:    store,
		Client:   agentcall.New(&http.Client{Timeout: 5 * time.Second}),
		Crypto:   cryptoMgr,
		SendLock: lock,
		Tracker:  NewTracker(time.Hour),
		Logger:   zerolog.Nop(),
		OnWarning: func(msg string) {
			warnings = append(warnings, msg)
		},
	})
	return fixture{controller: controller, store: store, lock: lock, warnings: &warnings}
}

func testAgent(apiURL string) storage.Agent {
	return storage.Agent{
		ID:        "agent-1",
		UID:       "owner",
		Name:      "writer",
		APIURL:    apiURL,
		Prompt:    "be brief",
		AgentRole: "writer",
	}
}

func TestSendEmptyContentIsNoOp(t *testing.T) {
	fx := newFixture(t, nil)

	for _, content := range []string{"", "   "} {
		_, err := fx.controller.Send(context.Background(), testAgent("http://unused"), "s1", "u1", content, nil)
		if !errors.Is(err, ErrEmptyContent) {
			t.Fatalf("expected ErrEmptyContent for %q, got %v", content, err)
		}
	}
	if got := fx.controller.Messages("s1", "u1"); len(got) != 0 {
		t.Fatalf("transcript must stay untouched, got %d messages", len(got))
	}
}

func TestSendSuccessPersistsOneRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"message":"Hi there"}]`))
	}))
	defer srv.Close()

	fx := newFixture(t, nil)
	ex, err := fx.controller.Send(context.Background(), testAgent(srv.URL), "s1", "u1", "Hello", map[string]string{"topic": "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.Assistant.Content != "Hi there" || ex.Assistant.Error != "" || ex.Assistant.Loading {
		t.Fatalf("unexpected assistant message: %+v", ex.Assistant)
	}
	if ex.User.ExchangeID == "" || ex.User.ExchangeID != ex.Assistant.ExchangeID {
		t.Fatalf("pair must share an exchange id")
	}

	if len(fx.store.rows) != 1 {
		t.Fatalf("expected exactly one persisted row, got %d", len(fx.store.rows))
	}
	row := fx.store.rows[0]
	if row.Prompt != "Hello" || row.Message != "Hi there" || row.SessionID != "s1" || row.UID != "u1" || row.AgentID != "agent-1" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if ex.Assistant.RowID != row.ID {
		t.Fatalf("assistant message should reference the persisted row")
	}

	msgs := fx.controller.Messages("s1", "u1")
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("expected user+assistant pair in transcript, got %+v", msgs)
	}
}

func TestSendMissingAPIURLFailsWithoutPersisting(t *testing.T) {
	fx := newFixture(t, nil)

	ex, err := fx.controller.Send(context.Background(), testAgent(""), "s1", "u1", "Hello", map[string]string{"topic": "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.Assistant.Error == "" || !strings.Contains(ex.Assistant.Error, "API URL") {
		t.Fatalf("expected API URL error on assistant message, got %+v", ex.Assistant)
	}
	if ex.Assistant.Loading {
		t.Fatalf("assistant message must leave loading state")
	}
	if len(fx.store.rows) != 0 {
		t.Fatalf("failed exchange must not persist a row")
	}

	// the controller stays usable for the next message
	held, err := fx.lock.Held(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if held {
		t.Fatalf("send lock must be released after a failed exchange")
	}
}

func TestSendBlockedWhileInFlight(t *testing.T) {
	fx := newFixture(t, nil)

	if ok, _ := fx.lock.Acquire(context.Background(), "s1", "u1"); !ok {
		t.Fatalf("manual acquire should succeed")
	}
	_, err := fx.controller.Send(context.Background(), testAgent("http://unused"), "s1", "u1", "Hello", nil)
	if !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}
	if got := fx.controller.Messages("s1", "u1"); len(got) != 0 {
		t.Fatalf("blocked send must not touch the transcript")
	}
}

func TestPersistFailureIsWarningOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	fx := newFixture(t, nil)
	fx.store.insertErr = errors.New("disk full")

	ex, err := fx.controller.Send(context.Background(), testAgent(srv.URL), "s1", "u1", "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.Assistant.Error != "" || ex.Assistant.Content != "ok" {
		t.Fatalf("exchange must still succeed, got %+v", ex.Assistant)
	}
	if len(*fx.warnings) != 1 || !strings.Contains((*fx.warnings)[0], "disk full") {
		t.Fatalf("expected one warning, got %v", *fx.warnings)
	}
}

func TestSendForwardsDecryptedHeaders(t *testing.T) {
	key, err := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	mgr, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Token")
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	enc, err := mgr.EncryptHeaders(map[string]string{"X-Token": "secret"})
	if err != nil {
		t.Fatalf("encrypt headers: %v", err)
	}
	agent := testAgent(srv.URL)
	agent.EncHeadersJSON = &enc

	fx := newFixture(t, mgr)
	if _, err := fx.controller.Send(context.Background(), agent, "s1", "u1", "Hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotToken != "secret" {
		t.Fatalf("stored headers must reach the endpoint, got %q", gotToken)
	}
}

func TestLoadHistoryIsAssistantOnlyAndFiltersEmpty(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()
	fx.store.rows = []storage.TranscriptRow{
		{ID: "r1", SessionID: "s1", UID: "u1", AgentID: "agent-1", Prompt: "first", Message: "A", CreatedAt: now},
		{ID: "r2", SessionID: "s1", UID: "u1", AgentID: "agent-1", Prompt: "second", Message: "", CreatedAt: now.Add(time.Second)},
	}

	msgs, err := fx.controller.LoadHistory(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the empty-message row filtered out, got %d messages", len(msgs))
	}
	if msgs[0].Role != RoleAssistant || msgs[0].Content != "A" || msgs[0].RowID != "r1" {
		t.Fatalf("unexpected reloaded message: %+v", msgs[0])
	}

	// the reload replaces the in-memory list wholesale
	if got := fx.controller.Messages("s1", "u1"); len(got) != 1 || got[0].Content != "A" {
		t.Fatalf("tracker not replaced: %+v", got)
	}
}

func TestRetryRemovesPairedAssistantAndAppendsFreshPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"reply"}`))
	}))
	defer srv.Close()

	fx := newFixture(t, nil)
	agent := testAgent(srv.URL)

	first, err := fx.controller.Send(context.Background(), agent, "s1", "u1", "Hello", map[string]string{"topic": "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	second, err := fx.controller.Retry(context.Background(), agent, "s1", "u1", first.User.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.User.ID == first.User.ID || second.Assistant.ID == first.Assistant.ID {
		t.Fatalf("retry must append a pair with new ids")
	}

	msgs := fx.controller.Messages("s1", "u1")
	if len(msgs) != 3 {
		t.Fatalf("expected original user + fresh pair, got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.ID == first.Assistant.ID {
			t.Fatalf("original assistant message should have been removed")
		}
	}
	if msgs[0].ID != first.User.ID {
		t.Fatalf("original user message must stay in place")
	}

	if _, err := fx.controller.Retry(context.Background(), agent, "s1", "u1", "missing-id"); !errors.Is(err, ErrUnknownRetry) {
		t.Fatalf("expected ErrUnknownRetry, got %v", err)
	}
}

func TestIdleSessionStateIsReclaimed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	controller := NewController(Config{
		Store:    &fakeStore{},
		Client:   agentcall.New(&http.Client{Timeout: 5 * time.Second}),
		SendLock: guard.NewSendLock(rdb, 10*time.Second),
		Tracker:  NewTracker(200 * time.Millisecond),
		Logger:   zerolog.Nop(),
	})

	agent := testAgent(srv.URL)
	for i := 0; i < 5; i++ {
		if _, err := controller.Send(context.Background(), agent, "s1", "u1", "Hello", nil); err != nil {
			t.Fatalf("send #%d: %v", i, err)
		}
	}
	if got := retryCount(controller); got != 5 {
		t.Fatalf("expected 5 retry entries while the session is live, got %d", got)
	}

	time.Sleep(400 * time.Millisecond)

	// the next send sweeps the idle session together with its retry entries
	if _, err := controller.Send(context.Background(), agent, "s2", "u1", "Hello", nil); err != nil {
		t.Fatalf("send on fresh session: %v", err)
	}
	if got := controller.Messages("s1", "u1"); len(got) != 0 {
		t.Fatalf("idle transcript should be evicted, got %d messages", len(got))
	}
	if got := retryCount(controller); got != 1 {
		t.Fatalf("retry entries must be pruned with their session, got %d", got)
	}
}

func retryCount(c *Controller) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retries)
}

func TestDeleteMessageLeavesListToCaller(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()
	fx.store.rows = []storage.TranscriptRow{
		{ID: "r1", SessionID: "s1", UID: "u1", AgentID: "agent-1", Message: "A", CreatedAt: now},
	}
	if _, err := fx.controller.LoadHistory(context.Background(), "s1", "u1"); err != nil {
		t.Fatalf("load history: %v", err)
	}

	if err := fx.controller.DeleteMessage(context.Background(), "r1", "other-user"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete must be scoped to the owning user, got %v", err)
	}
	if err := fx.controller.DeleteMessage(context.Background(), "r1", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// the controller does not self-mutate the live list on delete
	if got := fx.controller.Messages("s1", "u1"); len(got) != 1 {
		t.Fatalf("list should be untouched until Forget, got %d", len(got))
	}
	if !fx.controller.Forget("s1", "u1", "r1") {
		t.Fatalf("forget should remove the reloaded message")
	}
	if got := fx.controller.Messages("s1", "u1"); len(got) != 0 {
		t.Fatalf("expected empty list after Forget")
	}
}
