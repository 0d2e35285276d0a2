package gateway

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/relaygate/internal/bus"
	"github.com/roelfdiedericks/relaygate/internal/connection"
	"github.com/roelfdiedericks/relaygate/internal/conversation"
	"github.com/roelfdiedericks/relaygate/internal/credentials"
	"github.com/roelfdiedericks/relaygate/internal/settings"
	"github.com/roelfdiedericks/relaygate/internal/transport"
)

const (
	ownerID   = "27820000000"
	partnerID = "27831111111"
)

func chatOf(id string) string { return id + "@s.whatsapp.net" }

type sent struct {
	chat, text string
}

type fakeTransport struct {
	events chan transport.Event
	self   string
	creds  []byte

	mu          sync.Mutex
	sent        []sent
	reads       []string
	connects    int
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16), self: ownerID}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) SendText(ctx context.Context, chat, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chat, text})
	return nil
}

func (f *fakeTransport) SetPresence(ctx context.Context, chat string, p transport.Presence) error {
	return nil
}

func (f *fakeTransport) MarkRead(ctx context.Context, msg transport.MessageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, msg.ID)
	return nil
}

func (f *fakeTransport) Credentials(ctx context.Context) ([]byte, error) {
	if f.creds == nil {
		return nil, errors.New("no live store")
	}
	return f.creds, nil
}

func (f *fakeTransport) SelfID() string { return f.self }

func (f *fakeTransport) sentTo(chat string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.chat == chat {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeTransport) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

type fakeAI struct {
	calls atomic.Int32
	reply string
}

func (a *fakeAI) Complete(ctx context.Context, prompt string) (string, error) {
	a.calls.Add(1)
	return a.reply, nil
}

type countingQueue struct {
	n atomic.Int32
}

func (q *countingQueue) Request() { q.n.Add(1) }

type harness struct {
	gw     *Gateway
	tr     *fakeTransport
	ai     *fakeAI
	queue  *countingQueue
	state  *State
	creds  *credentials.Store
	live   string
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, owner string, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()

	store := settings.New(filepath.Join(dir, "settings.json"))
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	h := &harness{
		tr:    newFakeTransport(),
		ai:    &fakeAI{reply: "hey, what's up"},
		queue: &countingQueue{},
		creds: credentials.New(filepath.Join(dir, "session", "creds.db")),
		live:  filepath.Join(dir, "whatsapp.db"),
	}
	h.state = NewState(store, owner, h.tr.SelfID)

	if opts.Window == 0 {
		opts.Window = conversation.DefaultWindow
	}
	opts.LivePath = h.live
	opts.Connect.ReconnectDelay = 10 * time.Millisecond
	h.gw = New(h.state, h.creds, h.tr, h.ai, h.queue, bus.New(), opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("gateway did not stop")
		}
	})
}

func (h *harness) message(from, text string) {
	h.tr.events <- transport.MessageEvent{
		ID:     text,
		Sender: from,
		From:   chatOf(from),
		Chat:   chatOf(from),
		Text:   text,
		IsSelf: from == h.tr.self,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func deviceStore(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE whatsmeow_device (jid TEXT PRIMARY KEY)`,
		`CREATE TABLE whatsmeow_identity_keys (our_jid TEXT, their_id TEXT, identity BLOB)`,
		`INSERT INTO whatsmeow_device (jid) VALUES ('27820000000.0:1@s.whatsapp.net')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	db.Close()
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return blob
}

func TestActivateThenReply(t *testing.T) {
	h := newHarness(t, ownerID, Options{})
	h.start(t)

	h.message(ownerID, ".activateai")
	waitFor(t, "activation ack", func() bool { return len(h.tr.sentTo(chatOf(ownerID))) == 1 })

	if !h.state.Settings.Bool(settings.KeyAIActive) {
		t.Fatal("aiActive not set")
	}
	waitFor(t, "backup request", func() bool { return h.queue.n.Load() >= 1 })

	h.message(partnerID, "hi there")
	waitFor(t, "reply", func() bool { return len(h.tr.sentTo(chatOf(partnerID))) == 1 })

	replies := h.tr.sentTo(chatOf(partnerID))
	if replies[0] != "hey, what's up" {
		t.Errorf("reply = %q", replies[0])
	}
	turns := h.gw.Conversations().Snapshot(partnerID)
	if len(turns) != 2 || turns[1].Role != conversation.RoleAssistant || turns[1].Text != replies[0] {
		t.Errorf("conversation = %+v", turns)
	}
	if h.ai.calls.Load() != 1 {
		t.Errorf("AI called %d times", h.ai.calls.Load())
	}
}

func TestCommandFromNonOwnerIsChat(t *testing.T) {
	h := newHarness(t, ownerID, Options{})
	h.start(t)

	h.message(partnerID, ".activateai")
	h.message(partnerID, "second")
	// Events dispatch in order, so once the owner's reply is out the
	// partner's messages have been submitted
	h.message(ownerID, ".status")
	waitFor(t, "status reply", func() bool { return len(h.tr.sentTo(chatOf(ownerID))) == 1 })
	waitFor(t, "workers idle", func() bool { return h.gw.workers.Active() == 0 })

	if h.state.Settings.Bool(settings.KeyAIActive) {
		t.Error("non-owner toggled aiActive")
	}
	if got := h.tr.sentTo(chatOf(partnerID)); len(got) != 0 {
		t.Errorf("unexpected sends: %q", got)
	}
	if h.queue.n.Load() != 0 {
		t.Error("backup requested without a mutation")
	}
}

func TestOwnerDefaultsToPairedAccount(t *testing.T) {
	h := newHarness(t, "", Options{})
	h.start(t)

	h.message(ownerID, ".activate")
	waitFor(t, "ack", func() bool { return len(h.tr.sentTo(chatOf(ownerID))) == 1 })
	if !h.state.Settings.Bool(settings.KeyAIActive) {
		t.Error("self command not applied")
	}
}

func TestStatusBroadcastViewedNotAnswered(t *testing.T) {
	h := newHarness(t, ownerID, Options{AutoViewStatus: true})
	if _, err := h.state.Settings.SetBool(settings.KeyAIActive, true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	h.start(t)

	h.tr.events <- transport.MessageEvent{
		ID:          "status-1",
		Sender:      partnerID,
		From:        chatOf(partnerID),
		Chat:        "status@broadcast",
		Text:        "my day",
		IsBroadcast: true,
	}
	waitFor(t, "status read", func() bool { return h.tr.readCount() == 1 })

	if h.ai.calls.Load() != 0 {
		t.Error("status update reached the AI")
	}
	if got := h.tr.sentTo("status@broadcast"); len(got) != 0 {
		t.Errorf("replied to status: %q", got)
	}
}

func TestOnlineNoticeOnce(t *testing.T) {
	h := newHarness(t, ownerID, Options{NotifyOwnerOnline: true})
	h.tr.creds = deviceStore(t)
	h.start(t)

	h.tr.events <- transport.ConnectionEvent{State: connection.Open}
	waitFor(t, "online notice", func() bool { return len(h.tr.sentTo(ownerID)) == 1 })
	if !h.creds.Exists() {
		t.Error("credentials not persisted on open")
	}

	h.tr.events <- transport.ConnectionEvent{State: connection.Closed, Reason: connection.ReasonNetwork}
	h.tr.events <- transport.ConnectionEvent{State: connection.Open}
	waitFor(t, "reopen", func() bool {
		state, _ := h.gw.Lifecycle().State()
		return state == connection.Open && h.gw.Lifecycle().Attempts() >= 1
	})
	time.Sleep(20 * time.Millisecond)

	if got := h.tr.sentTo(ownerID); len(got) != 1 {
		t.Errorf("online notice sent %d times", len(got))
	}
}

func TestCredentialsEventPersistsAndRequestsBackup(t *testing.T) {
	h := newHarness(t, ownerID, Options{})
	h.start(t)

	h.tr.events <- transport.CredentialsEvent{Blob: deviceStore(t)}
	waitFor(t, "credentials stored", h.creds.Exists)
	waitFor(t, "backup request", func() bool { return h.queue.n.Load() == 1 })
}

func TestTerminalCloseEndsRun(t *testing.T) {
	h := newHarness(t, ownerID, Options{DiscardOnLogout: true})
	if err := h.creds.Update(deviceStore(t)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	h.start(t)

	h.tr.events <- transport.ConnectionEvent{State: connection.Open}
	h.tr.events <- transport.ConnectionEvent{State: connection.Closed, Reason: connection.ReasonLoggedOut}

	select {
	case err := <-h.done:
		if !errors.Is(err, ErrTerminated) {
			t.Fatalf("Run = %v, want ErrTerminated", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after terminal close")
	}

	if h.creds.Exists() {
		t.Error("credentials kept after logout")
	}
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	if h.tr.disconnects == 0 {
		t.Error("transport not disconnected")
	}
	if h.tr.connects != 1 {
		t.Errorf("connects = %d, want no reconnect after terminal close", h.tr.connects)
	}
}

func TestRecoverableCloseReconnects(t *testing.T) {
	h := newHarness(t, ownerID, Options{})
	h.start(t)

	h.tr.events <- transport.ConnectionEvent{State: connection.Open}
	h.tr.events <- transport.ConnectionEvent{State: connection.Closed, Reason: connection.ReasonNetwork}

	waitFor(t, "reconnect", func() bool {
		h.tr.mu.Lock()
		defer h.tr.mu.Unlock()
		return h.tr.connects == 2
	})
}
