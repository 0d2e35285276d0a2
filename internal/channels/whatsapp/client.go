// Package whatsapp implements the messaging transport on top of whatsmeow.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/relaygate/internal/connection"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/transport"
)

const maxWhatsAppMessage = 65536

// eventBuffer sizes the channel between whatsmeow's handler and the gateway.
const eventBuffer = 256

// keepAliveFailures is how many consecutive keepalive misses count as a dead session.
const keepAliveFailures = 3

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("whatsapp client closed")

// relayLogger bridges whatsmeow's waLog.Logger to our L_* functions
type relayLogger struct {
	module string
}

func (l *relayLogger) Debugf(msg string, args ...interface{}) {
	L_trace(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *relayLogger) Infof(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *relayLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *relayLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *relayLogger) Sub(module string) waLog.Logger {
	return &relayLogger{module: l.module + "/" + module}
}

// Client is a transport.Transport backed by a whatsmeow session.
type Client struct {
	client *whatsmeow.Client
	db     *sql.DB
	path   string

	events chan transport.Event
	quit   chan struct{}

	closeOnce sync.Once
}

var _ transport.Transport = (*Client)(nil)

// openStore opens the whatsmeow device store at path.
func openStore(ctx context.Context, path string, log waLog.Logger) (*sql.DB, *sqlstore.Container, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", log)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}
	return db, container, nil
}

// New opens the live store at path and prepares a client for its first
// device. Reconnects are left to the caller: whatsmeow's own auto-reconnect
// is disabled.
func New(ctx context.Context, path string) (*Client, error) {
	db, container, err := openStore(ctx, path, &relayLogger{module: "store"})
	if err != nil {
		return nil, err
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, &relayLogger{module: "client"})
	client.EnableAutoReconnect = false

	c := &Client{
		client: client,
		db:     db,
		path:   path,
		events: make(chan transport.Event, eventBuffer),
		quit:   make(chan struct{}),
	}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

// Events delivers inbound events in arrival order.
func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// Connect starts a session attempt. An unpaired store cannot succeed and is
// reported as a bad session rather than falling into QR pairing.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	if c.client.Store.ID == nil {
		L_error("whatsapp: no paired device, run 'relaygate whatsapp link' first")
		c.emit(transport.ConnectionEvent{State: connection.Closed, Reason: connection.ReasonBadSession})
		return nil
	}
	if c.client.IsConnected() {
		c.client.Disconnect()
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	return nil
}

// Disconnect drops the socket. No event is emitted for it.
func (c *Client) Disconnect() {
	c.client.Disconnect()
}

// Close disconnects and releases the store. Events stops being fed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		c.client.Disconnect()
		err = c.db.Close()
	})
	return err
}

// SelfID returns the paired account's phone number, or "" when unpaired.
func (c *Client) SelfID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.User
}

// SendText formats text for WhatsApp and sends it, split to fit the size limit.
func (c *Client) SendText(ctx context.Context, chat, text string) error {
	jid, err := parseAddress(chat)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(FormatMessage(text), maxWhatsAppMessage) {
		if _, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(chunk),
		}); err != nil {
			return fmt.Errorf("whatsapp send: %w", err)
		}
	}
	return nil
}

// SetPresence shows typing state in chat.
func (c *Client) SetPresence(ctx context.Context, chat string, p transport.Presence) error {
	jid, err := parseAddress(chat)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if p == transport.PresenceComposing {
		state = types.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// MarkRead sends a read receipt for msg.
func (c *Client) MarkRead(ctx context.Context, msg transport.MessageEvent) error {
	chat, err := parseAddress(msg.Chat)
	if err != nil {
		return err
	}
	sender, err := parseAddress(msg.From)
	if err != nil {
		return err
	}
	return c.client.MarkRead(ctx, []types.MessageID{types.MessageID(msg.ID)}, msg.Timestamp, chat, sender)
}

// Credentials snapshots the live store into a standalone database.
func (c *Client) Credentials(ctx context.Context) ([]byte, error) {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses an existing target
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if _, err := c.db.ExecContext(ctx, "VACUUM INTO ?", tmpPath); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return os.ReadFile(tmpPath)
}

func (c *Client) emit(evt transport.Event) {
	select {
	case c.events <- evt:
	case <-c.quit:
	}
}

// handleEvent is the whatsmeow event handler
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		L_info("whatsapp: connected", "jid", c.client.Store.ID)
		if err := c.client.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
			L_debug("whatsapp: presence not sent", "error", err)
		}
		c.emit(transport.ConnectionEvent{State: connection.Open})

	case *events.PairSuccess:
		L_info("whatsapp: paired", "jid", v.ID)
		blob, err := c.Credentials(context.Background())
		if err != nil {
			L_warn("whatsapp: credential snapshot failed", "error", err)
			blob = nil
		}
		c.emit(transport.CredentialsEvent{Blob: blob})

	case *events.KeepAliveTimeout:
		L_warn("whatsapp: keepalive missed", "count", v.ErrorCount, "lastSuccess", v.LastSuccess)
		if v.ErrorCount >= keepAliveFailures {
			// Expected disconnect, so whatsmeow emits nothing further for it
			go c.client.Disconnect()
			c.emit(transport.ConnectionEvent{State: connection.Closed, Reason: connection.ReasonTimeout})
		}

	case *events.Message:
		if msg, ok := messageFromEvent(v); ok {
			c.emit(msg)
		}

	default:
		if reason, ok := closeReason(evt); ok {
			L_warn("whatsapp: session closed", "reason", reason)
			c.emit(transport.ConnectionEvent{State: connection.Closed, Reason: reason})
		}
	}
}

// closeReason maps whatsmeow disconnect-type events to a close reason.
func closeReason(evt interface{}) (connection.Reason, bool) {
	switch v := evt.(type) {
	case *events.Disconnected:
		return connection.ReasonNetwork, true
	case *events.StreamError:
		return connection.ReasonStreamError, true
	case *events.LoggedOut:
		return connection.ReasonLoggedOut, true
	case *events.StreamReplaced:
		return connection.ReasonReplaced, true
	case *events.TemporaryBan:
		return connection.ReasonBanned, true
	case *events.ClientOutdated:
		return connection.ReasonClientOutdated, true
	case *events.ConnectFailure:
		switch {
		case v.Reason.IsLoggedOut():
			return connection.ReasonLoggedOut, true
		case v.Reason == events.ConnectFailureTempBanned:
			return connection.ReasonBanned, true
		case v.Reason == events.ConnectFailureClientOutdated:
			return connection.ReasonClientOutdated, true
		case v.Reason == events.ConnectFailureServiceUnavailable,
			v.Reason == events.ConnectFailureInternalServerError:
			return connection.ReasonServerRestart, true
		default:
			return connection.ReasonUnknown, true
		}
	}
	return connection.ReasonNone, false
}

// messageFromEvent extracts an inbound text message. Messages without text
// (media without caption, receipts, protocol messages) are skipped.
func messageFromEvent(evt *events.Message) (transport.MessageEvent, bool) {
	text := messageText(evt.Message)
	if text == "" {
		return transport.MessageEvent{}, false
	}

	info := evt.Info
	sender := info.Sender
	// LID-addressed messages carry the phone number in SenderAlt
	if sender.Server == types.HiddenUserServer && info.SenderAlt.User != "" {
		sender = info.SenderAlt
	}

	return transport.MessageEvent{
		ID:          string(info.ID),
		Sender:      transport.UserPart(sender.User),
		From:        info.Sender.String(),
		Chat:        info.Chat.String(),
		Text:        text,
		IsSelf:      info.IsFromMe,
		IsGroup:     info.IsGroup,
		IsBroadcast: info.Chat.Server == types.BroadcastServer,
		Timestamp:   info.Timestamp,
	}, true
}

func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	return msg.GetVideoMessage().GetCaption()
}

// parseAddress accepts a full JID or a bare phone number.
func parseAddress(addr string) (types.JID, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return types.EmptyJID, fmt.Errorf("whatsapp: empty address")
	}
	if !strings.Contains(addr, "@") {
		return phoneToJID(strings.TrimPrefix(addr, "+")), nil
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("whatsapp: bad address %q: %w", addr, err)
	}
	return jid, nil
}

// phoneToJID converts a phone number string to a WhatsApp JID
func phoneToJID(phone string) types.JID {
	return types.NewJID(phone, types.DefaultUserServer)
}

// splitMessage splits a message into chunks that fit the WhatsApp limit
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		end := maxLen
		if end > len(text) {
			end = len(text)
		}
		// Try to split at a newline
		if end < len(text) {
			if idx := strings.LastIndex(text[:end], "\n"); idx > end/2 {
				end = idx + 1
			}
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
