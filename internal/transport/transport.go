// Package transport defines the contract between the gateway and a messaging
// session: the events it emits and the operations the gateway calls.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/roelfdiedericks/relaygate/internal/connection"
)

// Presence is a chat state shown to a partner.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Event is one of ConnectionEvent, CredentialsEvent or MessageEvent.
type Event interface {
	isEvent()
}

// ConnectionEvent reports the session opening or closing.
type ConnectionEvent struct {
	State  connection.State // Open or Closed
	Reason connection.Reason
}

// CredentialsEvent reports that the session's credential material changed.
// Blob is a validated-shape snapshot of the live store, or nil when the
// transport could not take one.
type CredentialsEvent struct {
	Blob []byte
}

// MessageEvent is an inbound text message.
type MessageEvent struct {
	ID          string
	Sender      string // normalized sender identifier (user part)
	From        string // full sender address as the transport knows it
	Chat        string // chat address replies go to
	Text        string
	IsSelf      bool // sent by the paired account itself
	IsGroup     bool
	IsBroadcast bool // status updates and broadcast lists
	Timestamp   time.Time
}

func (ConnectionEvent) isEvent()  {}
func (CredentialsEvent) isEvent() {}
func (MessageEvent) isEvent()     {}

// Transport is a messaging session.
type Transport interface {
	// Connect starts a session attempt. The outcome arrives as a ConnectionEvent.
	Connect(ctx context.Context) error
	Disconnect()

	// Events delivers inbound events in arrival order.
	Events() <-chan Event

	SendText(ctx context.Context, chat, text string) error
	SetPresence(ctx context.Context, chat string, p Presence) error
	MarkRead(ctx context.Context, msg MessageEvent) error

	// Credentials snapshots the live credential store.
	Credentials(ctx context.Context) ([]byte, error)
	// SelfID is the paired account's normalized identifier ("" before pairing).
	SelfID() string
}

// UserPart normalizes an address such as "27820000000:12@s.whatsapp.net"
// to "27820000000".
func UserPart(id string) string {
	id = strings.TrimSpace(id)
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	if colon := strings.IndexByte(id, ':'); colon >= 0 {
		id = id[:colon]
	}
	if dot := strings.IndexByte(id, '.'); dot >= 0 {
		id = id[:dot]
	}
	return strings.TrimPrefix(id, "+")
}
