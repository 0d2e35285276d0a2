// Package conversation keeps a bounded, per-partner log of recent turns used
// as context for replies. Each partner gets a ring buffer of W turns; when
// full, the oldest turn is evicted first.
package conversation

import (
	"sync"
	"time"
)

// Role attributes a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultWindow is the number of turns kept per partner when none is configured.
const DefaultWindow = 10

// Turn is one message in a conversation.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Source supplies the recent turns for a partner, oldest first.
type Source interface {
	Snapshot(partner string) []Turn
}

// ring is a fixed-capacity FIFO of turns.
type ring struct {
	turns []Turn
	start int // index of the oldest turn
	n     int
}

func (r *ring) push(t Turn) {
	if r.n < len(r.turns) {
		r.turns[(r.start+r.n)%len(r.turns)] = t
		r.n++
		return
	}
	r.turns[r.start] = t
	r.start = (r.start + 1) % len(r.turns)
}

func (r *ring) copyOut() []Turn {
	out := make([]Turn, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.turns[(r.start+i)%len(r.turns)]
	}
	return out
}

// Log is the in-memory Source. Conversations are created on first append and
// live for the life of the process.
type Log struct {
	window int

	mu    sync.Mutex
	convs map[string]*ring
}

// New creates a Log keeping window turns per partner.
func New(window int) *Log {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Log{window: window, convs: make(map[string]*ring)}
}

// Window returns the per-partner capacity.
func (l *Log) Window() int {
	return l.window
}

// AppendUser records a message received from partner.
func (l *Log) AppendUser(partner, text string) {
	l.append(partner, RoleUser, text)
}

// AppendAssistant records a reply sent to partner.
func (l *Log) AppendAssistant(partner, text string) {
	l.append(partner, RoleAssistant, text)
}

func (l *Log) append(partner string, role Role, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.convs[partner]
	if !ok {
		r = &ring{turns: make([]Turn, l.window)}
		l.convs[partner] = r
	}
	r.push(Turn{Role: role, Text: text, Timestamp: time.Now()})
}

// Snapshot returns a copy of partner's turns, oldest first.
func (l *Log) Snapshot(partner string) []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.convs[partner]
	if !ok {
		return nil
	}
	return r.copyOut()
}

// Partners returns the number of conversations held.
func (l *Log) Partners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.convs)
}
