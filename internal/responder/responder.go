// Package responder produces AI replies to direct chats, using the recent
// conversation as context.
package responder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/roelfdiedericks/relaygate/internal/conversation"
	"github.com/roelfdiedericks/relaygate/internal/llm"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/metrics"
	"github.com/roelfdiedericks/relaygate/internal/settings"
	"github.com/roelfdiedericks/relaygate/internal/transport"
)

// DefaultFallback is sent when the AI service fails or times out.
const DefaultFallback = "Sorry, brain jammed for a sec. Try again!"

// History is the conversation log the orchestrator reads and appends to.
type History interface {
	conversation.Source
	AppendUser(partner, text string)
	AppendAssistant(partner, text string)
}

// Switches exposes the aiActive flag.
type Switches interface {
	Bool(key string) bool
}

// PresenceSetter shows typing state to the partner.
type PresenceSetter interface {
	SetPresence(ctx context.Context, chat string, p transport.Presence) error
}

// Inbound is a message considered for a reply.
type Inbound struct {
	Partner     string // normalized sender
	Chat        string // where the reply goes
	Text        string
	IsSelf      bool
	IsGroup     bool
	IsBroadcast bool
}

// Options tunes the orchestrator.
type Options struct {
	Persona          string
	Fallback         string
	Timeout          time.Duration // bound on the AI call
	PresenceTimeout  time.Duration // bound on each presence update
	RepliesPerMinute float64       // per partner; 0 disables limiting
	Burst            int
}

// Orchestrator decides whether to reply and produces the reply text.
type Orchestrator struct {
	switches Switches
	history  History
	ai       llm.Completer
	presence PresenceSetter
	limiter  *partnerLimiter
	opts     Options
}

// New creates an Orchestrator. presence may be nil.
func New(switches Switches, history History, ai llm.Completer, presence PresenceSetter, opts Options) *Orchestrator {
	if opts.Fallback == "" {
		opts.Fallback = DefaultFallback
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 5 * time.Second
	}
	return &Orchestrator{
		switches: switches,
		history:  history,
		ai:       ai,
		presence: presence,
		limiter:  newPartnerLimiter(opts.RepliesPerMinute, opts.Burst),
		opts:     opts,
	}
}

// MaybeRespond returns the reply for in, or false when none should be sent.
// Every reply, including the fallback, is recorded as exactly one assistant turn.
func (o *Orchestrator) MaybeRespond(ctx context.Context, in Inbound) (string, bool) {
	if !o.switches.Bool(settings.KeyAIActive) {
		return "", false
	}
	if in.IsSelf || in.IsGroup || in.IsBroadcast {
		return "", false
	}
	if strings.TrimSpace(in.Text) == "" {
		return "", false
	}

	o.history.AppendUser(in.Partner, in.Text)

	if !o.limiter.allow(in.Partner, time.Now()) {
		L_info("responder: rate limited, not replying", "partner", in.Partner)
		metrics.GetInstance().IncrementCounter("responder", "rate_limited")
		return "", false
	}

	prompt := BuildPrompt(o.opts.Persona, o.history.Snapshot(in.Partner))

	o.setPresence(ctx, in.Chat, transport.PresenceComposing)
	reply := o.complete(ctx, prompt)
	o.setPresence(ctx, in.Chat, transport.PresencePaused)

	o.history.AppendAssistant(in.Partner, reply)
	return reply, true
}

func (o *Orchestrator) complete(ctx context.Context, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	// Buffered so a completer that ignores ctx cannot leak the goroutine forever
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		text, err := o.ai.Complete(ctx, prompt)
		done <- result{text, err}
	}()

	var text string
	var err error
	select {
	case r := <-done:
		text, err = strings.TrimSpace(r.text), r.err
	case <-ctx.Done():
		err = llm.ErrTimeout
	}
	m := metrics.GetInstance()
	m.RecordDuration("responder", "complete", time.Since(start))
	if err != nil || text == "" {
		switch {
		case errors.Is(err, llm.ErrTimeout):
			L_warn("responder: AI call timed out, sending fallback", "timeout", o.opts.Timeout)
			m.RecordFailure("responder", "complete", "timeout")
		case err != nil:
			L_warn("responder: AI call failed, sending fallback", "error", err)
			m.RecordFailure("responder", "complete", "error")
		default:
			L_warn("responder: AI returned empty text, sending fallback")
			m.RecordFailure("responder", "complete", "empty")
		}
		return o.opts.Fallback
	}
	m.RecordSuccess("responder", "complete")
	L_debug("responder: reply generated", "elapsed", time.Since(start), "length", len(text))
	return text
}

func (o *Orchestrator) setPresence(ctx context.Context, chat string, p transport.Presence) {
	if o.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.PresenceTimeout)
	defer cancel()
	if err := o.presence.SetPresence(ctx, chat, p); err != nil {
		L_debug("responder: presence update failed", "presence", p, "error", err)
	}
}

// BuildPrompt renders persona and turns as a single completion prompt.
func BuildPrompt(persona string, turns []conversation.Turn) string {
	var sb strings.Builder
	if persona != "" {
		sb.WriteString(persona)
		sb.WriteString("\n\n")
	}
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if t.Role == conversation.RoleAssistant {
			sb.WriteString("Assistant: ")
		} else {
			sb.WriteString("User: ")
		}
		sb.WriteString(t.Text)
	}
	return sb.String()
}
