// Package gateway wires the transport to the command dispatcher, the
// responder and the backup queue, and runs the inbound event loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/relaygate/internal/bus"
	"github.com/roelfdiedericks/relaygate/internal/commands"
	"github.com/roelfdiedericks/relaygate/internal/connection"
	"github.com/roelfdiedericks/relaygate/internal/conversation"
	"github.com/roelfdiedericks/relaygate/internal/credentials"
	"github.com/roelfdiedericks/relaygate/internal/llm"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/metrics"
	"github.com/roelfdiedericks/relaygate/internal/responder"
	"github.com/roelfdiedericks/relaygate/internal/transport"
)

// ErrTerminated is returned by Run when the session can never reconnect.
var ErrTerminated = errors.New("session terminated")

// OnlineNotice is sent to the owner the first time the session opens.
const OnlineNotice = "relaygate is online."

// BackupRequester schedules a background backup. backup.Queue satisfies it.
type BackupRequester interface {
	Request()
}

// Options configures a Gateway.
type Options struct {
	SendTimeout       time.Duration
	AutoViewStatus    bool
	NotifyOwnerOnline bool
	// DiscardOnLogout removes local credentials when the session is logged out.
	DiscardOnLogout bool
	LivePath        string

	Window    int
	Prefix    string
	Connect   connection.Options // hooks are set by the gateway
	Responder responder.Options
}

// Gateway is the running relay.
type Gateway struct {
	transport transport.Transport
	state     *State
	creds     *credentials.Store
	backups   BackupRequester
	bus       *bus.Bus
	opts      Options

	history   *conversation.Log
	commands  *commands.Manager
	responder *responder.Orchestrator
	lifecycle *connection.Manager
	workers   *partitioned
}

// New assembles a gateway. backups may be nil when remote backup is off.
func New(state *State, creds *credentials.Store, tr transport.Transport, ai llm.Completer, backups BackupRequester, events *bus.Bus, opts Options) *Gateway {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if events == nil {
		events = bus.New()
	}

	g := &Gateway{
		transport: tr,
		state:     state,
		creds:     creds,
		backups:   backups,
		bus:       events,
		opts:      opts,
		history:   conversation.New(opts.Window),
		workers:   newPartitioned(),
	}
	g.commands = commands.NewManager(state.Owner, state.Settings, events, opts.Prefix)

	respOpts := opts.Responder
	if respOpts.PresenceTimeout <= 0 {
		respOpts.PresenceTimeout = opts.SendTimeout
	}
	g.responder = responder.New(state.Settings, g.history, ai, tr, respOpts)

	connCfg := opts.Connect
	connCfg.OnOpen = g.onOpen
	connCfg.OnTerminated = g.onTerminated
	g.lifecycle = connection.New(tr, connCfg)
	return g
}

// Conversations exposes the per-partner context.
func (g *Gateway) Conversations() conversation.Source {
	return g.history
}

// Lifecycle exposes the connection state machine.
func (g *Gateway) Lifecycle() *connection.Manager {
	return g.lifecycle
}

// Run starts the session and processes transport events until the context
// ends (nil) or the session terminates (ErrTerminated).
func (g *Gateway) Run(ctx context.Context) error {
	subs := []bus.SubscriptionID{
		g.bus.Subscribe(bus.TopicSettingsChanged, g.requestBackup),
		g.bus.Subscribe(bus.TopicCredentialsUpdated, g.requestBackup),
	}
	defer func() {
		for _, id := range subs {
			g.bus.Unsubscribe(id)
		}
	}()

	if err := g.lifecycle.Start(ctx); err != nil {
		return err
	}
	L_info("gateway: running", "owner", g.state.Owner())

	events := g.transport.Events()
	for {
		select {
		case <-ctx.Done():
			L_info("gateway: shutting down")
			g.lifecycle.Stop()
			g.workers.Wait()
			return nil

		case <-g.lifecycle.Done():
			g.workers.Wait()
			_, reason := g.lifecycle.State()
			return fmt.Errorf("%w: %s", ErrTerminated, reason)

		case evt, ok := <-events:
			if !ok {
				L_warn("gateway: transport event stream closed")
				g.lifecycle.Stop()
				g.workers.Wait()
				return nil
			}
			g.dispatch(ctx, evt)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, evt transport.Event) {
	switch e := evt.(type) {
	case transport.ConnectionEvent:
		if e.State == connection.Open {
			g.lifecycle.HandleOpen()
		} else {
			g.lifecycle.HandleClosed(e.Reason)
		}

	case transport.CredentialsEvent:
		g.storeCredentials(ctx, e.Blob)

	case transport.MessageEvent:
		key := e.Sender
		if key == "" {
			key = e.Chat
		}
		g.workers.Submit(key, func() { g.handleMessage(ctx, e) })
	}
}

// handleMessage routes one inbound message: owner commands first, then
// status auto-view, then the responder.
func (g *Gateway) handleMessage(ctx context.Context, msg transport.MessageEvent) {
	m := metrics.GetInstance()
	m.IncrementCounter("gateway", "messages")

	if effect, ok := g.commands.Handle(ctx, msg.Sender, msg.Text); ok {
		m.IncrementCounter("gateway", "commands")
		if effect.Reply != "" {
			g.send(ctx, msg.Chat, effect.Reply)
		}
		return
	}

	if msg.IsBroadcast {
		if g.opts.AutoViewStatus && !msg.IsSelf {
			g.markRead(ctx, msg)
			m.IncrementCounter("gateway", "status_viewed")
		}
		return
	}

	reply, ok := g.responder.MaybeRespond(ctx, responder.Inbound{
		Partner:     msg.Sender,
		Chat:        msg.Chat,
		Text:        msg.Text,
		IsSelf:      msg.IsSelf,
		IsGroup:     msg.IsGroup,
		IsBroadcast: msg.IsBroadcast,
	})
	if ok {
		g.send(ctx, msg.Chat, reply)
	}
}

func (g *Gateway) send(ctx context.Context, chat, text string) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
	defer cancel()
	if err := g.transport.SendText(ctx, chat, text); err != nil {
		L_warn("gateway: send failed", "chat", chat, "error", err)
		metrics.GetInstance().RecordFailure("gateway", "send", "transport")
		return
	}
	metrics.GetInstance().RecordSuccess("gateway", "send")
}

func (g *Gateway) markRead(ctx context.Context, msg transport.MessageEvent) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
	defer cancel()
	if err := g.transport.MarkRead(ctx, msg); err != nil {
		L_debug("gateway: status view failed", "from", msg.Sender, "error", err)
		return
	}
	L_debug("gateway: viewed status", "from", msg.Sender)
}

// storeCredentials persists a credential snapshot, taking one from the
// transport when blob is nil, and schedules a backup.
func (g *Gateway) storeCredentials(ctx context.Context, blob []byte) {
	if blob == nil {
		ctx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
		snap, err := g.transport.Credentials(ctx)
		cancel()
		if err != nil {
			L_warn("gateway: credential snapshot failed", "error", err)
			return
		}
		blob = snap
	}
	if err := g.creds.Update(blob); err != nil {
		L_warn("gateway: credential update failed", "error", err)
		return
	}
	g.bus.Publish(bus.TopicCredentialsUpdated, nil, "gateway")
}

func (g *Gateway) requestBackup(e bus.Event) {
	if g.backups == nil {
		return
	}
	L_debug("gateway: backup requested", "topic", e.Topic, "source", e.Source)
	g.backups.Request()
}

func (g *Gateway) onOpen() {
	g.storeCredentials(context.Background(), nil)

	if !g.opts.NotifyOwnerOnline {
		return
	}
	owner := g.state.Owner()
	if owner == "" || !g.state.ClaimOnlineNotice() {
		return
	}
	go g.send(context.Background(), owner, OnlineNotice)
}

func (g *Gateway) onTerminated(reason connection.Reason) {
	if !g.opts.DiscardOnLogout {
		return
	}
	if reason != connection.ReasonLoggedOut {
		return
	}
	if err := g.creds.Discard(g.opts.LivePath); err != nil {
		L_error("gateway: failed to discard credentials", "error", err)
	}
}
