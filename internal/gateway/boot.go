package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/relaygate/internal/backup"
	"github.com/roelfdiedericks/relaygate/internal/bus"
	"github.com/roelfdiedericks/relaygate/internal/channels/whatsapp"
	"github.com/roelfdiedericks/relaygate/internal/config"
	"github.com/roelfdiedericks/relaygate/internal/connection"
	"github.com/roelfdiedericks/relaygate/internal/credentials"
	"github.com/roelfdiedericks/relaygate/internal/llm"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/metrics"
	"github.com/roelfdiedericks/relaygate/internal/paths"
	"github.com/roelfdiedericks/relaygate/internal/responder"
	"github.com/roelfdiedericks/relaygate/internal/settings"
)

// Restorer is the startup half of the backup synchronizer.
type Restorer interface {
	InitializeRemote(ctx context.Context) error
	RestoreFromMirror(ctx context.Context) (int, error)
}

// Prepare brings local state up to date before the transport opens:
// mirror restore, then $SESSION_ID when no credential is persisted, then
// settings, then seeding the live store. Only local storage failures are
// returned; remote trouble is logged and boot continues with local state.
// The clone or pull is bounded by remoteTimeout.
func Prepare(ctx context.Context, restorer Restorer, remoteTimeout time.Duration, creds *credentials.Store, store *settings.Store, sessionID, livePath string) error {
	if restorer != nil {
		if remoteTimeout <= 0 {
			remoteTimeout = time.Minute
		}
		remoteCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
		err := restorer.InitializeRemote(remoteCtx)
		cancel()
		if err != nil {
			L_warn("gateway: remote backup unavailable, continuing with local state", "error", err)
		}
		if !errors.Is(err, backup.ErrCloneFailed) {
			if n, err := restorer.RestoreFromMirror(ctx); err != nil {
				L_warn("gateway: restore from backup incomplete", "error", err)
			} else if n > 0 {
				L_info("gateway: restored from backup", "files", n)
			}
		}
	}

	if !creds.Exists() && sessionID != "" {
		if err := creds.Restore(sessionID); err != nil {
			L_error("gateway: SESSION_ID rejected", "error", err)
		}
	}

	if err := store.Load(); err != nil {
		L_warn("gateway: settings unreadable, using defaults", "error", err)
	}

	if _, err := creds.Seed(livePath); err != nil {
		return err
	}
	return nil
}

// Runtime is a booted gateway with its production collaborators.
type Runtime struct {
	Config  *config.Config
	Gateway *Gateway

	client   *whatsapp.Client
	queue    *backup.Queue
	schedule *backup.Schedule
}

// Boot builds the production gateway from cfg.
func Boot(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	layout := paths.NewLayout(cfg.DataDir)
	if err := paths.EnsureDir(layout.Root); err != nil {
		return nil, err
	}

	creds := credentials.New(layout.Credentials())
	store := settings.New(layout.Settings())

	ai, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	L_info("gateway: AI provider ready", "provider", ai.Name())

	var syncer *backup.Synchronizer
	if cfg.BackupEnabled() {
		git := backup.NewGitStore(backup.GitConfig{
			Dir:       layout.Mirror(),
			Remote:    cfg.Backup.Remote,
			Token:     cfg.Backup.Token,
			UserName:  cfg.Backup.UserName,
			UserEmail: cfg.Backup.UserEmail,
		})
		syncer = backup.NewSynchronizer(git, creds, ai, backup.Options{
			CredentialsPath: layout.Credentials(),
			SettingsPath:    layout.Settings(),
			LabelPrompt:     cfg.Backup.LabelPrompt,
			DefaultLabel:    cfg.Backup.DefaultLabel,
			LabelTimeout:    config.Duration(cfg.Backup.LabelTimeout, 10*time.Second),
		})
	} else {
		L_info("gateway: remote backup disabled")
	}

	var restorer Restorer
	if syncer != nil {
		restorer = syncer
	}
	remoteTimeout := config.Duration(cfg.Backup.Timeout, time.Minute)
	if err := Prepare(ctx, restorer, remoteTimeout, creds, store, cfg.SessionID, layout.LiveStore()); err != nil {
		return nil, err
	}

	client, err := whatsapp.New(ctx, layout.LiveStore())
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, client: client}

	var backups BackupRequester
	if syncer != nil {
		rt.queue = backup.NewQueue(syncer.CaptureAndPublish, remoteTimeout)
		backups = rt.queue

		if cfg.ScheduleEnabled() {
			rt.schedule, err = backup.NewSchedule(cfg.Backup.Schedule, config.Duration(cfg.SendTimeout, 15*time.Second), client.Credentials, creds, rt.queue)
			if err != nil {
				rt.Close()
				return nil, err
			}
		}
	}

	state := NewState(store, cfg.Owner, client.SelfID)
	rt.Gateway = New(state, creds, client, ai, backups, bus.New(), Options{
		SendTimeout:       config.Duration(cfg.SendTimeout, 15*time.Second),
		AutoViewStatus:    config.IsSet(cfg.WhatsApp.AutoViewStatus, true),
		NotifyOwnerOnline: config.IsSet(cfg.WhatsApp.NotifyOwnerOnline, true),
		DiscardOnLogout:   config.IsSet(cfg.Connection.DiscardOnLogout, true),
		LivePath:          layout.LiveStore(),
		Window:            cfg.Context.Window,
		Prefix:            cfg.Commands.Prefix,
		Connect: connection.Options{
			ReconnectDelay:    config.Duration(cfg.Connection.ReconnectDelay, 5*time.Second),
			MaxReconnectDelay: config.Duration(cfg.Connection.MaxReconnectDelay, 5*time.Second),
		},
		Responder: responder.Options{
			Persona:          cfg.Responder.Persona,
			Fallback:         cfg.Responder.Fallback,
			Timeout:          config.Duration(cfg.Responder.Timeout, 30*time.Second),
			RepliesPerMinute: cfg.Responder.ReplyRate(),
			Burst:            cfg.Responder.Burst,
		},
	})
	return rt, nil
}

// Run serves until ctx ends or the session terminates, then releases
// everything Boot opened.
func (r *Runtime) Run(ctx context.Context) error {
	if r.schedule != nil {
		r.schedule.Start()
	}
	err := r.Gateway.Run(ctx)
	r.Close()
	return err
}

// Close stops background work and the transport.
func (r *Runtime) Close() {
	if r.schedule != nil {
		r.schedule.Stop()
	}
	if r.queue != nil {
		r.queue.Close()
	}
	if r.client != nil {
		if err := r.client.Close(); err != nil {
			L_debug("gateway: closing store", "error", err)
		}
	}
	if summary := metrics.GetInstance().Summary(); summary != "" {
		L_info("gateway: metrics\n" + summary)
	}
}
