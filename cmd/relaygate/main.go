package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/relaygate/internal/channels/whatsapp"
	"github.com/roelfdiedericks/relaygate/internal/config"
	"github.com/roelfdiedericks/relaygate/internal/credentials"
	"github.com/roelfdiedericks/relaygate/internal/gateway"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/paths"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Config file (default: ./relaygate.json, then the data dir)." short:"c" type:"path"`
	Debug  bool   `help:"Enable debug logging."`
}

func (g *Globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	level := ParseLevel(cfg.LogLevel)
	if g.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level})
	if cfg.Path != "" {
		L_debug("config loaded", "path", cfg.Path)
	}
	return cfg, nil
}

type CLI struct {
	Globals

	Gateway  GatewayCmd  `cmd:"" help:"Run the gateway."`
	WhatsApp WhatsAppCmd `cmd:"" name:"whatsapp" help:"Manage the WhatsApp device link."`
	Session  SessionCmd  `cmd:"" help:"Export or restore session credentials."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

type GatewayCmd struct{}

func (c *GatewayCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	L_info("relaygate %s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := gateway.Boot(ctx, cfg)
	if err != nil {
		return err
	}
	err = rt.Run(ctx)
	if errors.Is(err, gateway.ErrTerminated) {
		L_error("session ended permanently, re-link with 'relaygate whatsapp link'", "error", err)
	}
	return err
}

type WhatsAppCmd struct {
	Link   WhatsAppLinkCmd   `cmd:"" help:"Pair a new device by QR code."`
	Unlink WhatsAppUnlinkCmd `cmd:"" help:"Remove the paired device."`
	Status WhatsAppStatusCmd `cmd:"" help:"Show pairing status."`
}

type WhatsAppLinkCmd struct{}

func (c *WhatsAppLinkCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return whatsapp.LinkDevice(ctx, paths.NewLayout(cfg.DataDir).LiveStore(), os.Stdout)
}

type WhatsAppUnlinkCmd struct {
	Purge bool `help:"Also delete the persisted credential copy."`
}

func (c *WhatsAppUnlinkCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	layout := paths.NewLayout(cfg.DataDir)
	if err := whatsapp.UnlinkDevice(context.Background(), layout.LiveStore(), os.Stdout); err != nil {
		return err
	}
	if c.Purge {
		return credentials.New(layout.Credentials()).Discard(layout.LiveStore())
	}
	return nil
}

type WhatsAppStatusCmd struct{}

func (c *WhatsAppStatusCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	layout := paths.NewLayout(cfg.DataDir)
	if err := whatsapp.DeviceStatus(context.Background(), layout.LiveStore(), os.Stdout); err != nil {
		return err
	}
	creds := credentials.New(layout.Credentials())
	if !creds.Exists() {
		fmt.Println("Persisted credentials: none")
	} else if err := credentials.Validate(creds.Path()); err != nil {
		fmt.Printf("Persisted credentials: invalid (%v)\n", err)
	} else {
		fmt.Println("Persisted credentials: valid")
	}
	return nil
}

type SessionCmd struct {
	Export  SessionExportCmd  `cmd:"" help:"Print the persisted credentials as a SESSION_ID string."`
	Restore SessionRestoreCmd `cmd:"" help:"Install credentials from a SESSION_ID string."`
}

type SessionExportCmd struct{}

func (c *SessionExportCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	encoded, err := credentials.New(paths.NewLayout(cfg.DataDir).Credentials()).Export()
	if err != nil {
		return err
	}
	fmt.Println(encoded)
	return nil
}

type SessionRestoreCmd struct {
	Session string `arg:"" optional:"" help:"Encoded session; read from stdin when omitted or '-'."`
}

func (c *SessionRestoreCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	encoded := c.Session
	if encoded == "" || encoded == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}

	layout := paths.NewLayout(cfg.DataDir)
	store := credentials.New(layout.Credentials())
	if err := store.Restore(encoded); err != nil {
		return err
	}
	// Make the restored copy win over any existing live store at next boot
	if err := os.Remove(layout.LiveStore()); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Println("Session restored.")
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("relaygate %s\n", version)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("relaygate"),
		kong.Description("WhatsApp session gateway with AI replies and git-backed session backup."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		L_error("%v", err)
		os.Exit(1)
	}
}
