package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/relaygate/internal/bus"
	"github.com/roelfdiedericks/relaygate/internal/settings"
)

const (
	replyActivated   = "AI replies activated. I'll answer direct chats for you."
	replyDeactivated = "AI replies deactivated. I'm off duty."
	replySaveFailed  = "Couldn't save that setting, try again."
)

// registerBuiltins registers all built-in commands
func registerBuiltins(m *Manager) {
	m.Register(&Command{
		Name:        "activateai",
		Description: "Turn on AI replies to direct chats",
		Aliases:     []string{"activate"},
		Handler:     setAI(true, replyActivated),
	})

	m.Register(&Command{
		Name:        "deactivate",
		Description: "Turn off AI replies",
		Handler:     setAI(false, replyDeactivated),
	})

	m.Register(&Command{
		Name:        "status",
		Description: "Show whether AI replies are on",
		Handler:     handleStatus,
	})

	m.Register(&Command{
		Name:        "help",
		Description: "List commands",
		Handler:     m.handleHelp,
	})
}

// setAI flips aiActive, publishing the change so a backup is scheduled.
func setAI(active bool, reply string) CommandHandler {
	return func(ctx context.Context, args *CommandArgs) Effect {
		changed, err := args.Env.Settings.SetBool(settings.KeyAIActive, active)
		if err != nil {
			return Effect{Reply: replySaveFailed, Err: err}
		}
		if changed && args.Env.Publisher != nil {
			args.Env.Publisher.Publish(bus.TopicSettingsChanged,
				map[string]bool{settings.KeyAIActive: active}, "command")
		}
		return Effect{Reply: reply, Changed: changed}
	}
}

func handleStatus(ctx context.Context, args *CommandArgs) Effect {
	state := "off"
	if args.Env.Settings.Bool(settings.KeyAIActive) {
		state = "on"
	}
	return Effect{Reply: fmt.Sprintf("AI replies are %s.", state)}
}

func (m *Manager) handleHelp(ctx context.Context, args *CommandArgs) Effect {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, cmd := range m.List() {
		sb.WriteString(fmt.Sprintf("%s%s - %s\n", args.Env.Prefix, cmd.Name, cmd.Description))
	}
	return Effect{Reply: strings.TrimSpace(sb.String())}
}
