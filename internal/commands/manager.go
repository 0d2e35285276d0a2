// Package commands dispatches owner chat commands such as ".activateai".
// Only the owner can run commands; the same text from anyone else is an
// ordinary message.
package commands

import (
	"context"
	"sort"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// OwnerFunc returns the owner's normalized identifier ("" while unknown).
type OwnerFunc func() string

// Manager is the command registry and dispatcher
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name (lowercase)

	owner OwnerFunc
	env   *Env
}

// NewManager creates a dispatcher with the built-in commands registered.
func NewManager(owner OwnerFunc, settings Settings, publisher Publisher, prefix string) *Manager {
	if prefix == "" {
		prefix = "."
	}
	m := &Manager{
		commands: make(map[string]*Command),
		owner:    owner,
		env:      &Env{Settings: settings, Publisher: publisher, Prefix: prefix},
	}
	registerBuiltins(m)
	return m
}

// Register adds a command to the manager
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[strings.ToLower(cmd.Name)] = cmd
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name (or alias)
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all unique commands (no aliases), sorted by name
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// IsCommand checks if text is shaped like a command
func (m *Manager) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), m.env.Prefix)
}

// Handle dispatches text from sender. It reports false when the message is
// not an owner command, in which case it must be treated as ordinary chat.
// Unknown owner commands are consumed with a zero Effect.
func (m *Manager) Handle(ctx context.Context, sender, text string) (Effect, bool) {
	if !m.IsCommand(text) {
		return Effect{}, false
	}
	owner := m.owner()
	if owner == "" || sender != owner {
		L_trace("commands: ignoring command from non-owner", "sender", sender)
		return Effect{}, false
	}

	body := strings.TrimPrefix(strings.TrimSpace(text), m.env.Prefix)
	name, rawArgs, _ := strings.Cut(body, " ")

	cmd := m.Get(name)
	if cmd == nil {
		L_debug("commands: unknown command", "name", name)
		return Effect{}, true
	}

	L_info("commands: executing", "command", cmd.Name)
	effect := cmd.Handler(ctx, &CommandArgs{
		Sender:  sender,
		RawArgs: strings.TrimSpace(rawArgs),
		Env:     m.env,
	})
	if effect.Err != nil {
		L_error("commands: command failed", "command", cmd.Name, "error", effect.Err)
	}
	return effect, true
}
