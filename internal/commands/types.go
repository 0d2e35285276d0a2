package commands

import "context"

// Settings is the durable switch store commands mutate.
type Settings interface {
	Bool(key string) bool
	SetBool(key string, value bool) (bool, error)
}

// Publisher announces state changes. bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, data any, source string)
}

// Command represents an owner chat command
type Command struct {
	Name        string   // e.g., "activateai"
	Description string   // e.g., "Turn on AI replies"
	Aliases     []string // e.g., ["activate"]
	Handler     CommandHandler
}

// CommandHandler is the function signature for command handlers
type CommandHandler func(ctx context.Context, args *CommandArgs) Effect

// CommandArgs contains the arguments passed to a command handler
type CommandArgs struct {
	Sender  string // normalized sender identifier
	RawArgs string // everything after the command name
	Env     *Env
}

// Env is what command handlers act on.
type Env struct {
	Settings  Settings
	Publisher Publisher
	Prefix    string
}

// Effect is the outcome of a command. A zero Effect means nothing happened.
type Effect struct {
	Reply   string // acknowledgement sent back to the chat ("" = none)
	Changed bool   // a setting was mutated
	Err     error  // mutation failed; Reply carries the user-facing text
}
