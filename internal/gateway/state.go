package gateway

import (
	"sync/atomic"

	"github.com/roelfdiedericks/relaygate/internal/settings"
	"github.com/roelfdiedericks/relaygate/internal/transport"
)

// State is the process-scoped mutable state handlers act on. Tests build
// isolated instances; nothing here is package-global.
type State struct {
	Settings *settings.Store

	owner  string
	selfID func() string

	onlineNotified atomic.Bool
}

// NewState creates process state. owner is the configured owner address; when
// empty the paired account itself (selfID) is the owner.
func NewState(store *settings.Store, owner string, selfID func() string) *State {
	return &State{
		Settings: store,
		owner:    transport.UserPart(owner),
		selfID:   selfID,
	}
}

// Owner returns the owner's normalized identifier, or "" while unknown.
func (s *State) Owner() string {
	if s.owner != "" {
		return s.owner
	}
	if s.selfID == nil {
		return ""
	}
	return transport.UserPart(s.selfID())
}

// ClaimOnlineNotice reports true exactly once per State.
func (s *State) ClaimOnlineNotice() bool {
	return s.onlineNotified.CompareAndSwap(false, true)
}
