package connection

// Reason explains why a session closed.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNetwork       Reason = "network"
	ReasonTimeout       Reason = "timeout"
	ReasonServerRestart Reason = "server_restart"
	ReasonStreamError   Reason = "stream_error"
	ReasonUnknown       Reason = "unknown"

	ReasonLoggedOut      Reason = "logged_out"
	ReasonBadSession     Reason = "bad_session"
	ReasonReplaced       Reason = "replaced"
	ReasonBanned         Reason = "banned"
	ReasonClientOutdated Reason = "client_outdated"
)

// Class groups reasons by whether reconnecting can help.
type Class int

const (
	Recoverable Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "recoverable"
}

// Classify maps a reason to its class. Unrecognised reasons are recoverable.
func Classify(r Reason) Class {
	switch r {
	case ReasonLoggedOut, ReasonBadSession, ReasonReplaced, ReasonBanned, ReasonClientOutdated:
		return Terminal
	default:
		return Recoverable
	}
}
