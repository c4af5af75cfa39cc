package dispatch

import "github.com/nicebartender/switchboard/chat"

// SignalKind enumerates the engine's observability signals. They are
// consumed for logging and metrics, not required for correctness.
type SignalKind string

const (
	SignalOpen     SignalKind = "open"
	SignalFound    SignalKind = "found"
	SignalMiss     SignalKind = "miss"
	SignalStatus   SignalKind = "chat.status"
	SignalTransfer SignalKind = "transfer"
)

// Signal is one engine lifecycle notification.
type Signal struct {
	Kind     SignalKind
	Chat     chat.Chat
	Operator string      // found/transfer: the operator involved
	Status   chat.Status // chat.status only
	Err      error       // miss only
}
