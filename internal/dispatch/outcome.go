package dispatch

import (
	"bitpart/internal/domain"
)

// State is where a message ended up.
type State string

const (
	StateReceived     State = "received"
	StateDiscarded    State = "discarded"
	StateRouted       State = "routed"
	StateInterpreted  State = "interpreted"
	StateApplied      State = "applied"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
)

// ActionStatus is the result of applying one action.
type ActionStatus string

const (
	ActionOK      ActionStatus = "ok"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

type ActionResult struct {
	Action domain.Action
	Status ActionStatus
	// MessageID is set for delivered sends.
	MessageID string
	Err       error
}

// Outcome describes how Handle processed one event.
type Outcome struct {
	State  State
	BotID  string
	UserID string
	// Reason says why a message was discarded, e.g. domain.ErrDuplicateMessage.
	Reason  error
	Actions []domain.Action
	Results []ActionResult
	// Retryable is set on failed outcomes whose message stays
	// unacknowledged, so a redelivery is processed again.
	Retryable bool
	Err       error
}

// Failed returns the results that did not succeed.
func (o Outcome) Failed() []ActionResult {
	var out []ActionResult
	for _, r := range o.Results {
		if r.Status == ActionFailed {
			out = append(out, r)
		}
	}
	return out
}
