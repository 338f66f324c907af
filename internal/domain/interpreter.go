package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// SecurityLevel is surfaced to the interpreter as part of the event metadata.
type SecurityLevel string

const (
	SecurityEncrypted  SecurityLevel = "encrypted"
	SecurityUnverified SecurityLevel = "unverified"
)

func (l SecurityLevel) Valid() bool {
	return l == SecurityEncrypted || l == SecurityUnverified
}

// Metadata accompanies every interpreter invocation.
type Metadata struct {
	SecurityLevel SecurityLevel `json:"security_level"`
	Secure        bool          `json:"secure"`
	ChannelID     string        `json:"channel_id"`
	Account       string        `json:"account"`
	Sender        string        `json:"sender"`
	SenderDevice  uint32        `json:"sender_device"`
	GroupID       string        `json:"group_id,omitempty"`
}

// Request is the input of one interpreter invocation.
type Request struct {
	BotID        string           `json:"bot_id"`
	VersionID    string           `json:"version_id"`
	Bot          json.RawMessage  `json:"bot"`
	UserID       string           `json:"user_id"`
	Event        Content          `json:"event"`
	Memory       map[string]Value `json:"memory"`
	Conversation *Conversation    `json:"conversation,omitempty"`
	Metadata     Metadata         `json:"metadata"`
}

type ActionType string

const (
	ActionSend            ActionType = "send"
	ActionSetMemory       ActionType = "set_memory"
	ActionDeleteMemory    ActionType = "delete_memory"
	ActionForgetAll       ActionType = "forget_all"
	ActionHold            ActionType = "hold"
	ActionGoto            ActionType = "goto"
	ActionEndConversation ActionType = "end_conversation"
)

// Action is one side effect requested by the interpreter. Which fields are
// set depends on Type.
type Action struct {
	Type    ActionType      `json:"type"`
	Content *Content        `json:"content,omitempty"`
	To      *Recipient      `json:"to,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   *Value          `json:"value,omitempty"`
	FlowID  string          `json:"flow_id,omitempty"`
	StepID  string          `json:"step_id,omitempty"`
	Hold    json.RawMessage `json:"hold,omitempty"`
}

func (a Action) Validate() error {
	switch a.Type {
	case ActionSend:
		if a.Content == nil {
			return fmt.Errorf("send action without content")
		}
		if a.Content.Rendered() == "" {
			return fmt.Errorf("send action with empty text")
		}
		if a.To != nil {
			return a.To.Validate()
		}
	case ActionSetMemory:
		if a.Key == "" || a.Value == nil {
			return fmt.Errorf("set_memory action needs key and value")
		}
		return a.Value.Validate()
	case ActionDeleteMemory:
		if a.Key == "" {
			return fmt.Errorf("delete_memory action needs a key")
		}
	case ActionGoto:
		if a.FlowID == "" && a.StepID == "" {
			return fmt.Errorf("goto action needs a flow or step")
		}
	case ActionForgetAll, ActionHold, ActionEndConversation:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

type Result struct {
	Actions []Action `json:"actions"`
}

// Interpreter executes a bot's flow for one event.
type Interpreter interface {
	Interpret(ctx context.Context, req Request) (Result, error)
}
