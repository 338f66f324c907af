package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// BotConfig is a bot definition as submitted by an operator.
type BotConfig struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	DefaultFlow   string          `json:"default_flow" yaml:"default_flow"`
	Flows         json.RawMessage `json:"flows,omitempty" yaml:"-"`
	SecurityLevel SecurityLevel   `json:"security_level,omitempty" yaml:"security_level"`
	EngineVersion string          `json:"engine_version,omitempty" yaml:"engine_version"`
}

func (c BotConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("bot name is required")
	}
	if c.DefaultFlow == "" {
		return fmt.Errorf("bot default_flow is required")
	}
	if c.SecurityLevel != "" && !c.SecurityLevel.Valid() {
		return fmt.Errorf("bot security_level must be %q or %q", SecurityEncrypted, SecurityUnverified)
	}
	return nil
}

// Bot is the live (latest) version of a bot.
type Bot struct {
	BotConfig
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BotVersion struct {
	VersionID     string    `json:"version_id"`
	BotID         string    `json:"bot_id"`
	EngineVersion string    `json:"engine_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Channel binds one protocol account to one bot.
type Channel struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Kind      string    `json:"kind"`
	Account   string    `json:"account"`
	CreatedAt time.Time `json:"created_at"`
}

type DeviceState string

const (
	DevicePending DeviceState = "pending"
	DeviceLinked  DeviceState = "linked"
	DeviceActive  DeviceState = "active"
)

type Device struct {
	Account   string      `json:"account"`
	DeviceID  uint32      `json:"device_id"`
	Name      string      `json:"name"`
	State     DeviceState `json:"state"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation tracks where a user is in a bot's flow.
type Conversation struct {
	ID        string             `json:"id"`
	BotID     string             `json:"bot_id"`
	ChannelID string             `json:"channel_id"`
	UserID    string             `json:"user_id"`
	FlowID    string             `json:"flow_id"`
	StepID    string             `json:"step_id"`
	Status    ConversationStatus `json:"status"`
	Hold      json.RawMessage    `json:"hold,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}
