package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultDeviceID is the device index of an account's primary device.
const DefaultDeviceID uint32 = 1

// Address identifies one device of a remote (or local) protocol account.
type Address struct {
	Name     string `json:"name"`
	DeviceID uint32 `json:"device_id"`
}

func (a Address) String() string { return fmt.Sprintf("%s.%d", a.Name, a.DeviceID) }

// ContentType mirrors the event kinds a flow can react to.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentPayload     ContentType = "payload"
	ContentFile        ContentType = "file"
	ContentImage       ContentType = "image"
	ContentAudio       ContentType = "audio"
	ContentVideo       ContentType = "video"
	ContentURL         ContentType = "url"
	ContentFlowTrigger ContentType = "flow_trigger"
)

type Content struct {
	Type    ContentType `json:"content_type"`
	Text    string      `json:"text,omitempty"`
	Payload string      `json:"payload,omitempty"`
	URL     string      `json:"url,omitempty"`
	FlowID  string      `json:"flow_id,omitempty"`
}

// Rendered is the message text sent for c: its text, else its url, else its
// payload.
func (c Content) Rendered() string {
	switch {
	case c.Text != "":
		return c.Text
	case c.URL != "":
		return c.URL
	default:
		return c.Payload
	}
}

// InboundEvent is a decrypted message handed over by a transport.
type InboundEvent struct {
	ChannelID string    `json:"channel_id"`
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	Sender    Address   `json:"sender"`
	GroupID   string    `json:"group_id,omitempty"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationKey is the per-conversation user key: the sender for direct
// messages, the group for group messages.
func (e InboundEvent) ConversationKey() string {
	if e.GroupID != "" {
		return "group:" + e.GroupID
	}
	return e.Sender.Name
}

// Reply returns the recipient a response to e should go to.
func (e InboundEvent) Reply() Recipient {
	if e.GroupID != "" {
		return Recipient{Group: e.GroupID}
	}
	return Recipient{Contact: e.Sender.Name}
}

// Recipient is either a contact service id or a hex-encoded 32-byte group
// master key.
type Recipient struct {
	Contact string `json:"contact,omitempty"`
	Group   string `json:"group,omitempty"`
}

func (r Recipient) Validate() error {
	switch {
	case r.Contact != "" && r.Group != "":
		return fmt.Errorf("recipient must be a contact or a group, not both")
	case r.Contact != "":
		return nil
	case r.Group != "":
		key, err := hex.DecodeString(r.Group)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("group master key must be 32 hex-encoded bytes")
		}
		return nil
	}
	return fmt.Errorf("recipient is empty")
}

func (r Recipient) String() string {
	if r.Group != "" {
		return "group:" + r.Group
	}
	return r.Contact
}

// ParseRecipient accepts "group:<hex>" or a bare contact id.
func ParseRecipient(s string) (Recipient, error) {
	var r Recipient
	if g, ok := strings.CutPrefix(s, "group:"); ok {
		r.Group = g
	} else {
		r.Contact = s
	}
	return r, r.Validate()
}
