package control

import (
	"encoding/json"
	"fmt"
)

// Message types of the control socket. Requests use the command names;
// replies are MessageResponse or MessageError.
const (
	MessageListBots      = "ListBots"
	MessageCreateBot     = "CreateBot"
	MessageReadBot       = "ReadBot"
	MessageBotVersions   = "BotVersions"
	MessageRollbackBot   = "RollbackBot"
	MessageDeleteBot     = "DeleteBot"
	MessageCreateChannel = "CreateChannel"
	MessageReadChannel   = "ReadChannel"
	MessageListChannels  = "ListChannels"
	MessageDeleteChannel = "DeleteChannel"
	MessageLinkChannel   = "LinkChannel"
	MessageSendMessage   = "SendMessage"
	MessageChatRequest   = "ChatRequest"

	MessageResponse = "Response"
	MessageError    = "Error"
)

// Envelope is one frame on the control socket.
type Envelope struct {
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Response is the data of a reply. For errors Response holds an ErrorBody.
type Response struct {
	ResponseType string `json:"response_type"`
	Response     any    `json:"response"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Paginate bounds list replies. Zero values mean no limit / from the start.
type Paginate struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type BotRequest struct {
	ID string `json:"id"`
}

type BotVersionsRequest struct {
	ID      string    `json:"id"`
	Options *Paginate `json:"options,omitempty"`
}

type RollbackRequest struct {
	ID        string `json:"id"`
	VersionID string `json:"version_id"`
}

type CreateChannelRequest struct {
	BotID   string `json:"bot_id"`
	Account string `json:"account"`
	Kind    string `json:"kind,omitempty"`
}

type ChannelRequest struct {
	ID string `json:"id"`
}

type ListChannelsRequest struct {
	BotID string `json:"bot_id,omitempty"`
	Paginate
}

type LinkChannelRequest struct {
	ID         string `json:"id"`
	DeviceName string `json:"device_name,omitempty"`
}

type SendMessageRequest struct {
	BotID     string `json:"bot_id"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type ChatRequest struct {
	BotID  string `json:"bot_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// NewRequest builds a request envelope.
func NewRequest(messageType string, data any) (Envelope, error) {
	env := Envelope{MessageType: messageType}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("encode %s: %w", messageType, err)
	}
	env.Data = raw
	return env, nil
}

// RemoteError is an Error reply decoded by a client.
type RemoteError struct {
	ResponseType string
	ErrorBody
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.ResponseType, e.Kind, e.Message)
}

// DecodeReply returns the response payload of a reply envelope, or a
// *RemoteError for Error replies.
func DecodeReply(env Envelope) (json.RawMessage, error) {
	var reply struct {
		ResponseType string          `json:"response_type"`
		Response     json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	switch env.MessageType {
	case MessageResponse:
		return reply.Response, nil
	case MessageError:
		re := &RemoteError{ResponseType: reply.ResponseType}
		if err := json.Unmarshal(reply.Response, &re.ErrorBody); err != nil {
			return nil, fmt.Errorf("decode error reply: %w", err)
		}
		return nil, re
	}
	return nil, fmt.Errorf("unexpected message type %q", env.MessageType)
}

// page applies p to items.
func page[T any](items []T, p Paginate) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return []T{}
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	if items == nil {
		return []T{}
	}
	return items
}
