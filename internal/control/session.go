package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"bitpart/internal/domain"
	"bitpart/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Credentials are checked before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) serveSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("control upgrade failed", "err", err)
		return
	}
	subject := SubjectFromContext(c)
	ctx := c.Request.Context()
	metrics.ControlSessions.Inc()
	s.logger.Info("control session opened", "subject", subject, "remote", c.Request.RemoteAddr)

	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		metrics.ControlSessions.Dec()
		s.logger.Info("control session closed", "subject", subject)
	}()
	// Unblock the read loop on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("control read failed", "err", err)
			}
			return
		}
		var out Envelope
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			out = errorReply("SocketMessage", domain.E(domain.KindInvalid, "decode envelope", err))
		} else {
			s.logger.Debug("control command", "subject", subject, "type", env.MessageType)
			out = s.Handle(ctx, env)
		}
		if err := conn.WriteJSON(out); err != nil {
			s.logger.Warn("control write failed", "err", err)
			return
		}
	}
}

// Handle executes one command and returns its reply.
func (s *Server) Handle(ctx context.Context, env Envelope) Envelope {
	res, err := s.execute(ctx, env)
	if err != nil {
		if domain.KindOf(err) != domain.KindNotFound && domain.KindOf(err) != domain.KindInvalid {
			s.logger.Error("control command failed", "type", env.MessageType, "err", err)
		}
		return errorReply(env.MessageType, err)
	}
	return reply(MessageResponse, Response{ResponseType: env.MessageType, Response: res})
}

func reply(messageType string, body Response) Envelope {
	raw, err := json.Marshal(body)
	if err != nil {
		raw, _ = json.Marshal(Response{
			ResponseType: body.ResponseType,
			Response:     ErrorBody{Kind: domain.KindUnknown.String(), Message: err.Error()},
		})
		messageType = MessageError
	}
	return Envelope{MessageType: messageType, Data: raw}
}

func errorReply(responseType string, err error) Envelope {
	return reply(MessageError, Response{
		ResponseType: responseType,
		Response:     ErrorBody{Kind: domain.KindOf(err).String(), Message: err.Error()},
	})
}

// decode unmarshals the command data into v. Empty data leaves v zero.
func decode(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return domain.E(domain.KindInvalid, env.MessageType, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func required(op string, fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return domain.E(domain.KindInvalid, op, fmt.Errorf("%s is required", fields[i]))
		}
	}
	return nil
}

// ChannelView is the ReadChannel reply.
type ChannelView struct {
	domain.Channel
	Devices []domain.Device `json:"devices"`
	Running []uint32        `json:"running"`
}

func (s *Server) execute(ctx context.Context, env Envelope) (any, error) {
	op := env.MessageType
	switch op {
	case MessageListBots:
		var p Paginate
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return s.bots.List(ctx, p.Limit, p.Offset)

	case MessageCreateBot:
		var cfg domain.BotConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, domain.E(domain.KindInvalid, op, err)
		}
		id := cfg.ID
		if id == "" {
			var err error
			if id, err = s.bots.Add(ctx, cfg); err != nil {
				return nil, err
			}
		} else if _, err := s.bots.Put(ctx, cfg); err != nil {
			return nil, err
		}
		return s.bots.Get(ctx, id)

	case MessageReadBot:
		var req BotRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID); err != nil {
			return nil, err
		}
		return s.bots.Get(ctx, req.ID)

	case MessageBotVersions:
		var req BotVersionsRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID); err != nil {
			return nil, err
		}
		versions, err := s.bots.Versions(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if req.Options != nil {
			versions = page(versions, *req.Options)
		}
		return versions, nil

	case MessageRollbackBot:
		var req RollbackRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID, "version_id", req.VersionID); err != nil {
			return nil, err
		}
		if err := s.bots.Rollback(ctx, req.ID, req.VersionID); err != nil {
			return nil, err
		}
		return s.bots.Get(ctx, req.ID)

	case MessageDeleteBot:
		var req BotRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID); err != nil {
			return nil, err
		}
		if err := s.bots.Remove(ctx, req.ID); err != nil {
			return nil, err
		}
		return gin.H{"deleted": req.ID}, nil

	case MessageCreateChannel:
		var req CreateChannelRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "bot_id", req.BotID, "account", req.Account); err != nil {
			return nil, err
		}
		return s.channels.Create(ctx, req.BotID, req.Kind, req.Account)

	case MessageReadChannel:
		var req ChannelRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID); err != nil {
			return nil, err
		}
		ch, err := s.channels.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		devices, err := s.channels.Devices(ctx, ch.Account)
		if err != nil {
			return nil, err
		}
		running := s.channels.Running(ch.Account)
		if running == nil {
			running = []uint32{}
		}
		if devices == nil {
			devices = []domain.Device{}
		}
		return ChannelView{Channel: ch, Devices: devices, Running: running}, nil

	case MessageListChannels:
		var req ListChannelsRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		channels, err := s.channels.List(ctx, req.BotID)
		if err != nil {
			return nil, err
		}
		return page(channels, req.Paginate), nil

	case MessageDeleteChannel:
		var req ChannelRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID); err != nil {
			return nil, err
		}
		if err := s.channels.Delete(ctx, req.ID); err != nil {
			return nil, err
		}
		return gin.H{"deleted": req.ID}, nil

	case MessageLinkChannel:
		var req LinkChannelRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "id", req.ID); err != nil {
			return nil, err
		}
		url, err := s.channels.Link(ctx, req.ID, req.DeviceName)
		if err != nil {
			return nil, err
		}
		return gin.H{"url": url}, nil

	case MessageSendMessage:
		var req SendMessageRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "bot_id", req.BotID, "recipient", req.Recipient, "text", req.Text); err != nil {
			return nil, err
		}
		id, err := s.messenger.SendMessage(ctx, req.BotID, req.Recipient, req.Text)
		if err != nil {
			return nil, err
		}
		return gin.H{"message_id": id}, nil

	case MessageChatRequest:
		var req ChatRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := required(op, "bot_id", req.BotID, "user_id", req.UserID); err != nil {
			return nil, err
		}
		actions, err := s.messenger.Chat(ctx, req.BotID, req.UserID, req.Text)
		if err != nil {
			return nil, err
		}
		if actions == nil {
			actions = []domain.Action{}
		}
		return gin.H{"actions": actions}, nil
	}
	return nil, domain.E(domain.KindInvalid, "control", fmt.Errorf("unknown message type %q", op))
}
