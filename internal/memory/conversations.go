package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/storage"

	"github.com/google/uuid"
)

// Conversations tracks the flow position of each (bot, channel, user). At
// most one conversation per triple is open.
type Conversations struct {
	db *storage.DB
}

func NewConversations(db *storage.DB) *Conversations {
	return &Conversations{db: db}
}

func (c *Conversations) userKey(bot, user string) string {
	return userKey(c.db.Cipher(), bot, user)
}

// Current returns the open conversation of user, or nil.
func (c *Conversations) Current(ctx context.Context, bot, channel, user string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var hold []byte
	var updated int64
	err := c.db.SQL().QueryRowContext(ctx, `
		SELECT id, flow_id, step_id, status, hold, updated_at FROM conversations
		WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`,
		bot, channel, c.userKey(bot, user), string(domain.ConversationOpen),
	).Scan(&conv.ID, &conv.FlowID, &conv.StepID, &conv.Status, &hold, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load conversation", err)
	}
	if len(hold) > 0 {
		conv.Hold, err = c.db.Cipher().Open(hold, storage.AAD("conversations", conv.ID))
		if err != nil {
			return nil, wrap("load conversation", err)
		}
	}
	conv.BotID, conv.ChannelID, conv.UserID = bot, channel, user
	conv.UpdatedAt = storage.FromMillis(updated)
	return &conv, nil
}

// Open starts a new conversation at flow/step, closing any open one.
func (c *Conversations) Open(ctx context.Context, bot, channel, user, flow, step string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		BotID:     bot,
		ChannelID: channel,
		UserID:    user,
		FlowID:    flow,
		StepID:    step,
		Status:    domain.ConversationOpen,
	}
	err := c.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := c.closeAll(ctx, tx, bot, channel, user); err != nil {
			return err
		}
		return c.SaveTx(ctx, tx, conv)
	})
	if err != nil {
		return nil, wrap("open conversation", err)
	}
	return conv, nil
}

// Update persists flow position, status and hold of conv.
func (c *Conversations) Update(ctx context.Context, conv *domain.Conversation) error {
	return wrap("update conversation", c.SaveTx(ctx, c.db.SQL(), conv))
}

// SaveTx inserts or updates conv inside the caller's transaction. A new
// conversation gets an id.
func (c *Conversations) SaveTx(ctx context.Context, q storage.Querier, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = domain.ConversationOpen
	}
	var hold []byte
	if len(conv.Hold) > 0 {
		var err error
		hold, err = c.db.Cipher().Seal(conv.Hold, storage.AAD("conversations", conv.ID))
		if err != nil {
			return err
		}
	}
	now := time.Now()
	conv.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (id, bot_id, channel_id, user_id, flow_id, step_id, status, hold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			flow_id = excluded.flow_id,
			step_id = excluded.step_id,
			status = excluded.status,
			hold = excluded.hold,
			updated_at = excluded.updated_at`,
		conv.ID, conv.BotID, conv.ChannelID, c.userKey(conv.BotID, conv.UserID),
		conv.FlowID, conv.StepID, string(conv.Status), hold, storage.Millis(now), storage.Millis(now),
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (c *Conversations) Close(ctx context.Context, id string) error {
	res, err := c.db.SQL().ExecContext(ctx,
		`UPDATE conversations SET status = ?, hold = NULL, updated_at = ? WHERE id = ?`,
		string(domain.ConversationClosed), storage.Millis(time.Now()), id)
	if err != nil {
		return wrap("close conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.E(domain.KindNotFound, "close conversation", fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound))
	}
	return nil
}

// CloseAll closes every open conversation of user and returns how many were
// closed.
func (c *Conversations) CloseAll(ctx context.Context, bot, channel, user string) (int, error) {
	n, err := c.closeAll(ctx, c.db.SQL(), bot, channel, user)
	return n, wrap("close conversations", err)
}

func (c *Conversations) closeAll(ctx context.Context, q storage.Querier, bot, channel, user string) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE conversations SET status = ?, hold = NULL, updated_at = ?
		WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND status = ?`,
		string(domain.ConversationClosed), storage.Millis(time.Now()),
		bot, channel, c.userKey(bot, user), string(domain.ConversationOpen))
	if err != nil {
		return 0, fmt.Errorf("close conversations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c *Conversations) DeleteAll(ctx context.Context, bot string) error {
	return wrap("delete conversations", DeleteConversationsTx(ctx, c.db.SQL(), bot))
}

// DeleteConversationsTx removes every conversation of bot inside the
// caller's transaction.
func DeleteConversationsTx(ctx context.Context, q storage.Querier, bot string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE bot_id = ?`, bot); err != nil {
		return fmt.Errorf("delete conversations of %s: %w", bot, err)
	}
	return nil
}
