// Package registry keeps the bot definitions, their version history and the
// runtime handles the dispatcher leases while it works on a bot.
package registry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bitpart/internal/bus"
	"bitpart/internal/domain"
	"bitpart/internal/memory"
	"bitpart/internal/storage"

	"github.com/google/uuid"
)

// ChannelHook is what Remove needs from the channel manager.
type ChannelHook interface {
	StopBot(ctx context.Context, botID string) ([]domain.Channel, func(context.Context) error, error)
	LockAccounts(ctx context.Context, accounts []string) (func(), error)
	DeleteTx(ctx context.Context, q storage.Querier, ch domain.Channel) error
}

type Config struct {
	DB       *storage.DB
	Channels ChannelHook
	Events   *bus.EventBus
	Logger   *slog.Logger
}

// Registry is safe for concurrent use.
type Registry struct {
	db       *storage.DB
	channels ChannelHook
	events   *bus.EventBus
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*botState
}

// Instance is the runtime view of a bot's live version.
type Instance struct {
	Bot domain.Bot
	// Definition is the live BotConfig as JSON, as handed to the interpreter.
	Definition json.RawMessage
}

type botState struct {
	instance *Instance
	leases   int
	deleting bool
	drained  chan struct{}
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		db:       cfg.DB,
		channels: cfg.Channels,
		events:   cfg.Events,
		logger:   cfg.Logger,
		states:   make(map[string]*botState),
	}
}

// Add stores a new bot with its first version and returns its id. The id
// in cfg is used when set.
func (r *Registry) Add(ctx context.Context, cfg domain.BotConfig) (string, error) {
	const op = "add bot"
	if err := cfg.Validate(); err != nil {
		return "", domain.E(domain.KindInvalid, op, err)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		exists, err := botExists(ctx, tx, cfg.ID)
		if err != nil {
			return err
		}
		if exists {
			return domain.E(domain.KindInvalid, op, fmt.Errorf("bot %s already exists", cfg.ID))
		}
		now := storage.Millis(time.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bots (id, version_id, created_at, updated_at) VALUES (?, '', ?, ?)`,
			cfg.ID, now, now); err != nil {
			return err
		}
		_, err = r.addVersion(ctx, tx, cfg)
		return err
	})
	if err != nil {
		return "", wrap(op, err)
	}
	r.logger.Info("bot added", "bot", cfg.ID, "name", cfg.Name)
	return cfg.ID, nil
}

// Update stores cfg as the new live version of botID.
func (r *Registry) Update(ctx context.Context, botID string, cfg domain.BotConfig) (string, error) {
	const op = "update bot"
	cfg.ID = botID
	if err := cfg.Validate(); err != nil {
		return "", domain.E(domain.KindInvalid, op, err)
	}
	var versionID string
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		exists, err := botExists(ctx, tx, botID)
		if err != nil {
			return err
		}
		if !exists {
			return notFound(op, botID)
		}
		versionID, err = r.addVersion(ctx, tx, cfg)
		return err
	})
	if err != nil {
		return "", wrap(op, err)
	}
	r.invalidate(botID)
	r.logger.Info("bot updated", "bot", botID, "version", versionID)
	return versionID, nil
}

// Put adds cfg, or updates the bot with the same id when its definition
// changed. It reports whether anything was written.
func (r *Registry) Put(ctx context.Context, cfg domain.BotConfig) (bool, error) {
	if cfg.ID == "" {
		_, err := r.Add(ctx, cfg)
		return err == nil, err
	}
	cur, err := r.Get(ctx, cfg.ID)
	if domain.IsNotFound(err) {
		_, err = r.Add(ctx, cfg)
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	a, err := json.Marshal(cur.BotConfig)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return false, err
	}
	if bytes.Equal(a, b) {
		return false, nil
	}
	_, err = r.Update(ctx, cfg.ID, cfg)
	return err == nil, err
}

func botExists(ctx context.Context, q storage.Querier, botID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM bots WHERE id = ?`, botID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// addVersion stores cfg as a new version, sealed under its version id, and
// makes it live.
func (r *Registry) addVersion(ctx context.Context, q storage.Querier, cfg domain.BotConfig) (string, error) {
	def, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode bot definition: %w", err)
	}
	id := uuid.NewString()
	sealed, err := r.db.Cipher().Seal(def, storage.AAD("bot_versions", id, cfg.ID))
	if err != nil {
		return "", fmt.Errorf("seal bot definition: %w", err)
	}
	now := storage.Millis(time.Now())
	if _, err := q.ExecContext(ctx,
		`INSERT INTO bot_versions (id, bot_id, definition, engine_version, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, cfg.ID, sealed, cfg.EngineVersion, now); err != nil {
		return "", fmt.Errorf("insert bot version: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE bots SET version_id = ?, updated_at = ? WHERE id = ?`,
		id, now, cfg.ID); err != nil {
		return "", fmt.Errorf("set live version: %w", err)
	}
	return id, nil
}

// Get returns the live version of botID.
func (r *Registry) Get(ctx context.Context, botID string) (domain.Bot, error) {
	var bot domain.Bot
	var def []byte
	var created, updated int64
	err := r.db.SQL().QueryRowContext(ctx, `
		SELECT b.version_id, b.created_at, b.updated_at, v.definition
		FROM bots b JOIN bot_versions v ON v.id = b.version_id
		WHERE b.id = ?`, botID,
	).Scan(&bot.VersionID, &created, &updated, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return bot, notFound("get bot", botID)
	}
	if err != nil {
		return bot, wrap("get bot", err)
	}
	def, err = r.db.Cipher().Open(def, storage.AAD("bot_versions", bot.VersionID, botID))
	if err != nil {
		return bot, wrap("get bot", fmt.Errorf("open bot definition: %w", err))
	}
	if err := json.Unmarshal(def, &bot.BotConfig); err != nil {
		return bot, wrap("get bot", fmt.Errorf("decode bot definition: %w", err))
	}
	bot.ID = botID
	bot.CreatedAt = storage.FromMillis(created)
	bot.UpdatedAt = storage.FromMillis(updated)
	return bot, nil
}

// List returns bot ids ordered by creation, limit <= 0 meaning all.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.SQL().QueryContext(ctx,
		`SELECT id FROM bots ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, wrap("list bots", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list bots", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("list bots", rows.Err())
}

// Versions returns the version history of botID, newest first.
func (r *Registry) Versions(ctx context.Context, botID string) ([]domain.BotVersion, error) {
	rows, err := r.db.SQL().QueryContext(ctx, `
		SELECT id, engine_version, created_at FROM bot_versions
		WHERE bot_id = ? ORDER BY created_at DESC, rowid DESC`, botID)
	if err != nil {
		return nil, wrap("list bot versions", err)
	}
	defer rows.Close()
	var out []domain.BotVersion
	for rows.Next() {
		v := domain.BotVersion{BotID: botID}
		var created int64
		if err := rows.Scan(&v.VersionID, &v.EngineVersion, &created); err != nil {
			return nil, wrap("list bot versions", err)
		}
		v.CreatedAt = storage.FromMillis(created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list bot versions", err)
	}
	if len(out) == 0 {
		return nil, notFound("list bot versions", botID)
	}
	return out, nil
}

// Rollback makes an earlier version of botID live again.
func (r *Registry) Rollback(ctx context.Context, botID, versionID string) error {
	const op = "rollback bot"
	res, err := r.db.SQL().ExecContext(ctx, `
		UPDATE bots SET version_id = ?, updated_at = ?
		WHERE id = ? AND EXISTS (SELECT 1 FROM bot_versions WHERE id = ? AND bot_id = ?)`,
		versionID, storage.Millis(time.Now()), botID, versionID, botID)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.E(domain.KindNotFound, op, fmt.Errorf("version %s of bot %s: %w", versionID, botID, domain.ErrNotFound))
	}
	r.invalidate(botID)
	r.logger.Info("bot rolled back", "bot", botID, "version", versionID)
	return nil
}

// BotForChannel returns the bot channelID is bound to.
func (r *Registry) BotForChannel(ctx context.Context, channelID string) (string, error) {
	var botID string
	err := r.db.SQL().QueryRowContext(ctx, `SELECT bot_id FROM channels WHERE id = ?`, channelID).Scan(&botID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.E(domain.KindNotFound, "route channel", fmt.Errorf("channel %s: %w", channelID, domain.ErrNotFound))
	}
	return botID, wrap("route channel", err)
}

func (r *Registry) state(botID string) *botState {
	st, ok := r.states[botID]
	if !ok {
		st = &botState{}
		r.states[botID] = st
	}
	return st
}

func (r *Registry) invalidate(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[botID]; ok {
		st.instance = nil
	}
}

// Lease returns the live instance of botID and a release function. While a
// lease is held Remove waits; once Remove has started, Lease fails with
// domain.ErrBotDeleted.
func (r *Registry) Lease(ctx context.Context, botID string) (*Instance, func(), error) {
	const op = "lease bot"
	r.mu.Lock()
	st := r.state(botID)
	if st.deleting {
		r.mu.Unlock()
		return nil, nil, domain.E(domain.KindNotFound, op, fmt.Errorf("bot %s: %w", botID, domain.ErrBotDeleted))
	}
	st.leases++
	inst := st.instance
	r.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { r.release(botID) }) }

	if inst == nil {
		bot, err := r.Get(ctx, botID)
		if err != nil {
			release()
			return nil, nil, err
		}
		def, err := json.Marshal(bot.BotConfig)
		if err != nil {
			release()
			return nil, nil, wrap(op, err)
		}
		inst = &Instance{Bot: bot, Definition: def}
		r.mu.Lock()
		if st.instance == nil && !st.deleting {
			st.instance = inst
		}
		r.mu.Unlock()
	}
	return inst, release, nil
}

func (r *Registry) release(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[botID]
	if !ok {
		return
	}
	st.leases--
	switch {
	case st.deleting && st.leases == 0:
		close(st.drained)
	case !st.deleting && st.leases == 0 && st.instance == nil:
		delete(r.states, botID)
	}
}

// Leases returns the number of outstanding leases of botID.
func (r *Registry) Leases(botID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[botID]; ok {
		return st.leases
	}
	return 0
}

// Remove deletes botID and everything that belongs to it: memories,
// conversations, channels with their devices, dedup records and protocol
// state. It waits for in-flight leases first; the deletion itself is one
// transaction.
func (r *Registry) Remove(ctx context.Context, botID string) error {
	const op = "remove bot"
	exists, err := botExists(ctx, r.db.SQL(), botID)
	if err != nil {
		return wrap(op, err)
	}
	if !exists {
		return notFound(op, botID)
	}

	r.mu.Lock()
	st := r.state(botID)
	if st.deleting {
		r.mu.Unlock()
		return domain.E(domain.KindInvalid, op, fmt.Errorf("bot %s: %w", botID, domain.ErrBotDeleted))
	}
	st.deleting = true
	st.instance = nil
	st.drained = make(chan struct{})
	if st.leases == 0 {
		close(st.drained)
	}
	drained := st.drained
	r.mu.Unlock()

	finished := false
	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if finished {
			delete(r.states, botID)
		} else {
			st.deleting = false
		}
	}()

	r.logger.Info("removing bot, waiting for in-flight work", "bot", botID)
	select {
	case <-drained:
	case <-ctx.Done():
		return wrap(op, ctx.Err())
	}

	var channels []domain.Channel
	resume := func(context.Context) error { return nil }
	unlock := func() {}
	if r.channels != nil {
		channels, resume, err = r.channels.StopBot(ctx, botID)
		if err != nil {
			return wrap(op, err)
		}
		accounts := make([]string, 0, len(channels))
		for _, ch := range channels {
			accounts = append(accounts, ch.Account)
		}
		unlock, err = r.channels.LockAccounts(ctx, accounts)
		if err != nil {
			r.restart(botID, resume)
			return wrap(op, err)
		}
	}

	err = r.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := memory.DeleteAllTx(ctx, tx, botID); err != nil {
			return err
		}
		if err := memory.DeleteConversationsTx(ctx, tx, botID); err != nil {
			return err
		}
		for _, ch := range channels {
			if err := r.channels.DeleteTx(ctx, tx, ch); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bot_versions WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("delete bot versions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID); err != nil {
			return fmt.Errorf("delete bot: %w", err)
		}
		return nil
	})
	unlock()
	if err != nil {
		r.restart(botID, resume)
		return wrap(op, err)
	}
	finished = true

	r.logger.Info("bot removed", "bot", botID, "channels", len(channels))
	r.events.Emit(bus.Event{Type: bus.EventBotRemoved, Source: "registry", Payload: map[string]any{"bot": botID}})
	return nil
}

// restart brings back the channels of a bot whose removal failed.
func (r *Registry) restart(botID string, resume func(context.Context) error) {
	if err := resume(context.Background()); err != nil {
		r.logger.Error("restart channels after failed removal", "bot", botID, "err", err)
	}
}

func notFound(op, botID string) error {
	return domain.E(domain.KindNotFound, op, fmt.Errorf("bot %s: %w", botID, domain.ErrNotFound))
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.E(domain.KindStorage, op, err)
}
