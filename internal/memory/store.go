// Package memory stores the typed, conversation-scoped variables a bot's
// flow keeps between messages, and the per-user conversation position.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/storage"
)

const pruneInterval = time.Minute

// Config configures a Store.
type Config struct {
	DB *storage.DB
	// TTL expires memories that were not written for this long. Zero keeps
	// them until deleted.
	TTL    time.Duration
	Logger *slog.Logger
}

// Store keeps one row per (bot, user, key). Values are sealed; user ids are
// stored as keyed digests.
type Store struct {
	db        *storage.DB
	ttl       time.Duration
	logger    *slog.Logger
	lastPrune atomic.Int64
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{db: cfg.DB, ttl: cfg.TTL, logger: cfg.Logger}
}

// MutationOp is the kind of change a Mutation makes.
type MutationOp int

const (
	OpSet MutationOp = iota
	OpDelete
	OpDeleteUser
)

// Mutation is one memory change in a batch passed to Apply.
type Mutation struct {
	Op    MutationOp
	Key   string
	Value domain.Value
}

func Set(key string, v domain.Value) Mutation { return Mutation{Op: OpSet, Key: key, Value: v} }
func Delete(key string) Mutation { return Mutation{Op: OpDelete, Key: key} }
func Forget() Mutation { return Mutation{Op: OpDeleteUser} }

func (s *Store) userKey(bot, user string) string {
	return userKey(s.db.Cipher(), bot, user)
}

func userKey(c *storage.Cipher, bot, user string) string {
	return c.Digest("memory.user", storage.AAD(bot, user))
}

func valueAAD(bot, user, key string, t domain.ValueType) []byte {
	return storage.AAD("memories", bot, user, key, string(t))
}

// Set writes value under (bot, user, key), replacing any previous value and
// type tag.
func (s *Store) Set(ctx context.Context, bot, user, key string, value domain.Value) error {
	if err := s.set(ctx, s.db.SQL(), bot, user, key, value); err != nil {
		return wrap("set memory", err)
	}
	s.maybePrune(ctx)
	return nil
}

func (s *Store) set(ctx context.Context, q storage.Querier, bot, user, key string, value domain.Value) error {
	if key == "" {
		return domain.E(domain.KindInvalid, "set memory", fmt.Errorf("memory key is empty"))
	}
	raw, err := value.Encode()
	if err != nil {
		return domain.E(domain.KindInvalid, "set memory", err)
	}
	sealed, err := s.db.Cipher().Seal(raw, valueAAD(bot, user, key, value.Type))
	if err != nil {
		return err
	}
	now := time.Now()
	var expires any
	if s.ttl > 0 {
		expires = storage.Millis(now.Add(s.ttl))
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO memories (bot_id, user_id, key, type, value, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, user_id, key) DO UPDATE SET
			type = excluded.type,
			value = excluded.value,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		bot, s.userKey(bot, user), key, string(value.Type), sealed, storage.Millis(now), storage.Millis(now), expires,
	)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// Get returns the value under (bot, user, key). Missing and expired entries
// are domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, bot, user, key string) (domain.Value, error) {
	var t string
	var sealed []byte
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT type, value FROM memories
		WHERE bot_id = ? AND user_id = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		bot, s.userKey(bot, user), key, storage.Millis(time.Now()),
	).Scan(&t, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Value{}, domain.E(domain.KindNotFound, "get memory", fmt.Errorf("%s: %w", key, domain.ErrNotFound))
	}
	if err != nil {
		return domain.Value{}, wrap("get memory", err)
	}
	v, err := s.decode(bot, user, key, t, sealed)
	return v, wrap("get memory", err)
}

// All returns every live value of (bot, user).
func (s *Store) All(ctx context.Context, bot, user string) (map[string]domain.Value, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT key, type, value FROM memories
		WHERE bot_id = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		bot, s.userKey(bot, user), storage.Millis(time.Now()),
	)
	if err != nil {
		return nil, wrap("load memory", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Value)
	for rows.Next() {
		var key, t string
		var sealed []byte
		if err := rows.Scan(&key, &t, &sealed); err != nil {
			return nil, wrap("load memory", err)
		}
		v, err := s.decode(bot, user, key, t, sealed)
		if err != nil {
			return nil, wrap("load memory", err)
		}
		out[key] = v
	}
	return out, wrap("load memory", rows.Err())
}

func (s *Store) decode(bot, user, key, t string, sealed []byte) (domain.Value, error) {
	vt := domain.ValueType(t)
	raw, err := s.db.Cipher().Open(sealed, valueAAD(bot, user, key, vt))
	if err != nil {
		return domain.Value{}, fmt.Errorf("memory %s: %w", key, err)
	}
	return domain.DecodeValue(vt, raw)
}

func (s *Store) Delete(ctx context.Context, bot, user, key string) error {
	_, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM memories WHERE bot_id = ? AND user_id = ? AND key = ?`,
		bot, s.userKey(bot, user), key)
	return wrap("delete memory", err)
}

// DeleteUser forgets everything stored for (bot, user) and returns how many
// entries were removed.
func (s *Store) DeleteUser(ctx context.Context, bot, user string) (int, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM memories WHERE bot_id = ? AND user_id = ?`,
		bot, s.userKey(bot, user))
	if err != nil {
		return 0, wrap("forget user", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("forget user", err)
}

// DeleteAll removes every memory of bot.
func (s *Store) DeleteAll(ctx context.Context, bot string) error {
	return wrap("delete bot memory", DeleteAllTx(ctx, s.db.SQL(), bot))
}

// DeleteAllTx removes every memory of bot inside the caller's transaction.
func DeleteAllTx(ctx context.Context, q storage.Querier, bot string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM memories WHERE bot_id = ?`, bot); err != nil {
		return fmt.Errorf("delete memories of %s: %w", bot, err)
	}
	return nil
}

// Apply runs a batch of mutations in one transaction.
func (s *Store) Apply(ctx context.Context, bot, user string, muts []Mutation) error {
	return wrap("apply memory", s.db.Tx(ctx, func(tx *sql.Tx) error {
		return s.ApplyTx(ctx, tx, bot, user, muts)
	}))
}

// ApplyTx runs a batch of mutations inside the caller's transaction, in
// order.
func (s *Store) ApplyTx(ctx context.Context, q storage.Querier, bot, user string, muts []Mutation) error {
	for _, m := range muts {
		var err error
		switch m.Op {
		case OpSet:
			err = s.set(ctx, q, bot, user, m.Key, m.Value)
		case OpDelete:
			_, err = q.ExecContext(ctx,
				`DELETE FROM memories WHERE bot_id = ? AND user_id = ? AND key = ?`,
				bot, s.userKey(bot, user), m.Key)
		case OpDeleteUser:
			_, err = q.ExecContext(ctx,
				`DELETE FROM memories WHERE bot_id = ? AND user_id = ?`,
				bot, s.userKey(bot, user))
		default:
			err = fmt.Errorf("unknown mutation op %d", m.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of stored rows for bot, expired ones included.
func (s *Store) Count(ctx context.Context, bot string) (int, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE bot_id = ?`, bot).Scan(&n)
	return n, wrap("count memory", err)
}

// maybePrune deletes expired rows at most once per pruneInterval.
func (s *Store) maybePrune(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	now := time.Now()
	last := s.lastPrune.Load()
	if now.UnixNano()-last < int64(pruneInterval) || !s.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`, storage.Millis(now))
	if err != nil {
		s.logger.Warn("memory prune failed", "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("pruned expired memories", "count", n)
	}
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
