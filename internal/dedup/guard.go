// Package dedup suppresses reprocessing of inbound messages and replies to
// the bot's own outbound traffic.
package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/storage"
)

const (
	DefaultWindow     = 24 * time.Hour
	DefaultMaxEntries = 10000

	pruneInterval = time.Minute
	digestDomain  = "dedup.message"
)

// Config configures a Guard.
type Config struct {
	DB         *storage.DB
	Window     time.Duration
	MaxEntries int
	// SecurityLevel is the level reported to the interpreter when a bot does
	// not override it. It has no default and must be set.
	SecurityLevel domain.SecurityLevel
	Logger        *slog.Logger
}

// Guard records processed message ids per channel for a bounded window. A
// fixed-size ring answers recent lookups; the dedup_records table answers
// the rest of the window and survives restarts.
type Guard struct {
	db     *storage.DB
	window time.Duration
	level  domain.SecurityLevel
	logger *slog.Logger

	mu        sync.Mutex
	ring      []string
	next      int
	entries   map[string]time.Time
	lastPrune time.Time
}

func New(cfg Config) (*Guard, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if !cfg.SecurityLevel.Valid() {
		return nil, fmt.Errorf("dedup: security level must be set to %q or %q", domain.SecurityEncrypted, domain.SecurityUnverified)
	}
	return &Guard{
		db:      cfg.DB,
		window:  cfg.Window,
		level:   cfg.SecurityLevel,
		logger:  cfg.Logger,
		ring:    make([]string, cfg.MaxEntries),
		entries: make(map[string]time.Time, cfg.MaxEntries),
	}, nil
}

func (g *Guard) digest(channel, messageID string) string {
	return g.db.Cipher().Digest(digestDomain, storage.AAD(channel, messageID))
}

func ringKey(channel, digest string) string { return channel + "\x00" + digest }

// Seen reports whether messageID was recorded for channel within the window.
func (g *Guard) Seen(ctx context.Context, channel, messageID string) (bool, error) {
	d := g.digest(channel, messageID)
	cutoff := time.Now().Add(-g.window)

	g.mu.Lock()
	at, ok := g.entries[ringKey(channel, d)]
	g.mu.Unlock()
	if ok && at.After(cutoff) {
		return true, nil
	}

	var seenAt int64
	err := g.db.SQL().QueryRowContext(ctx,
		`SELECT seen_at FROM dedup_records WHERE channel_id = ? AND digest = ? AND seen_at > ?`,
		channel, d, storage.Millis(cutoff),
	).Scan(&seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.E(domain.KindStorage, "dedup lookup", err)
	}
	g.remember(ringKey(channel, d), storage.FromMillis(seenAt))
	return true, nil
}

// Record marks messageID as processed for channel at the given time (now
// when zero).
func (g *Guard) Record(ctx context.Context, channel, messageID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	d := g.digest(channel, messageID)
	_, err := g.db.SQL().ExecContext(ctx, `
		INSERT INTO dedup_records (channel_id, digest, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (channel_id, digest) DO UPDATE SET seen_at = MAX(seen_at, excluded.seen_at)`,
		channel, d, storage.Millis(at),
	)
	if err != nil {
		return domain.E(domain.KindStorage, "dedup record", err)
	}
	g.remember(ringKey(channel, d), at)
	g.maybePrune(ctx)
	return nil
}

// RecordOutbound records the id of a message the bot sent, so the
// transport's echo of it is discarded.
func (g *Guard) RecordOutbound(ctx context.Context, channel, messageID string) error {
	return g.Record(ctx, channel, "out:"+messageID, time.Time{})
}

// IsEcho reports whether messageID is the echo of an outbound message.
func (g *Guard) IsEcho(ctx context.Context, channel, messageID string) (bool, error) {
	return g.Seen(ctx, channel, "out:"+messageID)
}

func (g *Guard) remember(key string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.entries[key]; ok {
		if at.After(prev) {
			g.entries[key] = at
		}
		return
	}
	if old := g.ring[g.next]; old != "" {
		delete(g.entries, old)
	}
	g.ring[g.next] = key
	g.entries[key] = at
	g.next = (g.next + 1) % len(g.ring)
}

func (g *Guard) maybePrune(ctx context.Context) {
	now := time.Now()
	g.mu.Lock()
	if now.Sub(g.lastPrune) < pruneInterval {
		g.mu.Unlock()
		return
	}
	g.lastPrune = now
	g.mu.Unlock()

	res, err := g.db.SQL().ExecContext(ctx,
		`DELETE FROM dedup_records WHERE seen_at <= ?`, storage.Millis(now.Add(-g.window)))
	if err != nil {
		g.logger.Warn("dedup prune failed", "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		g.logger.Debug("pruned dedup records", "count", n)
	}
}

// DeleteChannel forgets every record of channel.
func (g *Guard) DeleteChannel(ctx context.Context, channel string) error {
	return domain.E(domain.KindStorage, "dedup delete channel", g.DeleteChannelTx(ctx, g.db.SQL(), channel))
}

// DeleteChannelTx forgets every record of channel inside the caller's
// transaction. The in-memory ring is cleared immediately.
func (g *Guard) DeleteChannelTx(ctx context.Context, q storage.Querier, channel string) error {
	g.mu.Lock()
	prefix := channel + "\x00"
	for i, key := range g.ring {
		if strings.HasPrefix(key, prefix) {
			delete(g.entries, key)
			g.ring[i] = ""
		}
	}
	g.mu.Unlock()

	if _, err := q.ExecContext(ctx, `DELETE FROM dedup_records WHERE channel_id = ?`, channel); err != nil {
		return fmt.Errorf("delete dedup records of %s: %w", channel, err)
	}
	return nil
}

// Len returns the number of ids held in memory.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
