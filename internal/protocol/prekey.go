package protocol

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"bitpart/internal/domain"
)

const (
	preKeys       = "protocol_pre_keys"
	signedPreKeys = "protocol_signed_pre_keys"
	kyberPreKeys  = "protocol_kyber_pre_keys"
)

// KyberPreKey is a stored Kyber pre-key. Last-resort keys survive use.
type KyberPreKey struct {
	ID         uint32
	Record     []byte
	LastResort bool
}

// LoadPreKey returns the one-time pre-key with id, or nil.
func (s *Store) LoadPreKey(ctx context.Context, id uint32) ([]byte, error) {
	var rec []byte
	err := s.run(ctx, "load pre-key", func(v *view) error {
		var err error
		rec, _, err = v.loadKey(ctx, preKeys, id)
		return err
	})
	return rec, err
}

func (s *Store) StorePreKey(ctx context.Context, id uint32, record []byte) error {
	return s.run(ctx, "store pre-key", func(v *view) error {
		return v.storeKey(ctx, preKeys, id, record, false)
	})
}

func (s *Store) RemovePreKey(ctx context.Context, id uint32) error {
	return s.run(ctx, "remove pre-key", func(v *view) error {
		_, err := v.removeKey(ctx, preKeys, id)
		return err
	})
}

// PreKeyCount returns the number of one-time pre-keys left.
func (s *Store) PreKeyCount(ctx context.Context) (int, error) {
	return s.countKeys(ctx, preKeys, "")
}

// NextPreKeyID returns the highest stored id plus one, or 0 when there are
// no pre-keys.
func (s *Store) NextPreKeyID(ctx context.Context) (uint32, error) {
	return s.nextID(ctx, preKeys)
}

func (s *Store) LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error) {
	var rec []byte
	err := s.run(ctx, "load signed pre-key", func(v *view) error {
		var err error
		rec, _, err = v.loadKey(ctx, signedPreKeys, id)
		return err
	})
	return rec, err
}

func (s *Store) StoreSignedPreKey(ctx context.Context, id uint32, record []byte) error {
	return s.run(ctx, "store signed pre-key", func(v *view) error {
		return v.storeKey(ctx, signedPreKeys, id, record, false)
	})
}

func (s *Store) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	return s.run(ctx, "remove signed pre-key", func(v *view) error {
		_, err := v.removeKey(ctx, signedPreKeys, id)
		return err
	})
}

// SignedPreKeyIDs lists stored signed pre-key ids in ascending order.
func (s *Store) SignedPreKeyIDs(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := s.run(ctx, "list signed pre-keys", func(v *view) error {
		rows, err := v.q.QueryContext(ctx,
			`SELECT key_id FROM protocol_signed_pre_keys WHERE account = ? AND kind = ? ORDER BY key_id`,
			v.acct, v.kindName())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uint32
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *Store) SignedPreKeyCount(ctx context.Context) (int, error) {
	return s.countKeys(ctx, signedPreKeys, "")
}

func (s *Store) NextSignedPreKeyID(ctx context.Context) (uint32, error) {
	return s.nextID(ctx, signedPreKeys)
}

// LoadKyberPreKey returns the Kyber pre-key with id, or nil.
func (s *Store) LoadKyberPreKey(ctx context.Context, id uint32) (*KyberPreKey, error) {
	var key *KyberPreKey
	err := s.run(ctx, "load kyber pre-key", func(v *view) error {
		var err error
		key, err = v.loadKyber(ctx, id)
		return err
	})
	return key, err
}

func (s *Store) StoreKyberPreKey(ctx context.Context, id uint32, record []byte, lastResort bool) error {
	return s.run(ctx, "store kyber pre-key", func(v *view) error {
		return v.storeKey(ctx, kyberPreKeys, id, record, lastResort)
	})
}

// MarkKyberPreKeyUsed removes a one-time Kyber pre-key. Last-resort keys
// are kept.
func (s *Store) MarkKyberPreKeyUsed(ctx context.Context, id uint32) error {
	return s.runTx(ctx, "mark kyber pre-key used", func(v *view) error {
		return v.consumeKyber(ctx, id)
	})
}

// RemoveKyberPreKey deletes the Kyber pre-key with id, last-resort or not.
func (s *Store) RemoveKyberPreKey(ctx context.Context, id uint32) error {
	return s.run(ctx, "remove kyber pre-key", func(v *view) error {
		_, err := v.removeKey(ctx, kyberPreKeys, id)
		return err
	})
}

// KyberPreKeyCount counts either the last-resort or the one-time Kyber
// pre-keys.
func (s *Store) KyberPreKeyCount(ctx context.Context, lastResort bool) (int, error) {
	if lastResort {
		return s.countKeys(ctx, kyberPreKeys, "last_resort = 1")
	}
	return s.countKeys(ctx, kyberPreKeys, "last_resort = 0")
}

// LastResortKyberPreKeys returns every last-resort Kyber pre-key ordered by
// id.
func (s *Store) LastResortKyberPreKeys(ctx context.Context) ([]KyberPreKey, error) {
	var keys []KyberPreKey
	err := s.run(ctx, "load last-resort kyber pre-keys", func(v *view) error {
		rows, err := v.q.QueryContext(ctx,
			`SELECT key_id, record FROM protocol_kyber_pre_keys WHERE account = ? AND kind = ? AND last_resort = 1 ORDER BY key_id`,
			v.acct, v.kindName())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uint32
			var sealed []byte
			if err := rows.Scan(&id, &sealed); err != nil {
				return err
			}
			rec, err := v.open(kyberPreKeys, keyName(id), sealed)
			if err != nil {
				return err
			}
			keys = append(keys, KyberPreKey{ID: id, Record: rec, LastResort: true})
		}
		return rows.Err()
	})
	return keys, err
}

func (s *Store) NextKyberPreKeyID(ctx context.Context) (uint32, error) {
	return s.nextID(ctx, kyberPreKeys)
}

func (s *Store) countKeys(ctx context.Context, table, filter string) (int, error) {
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE account = ? AND kind = ?`
	if filter != "" {
		query += ` AND ` + filter
	}
	var n int
	err := s.run(ctx, "count "+table, func(v *view) error {
		return v.q.QueryRowContext(ctx, query, v.acct, v.kindName()).Scan(&n)
	})
	return n, err
}

func (s *Store) nextID(ctx context.Context, table string) (uint32, error) {
	var next uint32
	err := s.run(ctx, "next key id", func(v *view) error {
		var maxID sql.NullInt64
		if err := v.q.QueryRowContext(ctx,
			`SELECT MAX(key_id) FROM `+table+` WHERE account = ? AND kind = ?`,
			v.acct, v.kindName()).Scan(&maxID); err != nil {
			return err
		}
		if !maxID.Valid {
			next = 0
			return nil
		}
		if maxID.Int64 >= math.MaxUint32 {
			return domain.E(domain.KindProtocolState, "next key id", fmt.Errorf("%s id space exhausted", table))
		}
		next = uint32(maxID.Int64) + 1
		return nil
	})
	return next, err
}

func keyName(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func (v *view) loadKey(ctx context.Context, table string, id uint32) ([]byte, bool, error) {
	var sealed []byte
	var lastResort bool
	query := `SELECT record, 0 FROM ` + table + ` WHERE account = ? AND kind = ? AND key_id = ?`
	if table == kyberPreKeys {
		query = `SELECT record, last_resort FROM protocol_kyber_pre_keys WHERE account = ? AND kind = ? AND key_id = ?`
	}
	err := v.q.QueryRowContext(ctx, query, v.acct, v.kindName(), id).Scan(&sealed, &lastResort)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query %s: %w", table, err)
	}
	rec, err := v.open(table, keyName(id), sealed)
	return rec, lastResort, err
}

func (v *view) storeKey(ctx context.Context, table string, id uint32, record []byte, lastResort bool) error {
	if len(record) == 0 {
		return domain.E(domain.KindInvalid, "store key", fmt.Errorf("empty %s record", table))
	}
	sealed, err := v.seal(table, keyName(id), record)
	if err != nil {
		return err
	}
	if table == kyberPreKeys {
		_, err = v.q.ExecContext(ctx, `
			INSERT INTO protocol_kyber_pre_keys (account, kind, key_id, record, last_resort) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account, kind, key_id) DO UPDATE SET record = excluded.record, last_resort = excluded.last_resort`,
			v.acct, v.kindName(), id, sealed, lastResort)
	} else {
		_, err = v.q.ExecContext(ctx, `
			INSERT INTO `+table+` (account, kind, key_id, record) VALUES (?, ?, ?, ?)
			ON CONFLICT (account, kind, key_id) DO UPDATE SET record = excluded.record`,
			v.acct, v.kindName(), id, sealed)
	}
	if err != nil {
		return fmt.Errorf("store %s: %w", table, err)
	}
	return nil
}

// removeKey reports whether a row was deleted.
func (v *view) removeKey(ctx context.Context, table string, id uint32) (bool, error) {
	res, err := v.q.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE account = ? AND kind = ? AND key_id = ?`,
		v.acct, v.kindName(), id)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (v *view) loadKyber(ctx context.Context, id uint32) (*KyberPreKey, error) {
	rec, lastResort, err := v.loadKey(ctx, kyberPreKeys, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return &KyberPreKey{ID: id, Record: rec, LastResort: lastResort}, nil
}

// consumeKyber removes a one-time Kyber pre-key. A missing key is
// ErrPreKeyExhausted.
func (v *view) consumeKyber(ctx context.Context, id uint32) error {
	key, err := v.loadKyber(ctx, id)
	if err != nil {
		return err
	}
	if key == nil {
		return domain.E(domain.KindProtocolState, "consume kyber pre-key",
			fmt.Errorf("kyber pre-key %d: %w", id, domain.ErrPreKeyExhausted))
	}
	if key.LastResort {
		return nil
	}
	_, err = v.removeKey(ctx, kyberPreKeys, id)
	return err
}
