package protocol

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/storage"
)

// LoadSession returns the session record for addr, or nil when there is none.
func (s *Store) LoadSession(ctx context.Context, addr domain.Address) ([]byte, error) {
	var rec []byte
	err := s.run(ctx, "load session", func(v *view) error {
		var err error
		rec, err = v.loadSession(ctx, addr)
		return err
	})
	return rec, err
}

// StoreSession replaces the session record for addr. Callers that also
// consume a pre-key must use CommitSession.
func (s *Store) StoreSession(ctx context.Context, addr domain.Address, record []byte) error {
	return s.run(ctx, "store session", func(v *view) error {
		return v.storeSession(ctx, addr, record)
	})
}

func (s *Store) DeleteSession(ctx context.Context, addr domain.Address) error {
	return s.run(ctx, "delete session", func(v *view) error {
		return v.deleteSession(ctx, addr)
	})
}

// DeleteAllSessions removes the sessions of every device of name and
// returns how many were removed.
func (s *Store) DeleteAllSessions(ctx context.Context, name string) (int, error) {
	var n int
	err := s.run(ctx, "delete all sessions", func(v *view) error {
		res, err := v.q.ExecContext(ctx,
			`DELETE FROM protocol_sessions WHERE account = ? AND kind = ? AND address = ?`,
			v.acct, v.kindName(), v.addr(name))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		n = int(affected)
		return err
	})
	return n, err
}

// SubDeviceSessions returns the device ids of name that have a session,
// excluding the primary device.
func (s *Store) SubDeviceSessions(ctx context.Context, name string) ([]uint32, error) {
	var ids []uint32
	err := s.run(ctx, "list sub-device sessions", func(v *view) error {
		rows, err := v.q.QueryContext(ctx, `
			SELECT device_id FROM protocol_sessions
			WHERE account = ? AND kind = ? AND address = ? AND device_id != ?
			ORDER BY device_id`,
			v.acct, v.kindName(), v.addr(name), domain.DefaultDeviceID)
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

func (s *Store) ContainsSession(ctx context.Context, addr domain.Address) (bool, error) {
	var found bool
	err := s.run(ctx, "check session", func(v *view) error {
		var one int
		err := v.q.QueryRowContext(ctx,
			`SELECT 1 FROM protocol_sessions WHERE account = ? AND kind = ? AND address = ? AND device_id = ?`,
			v.acct, v.kindName(), v.addr(addr.Name), addr.DeviceID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

// StoreSenderKey stores the group sender key of addr for distributionID.
func (s *Store) StoreSenderKey(ctx context.Context, addr domain.Address, distributionID string, record []byte) error {
	return s.run(ctx, "store sender key", func(v *view) error {
		key := addr.String() + "/" + distributionID
		sealed, err := v.seal("protocol_sender_keys", key, record)
		if err != nil {
			return err
		}
		_, err = v.q.ExecContext(ctx, `
			INSERT INTO protocol_sender_keys (account, kind, address, device_id, distribution_id, record)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (account, kind, address, device_id, distribution_id) DO UPDATE SET record = excluded.record`,
			v.acct, v.kindName(), v.addr(addr.Name), addr.DeviceID, distributionID, sealed)
		return err
	})
}

// LoadSenderKey returns the sender key of addr for distributionID, or nil.
func (s *Store) LoadSenderKey(ctx context.Context, addr domain.Address, distributionID string) ([]byte, error) {
	var rec []byte
	err := s.run(ctx, "load sender key", func(v *view) error {
		var sealed []byte
		err := v.q.QueryRowContext(ctx, `
			SELECT record FROM protocol_sender_keys
			WHERE account = ? AND kind = ? AND address = ? AND device_id = ? AND distribution_id = ?`,
			v.acct, v.kindName(), v.addr(addr.Name), addr.DeviceID, distributionID,
		).Scan(&sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err = v.open("protocol_sender_keys", addr.String()+"/"+distributionID, sealed)
		return err
	})
	return rec, err
}

func (v *view) loadSession(ctx context.Context, addr domain.Address) ([]byte, error) {
	var sealed []byte
	err := v.q.QueryRowContext(ctx,
		`SELECT record FROM protocol_sessions WHERE account = ? AND kind = ? AND address = ? AND device_id = ?`,
		v.acct, v.kindName(), v.addr(addr.Name), addr.DeviceID,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return v.open("protocol_sessions", addr.String(), sealed)
}

func (v *view) storeSession(ctx context.Context, addr domain.Address, record []byte) error {
	if len(record) == 0 {
		return domain.E(domain.KindInvalid, "store session", fmt.Errorf("empty session record"))
	}
	sealed, err := v.seal("protocol_sessions", addr.String(), record)
	if err != nil {
		return err
	}
	_, err = v.q.ExecContext(ctx, `
		INSERT INTO protocol_sessions (account, kind, address, device_id, record, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, kind, address, device_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		v.acct, v.kindName(), v.addr(addr.Name), addr.DeviceID, sealed, storage.Millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (v *view) deleteSession(ctx context.Context, addr domain.Address) error {
	_, err := v.q.ExecContext(ctx,
		`DELETE FROM protocol_sessions WHERE account = ? AND kind = ? AND address = ? AND device_id = ?`,
		v.acct, v.kindName(), v.addr(addr.Name), addr.DeviceID)
	return err
}
