package protocol

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/metrics"
	"bitpart/internal/storage"
)

// Direction is the direction of the message an identity is checked for.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

// IdentityChange reports what SaveIdentity did.
type IdentityChange int

const (
	IdentityNew IdentityChange = iota
	IdentityUnchanged
	IdentityReplaced
)

func (c IdentityChange) String() string {
	switch c {
	case IdentityNew:
		return "new"
	case IdentityUnchanged:
		return "unchanged"
	case IdentityReplaced:
		return "replaced"
	}
	return fmt.Sprintf("IdentityChange(%d)", int(c))
}

// IdentityConflictError is returned when a remote identity key changed and
// the trust policy does not allow replacing it. The stored key is kept and
// the received key waits for ApproveIdentity.
type IdentityConflictError struct {
	Address  string
	Stored   []byte
	Received []byte
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity key for %s changed (stored %s, received %s)",
		e.Address, fingerprint(e.Stored), fingerprint(e.Received))
}

func (e *IdentityConflictError) Is(target error) bool { return target == domain.ErrIdentityConflict }

func fingerprint(key []byte) string {
	if len(key) > 6 {
		key = key[:6]
	}
	return hex.EncodeToString(key)
}

// PendingIdentity is a changed identity key waiting for operator approval.
type PendingIdentity struct {
	Address  string    `json:"address"`
	Stored   []byte    `json:"stored"`
	Received []byte    `json:"received"`
	SeenAt   time.Time `json:"seen_at"`
}

// GetIdentity returns the trusted identity key of addr, or nil.
func (s *Store) GetIdentity(ctx context.Context, addr domain.Address) ([]byte, error) {
	var key []byte
	err := s.run(ctx, "load identity", func(v *view) error {
		rec, err := v.getIdentity(ctx, addr.Name)
		if rec != nil {
			key = rec.Key
		}
		return err
	})
	return key, err
}

// SaveIdentity stores the identity key of addr under the trust policy.
func (s *Store) SaveIdentity(ctx context.Context, addr domain.Address, key []byte) (IdentityChange, error) {
	var change IdentityChange
	var conflict *IdentityConflictError
	err := s.run(ctx, "save identity", func(v *view) error {
		var err error
		change, conflict, err = v.saveIdentity(ctx, addr.Name, key)
		return err
	})
	if err != nil {
		return 0, err
	}
	if conflict != nil {
		return IdentityUnchanged, domain.E(domain.KindProtocolState, "save identity", conflict)
	}
	return change, nil
}

// IsTrustedIdentity reports whether key may be used with addr. Unknown
// addresses are trusted on first use.
func (s *Store) IsTrustedIdentity(ctx context.Context, addr domain.Address, key []byte, dir Direction) (bool, error) {
	var trusted bool
	err := s.run(ctx, "check identity", func(v *view) error {
		var err error
		trusted, err = v.isTrusted(ctx, addr.Name, key, dir)
		return err
	})
	return trusted, err
}

func (s *Store) DeleteIdentity(ctx context.Context, addr domain.Address) error {
	return s.run(ctx, "delete identity", func(v *view) error {
		_, err := v.q.ExecContext(ctx,
			`DELETE FROM protocol_identities WHERE account = ? AND kind = ? AND address = ?`,
			v.acct, v.kindName(), v.addr(addr.Name))
		return err
	})
}

// ApproveIdentity replaces the stored identity of addr with a pending key
// flagged by SaveIdentity. It fails with ErrNotFound when key is not the
// pending key of addr.
func (s *Store) ApproveIdentity(ctx context.Context, addr domain.Address, key []byte) error {
	return s.runTx(ctx, "approve identity", func(v *view) error {
		rec, err := v.getIdentity(ctx, addr.Name)
		if err != nil {
			return err
		}
		if rec == nil || rec.Pending == nil || !bytes.Equal(rec.Pending, key) {
			return domain.E(domain.KindNotFound, "approve identity", domain.ErrNotFound)
		}
		v.logger.Info("identity change approved", "address", addr.Name)
		return v.putIdentity(ctx, addr.Name, &identityRecord{Key: key})
	})
}

// PendingIdentities lists identity changes waiting for approval.
func (s *Store) PendingIdentities(ctx context.Context) ([]PendingIdentity, error) {
	var out []PendingIdentity
	err := s.run(ctx, "list pending identities", func(v *view) error {
		rows, err := v.q.QueryContext(ctx,
			`SELECT address, record FROM protocol_identities WHERE account = ? AND kind = ?`,
			v.acct, v.kindName())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var digest string
			var sealed []byte
			if err := rows.Scan(&digest, &sealed); err != nil {
				return err
			}
			rec, err := v.openIdentity(digest, sealed)
			if err != nil {
				return err
			}
			if rec.Pending != nil {
				out = append(out, PendingIdentity{
					Address:  rec.Address,
					Stored:   rec.Key,
					Received: rec.Pending,
					SeenAt:   storage.FromMillis(rec.PendingAt),
				})
			}
		}
		return rows.Err()
	})
	slices.SortFunc(out, func(a, b PendingIdentity) int { return strings.Compare(a.Address, b.Address) })
	return out, err
}

func (v *view) getIdentity(ctx context.Context, name string) (*identityRecord, error) {
	var sealed []byte
	err := v.q.QueryRowContext(ctx,
		`SELECT record FROM protocol_identities WHERE account = ? AND kind = ? AND address = ?`,
		v.acct, v.kindName(), v.addr(name),
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return v.openIdentity(v.addr(name), sealed)
}

// openIdentity opens a record stored under the address digest.
func (v *view) openIdentity(digest string, sealed []byte) (*identityRecord, error) {
	data, err := v.open("protocol_identities", digest, sealed)
	if err != nil {
		return nil, err
	}
	var rec identityRecord
	if err := unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (v *view) putIdentity(ctx context.Context, name string, rec *identityRecord) error {
	rec.Address = name
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	digest := v.addr(name)
	sealed, err := v.seal("protocol_identities", digest, data)
	if err != nil {
		return err
	}
	_, err = v.q.ExecContext(ctx, `
		INSERT INTO protocol_identities (account, kind, address, record, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, kind, address) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		v.acct, v.kindName(), digest, sealed, storage.Millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	return nil
}

// saveIdentity returns a non-nil conflict when the key changed and the
// policy rejects it. The pending key is persisted in that case.
func (v *view) saveIdentity(ctx context.Context, name string, key []byte) (IdentityChange, *IdentityConflictError, error) {
	if len(key) == 0 {
		return 0, nil, domain.E(domain.KindInvalid, "save identity", fmt.Errorf("empty identity key"))
	}
	rec, err := v.getIdentity(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	switch {
	case rec == nil:
		return IdentityNew, nil, v.putIdentity(ctx, name, &identityRecord{Key: key})

	case bytes.Equal(rec.Key, key):
		if rec.Pending != nil {
			// The peer went back to the known key.
			return IdentityUnchanged, nil, v.putIdentity(ctx, name, &identityRecord{Key: key})
		}
		return IdentityUnchanged, nil, nil

	case v.policy == TrustNewIdentities:
		v.logger.Warn("identity key changed, trusting new key", "address", name)
		return IdentityReplaced, nil, v.putIdentity(ctx, name, &identityRecord{Key: key})
	}

	conflict := &IdentityConflictError{Address: name, Stored: rec.Key, Received: key}
	if !bytes.Equal(rec.Pending, key) {
		rec.Pending = key
		rec.PendingAt = storage.Millis(time.Now())
		if err := v.putIdentity(ctx, name, rec); err != nil {
			return 0, nil, err
		}
		metrics.IdentityConflicts.Inc()
		v.logger.Warn("identity key changed, waiting for approval", "address", name)
	}
	return IdentityUnchanged, conflict, nil
}

func (v *view) isTrusted(ctx context.Context, name string, key []byte, _ Direction) (bool, error) {
	rec, err := v.getIdentity(ctx, name)
	if err != nil {
		return false, err
	}
	switch {
	case rec == nil:
		v.logger.Debug("trusting new identity", "address", name)
		return true, nil
	case bytes.Equal(rec.Key, key):
		return true, nil
	}
	return v.policy == TrustNewIdentities, nil
}
