package protocol

import (
	"context"
	"fmt"

	"bitpart/internal/domain"
)

// Tx exposes store operations inside one transaction that holds the account
// lock. It is only valid inside the function passed to Transact.
type Tx struct {
	v *view
}

// Transact runs fn with the account lock held and all of its writes in one
// SQL transaction. Any error returned by fn rolls every write back.
func (s *Store) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	return s.runTx(ctx, "protocol transaction", func(v *view) error {
		return fn(&Tx{v: v})
	})
}

func (t *Tx) LoadSession(ctx context.Context, addr domain.Address) ([]byte, error) {
	return t.v.loadSession(ctx, addr)
}

func (t *Tx) StoreSession(ctx context.Context, addr domain.Address, record []byte) error {
	return t.v.storeSession(ctx, addr, record)
}

func (t *Tx) DeleteSession(ctx context.Context, addr domain.Address) error {
	return t.v.deleteSession(ctx, addr)
}

func (t *Tx) LoadPreKey(ctx context.Context, id uint32) ([]byte, error) {
	rec, _, err := t.v.loadKey(ctx, preKeys, id)
	return rec, err
}

// RemovePreKey deletes a one-time pre-key. A missing key is
// ErrPreKeyExhausted so a replayed pre-key message cannot create a second
// session.
func (t *Tx) RemovePreKey(ctx context.Context, id uint32) error {
	ok, err := t.v.removeKey(ctx, preKeys, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.E(domain.KindProtocolState, "consume pre-key",
			fmt.Errorf("pre-key %d: %w", id, domain.ErrPreKeyExhausted))
	}
	return nil
}

func (t *Tx) LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error) {
	rec, _, err := t.v.loadKey(ctx, signedPreKeys, id)
	return rec, err
}

func (t *Tx) LoadKyberPreKey(ctx context.Context, id uint32) (*KyberPreKey, error) {
	return t.v.loadKyber(ctx, id)
}

func (t *Tx) MarkKyberPreKeyUsed(ctx context.Context, id uint32) error {
	return t.v.consumeKyber(ctx, id)
}

func (t *Tx) GetIdentity(ctx context.Context, addr domain.Address) ([]byte, error) {
	rec, err := t.v.getIdentity(ctx, addr.Name)
	if rec == nil {
		return nil, err
	}
	return rec.Key, err
}

// SaveIdentity behaves like Store.SaveIdentity. A conflict returned from
// the transaction function rolls the pending record back with everything
// else.
func (t *Tx) SaveIdentity(ctx context.Context, addr domain.Address, key []byte) (IdentityChange, error) {
	change, conflict, err := t.v.saveIdentity(ctx, addr.Name, key)
	if err != nil {
		return 0, err
	}
	if conflict != nil {
		return IdentityUnchanged, domain.E(domain.KindProtocolState, "save identity", conflict)
	}
	return change, nil
}

func (t *Tx) IsTrustedIdentity(ctx context.Context, addr domain.Address, key []byte, dir Direction) (bool, error) {
	return t.v.isTrusted(ctx, addr.Name, key, dir)
}

// ConsumedPreKeys names the one-time keys a new session was built from.
type ConsumedPreKeys struct {
	PreKeyID      *uint32
	KyberPreKeyID *uint32
}

// CommitSession stores the session for addr and removes the pre-keys it
// consumed in one transaction. If a consumed key is already gone nothing is
// written and the error matches domain.ErrPreKeyExhausted.
func (s *Store) CommitSession(ctx context.Context, addr domain.Address, record []byte, consumed ConsumedPreKeys) error {
	return s.Transact(ctx, func(tx *Tx) error {
		if consumed.PreKeyID != nil {
			if err := tx.RemovePreKey(ctx, *consumed.PreKeyID); err != nil {
				return err
			}
		}
		if consumed.KyberPreKeyID != nil {
			if err := tx.MarkKyberPreKeyUsed(ctx, *consumed.KyberPreKeyID); err != nil {
				return err
			}
		}
		return tx.StoreSession(ctx, addr, record)
	})
}
