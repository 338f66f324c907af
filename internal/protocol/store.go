// Package protocol implements the storage contract of the end-to-end
// encrypted messaging protocol: local identity and registration, remote
// identities with a trust policy, sessions, pre-keys, signed and Kyber
// pre-keys and sender keys. Every record is sealed with the database cipher
// and every operation on an account is serialized by a per-account lock.
package protocol

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"bitpart/internal/domain"
	"bitpart/internal/storage"
)

// Kind selects one of the two identity trees of an account.
type Kind string

const (
	ACI Kind = "aci"
	PNI Kind = "pni"

	// accountKind holds rows shared by both trees (registration data).
	accountKind = "account"
)

// TrustPolicy decides what happens when a remote identity key changes.
type TrustPolicy string

const (
	TrustNewIdentities  TrustPolicy = "trust"
	RejectNewIdentities TrustPolicy = "reject"
)

func (p TrustPolicy) Valid() bool { return p == TrustNewIdentities || p == RejectNewIdentities }

// Config configures the stores of all accounts.
type Config struct {
	DB     *storage.DB
	Locks  *storage.KeyedMutex
	Policy TrustPolicy
	Logger *slog.Logger
}

// Store is the protocol store of one account tree. It is safe for
// concurrent use; operations on the same account are serialized, operations
// on different accounts are not.
type Store struct {
	db      *storage.DB
	locks   *storage.KeyedMutex
	policy  TrustPolicy
	logger  *slog.Logger
	account string
	kind    Kind
}

// New returns the ACI store of account. Use PNI for the sibling tree.
func New(cfg Config, account string) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locks == nil {
		cfg.Locks = storage.NewKeyedMutex()
	}
	if cfg.Policy == "" {
		cfg.Policy = RejectNewIdentities
	}
	return &Store{
		db:      cfg.DB,
		locks:   cfg.Locks,
		policy:  cfg.Policy,
		logger:  cfg.Logger.With("account", account),
		account: account,
		kind:    ACI,
	}
}

// Account returns the account this store belongs to.
func (s *Store) Account() string { return s.account }

func (s *Store) Kind() Kind { return s.kind }

// ACI returns the ACI view of the same account. It shares the account lock.
func (s *Store) ACI() *Store { return s.as(ACI) }

// PNI returns the PNI view of the same account. It shares the account lock.
func (s *Store) PNI() *Store { return s.as(PNI) }

func (s *Store) as(kind Kind) *Store {
	c := *s
	c.kind = kind
	return &c
}

// LockKey is the key under which the account lock is held in the shared
// KeyedMutex.
func LockKey(account string) string { return "account:" + account }

func (s *Store) view(q storage.Querier) *view {
	return &view{
		q:       q,
		cipher:  s.db.Cipher(),
		account: s.account,
		acct:    AccountDigest(s.db.Cipher(), s.account),
		kind:    s.kind,
		policy:  s.policy,
		logger:  s.logger,
	}
}

// run executes fn with the account lock held, outside a transaction. Used
// for single-statement operations.
func (s *Store) run(ctx context.Context, op string, fn func(v *view) error) error {
	unlock, err := s.locks.Lock(ctx, LockKey(s.account))
	if err != nil {
		return domain.E(domain.KindStorage, op, err)
	}
	defer unlock()
	return wrap(op, fn(s.view(s.db.SQL())))
}

// runTx executes fn with the account lock held inside one transaction.
func (s *Store) runTx(ctx context.Context, op string, fn func(v *view) error) error {
	unlock, err := s.locks.Lock(ctx, LockKey(s.account))
	if err != nil {
		return domain.E(domain.KindStorage, op, err)
	}
	defer unlock()
	return wrap(op, s.db.Tx(ctx, func(tx *sql.Tx) error {
		return fn(s.view(tx))
	}))
}

// wrap classifies untyped errors as storage errors.
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

// IdentityKeyPair returns the local identity key pair, or nil when none has
// been generated.
func (s *Store) IdentityKeyPair(ctx context.Context) (*IdentityKeyPair, error) {
	var kp *IdentityKeyPair
	err := s.run(ctx, "load identity key pair", func(v *view) error {
		var rec IdentityKeyPair
		ok, err := v.getLocal(ctx, v.kindName(), "identity_key_pair", &rec)
		if ok {
			kp = &rec
		}
		return err
	})
	return kp, err
}

func (s *Store) SetIdentityKeyPair(ctx context.Context, kp IdentityKeyPair) error {
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return domain.E(domain.KindInvalid, "store identity key pair", fmt.Errorf("key pair is incomplete"))
	}
	return s.run(ctx, "store identity key pair", func(v *view) error {
		return v.putLocal(ctx, v.kindName(), "identity_key_pair", kp)
	})
}

// Registration returns the account's registration data, or nil when the
// account is not registered.
func (s *Store) Registration(ctx context.Context) (*Registration, error) {
	var reg *Registration
	err := s.run(ctx, "load registration", func(v *view) error {
		var rec Registration
		ok, err := v.getLocal(ctx, accountKind, "registration", &rec)
		if ok {
			reg = &rec
		}
		return err
	})
	return reg, err
}

func (s *Store) SaveRegistration(ctx context.Context, reg Registration) error {
	return s.run(ctx, "save registration", func(v *view) error {
		return v.putLocal(ctx, accountKind, "registration", reg)
	})
}

func (s *Store) IsRegistered(ctx context.Context) (bool, error) {
	reg, err := s.Registration(ctx)
	return reg != nil, err
}

// LocalRegistrationID returns the registration id of this tree.
func (s *Store) LocalRegistrationID(ctx context.Context) (uint32, error) {
	reg, err := s.Registration(ctx)
	if err != nil {
		return 0, err
	}
	if reg == nil {
		return 0, domain.E(domain.KindProtocolState, "load registration id", fmt.Errorf("account %s is not registered", s.account))
	}
	if s.kind == PNI {
		return reg.PNIRegistrationID, nil
	}
	return reg.RegistrationID, nil
}

// ClearRegistration forgets the registration, the local identity key pairs,
// sessions, pre-keys and sender keys of both trees. Remote identities are
// kept so a re-linked account still detects key changes.
func (s *Store) ClearRegistration(ctx context.Context) error {
	return s.runTx(ctx, "clear registration", func(v *view) error {
		for _, table := range []string{
			"protocol_local", "protocol_sessions", "protocol_pre_keys",
			"protocol_signed_pre_keys", "protocol_kyber_pre_keys", "protocol_sender_keys",
		} {
			if _, err := v.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE account = ?`, v.acct); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Purge removes every protocol row of the account.
func (s *Store) Purge(ctx context.Context) error {
	return s.runTx(ctx, "purge account", func(v *view) error {
		return v.purge(ctx)
	})
}

// PurgeTx removes every protocol row of the account inside an existing
// transaction. The caller must hold the account lock.
func (s *Store) PurgeTx(ctx context.Context, q storage.Querier) error {
	return wrap("purge account", s.view(q).purge(ctx))
}

func (v *view) purge(ctx context.Context) error {
	for _, table := range protocolTables {
		if _, err := v.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE account = ?`, v.acct); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return nil
}

var protocolTables = []string{
	"protocol_local", "protocol_identities", "protocol_sessions", "protocol_pre_keys",
	"protocol_signed_pre_keys", "protocol_kyber_pre_keys", "protocol_sender_keys",
}

// AccountDigest is the value stored in the account column of every
// protocol table.
func AccountDigest(c *storage.Cipher, account string) string {
	return c.Digest("protocol.account", []byte(account))
}

// view runs store operations against one querier: the pool or a
// transaction. It never takes locks itself.
type view struct {
	q       storage.Querier
	cipher  *storage.Cipher
	account string
	acct    string
	kind    Kind
	policy  TrustPolicy
	logger  *slog.Logger
}

func (v *view) kindName() string { return string(v.kind) }

// addr is the value stored in the address columns for a remote name.
func (v *view) addr(name string) string {
	return v.cipher.Digest("protocol.address", storage.AAD(v.account, name))
}

func (v *view) aad(table, key string) []byte {
	return storage.AAD(v.account, string(v.kind), table, key)
}

func (v *view) seal(table, key string, data []byte) ([]byte, error) {
	return v.cipher.Seal(data, v.aad(table, key))
}

func (v *view) open(table, key string, sealed []byte) ([]byte, error) {
	data, err := v.cipher.Open(sealed, v.aad(table, key))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", table, key, err)
	}
	return data, nil
}

func (v *view) getLocal(ctx context.Context, kind, name string, out any) (bool, error) {
	var sealed []byte
	err := v.q.QueryRowContext(ctx,
		`SELECT value FROM protocol_local WHERE account = ? AND kind = ? AND name = ?`,
		v.acct, kind, name,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", name, err)
	}
	data, err := v.cipher.Open(sealed, storage.AAD(v.account, kind, "protocol_local", name))
	if err != nil {
		return false, fmt.Errorf("open %s: %w", name, err)
	}
	return true, unmarshal(data, out)
}

func (v *view) putLocal(ctx context.Context, kind, name string, rec any) error {
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	sealed, err := v.cipher.Seal(data, storage.AAD(v.account, kind, "protocol_local", name))
	if err != nil {
		return err
	}
	_, err = v.q.ExecContext(ctx, `
		INSERT INTO protocol_local (account, kind, name, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (account, kind, name) DO UPDATE SET value = excluded.value`,
		v.acct, kind, name, sealed,
	)
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}
