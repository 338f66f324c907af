// Package content keeps what an account learns from the messaging service
// besides protocol state: contacts, groups, profile keys and the message
// history of each thread. Records are CBOR encoded and sealed; accounts,
// contacts and threads are stored as keyed digests.
package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/storage"

	"github.com/fxamacker/cbor/v2"
)

const (
	contactsTable    = "content_contacts"
	groupsTable      = "content_groups"
	profileKeysTable = "content_profile_keys"
	messagesTable    = "content_messages"

	profileKeySize = 32
)

var tables = []string{contactsTable, groupsTable, profileKeysTable, messagesTable}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("content: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("content: CBOR decoder initialization failed: " + err.Error())
	}
}

// Contact is an entry of the account's contact list.
type Contact struct {
	ID         string `cbor:"1,keyasint"`
	Phone      string `cbor:"2,keyasint,omitempty"`
	Name       string `cbor:"3,keyasint,omitempty"`
	Blocked    bool   `cbor:"4,keyasint,omitempty"`
	ProfileKey []byte `cbor:"5,keyasint,omitempty"`
}

// Group is a group the account is a member of, keyed by its hex master key.
type Group struct {
	MasterKey string   `cbor:"1,keyasint"`
	Title     string   `cbor:"2,keyasint,omitempty"`
	Members   []string `cbor:"3,keyasint,omitempty"`
	Revision  uint32   `cbor:"4,keyasint,omitempty"`
}

// Message is one entry of a thread's history. A thread is the contact or
// group the message was exchanged with; Timestamp identifies the message
// within it at millisecond precision.
type Message struct {
	Thread    domain.Recipient `cbor:"1,keyasint"`
	Timestamp time.Time        `cbor:"-"`
	Sender    string           `cbor:"3,keyasint,omitempty"`
	Outgoing  bool             `cbor:"4,keyasint,omitempty"`
	Content   domain.Content   `cbor:"5,keyasint"`
}

// Store is the content store of one account. It is safe for concurrent use;
// every operation is a single statement or a transaction.
type Store struct {
	db      *storage.DB
	account string
	acct    string
}

func New(db *storage.DB, account string) *Store {
	return &Store{db: db, account: account, acct: db.Cipher().Digest("content.account", []byte(account))}
}

func (s *Store) Account() string { return s.account }

func (s *Store) digest(kind, name string) string {
	return s.db.Cipher().Digest("content."+kind, storage.AAD(s.account, name))
}

func (s *Store) seal(table, key string, v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", table, err)
	}
	return s.db.Cipher().Seal(data, storage.AAD(s.acct, table, key))
}

func (s *Store) open(table, key string, sealed []byte, v any) error {
	data, err := s.db.Cipher().Open(sealed, storage.AAD(s.acct, table, key))
	if err != nil {
		return fmt.Errorf("%s record: %w", table, err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s record: %w", table, err)
	}
	return nil
}

// Contacts

func (s *Store) SaveContact(ctx context.Context, c Contact) error {
	return s.saveContact(ctx, s.db.SQL(), c)
}

func (s *Store) saveContact(ctx context.Context, q storage.Querier, c Contact) error {
	const op = "save contact"
	if c.ID == "" {
		return domain.E(domain.KindInvalid, op, fmt.Errorf("contact id is required"))
	}
	if len(c.ProfileKey) != 0 && len(c.ProfileKey) != profileKeySize {
		return domain.E(domain.KindInvalid, op, fmt.Errorf("profile key must be %d bytes", profileKeySize))
	}
	key := s.digest("contact", c.ID)
	sealed, err := s.seal(contactsTable, key, c)
	if err != nil {
		return wrap(op, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO content_contacts (account, contact, record, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (account, contact) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		s.acct, key, sealed, storage.Millis(time.Now()))
	if err != nil {
		return wrap(op, err)
	}
	if len(c.ProfileKey) > 0 {
		if _, err := s.upsertProfileKey(ctx, q, c.ID, c.ProfileKey); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceContacts swaps the whole contact list for contacts in one
// transaction, as delivered by a contact sync. Profile keys carried by the
// contacts are upserted; others are kept.
func (s *Store) ReplaceContacts(ctx context.Context, contacts []Contact) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM content_contacts WHERE account = ?`, s.acct); err != nil {
			return wrap("replace contacts", err)
		}
		for _, c := range contacts {
			if err := s.saveContact(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Contact returns the contact with id, or nil.
func (s *Store) Contact(ctx context.Context, id string) (*Contact, error) {
	var c Contact
	ok, err := s.get(ctx, contactsTable, "contact", s.digest("contact", id), &c)
	if !ok || err != nil {
		return nil, wrap("get contact", err)
	}
	return &c, nil
}

// Contacts returns every contact ordered by id.
func (s *Store) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	err := s.each(ctx, contactsTable, "contact", func(key string, sealed []byte) error {
		var c Contact
		if err := s.open(contactsTable, key, sealed, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	slices.SortFunc(out, func(a, b Contact) int { return strings.Compare(a.ID, b.ID) })
	return out, wrap("list contacts", err)
}

func (s *Store) ClearContacts(ctx context.Context) error {
	return wrap("clear contacts", s.clear(ctx, s.db.SQL(), contactsTable))
}

// Groups

func (s *Store) SaveGroup(ctx context.Context, g Group) error {
	const op = "save group"
	if err := (domain.Recipient{Group: g.MasterKey}).Validate(); err != nil {
		return domain.E(domain.KindInvalid, op, err)
	}
	key := s.digest("group", g.MasterKey)
	sealed, err := s.seal(groupsTable, key, g)
	if err != nil {
		return wrap(op, err)
	}
	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO content_groups (account, group_key, record, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (account, group_key) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		s.acct, key, sealed, storage.Millis(time.Now()))
	return wrap(op, err)
}

// Group returns the group with masterKey, or nil.
func (s *Store) Group(ctx context.Context, masterKey string) (*Group, error) {
	var g Group
	ok, err := s.get(ctx, groupsTable, "group_key", s.digest("group", masterKey), &g)
	if !ok || err != nil {
		return nil, wrap("get group", err)
	}
	return &g, nil
}

func (s *Store) Groups(ctx context.Context) ([]Group, error) {
	var out []Group
	err := s.each(ctx, groupsTable, "group_key", func(key string, sealed []byte) error {
		var g Group
		if err := s.open(groupsTable, key, sealed, &g); err != nil {
			return err
		}
		out = append(out, g)
		return nil
	})
	slices.SortFunc(out, func(a, b Group) int { return strings.Compare(a.MasterKey, b.MasterKey) })
	return out, wrap("list groups", err)
}

func (s *Store) ClearGroups(ctx context.Context) error {
	return wrap("clear groups", s.clear(ctx, s.db.SQL(), groupsTable))
}

// Profile keys

// UpsertProfileKey stores the profile key of contact and reports whether it
// changed.
func (s *Store) UpsertProfileKey(ctx context.Context, contact string, key []byte) (bool, error) {
	if len(key) != profileKeySize {
		return false, domain.E(domain.KindInvalid, "upsert profile key", fmt.Errorf("profile key must be %d bytes", profileKeySize))
	}
	return s.upsertProfileKey(ctx, s.db.SQL(), contact, key)
}

func (s *Store) upsertProfileKey(ctx context.Context, q storage.Querier, contact string, key []byte) (bool, error) {
	const op = "upsert profile key"
	digest := s.digest("contact", contact)
	var old []byte
	ok, err := s.getWith(ctx, q, profileKeysTable, "contact", digest, &old)
	if err != nil {
		return false, wrap(op, err)
	}
	if ok && string(old) == string(key) {
		return false, nil
	}
	sealed, err := s.seal(profileKeysTable, digest, key)
	if err != nil {
		return false, wrap(op, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO content_profile_keys (account, contact, record) VALUES (?, ?, ?)
		ON CONFLICT (account, contact) DO UPDATE SET record = excluded.record`,
		s.acct, digest, sealed)
	if err != nil {
		return false, wrap(op, err)
	}
	return true, nil
}

// ProfileKey returns the profile key of contact, or nil.
func (s *Store) ProfileKey(ctx context.Context, contact string) ([]byte, error) {
	var key []byte
	ok, err := s.get(ctx, profileKeysTable, "contact", s.digest("contact", contact), &key)
	if !ok || err != nil {
		return nil, wrap("get profile key", err)
	}
	return key, nil
}

// Messages

func (s *Store) threadKey(t domain.Recipient) string { return s.digest("thread", t.String()) }

func messageKey(thread string, at time.Time) string {
	return thread + "/" + strconv.FormatInt(at.UnixMilli(), 10)
}

// SaveMessage records m in its thread's history. A message with the same
// thread and timestamp is replaced.
func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	const op = "save message"
	if err := m.Thread.Validate(); err != nil {
		return domain.E(domain.KindInvalid, op, err)
	}
	if m.Timestamp.IsZero() {
		return domain.E(domain.KindInvalid, op, fmt.Errorf("message timestamp is required"))
	}
	thread := s.threadKey(m.Thread)
	sealed, err := s.seal(messagesTable, messageKey(thread, m.Timestamp), m)
	if err != nil {
		return wrap(op, err)
	}
	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO content_messages (account, thread, sent_at, record) VALUES (?, ?, ?, ?)
		ON CONFLICT (account, thread, sent_at) DO UPDATE SET record = excluded.record`,
		s.acct, thread, m.Timestamp.UnixMilli(), sealed)
	return wrap(op, err)
}

// Message returns the message of thread sent at at, or nil.
func (s *Store) Message(ctx context.Context, thread domain.Recipient, at time.Time) (*Message, error) {
	key := s.threadKey(thread)
	var sealed []byte
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT record FROM content_messages WHERE account = ? AND thread = ? AND sent_at = ?`,
		s.acct, key, at.UnixMilli()).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	var m Message
	if err := s.open(messagesTable, messageKey(key, at), sealed, &m); err != nil {
		return nil, wrap("get message", err)
	}
	m.Timestamp = time.UnixMilli(at.UnixMilli())
	return &m, nil
}

// DeleteMessage reports whether a message was deleted.
func (s *Store) DeleteMessage(ctx context.Context, thread domain.Recipient, at time.Time) (bool, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM content_messages WHERE account = ? AND thread = ? AND sent_at = ?`,
		s.acct, s.threadKey(thread), at.UnixMilli())
	if err != nil {
		return false, wrap("delete message", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("delete message", err)
}

// Messages returns the history of thread from from (inclusive) to to
// (exclusive), oldest first. A zero bound is open.
func (s *Store) Messages(ctx context.Context, thread domain.Recipient, from, to time.Time) ([]Message, error) {
	const op = "list messages"
	key := s.threadKey(thread)
	query := `SELECT sent_at, record FROM content_messages WHERE account = ? AND thread = ?`
	args := []any{s.acct, key}
	if !from.IsZero() {
		query += ` AND sent_at >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		query += ` AND sent_at < ?`
		args = append(args, to.UnixMilli())
	}
	rows, err := s.db.SQL().QueryContext(ctx, query+` ORDER BY sent_at`, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var at int64
		var sealed []byte
		if err := rows.Scan(&at, &sealed); err != nil {
			return nil, wrap(op, err)
		}
		var m Message
		m.Timestamp = time.UnixMilli(at)
		if err := s.open(messagesTable, messageKey(key, m.Timestamp), sealed, &m); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, m)
	}
	return out, wrap(op, rows.Err())
}

func (s *Store) ClearThread(ctx context.Context, thread domain.Recipient) error {
	_, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM content_messages WHERE account = ? AND thread = ?`, s.acct, s.threadKey(thread))
	return wrap("clear thread", err)
}

func (s *Store) ClearMessages(ctx context.Context) error {
	return wrap("clear messages", s.clear(ctx, s.db.SQL(), messagesTable))
}

// Clear removes contacts, groups and message history. Profile keys are
// kept.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{contactsTable, groupsTable, messagesTable} {
			if err := s.clear(ctx, tx, table); err != nil {
				return wrap("clear contents", err)
			}
		}
		return nil
	})
}

// PurgeTx removes every content row of the account inside the caller's
// transaction.
func (s *Store) PurgeTx(ctx context.Context, q storage.Querier) error {
	for _, table := range tables {
		if err := s.clear(ctx, q, table); err != nil {
			return wrap("purge contents", err)
		}
	}
	return nil
}

func (s *Store) clear(ctx context.Context, q storage.Querier, table string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE account = ?`, s.acct); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, table, column, key string, out any) (bool, error) {
	return s.getWith(ctx, s.db.SQL(), table, column, key, out)
}

func (s *Store) getWith(ctx context.Context, q storage.Querier, table, column, key string, out any) (bool, error) {
	var sealed []byte
	err := q.QueryRowContext(ctx,
		`SELECT record FROM `+table+` WHERE account = ? AND `+column+` = ?`, s.acct, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", table, err)
	}
	return true, s.open(table, key, sealed, out)
}

func (s *Store) each(ctx context.Context, table, column string, fn func(key string, sealed []byte) error) error {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT `+column+`, record FROM `+table+` WHERE account = ?`, s.acct)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var sealed []byte
		if err := rows.Scan(&key, &sealed); err != nil {
			return err
		}
		if err := fn(key, sealed); err != nil {
			return err
		}
	}
	return rows.Err()
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
