package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"bitpart/internal/domain"
	"bitpart/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T, policy TrustPolicy) (*Store, Config) {
	t.Helper()
	cfg := Config{
		DB:     storage.OpenTest(t),
		Locks:  storage.NewKeyedMutex(),
		Policy: policy,
		Logger: testLogger(),
	}
	return New(cfg, "+15550001"), cfg
}

func addr(name string, dev uint32) domain.Address { return domain.Address{Name: name, DeviceID: dev} }

func u32(v uint32) *uint32 { return &v }

func TestIdentity_FirstSeenIsTrusted(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()
	alice := addr("alice", 1)

	trusted, err := s.IsTrustedIdentity(ctx, alice, []byte("k1"), Receiving)
	require.NoError(t, err)
	assert.True(t, trusted)

	change, err := s.SaveIdentity(ctx, alice, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, IdentityNew, change)

	change, err = s.SaveIdentity(ctx, alice, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, IdentityUnchanged, change)

	key, err := s.GetIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("k1"), key)
}

func TestIdentity_ChangedKeyRejected(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()
	alice := addr("alice", 1)

	_, err := s.SaveIdentity(ctx, alice, []byte("k1"))
	require.NoError(t, err)

	_, err = s.SaveIdentity(ctx, alice, []byte("k2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdentityConflict)
	assert.Equal(t, domain.KindProtocolState, domain.KindOf(err))
	var conflict *IdentityConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []byte("k1"), conflict.Stored)
	assert.Equal(t, []byte("k2"), conflict.Received)

	key, err := s.GetIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("k1"), key, "stored key must not be replaced")

	trusted, err := s.IsTrustedIdentity(ctx, alice, []byte("k2"), Sending)
	require.NoError(t, err)
	assert.False(t, trusted)

	pending, err := s.PendingIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Address)
	assert.Equal(t, []byte("k2"), pending[0].Received)
	assert.False(t, pending[0].SeenAt.IsZero())
}

func TestIdentity_ApproveReplacesKey(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()
	alice := addr("alice", 1)

	_, err := s.SaveIdentity(ctx, alice, []byte("k1"))
	require.NoError(t, err)
	_, err = s.SaveIdentity(ctx, alice, []byte("k2"))
	require.ErrorIs(t, err, domain.ErrIdentityConflict)

	assert.ErrorIs(t, s.ApproveIdentity(ctx, alice, []byte("k3")), domain.ErrNotFound)
	require.NoError(t, s.ApproveIdentity(ctx, alice, []byte("k2")))

	key, err := s.GetIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("k2"), key)

	pending, err := s.PendingIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIdentity_TrustPolicyReplaces(t *testing.T) {
	s, _ := testStore(t, TrustNewIdentities)
	ctx := context.Background()
	alice := addr("alice", 1)

	_, err := s.SaveIdentity(ctx, alice, []byte("k1"))
	require.NoError(t, err)

	trusted, err := s.IsTrustedIdentity(ctx, alice, []byte("k2"), Receiving)
	require.NoError(t, err)
	assert.True(t, trusted)

	change, err := s.SaveIdentity(ctx, alice, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, IdentityReplaced, change)
}

func TestSessions(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	rec, err := s.LoadSession(ctx, addr("bob", 1))
	require.NoError(t, err)
	assert.Nil(t, rec)

	for _, dev := range []uint32{1, 2, 3} {
		require.NoError(t, s.StoreSession(ctx, addr("bob", dev), []byte(fmt.Sprintf("s%d", dev))))
	}
	require.NoError(t, s.StoreSession(ctx, addr("carol", 5), []byte("c")))
	require.NoError(t, s.StoreSession(ctx, addr("bob", 2), []byte("s2-advanced")))

	rec, err = s.LoadSession(ctx, addr("bob", 2))
	require.NoError(t, err)
	assert.Equal(t, []byte("s2-advanced"), rec)

	ids, err := s.SubDeviceSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, ids)

	ok, err := s.ContainsSession(ctx, addr("bob", 3))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteSession(ctx, addr("bob", 3)))
	ok, err = s.ContainsSession(ctx, addr("bob", 3))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.DeleteAllSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err = s.LoadSession(ctx, addr("carol", 5))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), rec)
}

func TestTreesAreSeparate(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	require.NoError(t, s.StoreSession(ctx, addr("bob", 1), []byte("aci")))
	rec, err := s.PNI().LoadSession(ctx, addr("bob", 1))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, PNI, s.PNI().Kind())
	assert.Equal(t, ACI, s.PNI().ACI().Kind())
}

func TestNextKeyIDs(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	next, err := s.NextPreKeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), next)

	require.NoError(t, s.StorePreKey(ctx, 7, []byte("p7")))
	require.NoError(t, s.StorePreKey(ctx, 3, []byte("p3")))
	next, err = s.NextPreKeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), next)

	require.NoError(t, s.StoreSignedPreKey(ctx, 1, []byte("sp1")))
	next, err = s.NextSignedPreKeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), next)

	ids, err := s.SignedPreKeyIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ids)

	next, err = s.NextKyberPreKeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), next)

	count, err := s.PreKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestKyberLastResortSurvivesUse(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	require.NoError(t, s.StoreKyberPreKey(ctx, 1, []byte("one-time"), false))
	require.NoError(t, s.StoreKyberPreKey(ctx, 2, []byte("last-resort"), true))

	require.NoError(t, s.MarkKyberPreKeyUsed(ctx, 1))
	require.NoError(t, s.MarkKyberPreKeyUsed(ctx, 2))

	k, err := s.LoadKyberPreKey(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, k)

	k, err = s.LoadKyberPreKey(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.True(t, k.LastResort)
	assert.Equal(t, []byte("last-resort"), k.Record)
}

func TestPreKeyCountsAndLastResortListing(t *testing.T) {
	s, cfg := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	for id := uint32(1); id <= 3; id++ {
		require.NoError(t, s.StoreSignedPreKey(ctx, id, []byte(fmt.Sprintf("sp%d", id))))
	}
	require.NoError(t, s.StoreKyberPreKey(ctx, 10, []byte("k10"), false))
	require.NoError(t, s.StoreKyberPreKey(ctx, 11, []byte("k11"), false))
	require.NoError(t, s.StoreKyberPreKey(ctx, 21, []byte("lr21"), true))
	require.NoError(t, s.StoreKyberPreKey(ctx, 20, []byte("lr20"), true))

	n, err := s.SignedPreKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.KyberPreKeyCount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.KyberPreKeyCount(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := s.LastResortKyberPreKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, KyberPreKey{ID: 20, Record: []byte("lr20"), LastResort: true}, keys[0])
	assert.Equal(t, uint32(21), keys[1].ID)

	// Counts are per account.
	other := New(cfg, "+15550002")
	n, err = other.KyberPreKeyCount(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveKyberPreKey(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	require.NoError(t, s.StoreKyberPreKey(ctx, 1, []byte("one-time"), false))
	require.NoError(t, s.StoreKyberPreKey(ctx, 2, []byte("last-resort"), true))

	// Unlike MarkKyberPreKeyUsed, removal also drops last-resort keys.
	require.NoError(t, s.RemoveKyberPreKey(ctx, 2))
	k, err := s.LoadKyberPreKey(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, k)
	keys, err := s.LastResortKyberPreKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.RemoveKyberPreKey(ctx, 1))
	n, err := s.KyberPreKeyCount(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Removing a missing key is not an error.
	assert.NoError(t, s.RemoveKyberPreKey(ctx, 99))
}

func TestCommitSession_ConsumesPreKeyAtomically(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()
	bob := addr("bob", 1)

	require.NoError(t, s.StorePreKey(ctx, 10, []byte("pk")))
	require.NoError(t, s.StoreKyberPreKey(ctx, 20, []byte("kpk"), false))

	err := s.CommitSession(ctx, bob, []byte("session-1"), ConsumedPreKeys{PreKeyID: u32(10), KyberPreKeyID: u32(20)})
	require.NoError(t, err)

	pk, err := s.LoadPreKey(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, pk, "one-time pre-key must be consumed")

	// Replaying the same pre-key message must not advance the session.
	err = s.CommitSession(ctx, bob, []byte("session-replayed"), ConsumedPreKeys{PreKeyID: u32(10)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPreKeyExhausted)
	assert.Equal(t, domain.KindProtocolState, domain.KindOf(err))

	rec, err := s.LoadSession(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []byte("session-1"), rec)
}

func TestCommitSession_RollsBackPreKeyWhenKyberMissing(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	require.NoError(t, s.StorePreKey(ctx, 1, []byte("pk")))
	err := s.CommitSession(ctx, addr("bob", 1), []byte("s"), ConsumedPreKeys{PreKeyID: u32(1), KyberPreKeyID: u32(99)})
	require.ErrorIs(t, err, domain.ErrPreKeyExhausted)

	pk, err := s.LoadPreKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("pk"), pk, "pre-key removal must roll back")

	rec, err := s.LoadSession(ctx, addr("bob", 1))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConcurrentSessionUpdatesSameAccount(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()
	bob := addr("bob", 1)
	require.NoError(t, s.StoreSession(ctx, bob, []byte{0}))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transact(ctx, func(tx *Tx) error {
				rec, err := tx.LoadSession(ctx, bob)
				if err != nil {
					return err
				}
				return tx.StoreSession(ctx, bob, []byte{rec[0] + 1})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.LoadSession(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, byte(25), rec[0], "every counter advance must be applied exactly once")
}

func TestAccountsDoNotBlockEachOther(t *testing.T) {
	s, cfg := testStore(t, RejectNewIdentities)
	other := New(cfg, "+15550002")
	ctx := context.Background()

	unlock, err := cfg.Locks.Lock(ctx, LockKey(s.Account()))
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, other.StoreSession(ctx, addr("bob", 1), []byte("x")))
}

func TestRegistrationAndClear(t *testing.T) {
	s, _ := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	ok, err := s.IsRegistered(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.LocalRegistrationID(ctx)
	assert.Equal(t, domain.KindProtocolState, domain.KindOf(err))

	require.NoError(t, s.SaveRegistration(ctx, Registration{ACI: "aci-1", PNI: "pni-1", DeviceID: 2, RegistrationID: 11, PNIRegistrationID: 22}))
	require.NoError(t, s.SetIdentityKeyPair(ctx, IdentityKeyPair{PublicKey: []byte("pub"), PrivateKey: []byte("priv")}))
	require.NoError(t, s.StoreSession(ctx, addr("bob", 1), []byte("s")))
	_, err = s.SaveIdentity(ctx, addr("bob", 1), []byte("k"))
	require.NoError(t, err)

	id, err := s.LocalRegistrationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), id)
	id, err = s.PNI().LocalRegistrationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(22), id)

	kp, err := s.IdentityKeyPair(ctx)
	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.Equal(t, []byte("priv"), kp.PrivateKey)

	pniKP, err := s.PNI().IdentityKeyPair(ctx)
	require.NoError(t, err)
	assert.Nil(t, pniKP)

	require.NoError(t, s.ClearRegistration(ctx))
	ok, err = s.IsRegistered(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	rec, err := s.LoadSession(ctx, addr("bob", 1))
	require.NoError(t, err)
	assert.Nil(t, rec)
	key, err := s.GetIdentity(ctx, addr("bob", 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), key, "remote identities survive re-registration")
}

func TestPurgeRemovesOnlyThatAccount(t *testing.T) {
	s, cfg := testStore(t, RejectNewIdentities)
	other := New(cfg, "+15550002")
	ctx := context.Background()

	for _, st := range []*Store{s, other} {
		require.NoError(t, st.StoreSession(ctx, addr("bob", 1), []byte("s")))
		require.NoError(t, st.StorePreKey(ctx, 1, []byte("p")))
		require.NoError(t, st.StoreSenderKey(ctx, addr("bob", 1), "dist", []byte("sk")))
	}
	require.NoError(t, s.Purge(ctx))

	for _, table := range protocolTables {
		var n int
		require.NoError(t, cfg.DB.SQL().QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE account = ?`, AccountDigest(cfg.DB.Cipher(), s.Account())).Scan(&n))
		assert.Zero(t, n, table)
	}
	sk, err := other.LoadSenderKey(ctx, addr("bob", 1), "dist")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk"), sk)
}

func TestRecordsAreSealed(t *testing.T) {
	s, cfg := testStore(t, RejectNewIdentities)
	ctx := context.Background()

	require.NoError(t, s.StoreSession(ctx, addr("bob", 1), []byte("plaintext-session")))
	var raw []byte
	require.NoError(t, cfg.DB.SQL().QueryRow(`SELECT record FROM protocol_sessions`).Scan(&raw))
	assert.NotContains(t, string(raw), "plaintext-session")

	// Rows are keyed by digests, not by the account or the remote name.
	var account, address string
	require.NoError(t, cfg.DB.SQL().QueryRow(`SELECT account, address FROM protocol_sessions`).Scan(&account, &address))
	assert.NotContains(t, account, s.Account())
	assert.NotEqual(t, "bob", address)
	assert.Equal(t, s.view(nil).addr("bob"), address)

	// A record copied to another row does not open.
	_, err := cfg.DB.SQL().Exec(`INSERT INTO protocol_sessions (account, kind, address, device_id, record, updated_at) VALUES (?, 'aci', ?, 1, ?, 0)`,
		account, s.view(nil).addr("mallory"), raw)
	require.NoError(t, err)
	_, err = s.LoadSession(ctx, addr("mallory", 1))
	assert.Error(t, err)
	assert.Equal(t, domain.KindStorage, domain.KindOf(err))
}
