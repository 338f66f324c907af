package channel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"bitpart/internal/bus"
	"bitpart/internal/content"
	"bitpart/internal/domain"
	"bitpart/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fixture struct {
	m   *Manager
	hub *Loopback
	bus *bus.InMemoryBus
	db  *storage.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.OpenTest(t)
	b := bus.New(16, testLogger())
	m, err := New(Config{DB: db, Bus: b, SyncInterval: time.Hour, Logger: testLogger()})
	require.NoError(t, err)
	hub := NewLoopback()
	m.Register(KindLoopback, hub)
	t.Cleanup(m.Close)
	return &fixture{m: m, hub: hub, bus: b, db: db}
}

func (f *fixture) bot(t *testing.T, id string) {
	t.Helper()
	now := storage.Millis(time.Now())
	_, err := f.db.SQL().Exec(`INSERT INTO bots (id, version_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, "v1", now, now)
	require.NoError(t, err)
}

func (f *fixture) linked(t *testing.T, botID, account string) domain.Channel {
	t.Helper()
	f.bot(t, botID)
	ch, err := f.m.Create(context.Background(), botID, "", account)
	require.NoError(t, err)
	_, err = f.m.Link(context.Background(), ch.ID, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.m.Running(account)) == 1 }, 2*time.Second, 10*time.Millisecond)
	return ch
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "bot1")

	ch, err := f.m.Create(ctx, "bot1", "", "+15550001")
	require.NoError(t, err)
	assert.Equal(t, KindLoopback, ch.Kind)

	got, err := f.m.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.Account, got.Account)

	_, err = f.m.Create(ctx, "bot1", "", "+15550001")
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err), "an account has one channel")

	_, err = f.m.Create(ctx, "missing", "", "+15550002")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.m.Create(ctx, "bot1", "carrier-pigeon", "+15550003")
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))

	_, err = f.m.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "a")
	f.bot(t, "b")
	for _, acct := range []string{"+1", "+2"} {
		_, err := f.m.Create(ctx, "a", "", acct)
		require.NoError(t, err)
	}
	_, err := f.m.Create(ctx, "b", "", "+3")
	require.NoError(t, err)

	chans, err := f.m.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, chans, 2)

	chans, err = f.m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, chans, 3)
}

func TestLink_StartsChannelAndSchedulesSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+15550001")

	var devices []domain.Device
	require.Eventually(t, func() bool {
		var err error
		devices, err = f.m.Devices(ctx, ch.Account)
		return err == nil && len(devices) == 1
	}, 2*time.Second, 10*time.Millisecond, "the pending placeholder is dropped")
	assert.Equal(t, uint32(2), devices[0].DeviceID)
	assert.Equal(t, domain.DeviceActive, devices[0].State)
	assert.Equal(t, "bitpart", devices[0].Name)

	reg, err := f.m.Store(ch.Account).Registration(ctx)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, uint32(2), reg.DeviceID)

	kp, err := f.m.Store(ch.Account).IdentityKeyPair(ctx)
	require.NoError(t, err)
	assert.NotNil(t, kp)

	assert.Equal(t, 1, f.m.SyncJobCount(ch.Account))
	require.Eventually(t, func() bool { return f.hub.Syncs(ch.Account) >= 1 }, 2*time.Second, 10*time.Millisecond,
		"the first sync runs right after linking")

	local, err := f.m.Local(ctx, ch.Account)
	require.NoError(t, err)
	assert.Equal(t, reg.ACI, local.ACI)
	assert.Equal(t, uint32(2), local.DeviceID)
}

func TestLink_SecondDeviceStartsWhileFirstIsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+15550001")

	_, err := f.m.Link(ctx, ch.ID, "second")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.m.Running(ch.Account)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint32{2, 3}, f.m.Running(ch.Account))

	assert.Equal(t, 1, f.m.SyncJobCount(ch.Account), "sync stays a singleton per account")
	assert.False(t, f.m.ScheduleContactSync(ch.Account))

	f.m.CancelContactSync(ch.Account)
	assert.Zero(t, f.m.SyncJobCount(ch.Account))
	assert.True(t, f.m.ScheduleContactSync(ch.Account))
}

func TestLink_FailureDropsPendingDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "bot")
	ch, err := f.m.Create(ctx, "bot", "", "+1")
	require.NoError(t, err)

	f.hub.FailLinks(errors.New("scan timed out"))
	url, err := f.m.Link(ctx, ch.ID, "dev")
	require.NoError(t, err)
	assert.Contains(t, url, "sgnl://linkdevice")

	require.Eventually(t, func() bool {
		devices, err := f.m.Devices(ctx, ch.Account)
		return err == nil && len(devices) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.m.Running(ch.Account))
	assert.Zero(t, f.m.SyncJobCount(ch.Account))
}

func TestStart_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+1")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.m.Start(ctx, ch.ID))
	}
	assert.Len(t, f.m.Running(ch.Account), 1)

	f.m.Stop(ch.ID)
	assert.Empty(t, f.m.Running(ch.Account))

	require.NoError(t, f.m.StartAll(ctx))
	assert.Len(t, f.m.Running(ch.Account), 1)
}

func TestStart_WithoutActiveDevice(t *testing.T) {
	f := newFixture(t)
	f.bot(t, "bot")
	ch, err := f.m.Create(context.Background(), "bot", "", "+1")
	require.NoError(t, err)
	err = f.m.Start(context.Background(), ch.ID)
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
}

func TestReceive_PublishesToBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+1")

	require.NoError(t, f.hub.Deliver(ctx, ch.Account, domain.InboundEvent{
		MessageID: "1700000000000",
		Sender:    domain.Address{Name: "alice", DeviceID: 1},
		Content:   domain.Content{Type: domain.ContentText, Text: "hi"},
	}))

	select {
	case ev := <-f.bus.Subscribe():
		assert.Equal(t, ch.ID, ev.ChannelID)
		assert.Equal(t, ch.Account, ev.Account)
		assert.Equal(t, "hi", ev.Content.Text)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+1")
	to := domain.Recipient{Contact: "alice"}

	ts1, err := f.m.Send(ctx, ch.ID, to, Outbound{Text: "one"})
	require.NoError(t, err)
	ts2, err := f.m.Send(ctx, ch.ID, to, Outbound{Text: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, MessageID(ts1), MessageID(ts2))

	sent := f.hub.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "one", sent[0].Message.Text)
	assert.Equal(t, to, sent[0].To)

	f.hub.FailSends(ch.Account, errors.New("connection reset"), 1)
	_, err = f.m.Send(ctx, ch.ID, to, Outbound{Text: "three"})
	assert.Equal(t, domain.KindSend, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))

	_, err = f.m.Send(ctx, ch.ID, domain.Recipient{}, Outbound{Text: "x"})
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))

	f.m.Stop(ch.ID)
	_, err = f.m.Send(ctx, ch.ID, to, Outbound{Text: "four"})
	assert.Equal(t, domain.KindSend, domain.KindOf(err))
}

func TestContactSync_PersistsContacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.hub.SetContacts("+15550001", []content.Contact{
		{ID: "bob", Phone: "+15550003", Name: "Bob"},
		{ID: "alice", Name: "Alice"},
	})
	ch := f.linked(t, "bot", "+15550001")

	var contacts []content.Contact
	require.Eventually(t, func() bool {
		var err error
		contacts, err = f.m.Contents(ch.Account).Contacts(ctx)
		return err == nil && len(contacts) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", contacts[0].ID)
	assert.Equal(t, "Bob", contacts[1].Name)
}

func TestHistory(t *testing.T) {
	db := storage.OpenTest(t)
	b := bus.New(16, testLogger())
	m, err := New(Config{DB: db, Bus: b, SyncInterval: time.Hour, KeepHistory: true, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	hub := NewLoopback()
	m.Register(KindLoopback, hub)
	f := &fixture{m: m, hub: hub, bus: b, db: db}
	ctx := context.Background()
	ch := f.linked(t, "bot", "+1")
	alice := domain.Recipient{Contact: "alice"}

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, hub.Deliver(ctx, ch.Account, domain.InboundEvent{
		MessageID: "1700000000000",
		Timestamp: at,
		Sender:    domain.Address{Name: "alice", DeviceID: 1},
		Content:   domain.Content{Type: domain.ContentText, Text: "hello"},
	}))
	select {
	case <-b.Subscribe():
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
	ts, err := m.Send(ctx, ch.ID, alice, Outbound{Text: "hi alice"})
	require.NoError(t, err)

	msgs, err := m.Contents(ch.Account).Messages(ctx, alice, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content.Text)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.False(t, msgs[0].Outgoing)
	assert.Equal(t, "hi alice", msgs[1].Content.Text)
	assert.True(t, msgs[1].Outgoing)
	assert.Equal(t, ts.UnixMilli(), msgs[1].Timestamp.UnixMilli())

	require.NoError(t, m.Delete(ctx, ch.ID))
	msgs, err = m.Contents(ch.Account).Messages(ctx, alice, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs, "deleting the channel drops its history")
}

func TestHistory_OffByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+1")
	alice := domain.Recipient{Contact: "alice"}

	_, err := f.m.Send(ctx, ch.ID, alice, Outbound{Text: "hi"})
	require.NoError(t, err)
	msgs, err := f.m.Contents(ch.Account).Messages(ctx, alice, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDelete_PurgesAccountState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.linked(t, "bot", "+1")

	require.NoError(t, f.m.Delete(ctx, ch.ID))
	assert.Empty(t, f.m.Running(ch.Account))
	assert.Zero(t, f.m.SyncJobCount(ch.Account))

	_, err := f.m.Get(ctx, ch.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	devices, err := f.m.Devices(ctx, ch.Account)
	require.NoError(t, err)
	assert.Empty(t, devices)
	registered, err := f.m.Store(ch.Account).IsRegistered(ctx)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(Config{DB: storage.OpenTest(t), Bus: bus.New(1, testLogger()), SyncSchedule: "every tuesday"})
	assert.Error(t, err)
}

func TestSyncScheduler_CronSchedule(t *testing.T) {
	runs := make(chan string, 4)
	s, err := NewSyncScheduler(0, "*/5 * * * *", func(_ context.Context, account string) error {
		runs <- account
		return nil
	}, testLogger())
	require.NoError(t, err)
	defer s.Stop()

	assert.True(t, s.Schedule(context.Background(), "+1"))
	select {
	case acct := <-runs:
		assert.Equal(t, "+1", acct)
	case <-time.After(2 * time.Second):
		t.Fatal("first sync did not run")
	}

	next, err := s.next(time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 5, next.Minute())
}
