package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"bitpart/internal/bus"
	"bitpart/internal/content"
	"bitpart/internal/dedup"
	"bitpart/internal/domain"
	"bitpart/internal/metrics"
	"bitpart/internal/protocol"
	"bitpart/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// KindLoopback names the built-in in-process transport.
	KindLoopback = "loopback"

	maxReconnectDelay = 30 * time.Second
	pendingDeviceID   = 0
)

// Config configures a Manager.
type Config struct {
	DB       *storage.DB
	Protocol protocol.Config
	Bus      domain.MessageBus
	Events   *bus.EventBus
	// Dedup, when set, loses a channel's records together with the channel.
	Dedup *dedup.Guard
	// Kind is the transport used when Create is not given one.
	Kind         string
	DeviceName   string
	SyncInterval time.Duration
	SyncSchedule string
	// KeepHistory records inbound and sent messages in the account's
	// content store.
	KeepHistory bool
	Logger      *slog.Logger
}

// Manager owns the channels of every bot: their devices, receive loops and
// contact-sync jobs.
type Manager struct {
	db         *storage.DB
	proto      protocol.Config
	bus        domain.MessageBus
	events     *bus.EventBus
	dedup      *dedup.Guard
	kind       string
	deviceName string
	history    bool
	syncs      *SyncScheduler
	logger     *slog.Logger

	// ctx outlives the requests that start receive loops and link devices.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu        sync.Mutex
	factories map[string]Factory
	running   map[string]*receiver
	locals    map[string]dedup.Local
}

// receiver is the receive loop of one device.
type receiver struct {
	channel   domain.Channel
	device    uint32
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("channel manager needs a database")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("channel manager needs a message bus")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Kind == "" {
		cfg.Kind = KindLoopback
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "bitpart"
	}
	if cfg.Protocol.DB == nil {
		cfg.Protocol.DB = cfg.DB
	}
	if cfg.Protocol.Locks == nil {
		cfg.Protocol.Locks = storage.NewKeyedMutex()
	}
	if cfg.Protocol.Logger == nil {
		cfg.Protocol.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		db:         cfg.DB,
		proto:      cfg.Protocol,
		bus:        cfg.Bus,
		events:     cfg.Events,
		dedup:      cfg.Dedup,
		kind:       cfg.Kind,
		deviceName: cfg.DeviceName,
		history:    cfg.KeepHistory,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		factories:  map[string]Factory{KindLoopback: NewLoopback()},
		running:    make(map[string]*receiver),
		locals:     make(map[string]dedup.Local),
	}
	syncs, err := NewSyncScheduler(cfg.SyncInterval, cfg.SyncSchedule, m.syncContacts, cfg.Logger)
	if err != nil {
		cancel()
		return nil, err
	}
	m.syncs = syncs
	return m, nil
}

// Register makes a transport kind available, replacing any factory of the
// same name.
func (m *Manager) Register(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

func (m *Manager) factory(kind string) (Factory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factories[kind]
	if !ok {
		return nil, domain.E(domain.KindInvalid, "channel transport", fmt.Errorf("unknown transport kind %q", kind))
	}
	return f, nil
}

// Store returns the protocol store of account, sharing the manager's
// account locks.
func (m *Manager) Store(account string) *protocol.Store {
	return protocol.New(m.proto, account)
}

// Contents returns the content store of account.
func (m *Manager) Contents(account string) *content.Store {
	return content.New(m.db, account)
}

// Create binds account to bot. An account belongs to at most one channel.
func (m *Manager) Create(ctx context.Context, botID, kind, account string) (domain.Channel, error) {
	const op = "create channel"
	if kind == "" {
		kind = m.kind
	}
	if account == "" {
		return domain.Channel{}, domain.E(domain.KindInvalid, op, fmt.Errorf("account is required"))
	}
	if _, err := m.factory(kind); err != nil {
		return domain.Channel{}, err
	}

	ch := domain.Channel{
		ID:        uuid.NewString(),
		BotID:     botID,
		Kind:      kind,
		Account:   account,
		CreatedAt: time.Now(),
	}
	err := m.db.Tx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM bots WHERE id = ?`, botID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.E(domain.KindNotFound, op, fmt.Errorf("bot %s: %w", botID, domain.ErrNotFound))
		}
		if err != nil {
			return err
		}
		var owner string
		err = tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE account_digest = ?`, m.accountKey(account)).Scan(&owner)
		if err == nil {
			return domain.E(domain.KindInvalid, op, fmt.Errorf("account %s is already bound to channel %s", account, owner))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		sealed, err := m.db.Cipher().Seal([]byte(account), storage.AAD("channels", ch.ID))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO channels (id, bot_id, kind, account_digest, account, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.BotID, ch.Kind, m.accountKey(account), sealed, storage.Millis(ch.CreatedAt))
		return err
	})
	if err != nil {
		return domain.Channel{}, wrap(op, err)
	}
	m.logger.Info("channel created", "channel", ch.ID, "bot", botID, "account", account, "kind", kind)
	return ch, nil
}

const channelColumns = `id, bot_id, kind, account, created_at`

// accountKey is the keyed digest under which account is looked up in the
// channels and devices tables.
func (m *Manager) accountKey(account string) string {
	return m.db.Cipher().Digest("channel.account", []byte(account))
}

func (m *Manager) scanChannel(row interface{ Scan(...any) error }) (domain.Channel, error) {
	var ch domain.Channel
	var sealed []byte
	var created int64
	if err := row.Scan(&ch.ID, &ch.BotID, &ch.Kind, &sealed, &created); err != nil {
		return ch, err
	}
	account, err := m.db.Cipher().Open(sealed, storage.AAD("channels", ch.ID))
	if err != nil {
		return ch, fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	ch.Account = string(account)
	ch.CreatedAt = storage.FromMillis(created)
	return ch, nil
}

func (m *Manager) getBy(ctx context.Context, op, column, value, label string) (domain.Channel, error) {
	ch, err := m.scanChannel(m.db.SQL().QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return ch, domain.E(domain.KindNotFound, op, fmt.Errorf("channel %s: %w", label, domain.ErrNotFound))
	}
	return ch, wrap(op, err)
}

func (m *Manager) Get(ctx context.Context, channelID string) (domain.Channel, error) {
	return m.getBy(ctx, "get channel", "id", channelID, channelID)
}

// ForAccount returns the channel account is bound to.
func (m *Manager) ForAccount(ctx context.Context, account string) (domain.Channel, error) {
	return m.getBy(ctx, "get channel", "account_digest", m.accountKey(account), "for account "+account)
}

// List returns the channels of bot, or of every bot when bot is empty.
func (m *Manager) List(ctx context.Context, botID string) ([]domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels`
	var args []any
	if botID != "" {
		query += ` WHERE bot_id = ?`
		args = append(args, botID)
	}
	rows, err := m.db.SQL().QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, wrap("list channels", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		ch, err := m.scanChannel(rows)
		if err != nil {
			return nil, wrap("list channels", err)
		}
		out = append(out, ch)
	}
	return out, wrap("list channels", rows.Err())
}

// Delete stops the channel and removes it with its devices, its account's
// protocol state and its dedup records.
func (m *Manager) Delete(ctx context.Context, channelID string) error {
	const op = "delete channel"
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return err
	}
	m.Stop(ch.ID)
	m.syncs.Cancel(ch.Account)

	unlock, err := m.LockAccounts(ctx, []string{ch.Account})
	if err != nil {
		return wrap(op, err)
	}
	defer unlock()
	err = m.db.Tx(ctx, func(tx *sql.Tx) error {
		return m.DeleteTx(ctx, tx, ch)
	})
	if err != nil {
		return wrap(op, err)
	}
	m.logger.Info("channel deleted", "channel", ch.ID, "account", ch.Account)
	return nil
}

// DeleteTx removes ch and everything stored for its account inside the
// caller's transaction. The caller holds the account lock and has stopped
// the channel.
func (m *Manager) DeleteTx(ctx context.Context, q storage.Querier, ch domain.Channel) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM devices WHERE account = ?`, m.accountKey(ch.Account)); err != nil {
		return fmt.Errorf("delete devices of %s: %w", ch.Account, err)
	}
	if err := m.Store(ch.Account).PurgeTx(ctx, q); err != nil {
		return err
	}
	if err := m.Contents(ch.Account).PurgeTx(ctx, q); err != nil {
		return err
	}
	if m.dedup != nil {
		if err := m.dedup.DeleteChannelTx(ctx, q, ch.ID); err != nil {
			return err
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, ch.ID); err != nil {
		return fmt.Errorf("delete channel %s: %w", ch.ID, err)
	}
	m.mu.Lock()
	delete(m.locals, ch.Account)
	m.mu.Unlock()
	return nil
}

// LockAccounts takes the protocol locks of accounts in a fixed order and
// returns a function releasing all of them.
func (m *Manager) LockAccounts(ctx context.Context, accounts []string) (func(), error) {
	sorted := slices.Clone(accounts)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, account := range sorted {
		unlock, err := m.proto.Locks.Lock(ctx, protocol.LockKey(account))
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Devices lists the devices of account, pending ones included.
func (m *Manager) Devices(ctx context.Context, account string) ([]domain.Device, error) {
	return m.devices(ctx, account, "")
}

func (m *Manager) devices(ctx context.Context, account string, state domain.DeviceState) ([]domain.Device, error) {
	key := m.accountKey(account)
	query := `SELECT device_id, name, state, updated_at FROM devices WHERE account = ?`
	args := []any{key}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	rows, err := m.db.SQL().QueryContext(ctx, query+` ORDER BY device_id`, args...)
	if err != nil {
		return nil, wrap("list devices", err)
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		d := domain.Device{Account: account}
		var name []byte
		var updated int64
		if err := rows.Scan(&d.DeviceID, &name, &d.State, &updated); err != nil {
			return nil, wrap("list devices", err)
		}
		if name != nil {
			plain, err := m.db.Cipher().Open(name, deviceAAD(key, d.DeviceID))
			if err != nil {
				return nil, wrap("list devices", fmt.Errorf("device %d name: %w", d.DeviceID, err))
			}
			d.Name = string(plain)
		}
		d.UpdatedAt = storage.FromMillis(updated)
		out = append(out, d)
	}
	return out, wrap("list devices", rows.Err())
}

func deviceAAD(accountKey string, device uint32) []byte {
	return storage.AAD("devices", accountKey, strconv.FormatUint(uint64(device), 10))
}

// setDevice upserts a device row. An empty name keeps the stored one.
func (m *Manager) setDevice(ctx context.Context, account string, device uint32, name string, state domain.DeviceState) error {
	key := m.accountKey(account)
	var sealed []byte
	if name != "" {
		var err error
		if sealed, err = m.db.Cipher().Seal([]byte(name), deviceAAD(key, device)); err != nil {
			return fmt.Errorf("seal device name: %w", err)
		}
	}
	_, err := m.db.SQL().ExecContext(ctx, `
		INSERT INTO devices (account, device_id, name, state, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, device_id) DO UPDATE SET
			name = COALESCE(excluded.name, devices.name),
			state = excluded.state,
			updated_at = excluded.updated_at`,
		key, device, sealed, string(state), storage.Millis(time.Now()))
	if err != nil {
		return fmt.Errorf("set device %s.%d %s: %w", account, device, state, err)
	}
	return nil
}

func (m *Manager) dropPending(account string) {
	_, err := m.db.SQL().ExecContext(m.ctx,
		`DELETE FROM devices WHERE account = ? AND device_id = ?`, m.accountKey(account), pendingDeviceID)
	if err != nil {
		m.logger.Warn("failed to drop pending device", "account", account, "err", err)
	}
}

// Link starts provisioning a new device for the channel and returns the URL
// the account owner scans. Linking finishes in the background and ends in
// OnLinked.
func (m *Manager) Link(ctx context.Context, channelID, deviceName string) (string, error) {
	const op = "link device"
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return "", err
	}
	f, err := m.factory(ch.Kind)
	if err != nil {
		return "", err
	}
	prov, ok := f.(Provisioner)
	if !ok {
		return "", domain.E(domain.KindInvalid, op, fmt.Errorf("transport %q cannot link devices", ch.Kind))
	}
	if deviceName == "" {
		deviceName = m.deviceName
	}

	if err := m.setDevice(ctx, ch.Account, pendingDeviceID, deviceName, domain.DevicePending); err != nil {
		return "", wrap(op, err)
	}
	url, done, err := prov.Link(ctx, ch.Account, deviceName)
	if err != nil {
		m.dropPending(ch.Account)
		return "", domain.E(domain.KindProtocolState, op, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.awaitLink(ch, deviceName, done)
	}()
	m.logger.Info("device linking started", "channel", ch.ID, "account", ch.Account, "device_name", deviceName)
	return url, nil
}

func (m *Manager) awaitLink(ch domain.Channel, name string, done <-chan LinkResult) {
	var res LinkResult
	select {
	case <-m.ctx.Done():
		return
	case res = <-done:
	}
	defer m.dropPending(ch.Account)

	if res.Err == nil {
		res.Err = m.saveLink(m.ctx, ch.Account, res)
	}
	if res.Err != nil {
		m.logger.Error("device linking failed", "channel", ch.ID, "account", ch.Account, "err", res.Err)
		m.emit(bus.EventLinkFailed, ch, map[string]any{"err": res.Err.Error()})
		return
	}
	if err := m.OnLinked(m.ctx, ch.Account, res.DeviceID, name); err != nil {
		m.logger.Error("linked device did not start", "channel", ch.ID, "account", ch.Account, "device", res.DeviceID, "err", err)
	}
}

func (m *Manager) saveLink(ctx context.Context, account string, res LinkResult) error {
	store := m.Store(account)
	if res.Registration.DeviceID == 0 {
		res.Registration.DeviceID = res.DeviceID
	}
	if err := store.SaveRegistration(ctx, res.Registration); err != nil {
		return err
	}
	if res.Identity != nil {
		if err := store.SetIdentityKeyPair(ctx, *res.Identity); err != nil {
			return err
		}
	}
	if res.PNIIdentity != nil {
		if err := store.PNI().SetIdentityKeyPair(ctx, *res.PNIIdentity); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.locals, account)
	m.mu.Unlock()
	return nil
}

// OnLinked activates a freshly linked device, starts its channel and
// schedules the account's contact sync. It is called by Link and by
// transports that link out of band.
func (m *Manager) OnLinked(ctx context.Context, account string, device uint32, name string) error {
	const op = "device linked"
	ch, err := m.ForAccount(ctx, account)
	if err != nil {
		return err
	}
	if err := m.setDevice(ctx, account, device, name, domain.DeviceLinked); err != nil {
		return wrap(op, err)
	}
	if err := m.setDevice(ctx, account, device, name, domain.DeviceActive); err != nil {
		return wrap(op, err)
	}
	m.logger.Info("device linked", "channel", ch.ID, "account", account, "device", device)
	m.emit(bus.EventDeviceLinked, ch, map[string]any{"device": device})

	if err := m.Start(ctx, ch.ID); err != nil {
		return err
	}
	m.ScheduleContactSync(account)
	return nil
}

// Start runs the receive loop of every active device of the channel.
// Devices already running are left alone.
func (m *Manager) Start(ctx context.Context, channelID string) error {
	ch, err := m.Get(ctx, channelID)
	if err != nil {
		return err
	}
	devices, err := m.devices(ctx, ch.Account, domain.DeviceActive)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return domain.E(domain.KindInvalid, "start channel", fmt.Errorf("channel %s has no active device", ch.ID))
	}
	var errs []error
	for _, d := range devices {
		if err := m.startDevice(ctx, ch, d.DeviceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runKey(account string, device uint32) string {
	return account + "." + strconv.FormatUint(uint64(device), 10)
}

func (m *Manager) startDevice(ctx context.Context, ch domain.Channel, device uint32) error {
	key := runKey(ch.Account, device)
	_, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		_, running := m.running[key]
		m.mu.Unlock()
		if running {
			return nil, nil
		}
		f, err := m.factory(ch.Kind)
		if err != nil {
			return nil, err
		}
		logger := m.logger.With("channel", ch.ID, "account", ch.Account, "device", device)
		t, err := f.Open(ctx, TransportConfig{Channel: ch, DeviceID: device, Store: m.Store(ch.Account), Logger: logger})
		if err != nil {
			return nil, domain.E(domain.KindProtocolState, "open transport", err)
		}

		runCtx, cancel := context.WithCancel(m.ctx)
		r := &receiver{channel: ch, device: device, transport: t, cancel: cancel, done: make(chan struct{})}
		m.mu.Lock()
		m.running[key] = r
		m.mu.Unlock()

		metrics.ActiveChannels.Inc()
		m.wg.Add(1)
		go m.receive(runCtx, key, r, logger)
		logger.Info("channel started")
		m.emit(bus.EventChannelStarted, ch, map[string]any{"device": device})
		return nil, nil
	})
	return err
}

// receive runs the transport until its context ends, reconnecting with a
// growing delay when the connection drops.
func (m *Manager) receive(ctx context.Context, key string, r *receiver, logger *slog.Logger) {
	defer m.wg.Done()
	defer func() {
		if err := r.transport.Close(); err != nil {
			logger.Warn("transport close failed", "err", err)
		}
		m.mu.Lock()
		if m.running[key] == r {
			delete(m.running, key)
		}
		m.mu.Unlock()
		metrics.ActiveChannels.Dec()
		close(r.done)
		logger.Info("channel stopped")
		m.emit(bus.EventChannelStopped, r.channel, map[string]any{"device": r.device})
	}()

	handle := func(_ context.Context, ev domain.InboundEvent) {
		ev.ChannelID = r.channel.ID
		ev.Account = r.channel.Account
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		metrics.MessagesReceived.Inc()
		if m.history {
			m.record(r.channel, content.Message{Thread: ev.Reply(), Timestamp: ev.Timestamp, Sender: ev.Sender.Name, Content: ev.Content})
		}
		m.bus.Publish(ev)
	}

	for attempt := 0; ; attempt++ {
		err := r.transport.Receive(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		delay := reconnectDelay(attempt)
		logger.Warn("receive loop ended, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt+1) * time.Second
	return min(d, maxReconnectDelay)
}

// StartAll starts every channel that has an active device.
func (m *Manager) StartAll(ctx context.Context) error {
	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT DISTINCT c.id FROM channels c
		JOIN devices d ON d.account = c.account_digest
		WHERE d.state = ? ORDER BY c.id`, string(domain.DeviceActive))
	if err != nil {
		return wrap("start channels", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return wrap("start channels", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrap("start channels", err)
	}

	var errs []error
	for _, id := range ids {
		if err := m.Start(ctx, id); err != nil {
			m.logger.Error("channel failed to start", "channel", id, "err", err)
			errs = append(errs, err)
		}
	}
	m.logger.Info("channels started", "count", len(ids)-len(errs))
	return errors.Join(errs...)
}

// Stop ends the receive loops of the channel and waits for them.
func (m *Manager) Stop(channelID string) {
	m.mu.Lock()
	var stopping []*receiver
	for _, r := range m.running {
		if r.channel.ID == channelID {
			stopping = append(stopping, r)
		}
	}
	m.mu.Unlock()
	for _, r := range stopping {
		r.cancel()
		<-r.done
	}
}

// StopBot stops every channel of bot and cancels their sync jobs. It
// returns the channels it stopped and a func that starts again what was
// running, for callers that fail to delete them.
func (m *Manager) StopBot(ctx context.Context, botID string) ([]domain.Channel, func(context.Context) error, error) {
	channels, err := m.List(ctx, botID)
	if err != nil {
		return nil, nil, err
	}
	type stopped struct {
		ch      domain.Channel
		devices []uint32
		synced  bool
	}
	was := make([]stopped, 0, len(channels))
	for _, ch := range channels {
		s := stopped{ch: ch, devices: m.runningDevices(ch.ID), synced: m.syncs.Count(ch.Account) > 0}
		m.syncs.Cancel(ch.Account)
		m.Stop(ch.ID)
		was = append(was, s)
	}
	resume := func(ctx context.Context) error {
		var errs []error
		for _, s := range was {
			for _, d := range s.devices {
				if err := m.startDevice(ctx, s.ch, d); err != nil {
					errs = append(errs, err)
				}
			}
			if s.synced {
				m.syncs.Schedule(m.ctx, s.ch.Account)
			}
		}
		return errors.Join(errs...)
	}
	return channels, resume, nil
}

func (m *Manager) runningDevices(channelID string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, r := range m.running {
		if r.channel.ID == channelID {
			out = append(out, r.device)
		}
	}
	slices.Sort(out)
	return out
}

// Running returns the device ids with a live receive loop for account.
func (m *Manager) Running(account string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, r := range m.running {
		if r.channel.Account == account {
			out = append(out, r.device)
		}
	}
	slices.Sort(out)
	return out
}

// sender picks the running device with the lowest id for channelID.
func (m *Manager) sender(channelID string) *receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *receiver
	for _, r := range m.running {
		if r.channel.ID == channelID && (best == nil || r.device < best.device) {
			best = r
		}
	}
	return best
}

// Send delivers msg through the channel and returns its timestamp.
// Transport errors that carry no kind are treated as retryable send errors.
func (m *Manager) Send(ctx context.Context, channelID string, to domain.Recipient, msg Outbound) (time.Time, error) {
	const op = "send"
	if err := to.Validate(); err != nil {
		return time.Time{}, domain.E(domain.KindInvalid, op, err)
	}
	r := m.sender(channelID)
	if r == nil {
		return time.Time{}, domain.E(domain.KindSend, op, fmt.Errorf("channel %s is not running", channelID))
	}
	ts, err := r.transport.Send(ctx, to, msg)
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			return time.Time{}, domain.Retry(domain.KindSend, op, err)
		}
		return time.Time{}, err
	}
	if m.history {
		m.record(r.channel, content.Message{
			Thread:    to,
			Timestamp: ts,
			Outgoing:  true,
			Content:   domain.Content{Type: domain.ContentText, Text: msg.Text},
		})
	}
	return ts, nil
}

// record adds msg to the history of ch's account. Failures are logged; the
// message itself is still delivered.
func (m *Manager) record(ch domain.Channel, msg content.Message) {
	if err := m.Contents(ch.Account).SaveMessage(m.ctx, msg); err != nil {
		m.logger.Warn("failed to record message history", "channel", ch.ID, "err", err)
	}
}

// Local returns who account is, for self-echo detection. It is cached per
// account until the account is relinked or deleted.
func (m *Manager) Local(ctx context.Context, account string) (dedup.Local, error) {
	m.mu.Lock()
	l, ok := m.locals[account]
	m.mu.Unlock()
	if ok {
		return l, nil
	}
	reg, err := m.Store(account).Registration(ctx)
	if err != nil {
		return dedup.Local{}, err
	}
	l = dedup.Local{Account: account}
	if reg != nil {
		l.ACI, l.PNI, l.DeviceID = reg.ACI, reg.PNI, reg.DeviceID
	}
	m.mu.Lock()
	m.locals[account] = l
	m.mu.Unlock()
	return l, nil
}

// ScheduleContactSync starts the periodic contact sync of account. It
// returns false when a job is already scheduled.
func (m *Manager) ScheduleContactSync(account string) bool {
	return m.syncs.Schedule(m.ctx, account)
}

func (m *Manager) CancelContactSync(account string) {
	m.syncs.Cancel(account)
}

func (m *Manager) SyncJobCount(account string) int {
	return m.syncs.Count(account)
}

func (m *Manager) syncContacts(ctx context.Context, account string) error {
	m.mu.Lock()
	var r *receiver
	for _, cand := range m.running {
		if cand.channel.Account == account && (r == nil || cand.device < r.device) {
			r = cand
		}
	}
	m.mu.Unlock()
	if r == nil {
		return fmt.Errorf("account %s has no running device", account)
	}
	contacts, err := r.transport.SyncContacts(ctx)
	if err == nil {
		err = m.Contents(account).ReplaceContacts(ctx, contacts)
	}
	if err != nil {
		m.emit(bus.EventSyncFailed, r.channel, map[string]any{"err": err.Error()})
		return err
	}
	m.logger.Debug("contacts synced", "account", account, "count", len(contacts))
	return nil
}

// Close stops every receive loop and sync job and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.syncs.Stop()
	m.wg.Wait()
}

func (m *Manager) emit(eventType string, ch domain.Channel, payload map[string]any) {
	if m.events == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["channel"] = ch.ID
	payload["bot"] = ch.BotID
	payload["account"] = ch.Account
	m.events.Emit(bus.Event{Type: eventType, Source: "channel", Payload: payload})
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
