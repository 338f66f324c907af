// Package dispatch turns inbound events into interpreter invocations and
// applies the actions that come back: memory writes, conversation moves and
// replies.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bitpart/internal/bus"
	"bitpart/internal/channel"
	"bitpart/internal/dedup"
	"bitpart/internal/domain"
	"bitpart/internal/memory"
	"bitpart/internal/metrics"
	"bitpart/internal/registry"
	"bitpart/internal/retry"
	"bitpart/internal/storage"

	"golang.org/x/time/rate"
)

const (
	defaultConcurrency = 8
	defaultSendTimeout = 15 * time.Second
	defaultSendRate    = 1.0
	defaultSendBurst   = 5

	// SocketChannel is the channel id of control-plane chat sessions.
	SocketChannel = "socket"
)

// Registry routes channels to bots and hands out bot leases.
type Registry interface {
	BotForChannel(ctx context.Context, channelID string) (string, error)
	Lease(ctx context.Context, botID string) (*registry.Instance, func(), error)
}

// Channels is the outbound side of the channel manager.
type Channels interface {
	Send(ctx context.Context, channelID string, to domain.Recipient, msg channel.Outbound) (time.Time, error)
	Local(ctx context.Context, account string) (dedup.Local, error)
	List(ctx context.Context, botID string) ([]domain.Channel, error)
}

type Config struct {
	DB            *storage.DB
	Bus           domain.MessageBus
	Registry      Registry
	Channels      Channels
	Memory        *memory.Store
	Conversations *memory.Conversations
	Dedup         *dedup.Guard
	Interpreter   domain.Interpreter
	Events        *bus.EventBus

	Concurrency        int
	SendTimeout        time.Duration
	SendRetries        int
	InterpreterRetries int
	SendRatePerSecond  float64
	SendBurst          int
	// RetryBase is the backoff unit of send and interpreter retries.
	RetryBase time.Duration
	Logger    *slog.Logger
}

// Dispatcher is safe for concurrent use. Events of the same (bot, user) are
// processed one at a time; everything else runs in parallel up to the
// configured concurrency.
type Dispatcher struct {
	db       *storage.DB
	bus      domain.MessageBus
	registry Registry
	channels Channels
	memory   *memory.Store
	convs    *memory.Conversations
	dedup    *dedup.Guard
	interp   domain.Interpreter
	events   *bus.EventBus
	logger   *slog.Logger

	concurrency int
	sendTimeout time.Duration
	sendPolicy  retry.Policy
	interpRetry retry.Policy
	sendRate    rate.Limit
	sendBurst   int

	convLocks *storage.KeyedMutex
	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
}

func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.DB == nil, cfg.Memory == nil, cfg.Conversations == nil, cfg.Dedup == nil:
		return nil, fmt.Errorf("dispatcher needs a database, memory, conversations and dedup")
	case cfg.Registry == nil || cfg.Channels == nil || cfg.Interpreter == nil:
		return nil, fmt.Errorf("dispatcher needs a registry, channels and an interpreter")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	cfg.SendRetries = max(cfg.SendRetries, 0)
	cfg.InterpreterRetries = max(cfg.InterpreterRetries, 0)
	if cfg.SendRatePerSecond <= 0 {
		cfg.SendRatePerSecond = defaultSendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = defaultSendBurst
	}
	return &Dispatcher{
		db:          cfg.DB,
		bus:         cfg.Bus,
		registry:    cfg.Registry,
		channels:    cfg.Channels,
		memory:      cfg.Memory,
		convs:       cfg.Conversations,
		dedup:       cfg.Dedup,
		interp:      cfg.Interpreter,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		sendTimeout: cfg.SendTimeout,
		sendPolicy:  retry.Policy{Retries: cfg.SendRetries, Base: cfg.RetryBase, Logger: cfg.Logger},
		interpRetry: retry.Policy{Retries: cfg.InterpreterRetries, Base: cfg.RetryBase, Logger: cfg.Logger},
		sendRate:    rate.Limit(cfg.SendRatePerSecond),
		sendBurst:   cfg.SendBurst,
		convLocks:   storage.NewKeyedMutex(),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Run consumes the bus until ctx ends or the bus closes, then waits for the
// events in flight.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.bus == nil {
		return fmt.Errorf("dispatcher has no bus")
	}
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case ev, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound bus closed, dispatcher stopping")
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(ev domain.InboundEvent) {
				defer wg.Done()
				defer func() { <-sem }()
				d.process(ctx, ev)
			}(ev)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev domain.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", "channel", ev.ChannelID, "panic", r)
			metrics.MessagesFailed.Inc()
		}
	}()
	out, err := d.Handle(ctx, ev)
	if err != nil {
		d.logger.Error("message failed", "channel", ev.ChannelID, "bot", out.BotID, "retryable", out.Retryable, "err", err)
		return
	}
	d.logger.Debug("message handled", "channel", ev.ChannelID, "bot", out.BotID, "state", out.State, "actions", len(out.Actions))
}

// Handle processes one event synchronously. The returned error is non-nil
// only for failed outcomes; discarded duplicates and failed sends are not
// errors.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent) (Outcome, error) {
	out := Outcome{State: StateReceived}
	d.emit(bus.EventMessageReceived, ev, out, nil)

	reason, err := d.screen(ctx, ev)
	if err != nil {
		return d.fail(ev, out, err, true)
	}
	if reason != nil {
		return d.discard(ev, out, reason), nil
	}

	botID, err := d.registry.BotForChannel(ctx, ev.ChannelID)
	if err != nil {
		return d.fail(ev, out, err, !domain.IsNotFound(err))
	}
	out.BotID = botID
	inst, release, err := d.registry.Lease(ctx, botID)
	if err != nil {
		return d.fail(ev, out, err, false)
	}
	defer release()
	out.State = StateRouted
	out.UserID = ev.ConversationKey()

	unlock, err := d.convLocks.Lock(ctx, conversationLock(botID, out.UserID))
	if err != nil {
		return d.fail(ev, out, err, true)
	}
	defer unlock()

	// A copy of this message may have been handled while we waited.
	if ev.MessageID != "" {
		seen, err := d.dedup.Seen(ctx, ev.ChannelID, ev.MessageID)
		if err != nil {
			return d.fail(ev, out, err, true)
		}
		if seen {
			return d.discard(ev, out, domain.ErrDuplicateMessage), nil
		}
	}

	mem, err := d.memory.All(ctx, botID, out.UserID)
	if err != nil {
		return d.fail(ev, out, err, true)
	}
	conv, err := d.convs.Current(ctx, botID, ev.ChannelID, out.UserID)
	if err != nil {
		return d.fail(ev, out, err, true)
	}

	res, err := d.interpret(ctx, domain.Request{
		BotID:        botID,
		VersionID:    inst.Bot.VersionID,
		Bot:          inst.Definition,
		UserID:       out.UserID,
		Event:        ev.Content,
		Memory:       mem,
		Conversation: conv,
		Metadata:     d.dedup.Metadata(ev, inst.Bot.SecurityLevel),
	})
	if err != nil {
		retryable := domain.IsRetryable(err)
		if !retryable {
			// Acknowledge poison messages so a redelivery does not run them again.
			d.acknowledge(ctx, ev)
		}
		return d.fail(ev, out, err, retryable)
	}
	out.State = StateInterpreted
	out.Actions = res.Actions

	plan := d.planActions(inst.Bot, ev.ChannelID, out.UserID, conv, res.Actions)
	if err := d.apply(ctx, botID, out.UserID, plan); err != nil {
		return d.fail(ev, out, err, true)
	}
	out.State = StateApplied

	out.Results = plan.results
	for i, r := range out.Results {
		if r.Status != ActionOK || r.Action.Type != domain.ActionSend {
			continue
		}
		to := ev.Reply()
		if r.Action.To != nil {
			to = *r.Action.To
		}
		msgID, err := d.send(ctx, ev.ChannelID, ev.Account, to, *r.Action.Content)
		if err != nil {
			out.Results[i].Status = ActionFailed
			out.Results[i].Err = err
			d.emit(bus.EventSendFailed, ev, out, err)
			continue
		}
		out.Results[i].MessageID = msgID
	}

	d.acknowledge(ctx, ev)
	out.State = StateAcknowledged
	metrics.MessagesProcessed.Inc()
	d.emit(bus.EventMessageProcessed, ev, out, nil)
	return out, nil
}

func conversationLock(botID, user string) string {
	return "conversation:" + botID + "\x00" + user
}

// screen returns why ev should be dropped: it is an echo of our own
// account or was handled before. A nil reason keeps it.
func (d *Dispatcher) screen(ctx context.Context, ev domain.InboundEvent) (reason error, err error) {
	local, err := d.channels.Local(ctx, ev.Account)
	if err != nil {
		return nil, err
	}
	if dedup.IsSelf(local, ev.Sender) {
		return ErrSelf, nil
	}
	if ev.MessageID == "" {
		return nil, nil
	}
	echo, err := d.dedup.IsEcho(ctx, ev.ChannelID, ev.MessageID)
	if err != nil {
		return nil, err
	}
	if echo {
		return ErrSelf, nil
	}
	seen, err := d.dedup.Seen(ctx, ev.ChannelID, ev.MessageID)
	if err != nil {
		return nil, err
	}
	if seen {
		return domain.ErrDuplicateMessage, nil
	}
	return nil, nil
}

// ErrSelf is the discard reason of messages sent by the bot's own account.
var ErrSelf = errors.New("message from own account")

func (d *Dispatcher) interpret(ctx context.Context, req domain.Request) (domain.Result, error) {
	var res domain.Result
	start := time.Now()
	_, err := retry.Do(ctx, d.interpRetry, "interpret", func(ctx context.Context) error {
		var err error
		res, err = d.interp.Interpret(ctx, req)
		return err
	})
	metrics.InterpreterLatency.Observe(time.Since(start).Seconds())
	if err != nil && domain.KindOf(err) == domain.KindUnknown {
		err = domain.E(domain.KindInterpreter, "interpret", err)
	}
	return res, err
}

func (d *Dispatcher) acknowledge(ctx context.Context, ev domain.InboundEvent) {
	if ev.MessageID == "" {
		return
	}
	if err := d.dedup.Record(ctx, ev.ChannelID, ev.MessageID, time.Time{}); err != nil {
		d.logger.Warn("failed to record message", "channel", ev.ChannelID, "err", err)
	}
}

// plan is the storage side of an interpreter result.
type plan struct {
	mutations []memory.Mutation
	conv      *domain.Conversation
	dirty     bool
	results   []ActionResult
}

// planActions turns actions into memory mutations and the next conversation
// state. Invalid actions are marked failed and skipped.
func (d *Dispatcher) planActions(bot domain.Bot, channelID, user string, conv *domain.Conversation, actions []domain.Action) *plan {
	p := &plan{conv: conv, results: make([]ActionResult, len(actions))}
	ensure := func() *domain.Conversation {
		if p.conv == nil {
			p.conv = &domain.Conversation{
				BotID:     bot.ID,
				ChannelID: channelID,
				UserID:    user,
				FlowID:    bot.DefaultFlow,
				Status:    domain.ConversationOpen,
			}
		}
		p.dirty = true
		return p.conv
	}

	for i, a := range actions {
		p.results[i] = ActionResult{Action: a, Status: ActionOK}
		if err := a.Validate(); err != nil {
			p.results[i].Status = ActionFailed
			p.results[i].Err = domain.E(domain.KindInterpreter, "validate action", err)
			continue
		}
		switch a.Type {
		case domain.ActionSetMemory:
			p.mutations = append(p.mutations, memory.Set(a.Key, *a.Value))
		case domain.ActionDeleteMemory:
			p.mutations = append(p.mutations, memory.Delete(a.Key))
		case domain.ActionForgetAll:
			p.mutations = append(p.mutations, memory.Forget())
		case domain.ActionGoto:
			c := ensure()
			if a.FlowID != "" && a.FlowID != c.FlowID {
				c.FlowID = a.FlowID
				c.StepID = ""
			}
			if a.StepID != "" {
				c.StepID = a.StepID
			}
			c.Status = domain.ConversationOpen
		case domain.ActionHold:
			c := ensure()
			c.Hold = a.Hold
			c.Status = domain.ConversationOpen
		case domain.ActionEndConversation:
			if p.conv == nil {
				p.results[i].Status = ActionSkipped
				continue
			}
			c := ensure()
			c.Status = domain.ConversationClosed
			c.Hold = nil
		}
	}
	return p
}

// apply writes the mutations and the conversation in one transaction.
func (d *Dispatcher) apply(ctx context.Context, botID, user string, p *plan) error {
	if len(p.mutations) == 0 && !p.dirty {
		return nil
	}
	return d.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := d.memory.ApplyTx(ctx, tx, botID, user, p.mutations); err != nil {
			return err
		}
		if p.dirty {
			return d.convs.SaveTx(ctx, tx, p.conv)
		}
		return nil
	})
}

func (d *Dispatcher) discard(ev domain.InboundEvent, out Outcome, reason error) Outcome {
	out.State = StateDiscarded
	out.Reason = reason
	metrics.MessagesDiscarded.Inc()
	d.emit(bus.EventMessageDiscarded, ev, out, reason)
	return out
}

func (d *Dispatcher) fail(ev domain.InboundEvent, out Outcome, err error, retryable bool) (Outcome, error) {
	out.State = StateFailed
	out.Retryable = retryable
	out.Err = err
	metrics.MessagesFailed.Inc()
	d.emit(bus.EventMessageFailed, ev, out, err)
	return out, err
}

func (d *Dispatcher) emit(eventType string, ev domain.InboundEvent, out Outcome, err error) {
	if d.events == nil {
		return
	}
	payload := map[string]any{
		"channel": ev.ChannelID,
		"bot":     out.BotID,
		"state":   string(out.State),
	}
	if err != nil {
		payload["err"] = err.Error()
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatch", Payload: payload})
}
