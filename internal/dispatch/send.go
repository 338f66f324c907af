package dispatch

import (
	"context"
	"fmt"
	"time"

	"bitpart/internal/channel"
	"bitpart/internal/domain"
	"bitpart/internal/metrics"
	"bitpart/internal/retry"

	"golang.org/x/time/rate"
)

func (d *Dispatcher) limiter(account string) *rate.Limiter {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()
	l, ok := d.limiters[account]
	if !ok {
		l = rate.NewLimiter(d.sendRate, d.sendBurst)
		d.limiters[account] = l
	}
	return l
}

// send delivers content on channelID, rate limited per account, with a
// timeout per attempt and retries on transient failures. It records the
// message id for echo suppression and returns it.
func (d *Dispatcher) send(ctx context.Context, channelID, account string, to domain.Recipient, content domain.Content) (string, error) {
	if err := to.Validate(); err != nil {
		metrics.SendsFailed.Inc()
		return "", domain.E(domain.KindInvalid, "send", err)
	}
	msg := channel.Outbound{Text: content.Rendered()}
	start := time.Now()

	var ts time.Time
	retries, err := retry.Do(ctx, d.sendPolicy, "send", func(ctx context.Context) error {
		if err := d.limiter(account).Wait(ctx); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		var err error
		ts, err = d.channels.Send(attemptCtx, channelID, to, msg)
		return err
	})
	metrics.SendsRetried.Add(int64(retries))
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SendsFailed.Inc()
		d.logger.Warn("send failed", "channel", channelID, "account", account, "retries", retries, "err", err)
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.E(domain.KindSend, "send", err)
		}
		return "", err
	}
	metrics.SendsOK.Inc()

	msgID := channel.MessageID(ts)
	if err := d.dedup.RecordOutbound(ctx, channelID, msgID); err != nil {
		d.logger.Warn("failed to record outbound message", "channel", channelID, "err", err)
	}
	return msgID, nil
}

// SendMessage sends text to recipient through the bot's first channel.
// recipient is a contact id or "group:<master key hex>".
func (d *Dispatcher) SendMessage(ctx context.Context, botID, recipient, text string) (string, error) {
	const op = "send message"
	to, err := domain.ParseRecipient(recipient)
	if err != nil {
		return "", domain.E(domain.KindInvalid, op, err)
	}
	if text == "" {
		return "", domain.E(domain.KindInvalid, op, fmt.Errorf("message text is empty"))
	}
	_, release, err := d.registry.Lease(ctx, botID)
	if err != nil {
		return "", err
	}
	defer release()

	channels, err := d.channels.List(ctx, botID)
	if err != nil {
		return "", err
	}
	if len(channels) == 0 {
		return "", domain.E(domain.KindNotFound, op, fmt.Errorf("bot %s has no channel: %w", botID, domain.ErrNotFound))
	}
	ch := channels[0]
	return d.send(ctx, ch.ID, ch.Account, to, domain.Content{Type: domain.ContentText, Text: text})
}

// Chat runs one turn of the bot for user on the socket channel. Memory and
// conversation changes are applied; send actions are returned instead of
// delivered.
func (d *Dispatcher) Chat(ctx context.Context, botID, user, text string) ([]domain.Action, error) {
	const op = "chat"
	if user == "" {
		return nil, domain.E(domain.KindInvalid, op, fmt.Errorf("user is required"))
	}
	inst, release, err := d.registry.Lease(ctx, botID)
	if err != nil {
		return nil, err
	}
	defer release()

	unlock, err := d.convLocks.Lock(ctx, conversationLock(botID, user))
	if err != nil {
		return nil, err
	}
	defer unlock()

	mem, err := d.memory.All(ctx, botID, user)
	if err != nil {
		return nil, err
	}
	conv, err := d.convs.Current(ctx, botID, SocketChannel, user)
	if err != nil {
		return nil, err
	}
	ev := domain.InboundEvent{
		ChannelID: SocketChannel,
		Sender:    domain.Address{Name: user, DeviceID: domain.DefaultDeviceID},
		Content:   domain.Content{Type: domain.ContentText, Text: text},
		Timestamp: time.Now(),
	}
	res, err := d.interpret(ctx, domain.Request{
		BotID:        botID,
		VersionID:    inst.Bot.VersionID,
		Bot:          inst.Definition,
		UserID:       user,
		Event:        ev.Content,
		Memory:       mem,
		Conversation: conv,
		Metadata:     d.dedup.Metadata(ev, inst.Bot.SecurityLevel),
	})
	if err != nil {
		return nil, err
	}

	p := d.planActions(inst.Bot, SocketChannel, user, conv, res.Actions)
	if err := d.apply(ctx, botID, user, p); err != nil {
		return nil, err
	}
	var sends []domain.Action
	for _, r := range p.results {
		if r.Status == ActionOK && r.Action.Type == domain.ActionSend {
			sends = append(sends, r.Action)
		}
	}
	return sends, nil
}
