package channel

import (
	"context"
	crand "crypto/rand"
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"sync"
	"time"

	"bitpart/internal/content"
	"bitpart/internal/domain"
	"bitpart/internal/protocol"

	"github.com/google/uuid"
)

const loopbackInboxSize = 64

// Sent is a message a loopback transport accepted.
type Sent struct {
	Account   string
	DeviceID  uint32
	To        domain.Recipient
	Message   Outbound
	Timestamp time.Time
}

// Loopback is an in-process transport kind for development and tests.
// Inbound messages are injected with Deliver; sends are recorded and can be
// made to fail.
type Loopback struct {
	mu       sync.Mutex
	inboxes  map[string]chan domain.InboundEvent
	sent     []Sent
	failures map[string]*sendFailure
	devices  map[string]uint32
	syncs    map[string]int
	contacts map[string][]content.Contact
	linkErr  error
	lastTS   int64
}

type sendFailure struct {
	err       error
	remaining int
}

var (
	_ Factory     = (*Loopback)(nil)
	_ Provisioner = (*Loopback)(nil)
)

func NewLoopback() *Loopback {
	return &Loopback{
		inboxes:  make(map[string]chan domain.InboundEvent),
		failures: make(map[string]*sendFailure),
		devices:  make(map[string]uint32),
		syncs:    make(map[string]int),
		contacts: make(map[string][]content.Contact),
	}
}

func (l *Loopback) inbox(account string) chan domain.InboundEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.inboxes[account]
	if !ok {
		ch = make(chan domain.InboundEvent, loopbackInboxSize)
		l.inboxes[account] = ch
	}
	return ch
}

// Deliver queues ev for the receive loop of account.
func (l *Loopback) Deliver(ctx context.Context, account string, ev domain.InboundEvent) error {
	select {
	case l.inbox(account) <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailSends makes the next n sends of account fail with err; n < 0 fails
// every send until FailSends is called again with n == 0.
func (l *Loopback) FailSends(account string, err error, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n == 0 {
		delete(l.failures, account)
		return
	}
	l.failures[account] = &sendFailure{err: err, remaining: n}
}

// FailLinks makes every subsequent Link complete with err.
func (l *Loopback) FailLinks(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linkErr = err
}

// Sent returns the messages accepted so far, in send order.
func (l *Loopback) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}

// SetContacts sets the contact list the primary device of account reports
// on the next sync.
func (l *Loopback) SetContacts(account string, contacts []content.Contact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contacts[account] = slices.Clone(contacts)
}

// Syncs returns how many contact syncs account ran.
func (l *Loopback) Syncs(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncs[account]
}

func (l *Loopback) send(account string, device uint32, to domain.Recipient, msg Outbound) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.failures[account]; ok {
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				delete(l.failures, account)
			}
		}
		return time.Time{}, f.err
	}

	// Timestamps identify messages, so they must not repeat.
	ts := msg.Timestamp.UnixMilli()
	if msg.Timestamp.IsZero() {
		ts = time.Now().UnixMilli()
	}
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}
	l.lastTS = ts
	at := time.UnixMilli(ts)
	l.sent = append(l.sent, Sent{Account: account, DeviceID: device, To: to, Message: msg, Timestamp: at})
	return at, nil
}

func (l *Loopback) Open(_ context.Context, cfg TransportConfig) (Transport, error) {
	return &loopbackTransport{hub: l, account: cfg.Channel.Account, device: cfg.DeviceID}, nil
}

// Link completes immediately with a fresh registration. Device ids start at
// 2; 1 is the account's primary device.
func (l *Loopback) Link(_ context.Context, account, deviceName string) (string, <-chan LinkResult, error) {
	l.mu.Lock()
	next := l.devices[account] + 1
	if next <= domain.DefaultDeviceID {
		next = domain.DefaultDeviceID + 1
	}
	l.devices[account] = next
	linkErr := l.linkErr
	l.mu.Unlock()

	pub, err := randomBytes(32)
	if err != nil {
		return "", nil, err
	}
	link := url.URL{Scheme: "sgnl", Host: "linkdevice", RawQuery: url.Values{
		"uuid":    {uuid.NewString()},
		"pub_key": {base64.RawURLEncoding.EncodeToString(pub)},
	}.Encode()}

	done := make(chan LinkResult, 1)
	if linkErr != nil {
		done <- LinkResult{Err: linkErr}
		return link.String(), done, nil
	}

	aci, pni := keyPair(), keyPair()
	if aci == nil || pni == nil {
		return "", nil, fmt.Errorf("generate identity keys")
	}
	done <- LinkResult{
		DeviceID: next,
		Registration: protocol.Registration{
			ACI:               uuid.NewString(),
			PNI:               uuid.NewString(),
			PhoneNumber:       account,
			DeviceID:          next,
			DeviceName:        deviceName,
			RegistrationID:    rand.Uint32N(16380) + 1,
			PNIRegistrationID: rand.Uint32N(16380) + 1,
			Password:          uuid.NewString(),
		},
		Identity:    aci,
		PNIIdentity: pni,
	}
	return link.String(), done, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func keyPair() *protocol.IdentityKeyPair {
	pub, err := randomBytes(33)
	if err != nil {
		return nil
	}
	priv, err := randomBytes(32)
	if err != nil {
		return nil
	}
	return &protocol.IdentityKeyPair{PublicKey: pub, PrivateKey: priv}
}

type loopbackTransport struct {
	hub     *Loopback
	account string
	device  uint32
}

func (t *loopbackTransport) Receive(ctx context.Context, handle Handler) error {
	inbox := t.hub.inbox(t.account)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-inbox:
			handle(ctx, ev)
		}
	}
}

func (t *loopbackTransport) Send(ctx context.Context, to domain.Recipient, msg Outbound) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return t.hub.send(t.account, t.device, to, msg)
}

func (t *loopbackTransport) SyncContacts(ctx context.Context) ([]content.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.hub.syncs[t.account]++
	return slices.Clone(t.hub.contacts[t.account]), nil
}

func (t *loopbackTransport) Close() error { return nil }
