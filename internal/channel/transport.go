// Package channel binds protocol accounts to bots: it owns the transports,
// the linked devices of every account, their receive loops and the periodic
// contact-sync jobs.
package channel

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"bitpart/internal/content"
	"bitpart/internal/domain"
	"bitpart/internal/protocol"
)

// Outbound is one message handed to a transport.
type Outbound struct {
	Text string
	// Timestamp is the client timestamp of the message; zero lets the
	// transport pick one.
	Timestamp time.Time
}

// Handler receives every decrypted inbound event of a receive loop.
type Handler func(ctx context.Context, ev domain.InboundEvent)

// Transport is one linked device of an account talking to the messaging
// service. Implementations keep their protocol state in the Store they are
// opened with.
type Transport interface {
	// Receive delivers inbound events to handle until ctx is cancelled or
	// the connection fails.
	Receive(ctx context.Context, handle Handler) error
	// Send delivers msg and returns the timestamp the service assigned to
	// it. The timestamp doubles as the message id.
	Send(ctx context.Context, to domain.Recipient, msg Outbound) (time.Time, error)
	// SyncContacts asks the primary device for the contact list and
	// returns it.
	SyncContacts(ctx context.Context) ([]content.Contact, error)
	Close() error
}

// TransportConfig is what a Factory gets to open one device.
type TransportConfig struct {
	Channel  domain.Channel
	DeviceID uint32
	Store    *protocol.Store
	Logger   *slog.Logger
}

// Factory opens transports of one kind.
type Factory interface {
	Open(ctx context.Context, cfg TransportConfig) (Transport, error)
}

// LinkResult is the outcome of a provisioning attempt.
type LinkResult struct {
	DeviceID     uint32
	Registration protocol.Registration
	Identity     *protocol.IdentityKeyPair
	PNIIdentity  *protocol.IdentityKeyPair
	Err          error
}

// Provisioner is implemented by factories that can link a new secondary
// device. Link returns the provisioning URL to show the account owner and a
// channel that yields exactly one result.
type Provisioner interface {
	Link(ctx context.Context, account, deviceName string) (string, <-chan LinkResult, error)
}

// MessageID renders a send timestamp the way inbound message ids look.
func MessageID(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}
