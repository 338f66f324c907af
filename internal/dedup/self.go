package dedup

import (
	"bitpart/internal/domain"
)

// Local identifies the account a channel runs as.
type Local struct {
	Account  string
	ACI      string
	PNI      string
	DeviceID uint32
}

func (l Local) owns(name string) bool {
	return name != "" && (name == l.Account || name == l.ACI || name == l.PNI)
}

// IsSelf reports whether sender is the local account, on any of its devices.
func IsSelf(local Local, sender domain.Address) bool {
	return local.owns(sender.Name)
}

// IsOwnDevice reports whether sender is exactly the device the bot runs on.
func IsOwnDevice(local Local, sender domain.Address) bool {
	return local.owns(sender.Name) && sender.DeviceID == local.DeviceID
}

// Metadata builds the event metadata handed to the interpreter. override is
// the bot's own security level, if it sets one.
func (g *Guard) Metadata(ev domain.InboundEvent, override domain.SecurityLevel) domain.Metadata {
	level := g.level
	if override.Valid() {
		level = override
	}
	return domain.Metadata{
		SecurityLevel: level,
		Secure:        level == domain.SecurityEncrypted,
		ChannelID:     ev.ChannelID,
		Account:       ev.Account,
		Sender:        ev.Sender.Name,
		SenderDevice:  ev.Sender.DeviceID,
		GroupID:       ev.GroupID,
	}
}

// SecurityLevel returns the configured default level.
func (g *Guard) SecurityLevel() domain.SecurityLevel { return g.level }
