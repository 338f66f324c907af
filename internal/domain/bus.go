package domain

// MessageBus carries decrypted inbound events from transports to the dispatcher.
type MessageBus interface {
	Publish(ev InboundEvent)
	Subscribe() <-chan InboundEvent
	Close()
}
