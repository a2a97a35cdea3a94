package tether

import (
	"strings"
	"time"
)

// SenderID is the local id of a registered sender.
type SenderID int32

// TypeID is the local id of a registered message type.
type TypeID int32

// Wildcards accepted by RegisterHandler.
const (
	AnySender SenderID = -1
	AnyType   TypeID   = -1
)

// ClassOfService is a per-message delivery hint. Only Reliable is a guarantee, the rest select
// the unreliable channel when it exists.
type ClassOfService uint32

// Classes of service.
const (
	Reliable ClassOfService = 1 << iota
	FixedLatency
	LowLatency
	FixedThroughput
	HighThroughput
)

func (c ClassOfService) String() string {
	if c == 0 {
		return "none"
	}

	names := make([]string, 0, 5)
	for _, n := range []struct {
		bit  ClassOfService
		name string
	}{
		{Reliable, "reliable"},
		{FixedLatency, "fixed-latency"},
		{LowLatency, "low-latency"},
		{FixedThroughput, "fixed-throughput"},
		{HighThroughput, "high-throughput"},
	} {
		if c&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Message is delivered to handlers. Payload is valid only for the duration of the handler call.
type Message struct {
	Type    TypeID
	Sender  SenderID
	Time    time.Time
	Payload []byte
}

// Handler processes dispatched message. Returned error is a protocol failure of the peer which
// delivered the message.
type Handler func(msg Message) error

// HandlerID identifies handler registration.
type HandlerID uint64

// Names of the control sender and of the connection notifications delivered to local handlers.
const (
	ControlSenderName         = "tether control"
	GotFirstConnectionName    = "tether got first connection"
	GotConnectionName         = "tether got connection"
	DroppedConnectionName     = "tether dropped connection"
	DroppedLastConnectionName = "tether dropped last connection"
)

// Packer packs messages for delivery.
type Packer interface {
	PackMessage(t time.Time, typ TypeID, sender SenderID, payload []byte, cos ClassOfService) error
}

// Names resolves local ids to names.
type Names interface {
	SenderName(id SenderID) (string, bool)
	TypeName(id TypeID) (string, bool)
}

// Conn is the surface shared by live and replayed connections.
type Conn interface {
	Packer
	Names

	RegisterSender(name string) (SenderID, error)
	RegisterMessageType(name string) (TypeID, error)
	RegisterHandler(typ TypeID, sender SenderID, handler Handler) (HandlerID, error)
	UnregisterHandler(id HandlerID) error
	Mainloop(timeout time.Duration) error
	Connected() bool
	Close() error
}
