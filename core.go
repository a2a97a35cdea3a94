package tether

import (
	"time"

	"github.com/pkg/errors"
)

// core holds the local registrations shared by live and replayed connections.
type core struct {
	senders    *nameTable
	types      *nameTable
	dispatcher *dispatcher

	controlSender         SenderID
	gotFirstConnection    TypeID
	gotConnection         TypeID
	droppedConnection     TypeID
	droppedLastConnection TypeID
}

func newCore() *core {
	c := &core{
		senders:    newNameTable(),
		types:      newNameTable(),
		dispatcher: newDispatcher(),
	}

	c.controlSender = SenderID(c.register(c.senders, ControlSenderName))
	c.gotFirstConnection = TypeID(c.register(c.types, GotFirstConnectionName))
	c.gotConnection = TypeID(c.register(c.types, GotConnectionName))
	c.droppedConnection = TypeID(c.register(c.types, DroppedConnectionName))
	c.droppedLastConnection = TypeID(c.register(c.types, DroppedLastConnectionName))

	return c
}

func (c *core) register(t *nameTable, name string) int32 {
	id, _ := t.Register(name)
	return id
}

// SenderName returns the name of registered sender.
func (c *core) SenderName(id SenderID) (string, bool) {
	return c.senders.Name(int32(id))
}

// TypeName returns the name of registered message type.
func (c *core) TypeName(id TypeID) (string, bool) {
	return c.types.Name(int32(id))
}

// RegisterHandler registers handler for messages of type typ coming from sender. AnyType and
// AnySender match everything. The same handler may be registered many times, every registration
// gets its own id.
func (c *core) RegisterHandler(typ TypeID, sender SenderID, handler Handler) (HandlerID, error) {
	if handler == nil {
		return 0, errors.New("handler is nil")
	}
	if typ != AnyType {
		if _, exists := c.TypeName(typ); !exists {
			return 0, errors.Wrapf(ErrUnknownLocalID, "type %d", typ)
		}
	}
	if sender != AnySender {
		if _, exists := c.SenderName(sender); !exists {
			return 0, errors.Wrapf(ErrUnknownLocalID, "sender %d", sender)
		}
	}
	return c.dispatcher.Add(typ, sender, handler), nil
}

// UnregisterHandler removes handler registration.
func (c *core) UnregisterHandler(id HandlerID) error {
	if !c.dispatcher.Remove(id) {
		return errors.Errorf("handler %d is not registered", id)
	}
	return nil
}

func (c *core) validate(typ TypeID, sender SenderID) error {
	if _, exists := c.TypeName(typ); !exists {
		return errors.Wrapf(ErrUnknownLocalID, "type %d", typ)
	}
	if _, exists := c.SenderName(sender); !exists {
		return errors.Wrapf(ErrUnknownLocalID, "sender %d", sender)
	}
	return nil
}

func (c *core) notify(typ TypeID) error {
	return c.dispatcher.Dispatch(Message{
		Type:   typ,
		Sender: c.controlSender,
		Time:   time.Now(),
	})
}
