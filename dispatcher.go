package tether

import (
	"github.com/pkg/errors"
)

type handlerEntry struct {
	id      HandlerID
	typ     TypeID
	sender  SenderID
	handler Handler
}

// dispatcher invokes handlers registered for (type, sender) pairs. Handlers registered for
// AnyType or AnySender match every type or sender. Matching handlers run in registration order.
type dispatcher struct {
	lastID  HandlerID
	byType  map[TypeID][]*handlerEntry
	entries map[HandlerID]TypeID
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		byType:  map[TypeID][]*handlerEntry{},
		entries: map[HandlerID]TypeID{},
	}
}

func (d *dispatcher) Add(typ TypeID, sender SenderID, handler Handler) HandlerID {
	d.lastID++
	d.byType[typ] = append(d.byType[typ], &handlerEntry{
		id:      d.lastID,
		typ:     typ,
		sender:  sender,
		handler: handler,
	})
	d.entries[d.lastID] = typ
	return d.lastID
}

func (d *dispatcher) Remove(id HandlerID) bool {
	typ, exists := d.entries[id]
	if !exists {
		return false
	}
	delete(d.entries, id)

	// New slice is built so dispatch in progress keeps iterating over its snapshot.
	old := d.byType[typ]
	entries := make([]*handlerEntry, 0, len(old)-1)
	for _, e := range old {
		if e.id != id {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		delete(d.byType, typ)
	} else {
		d.byType[typ] = entries
	}
	return true
}

func (d *dispatcher) Len() int {
	return len(d.entries)
}

func (d *dispatcher) Dispatch(msg Message) error {
	specific := d.byType[msg.Type]
	generic := d.byType[AnyType]
	if msg.Type == AnyType {
		specific = nil
	}

	for len(specific) > 0 || len(generic) > 0 {
		var e *handlerEntry
		switch {
		case len(generic) == 0 || (len(specific) > 0 && specific[0].id < generic[0].id):
			e, specific = specific[0], specific[1:]
		default:
			e, generic = generic[0], generic[1:]
		}

		if e.sender != AnySender && e.sender != msg.Sender {
			continue
		}
		if err := e.handler(msg); err != nil {
			return errors.Wrapf(ErrCallbackFailure, "handler %d for type %d failed: %s", e.id, msg.Type, err)
		}
	}
	return nil
}
