package tether

import (
	"time"

	"github.com/pkg/errors"
)

type pendingCopy struct {
	time      time.Time
	typ       TypeID
	sender    SenderID
	payload   []byte
	cos       ClassOfService
	remaining int
	interval  time.Duration
	next      time.Time
}

// unreliablePacker packs messages for peers reachable over the unreliable channel only.
type unreliablePacker interface {
	PackUnreliable(t time.Time, typ TypeID, sender SenderID, payload []byte, cos ClassOfService) error
}

// RedundantTransmission repeats low-latency messages over the unreliable channel to raise the
// chance that at least one copy arrives. Copies skip peers without unreliable channel when the
// packer supports it. Its Mainloop must be called before the Mainloop of the underlying connection.
type RedundantTransmission struct {
	packer  Packer
	config  RedundancyConfig
	metrics *Metrics

	enabled bool
	queue   []*pendingCopy
}

// NewRedundantTransmission creates enabled overlay on top of packer.
func NewRedundantTransmission(packer Packer, config RedundancyConfig) *RedundantTransmission {
	return &RedundantTransmission{
		packer:  packer,
		config:  config,
		metrics: config.Metrics,
		enabled: true,
	}
}

// PackMessage packs message and, for low-latency ones, schedules the configured number of copies.
func (r *RedundantTransmission) PackMessage(
	t time.Time,
	typ TypeID,
	sender SenderID,
	payload []byte,
	cos ClassOfService,
) error {
	if cos&LowLatency == 0 {
		return r.packer.PackMessage(t, typ, sender, payload, cos)
	}
	return r.PackRedundant(t, typ, sender, payload, cos, r.config.Count, r.config.Interval)
}

// PackRedundant packs message and schedules count copies spaced by at least interval.
func (r *RedundantTransmission) PackRedundant(
	t time.Time,
	typ TypeID,
	sender SenderID,
	payload []byte,
	cos ClassOfService,
	count int,
	interval time.Duration,
) error {
	if count < 0 || interval < 0 {
		return errors.Errorf("invalid redundancy %d every %s", count, interval)
	}
	if err := r.packer.PackMessage(t, typ, sender, payload, cos); err != nil {
		return err
	}
	if !r.enabled || count == 0 {
		return nil
	}

	r.queue = append(r.queue, &pendingCopy{
		time:      t,
		typ:       typ,
		sender:    sender,
		payload:   append([]byte(nil), payload...),
		cos:       cos &^ Reliable,
		remaining: count,
		interval:  interval,
		next:      time.Now().Add(interval),
	})
	return nil
}

// Mainloop packs copies whose interval elapsed.
func (r *RedundantTransmission) Mainloop() error {
	now := time.Now()

	var result error
	kept := r.queue[:0]
	for _, p := range r.queue {
		if !now.Before(p.next) {
			if err := r.packCopy(p); err != nil {
				if result == nil {
					result = err
				}
			} else {
				r.metrics.resent()
			}
			p.remaining--
			p.next = time.Now().Add(p.interval)
		}
		if p.remaining > 0 {
			kept = append(kept, p)
		}
	}
	clear(r.queue[len(kept):])
	r.queue = kept

	return result
}

func (r *RedundantTransmission) packCopy(p *pendingCopy) error {
	if up, ok := r.packer.(unreliablePacker); ok {
		return up.PackUnreliable(p.time, p.typ, p.sender, p.payload, p.cos)
	}
	return r.packer.PackMessage(p.time, p.typ, p.sender, p.payload, p.cos)
}

// Enable turns redundancy on or off. Disabling drops copies not sent yet.
func (r *RedundantTransmission) Enable(enabled bool) {
	r.enabled = enabled
	if !enabled {
		clear(r.queue)
		r.queue = r.queue[:0]
	}
}

// Enabled tells if redundancy is on.
func (r *RedundantTransmission) Enabled() bool {
	return r.enabled
}

// Pending returns the number of messages with copies still to be sent.
func (r *RedundantTransmission) Pending() int {
	return len(r.queue)
}

type redundantKey struct {
	typ    TypeID
	sender SenderID
	time   int64
}

// RedundantReceiver filters out copies produced by RedundantTransmission. Copies are recognized by
// equal type, sender and timestamp.
type RedundantReceiver struct {
	memory int
}

// NewRedundantReceiver creates receiver remembering the last memory messages of each wrapped handler.
func NewRedundantReceiver(memory int) *RedundantReceiver {
	return &RedundantReceiver{memory: max(memory, 1)}
}

// Wrap returns handler calling h only for the first copy of each message.
func (r *RedundantReceiver) Wrap(h Handler) Handler {
	seen := make(map[redundantKey]struct{}, r.memory)
	order := make([]redundantKey, 0, r.memory)

	return func(msg Message) error {
		key := redundantKey{
			typ:    msg.Type,
			sender: msg.Sender,
			time:   msg.Time.UnixMicro(),
		}
		if _, exists := seen[key]; exists {
			return nil
		}

		if len(order) == r.memory {
			delete(seen, order[0])
			order = append(order[:0], order[1:]...)
		}
		seen[key] = struct{}{}
		order = append(order, key)

		return h(msg)
	}
}
