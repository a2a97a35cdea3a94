package tap

import (
	"sync"
)

type subscriber struct {
	ch         chan Record
	decimation uint64
	count      uint64
}

// subscribers fans records out to connected observers without ever blocking the producer.
type subscribers struct {
	queueSize int

	mu     sync.RWMutex
	lastID uint64
	subs   map[uint64]*subscriber
}

func newSubscribers(queueSize int) *subscribers {
	return &subscribers{
		queueSize: queueSize,
		subs:      map[uint64]*subscriber{},
	}
}

func (s *subscribers) Add(decimation uint64) (uint64, <-chan Record) {
	ch := make(chan Record, s.queueSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	s.subs[s.lastID] = &subscriber{
		ch:         ch,
		decimation: max(decimation, 1),
	}
	return s.lastID, ch
}

func (s *subscribers) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, exists := s.subs[id]; exists {
		delete(s.subs, id)
		close(sub.ch)
	}
}

func (s *subscribers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.subs)
}

// Broadcast delivers every decimation-th record to each subscriber and returns the number of
// deliveries skipped because subscriber queue was full.
func (s *subscribers) Broadcast(rec Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for _, sub := range s.subs {
		sub.count++
		if (sub.count-1)%sub.decimation != 0 {
			continue
		}

		select {
		case sub.ch <- rec:
		default:
			dropped++
		}
	}
	return dropped
}
