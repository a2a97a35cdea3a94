package tap

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/wire"
)

// Record is one message observed by the tap.
type Record struct {
	Type     string
	Sender   string
	Time     time.Time
	Sequence uint64
	Payload  []byte
}

// ServerConfig is the config of tap server.
type ServerConfig struct {
	// Name is announced to subscribers.
	Name string

	// MaxMessageSize is the largest frame exchanged with subscribers.
	MaxMessageSize uint64

	// QueueSize is the capacity of the feed and of each subscriber queue.
	QueueSize int

	// LogFile receives every fed message, regardless of subscriber decimation.
	LogFile string

	// Registerer registers tap metrics if set.
	Registerer prometheus.Registerer
}

// DefaultServerConfig returns default tap server config.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:           "tether",
		MaxMessageSize: 1 << 20,
		QueueSize:      1024,
	}
}

// Server shadows a connection in the background. Connection's mainloop feeds it through
// Handler, the server logs everything and relays decimated streams to subscribers.
type Server struct {
	config  ServerConfig
	feed    chan Record
	subs    *subscribers
	seq     uint64
	dropped atomic.Uint64

	feedDrops       prometheus.Counter
	subscriberDrops prometheus.Counter
}

// NewServer creates tap server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.QueueSize <= 0 {
		return nil, errors.New("queue size must be positive")
	}
	if config.MaxMessageSize == 0 {
		return nil, errors.New("max message size must be positive")
	}

	factory := promauto.With(config.Registerer)
	return &Server{
		config: config,
		feed:   make(chan Record, config.QueueSize),
		subs:   newSubscribers(config.QueueSize),
		feedDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "tap",
			Name:      "feed_drops_total",
			Help:      "Number of messages dropped because the tap feed was full",
		}),
		subscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "tap",
			Name:      "subscriber_drops_total",
			Help:      "Number of records not delivered to slow subscribers",
		}),
	}, nil
}

// Handler returns handler feeding messages to the tap. It copies the payload and never blocks,
// messages are dropped when the feed is full.
func (s *Server) Handler(names tether.Names) tether.Handler {
	return func(msg tether.Message) error {
		typeName, _ := names.TypeName(msg.Type)
		senderName, _ := names.SenderName(msg.Sender)

		s.seq++
		select {
		case s.feed <- Record{
			Type:     typeName,
			Sender:   senderName,
			Time:     msg.Time,
			Sequence: s.seq,
			Payload:  bytes.Clone(msg.Payload),
		}:
		default:
			s.dropped.Add(1)
			s.feedDrops.Inc()
		}
		return nil
	}
}

// Dropped returns the number of messages dropped by Handler.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Subscribers returns the number of connected subscribers.
func (s *Server) Subscribers() int {
	return s.subs.Len()
}

// Run runs the server.
func (s *Server) Run(ctx context.Context, ls net.Listener) error {
	connConfig := resonance.Config{
		MaxMessageSize: s.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("pump", parallel.Fail, s.pump)
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return resonance.RunServer(ctx, ls, connConfig,
				func(ctx context.Context, c *resonance.Connection) error {
					return s.runConn(ctx, c)
				})
		})

		return nil
	})
}

func (s *Server) pump(ctx context.Context) (retErr error) {
	log := logger.Get(ctx)

	var lw *tether.LogWriter
	if s.config.LogFile != "" {
		var err error
		if lw, err = tether.CreateLog(s.config.LogFile); err != nil {
			return err
		}
		defer func() {
			if err := lw.Close(); err != nil && retErr == nil {
				retErr = err
			}
		}()
	}

	for {
		var rec Record
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case rec = <-s.feed:
		}

		if lw != nil {
			if err := lw.Write(tether.LogRecord{
				Type:    rec.Type,
				Sender:  rec.Sender,
				Time:    rec.Time,
				Payload: rec.Payload,
			}); err != nil {
				return err
			}
			if len(s.feed) == 0 {
				if err := lw.Flush(); err != nil {
					return err
				}
			}
		}

		if dropped := s.subs.Broadcast(rec); dropped > 0 {
			s.subscriberDrops.Add(float64(dropped))
			log.Debug("Slow subscribers skipped record", zap.Int("count", dropped))
		}
	}
}

func (s *Server) runConn(ctx context.Context, c *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.TapHello{
		Name: s.config.Name,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.TapHello)
	if !ok {
		return errors.New("hello message expected")
	}

	logger.Get(ctx).Info("Subscriber connected",
		zap.String("name", helloMsg.Name),
		zap.Uint64("decimation", helloMsg.Decimation))

	id, sendCh := s.subs.Add(helloMsg.Decimation)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer s.subs.Remove(id)

			// Subscribers send nothing after hello, reading detects disconnection.
			if _, err := c.ReceiveProton(m); err != nil {
				return err
			}
			return errors.New("unexpected message from subscriber")
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for rec := range sendCh {
				if err := c.SendProton(&wire.TapRecord{
					Type:     rec.Type,
					Sender:   rec.Sender,
					Time:     uint64(rec.Time.UnixMicro()),
					Sequence: rec.Sequence,
				}, m); err != nil {
					return err
				}
				if err := c.SendRawBytes(rec.Payload); err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}

// LogFile returns the path of the log written by the server.
func (s *Server) LogFile() string {
	return s.config.LogFile
}
