package tap

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/resonance"
	"github.com/outofforest/tether/wire"
)

// ClientConfig is the config of tap client.
type ClientConfig struct {
	// Server is the address of tap server.
	Server string

	// Name is announced to the server.
	Name string

	// MaxMessageSize is the largest frame exchanged with the server.
	MaxMessageSize uint64

	// Decimation requests every n-th record only.
	Decimation uint64

	// QueueSize is the capacity of the channel returned by NewClient.
	QueueSize int

	// RetryInterval is the delay between connection attempts.
	RetryInterval time.Duration
}

// Client subscribes to tap server.
type Client struct {
	config ClientConfig
	recvCh chan Record
}

// NewClient creates new client. Records are delivered to the returned channel, which is closed
// when Run returns.
func NewClient(config ClientConfig) (*Client, <-chan Record, error) {
	if config.Server == "" {
		return nil, nil, errors.New("no server specified")
	}
	if config.MaxMessageSize == 0 {
		return nil, nil, errors.New("max message size must be positive")
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}

	recvCh := make(chan Record, max(config.QueueSize, 1))
	return &Client{
		config: config,
		recvCh: recvCh,
	}, recvCh, nil
}

// Run runs client.
func (client *Client) Run(ctx context.Context) error {
	defer close(client.recvCh)

	log := logger.Get(ctx)
	connConfig := resonance.Config{
		MaxMessageSize: client.config.MaxMessageSize,
	}

	for {
		err := resonance.RunClient(ctx, client.config.Server, connConfig,
			func(ctx context.Context, c *resonance.Connection) error {
				return client.runConn(ctx, c)
			})

		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		log.Error("Tap connection failed", zap.String("server", client.config.Server), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(client.config.RetryInterval):
		}
	}
}

func (client *Client) runConn(ctx context.Context, c *resonance.Connection) error {
	defer c.Close()

	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.TapHello{
		Name:       client.config.Name,
		Decimation: client.config.Decimation,
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
	logger.Get(ctx).Info("Subscribed to tap", zap.String("name", helloMsg.Name))

	for {
		msg, err := c.ReceiveProton(m)
		if err != nil {
			return err
		}

		recordMsg, ok := msg.(*wire.TapRecord)
		if !ok {
			return errors.New("record message expected")
		}

		payload, err := c.ReceiveRawBytes()
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case client.recvCh <- Record{
			Type:     recordMsg.Type,
			Sender:   recordMsg.Sender,
			Time:     time.UnixMicro(int64(recordMsg.Time)),
			Sequence: recordMsg.Sequence,
			Payload:  bytes.Clone(payload),
		}:
		}
	}
}
