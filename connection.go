package tether

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tether/wire"
)

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Connection is a live connection: a server accepting many peers or a client of one peer. All the
// I/O happens inside Mainloop, so the connection must be used from a single goroutine.
type Connection struct {
	*core

	log     *zap.Logger
	config  Config
	metrics *Metrics

	listener deadlineListener
	address  string

	endpoints      []*endpoint
	lastEndpointID EndpointID
	connected      int

	inLog  *LogWriter
	outLog *LogWriter
	closed bool
}

// NewServer creates connection accepting peers on ls. Connection takes ownership of the listener.
func NewServer(ctx context.Context, ls net.Listener, config Config) (*Connection, error) {
	dl, ok := ls.(deadlineListener)
	if !ok {
		return nil, errors.Errorf("listener %T does not support deadlines", ls)
	}

	c, err := newConnection(ctx, config)
	if err != nil {
		return nil, err
	}
	c.listener = dl
	c.log = c.log.With(zap.Stringer("listen", ls.Addr()))
	return c, nil
}

// NewClient creates connection dialing address. The first attempt is made by Mainloop.
func NewClient(ctx context.Context, address string, config Config) (*Connection, error) {
	c, err := newConnection(ctx, config)
	if err != nil {
		return nil, err
	}
	c.address = address
	c.log = c.log.With(zap.String("server", address))
	c.endpoints = append(c.endpoints, c.newEndpoint())
	return c, nil
}

func newConnection(ctx context.Context, config Config) (*Connection, error) {
	c := &Connection{
		core:    newCore(),
		log:     logger.Get(ctx),
		config:  config,
		metrics: config.Metrics,
	}

	var err error
	if config.Log.InFile != "" {
		if c.inLog, err = CreateLog(config.Log.InFile); err != nil {
			return nil, err
		}
	}
	if config.Log.OutFile != "" {
		if c.outLog, err = CreateLog(config.Log.OutFile); err != nil {
			if c.inLog != nil {
				_ = c.inLog.Close()
			}
			return nil, err
		}
	}

	return c, nil
}

// RegisterSender registers sender and announces it to connected peers.
func (c *Connection) RegisterSender(name string) (SenderID, error) {
	id, err := c.register(c.senders, wire.TypeSenderDescription, name, nil)
	return SenderID(id), err
}

// RegisterMessageType registers message type and announces it to connected peers.
func (c *Connection) RegisterMessageType(name string) (TypeID, error) {
	id, err := c.register(c.types, wire.TypeTypeDescription, name, nil)
	return TypeID(id), err
}

// register registers name and announces new one to all connected peers except the origin.
func (c *Connection) register(names *nameTable, typ int32, name string, origin *endpoint) (int32, error) {
	if c.closed {
		return 0, errors.WithStack(ErrClosed)
	}

	id, created := names.Register(name)
	if !created {
		return id, nil
	}

	var payload []byte
	for _, ep := range c.endpoints {
		if ep == origin || ep.status != StatusConnected {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = wire.Marshal(&wire.Description{Name: name}); err != nil {
				return 0, err
			}
		}
		c.sendSystem(ep, typ, id, payload)
	}
	return id, nil
}

// PackMessage frames message for every connected peer. Reliable messages and peers without
// unreliable channel use the stream, the rest goes in datagrams. Nothing is written before
// SendPendingReports or Mainloop. If any peer can't take the message, it is queued for none.
func (c *Connection) PackMessage(
	t time.Time,
	typ TypeID,
	sender SenderID,
	payload []byte,
	cos ClassOfService,
) error {
	return c.pack(t, typ, sender, payload, cos, false)
}

// PackUnreliable frames message for connected peers having unreliable channel only. Peers without
// it are skipped, so the message never travels over the stream.
func (c *Connection) PackUnreliable(
	t time.Time,
	typ TypeID,
	sender SenderID,
	payload []byte,
	cos ClassOfService,
) error {
	return c.pack(t, typ, sender, payload, cos&^Reliable, true)
}

func (c *Connection) pack(
	t time.Time,
	typ TypeID,
	sender SenderID,
	payload []byte,
	cos ClassOfService,
	unreliableOnly bool,
) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}
	if err := c.validate(typ, sender); err != nil {
		return err
	}

	size := wire.FrameSize(len(payload))
	targets := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if ep.status != StatusConnected {
			continue
		}
		if c.config.FilterUndeclaredTypes {
			if _, declared := ep.types.Remote(int32(typ)); !declared {
				continue
			}
		}

		datagram := cos&Reliable == 0 && ep.peerUDP != nil
		switch {
		case datagram:
			if size > wire.MaxDatagramSize {
				return errors.Wrapf(ErrDatagramTooLarge, "frame of %d bytes exceeds %d", size, wire.MaxDatagramSize)
			}
		case unreliableOnly:
			continue
		case !ep.fits(size, c.config.MaxOutboundBuffer):
			c.flush(ep)
			if ep.status == StatusBroken {
				continue
			}
			if !ep.fits(size, c.config.MaxOutboundBuffer) {
				return errors.Wrapf(ErrBufferFull, "endpoint %d: %d bytes buffered, frame of %d bytes does not fit",
					ep.id, len(ep.out), size)
			}
		}
		targets = append(targets, ep)
	}

	h := wire.Header{
		Type:   int32(typ),
		Sender: int32(sender),
	}
	h.SetTime(t)

	for _, ep := range targets {
		if cos&Reliable == 0 && ep.peerUDP != nil {
			if _, err := ep.queueDatagram(h, payload); err != nil {
				return err
			}
			c.metrics.sent(channelUDP)
		} else {
			if _, err := ep.queueFrame(h, payload, c.config.MaxOutboundBuffer); err != nil {
				return err
			}
			c.metrics.sent(channelTCP)
		}
		c.record(ep.outLog, t, typ, sender, payload)
	}

	c.record(c.outLog, t, typ, sender, payload)
	return nil
}

// SendPendingReports writes buffered messages to all peers.
func (c *Connection) SendPendingReports() error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}
	for _, ep := range c.endpoints {
		if ep.status == StatusConnected || ep.status == StatusCookiePending {
			c.flush(ep)
		}
	}
	return nil
}

// Connected returns true if at least one peer completed the handshake.
func (c *Connection) Connected() bool {
	return c.connected > 0
}

// Endpoints returns the state of all endpoints.
func (c *Connection) Endpoints() []EndpointInfo {
	infos := make([]EndpointInfo, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		infos = append(infos, ep.Info())
	}
	return infos
}

// Addr returns the listening address of server connection.
func (c *Connection) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Close notifies peers and closes all sockets and logs.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	for _, ep := range c.endpoints {
		if ep.status == StatusConnected {
			h := wire.Header{Type: wire.TypeDisconnect}
			h.SetTime(time.Now())
			if _, err := ep.queueFrame(h, nil, 0); err == nil {
				if err := ep.flush(c.metrics); err != nil {
					ep.log.Debug("Sending disconnect failed", zap.Error(err))
				}
			}
		}
		if ep.everConnected {
			c.metrics.dropped(true)
		}
		ep.close()
	}
	c.endpoints = nil
	c.connected = 0

	var err error
	if c.listener != nil {
		if lsErr := c.listener.Close(); lsErr != nil && !errors.Is(lsErr, net.ErrClosed) {
			err = errors.WithStack(lsErr)
		}
	}
	for _, lw := range []*LogWriter{c.inLog, c.outLog} {
		if lw == nil {
			continue
		}
		if lwErr := lw.Close(); lwErr != nil && err == nil {
			err = lwErr
		}
	}
	return err
}

func (c *Connection) newEndpoint() *endpoint {
	c.lastEndpointID++
	return newEndpoint(c.lastEndpointID, c.log)
}

// sendSystem queues system frame on the stream. Failure breaks the endpoint.
func (c *Connection) sendSystem(ep *endpoint, typ, sender int32, payload []byte) {
	h := wire.Header{
		Type:   typ,
		Sender: sender,
	}
	h.SetTime(time.Now())

	if err := c.queueReliable(ep, h, payload); err != nil {
		c.fail(ep, err)
	}
}

func (c *Connection) queueReliable(ep *endpoint, h wire.Header, payload []byte) error {
	_, err := ep.queueFrame(h, payload, c.config.MaxOutboundBuffer)
	if errors.Is(err, ErrBufferFull) {
		c.flush(ep)
		if ep.status == StatusBroken {
			return errors.Wrapf(ErrBufferFull, "endpoint %d broke while flushing: %s", ep.id, ep.err)
		}
		_, err = ep.queueFrame(h, payload, c.config.MaxOutboundBuffer)
	}
	if err != nil {
		return err
	}
	c.metrics.sent(channelTCP)
	return nil
}

func (c *Connection) flush(ep *endpoint) {
	if err := ep.flush(c.metrics); err != nil {
		c.fail(ep, err)
	}
}

func (c *Connection) fail(ep *endpoint, err error) {
	if ep.status == StatusBroken {
		return
	}
	ep.log.Warn("Endpoint broken", zap.Stringer("status", ep.status), zap.Error(err))
	ep.fail(err)
}

func (c *Connection) record(lw *LogWriter, t time.Time, typ TypeID, sender SenderID, payload []byte) {
	if lw == nil {
		return
	}

	typeName, _ := c.TypeName(typ)
	senderName, _ := c.SenderName(sender)
	if err := lw.Write(LogRecord{
		Type:    typeName,
		Sender:  senderName,
		Time:    t,
		Payload: payload,
	}); err != nil {
		c.log.Error("Writing log failed", zap.String("path", lw.Path()), zap.Error(err))
	}
}
