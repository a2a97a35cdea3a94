package tether

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/wire"
)

// Mainloop accepts new peers, reads and dispatches inbound messages and flushes outbound buffers.
// Timeout is split evenly between the listener and the endpoints. Only callback failures are
// returned, other endpoint errors break the endpoint which is removed in the same call.
func (c *Connection) Mainloop(timeout time.Duration) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}

	slots := len(c.endpoints)
	if c.listener != nil {
		slots++
	}
	if slots == 0 {
		time.Sleep(timeout)
		return nil
	}
	wait := timeout / time.Duration(slots)

	if c.listener != nil {
		c.accept(wait)
	}

	var result error
	for _, ep := range c.endpoints {
		if err := c.service(ep, wait); err != nil && result == nil {
			result = err
		}
	}
	for _, ep := range c.endpoints {
		if ep.status == StatusConnected || ep.status == StatusCookiePending {
			c.flush(ep)
		}
	}
	if err := c.reap(); err != nil && result == nil {
		result = err
	}

	for _, lw := range []*LogWriter{c.inLog, c.outLog} {
		if lw == nil {
			continue
		}
		if err := lw.Flush(); err != nil {
			c.log.Error("Flushing log failed", zap.String("path", lw.Path()), zap.Error(err))
		}
	}

	return result
}

func (c *Connection) accept(wait time.Duration) {
	deadline := time.Now().Add(max(wait, minPollWait))
	for {
		if err := c.listener.SetDeadline(deadline); err != nil {
			c.log.Error("Setting listener deadline failed", zap.Error(err))
			return
		}

		conn, err := c.listener.Accept()
		if err != nil {
			if !isTimeout(err) {
				c.log.Error("Accepting peer failed", zap.Error(err))
			}
			return
		}

		ep := c.newEndpoint()
		c.endpoints = append(c.endpoints, ep)
		c.attach(ep, conn)

		deadline = time.Now().Add(minPollWait)
	}
}

func (c *Connection) dial(ep *endpoint, wait time.Duration) {
	if time.Now().Before(ep.retryAt) {
		return
	}

	dialer := net.Dialer{Timeout: max(wait, minPollWait)}
	conn, err := dialer.Dial("tcp", c.address)
	if err != nil {
		if c.config.ReconnectInterval > 0 {
			ep.log.Debug("Dialing failed, retrying later", zap.Error(err))
			ep.retryAt = time.Now().Add(c.config.ReconnectInterval)
			return
		}
		c.fail(ep, errors.Wrapf(ErrSocket, "dialing %s: %s", c.address, err))
		return
	}

	c.attach(ep, conn)
}

// attach starts the handshake on established stream.
func (c *Connection) attach(ep *endpoint, conn net.Conn) {
	if err := ep.attach(conn, !c.config.DisableUDP); err != nil {
		c.fail(ep, err)
		return
	}

	ep.log.Info("Stream established")
	ep.out = append(ep.out, wire.LocalCookie(c.config.RemoteLog.Mode()).Encode()...)
	ep.cookieDeadline = time.Now().Add(c.config.CookieTimeout)
	c.flush(ep)
}

func (c *Connection) service(ep *endpoint, wait time.Duration) error {
	switch ep.status {
	case StatusTryingToConnect:
		c.dial(ep, wait)
		return nil
	case StatusCookiePending:
		return c.handshake(ep, wait)
	case StatusConnected:
		return c.serviceConnected(ep, wait)
	default:
		return nil
	}
}

func (c *Connection) handshake(ep *endpoint, wait time.Duration) error {
	readErr := ep.readStream(wait)

	cookie, received, err := ep.readCookie()
	switch {
	case err != nil:
		c.metrics.handshakeFailed()
		c.fail(ep, err)
		return nil
	case !received:
		if readErr != nil {
			c.fail(ep, readErr)
		} else if c.config.CookieTimeout > 0 && time.Now().After(ep.cookieDeadline) {
			c.fail(ep, errors.Wrap(ErrSocket, "cookie not received in time"))
		}
		return nil
	case cookie.Major != wire.MajorVersion:
		c.metrics.handshakeFailed()
		c.fail(ep, errors.Wrapf(ErrHandshakeMismatch, "peer runs version %d.%d, local version is %d.%d",
			cookie.Major, cookie.Minor, wire.MajorVersion, wire.MinorVersion))
		return nil
	}

	if err := c.establish(ep, cookie); err != nil {
		return err
	}
	if err := c.processStream(ep); err != nil {
		return err
	}
	if readErr != nil {
		c.fail(ep, readErr)
	}
	return nil
}

func (c *Connection) serviceConnected(ep *endpoint, wait time.Duration) error {
	streamWait, datagramWait := wait, time.Duration(0)
	if ep.udp != nil {
		streamWait, datagramWait = wait/2, wait/2
	}

	var readErr error
	if !ep.hasFrame() {
		readErr = ep.readStream(streamWait)
	}
	if err := c.processStream(ep); err != nil {
		return err
	}
	if readErr != nil {
		c.fail(ep, readErr)
	}

	if ep.udp != nil && ep.status == StatusConnected {
		if err := c.processDatagrams(ep, datagramWait); err != nil {
			return err
		}
	}

	if ep.status == StatusConnected {
		c.keepAlive(ep, time.Now())
	}
	return nil
}

func (c *Connection) processStream(ep *endpoint) error {
	limit := c.config.MaxInboundMessages
	for n := 0; limit <= 0 || n < limit; n++ {
		if ep.status != StatusConnected {
			return nil
		}

		h, payload, ok, err := ep.nextFrame()
		if err != nil {
			c.fail(ep, err)
			return nil
		}
		if !ok {
			return nil
		}

		c.metrics.received(channelTCP)
		ep.checkSequence(channelTCP, h.Sequence)
		if err := c.handleFrame(ep, h, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) processDatagrams(ep *endpoint, wait time.Duration) error {
	limit := c.config.MaxInboundMessages
	for n := 0; limit <= 0 || n < limit; n++ {
		if ep.status != StatusConnected {
			return nil
		}

		dg, ok, err := ep.readDatagram(wait)
		if err != nil {
			c.fail(ep, err)
			return nil
		}
		if !ok {
			return nil
		}
		wait = 0
		if dg == nil {
			continue
		}

		h, payload, size, err := wire.DecodeFrame(dg)
		if err != nil || size != len(dg) {
			ep.log.Warn("Malformed datagram ignored", zap.Int("size", len(dg)), zap.Error(err))
			continue
		}

		c.metrics.received(channelUDP)
		ep.checkSequence(channelUDP, h.Sequence)
		if err := c.handleFrame(ep, h, payload); err != nil {
			return err
		}
	}
	return nil
}

// reap removes broken endpoints. Client connection replaces its endpoint with a new one dialing
// after ReconnectInterval.
func (c *Connection) reap() error {
	var result error
	kept := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if ep.status != StatusBroken {
			kept = append(kept, ep)
			continue
		}

		if err := c.drop(ep); err != nil && result == nil {
			result = err
		}

		if c.address != "" && c.config.ReconnectInterval > 0 {
			next := c.newEndpoint()
			next.retryAt = time.Now().Add(c.config.ReconnectInterval)
			kept = append(kept, next)
		}
	}
	c.endpoints = kept
	return result
}

func (c *Connection) drop(ep *endpoint) error {
	ep.close()
	ep.log.Info("Endpoint dropped", zap.Bool("wasConnected", ep.everConnected), zap.Error(ep.err))
	c.metrics.dropped(ep.everConnected)

	if !ep.everConnected {
		return nil
	}

	c.connected--
	if err := c.notify(c.droppedConnection); err != nil {
		return err
	}
	if c.connected == 0 {
		return c.notify(c.droppedLastConnection)
	}
	return nil
}
