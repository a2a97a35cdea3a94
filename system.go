package tether

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/wire"
)

// establish moves endpoint to connected state and describes local registrations to the peer.
func (c *Connection) establish(ep *endpoint, cookie wire.Cookie) error {
	now := time.Now()

	ep.status = StatusConnected
	ep.everConnected = true
	ep.peer = cookie
	ep.compat = cookie.Minor != wire.MinorVersion
	ep.lastRecv = now
	ep.nextPing = now.Add(c.config.PingInterval)

	ep.log.Info("Peer connected",
		zap.Int("major", cookie.Major),
		zap.Int("minor", cookie.Minor),
		zap.Bool("compat", ep.compat))

	c.connected++
	c.metrics.connected()

	if err := c.describe(ep); err != nil {
		c.fail(ep, err)
	}

	if c.connected == 1 {
		if err := c.notify(c.gotFirstConnection); err != nil {
			return err
		}
	}
	return c.notify(c.gotConnection)
}

func (c *Connection) describe(ep *endpoint) error {
	for _, d := range []struct {
		typ   int32
		names *nameTable
	}{
		{typ: wire.TypeSenderDescription, names: c.senders},
		{typ: wire.TypeTypeDescription, names: c.types},
	} {
		for id := range int32(d.names.Len()) {
			name, _ := d.names.Name(id)
			payload, err := wire.Marshal(&wire.Description{Name: name})
			if err != nil {
				return err
			}
			c.sendSystem(ep, d.typ, id, payload)
		}
	}

	if ep.udp != nil {
		addr := ep.udp.LocalAddr().(*net.UDPAddr)
		payload, err := wire.Marshal(&wire.UDPDescription{
			Host: addr.IP.String(),
			Port: uint64(addr.Port),
		})
		if err != nil {
			return err
		}
		c.sendSystem(ep, wire.TypeUDPDescription, 0, payload)
	}

	if mode := c.config.RemoteLog.Mode(); mode != wire.LogNone {
		payload, err := wire.Marshal(&wire.LogDescription{
			Mode:    uint64(mode),
			InFile:  c.config.RemoteLog.InFile,
			OutFile: c.config.RemoteLog.OutFile,
		})
		if err != nil {
			return err
		}
		c.sendSystem(ep, wire.TypeLogDescription, 0, payload)
	}

	return nil
}

// handleFrame translates ids of user message and dispatches it, system messages are consumed here.
func (c *Connection) handleFrame(ep *endpoint, h wire.Header, payload []byte) error {
	ep.lastRecv = time.Now()

	if h.IsSystem() {
		c.handleSystem(ep, h, payload)
		return nil
	}

	typ, typeKnown := ep.types.Local(h.Type)
	sender, senderKnown := ep.senders.Local(h.Sender)
	if !typeKnown || !senderKnown {
		c.metrics.unknownRemoteID()
		ep.log.Warn("Message dropped",
			zap.Error(errors.Wrapf(ErrUnknownRemoteID, "type %d, sender %d", h.Type, h.Sender)))
		return nil
	}

	msg := Message{
		Type:    TypeID(typ),
		Sender:  SenderID(sender),
		Time:    h.Time(),
		Payload: payload,
	}
	c.record(ep.inLog, msg.Time, msg.Type, msg.Sender, payload)
	c.record(c.inLog, msg.Time, msg.Type, msg.Sender, payload)

	if err := c.dispatcher.Dispatch(msg); err != nil {
		c.fail(ep, err)
		return err
	}
	return nil
}

func (c *Connection) handleSystem(ep *endpoint, h wire.Header, payload []byte) {
	switch h.Type {
	case wire.TypeSenderDescription, wire.TypeTypeDescription:
		desc, err := wire.Unmarshal[wire.Description](payload)
		if err != nil {
			c.fail(ep, errors.Wrapf(ErrSocket, "malformed description: %s", err))
			return
		}
		names, table := c.types, ep.types
		if h.Type == wire.TypeSenderDescription {
			names, table = c.senders, ep.senders
		}
		local, err := c.register(names, h.Type, desc.Name, ep)
		if err != nil {
			c.fail(ep, err)
			return
		}
		table.Map(h.Sender, desc.Name, local)
	case wire.TypeUDPDescription:
		if ep.udp == nil {
			return
		}
		desc, err := wire.Unmarshal[wire.UDPDescription](payload)
		if err != nil {
			c.fail(ep, errors.Wrapf(ErrSocket, "malformed UDP description: %s", err))
			return
		}
		ip := net.ParseIP(desc.Host)
		if ip == nil || ip.IsUnspecified() {
			ip = ep.remoteIP()
		}
		ep.peerUDP = &net.UDPAddr{IP: ip, Port: int(desc.Port)}
		ep.log.Debug("Unreliable channel ready", zap.Stringer("peerUDP", ep.peerUDP))
	case wire.TypeLogDescription:
		desc, err := wire.Unmarshal[wire.LogDescription](payload)
		if err != nil {
			c.fail(ep, errors.Wrapf(ErrSocket, "malformed log description: %s", err))
			return
		}
		c.openRemoteLogs(ep, desc)
	case wire.TypeDisconnect:
		ep.log.Info("Peer disconnected")
		ep.fail(errPeerDisconnected)
	case wire.TypePing:
		c.sendSystem(ep, wire.TypePong, 0, nil)
	case wire.TypePong:
	default:
		ep.log.Warn("Unknown system message ignored", zap.Int32("type", h.Type))
	}
}

func (c *Connection) openRemoteLogs(ep *endpoint, desc *wire.LogDescription) {
	if !c.config.AllowRemoteLogging {
		ep.log.Warn("Remote logging requested but not allowed",
			zap.String("inFile", desc.InFile),
			zap.String("outFile", desc.OutFile))
		return
	}

	mode := wire.LogMode(desc.Mode)
	var err error
	if mode&wire.LogIncoming != 0 && desc.InFile != "" && ep.inLog == nil {
		if ep.inLog, err = CreateLog(desc.InFile); err != nil {
			ep.log.Error("Opening remote log failed", zap.String("path", desc.InFile), zap.Error(err))
		}
	}
	if mode&wire.LogOutgoing != 0 && desc.OutFile != "" && ep.outLog == nil {
		if ep.outLog, err = CreateLog(desc.OutFile); err != nil {
			ep.log.Error("Opening remote log failed", zap.String("path", desc.OutFile), zap.Error(err))
		}
	}
}

// keepAlive pings peers supporting it and breaks endpoints which stopped responding.
func (c *Connection) keepAlive(ep *endpoint, now time.Time) {
	if ep.peer.Minor < pingMinorVersion {
		return
	}

	if c.config.PeerTimeout > 0 && now.Sub(ep.lastRecv) > c.config.PeerTimeout {
		c.fail(ep, errors.Wrapf(ErrSocket, "nothing received for %s", now.Sub(ep.lastRecv)))
		return
	}
	if c.config.PingInterval > 0 && !now.Before(ep.nextPing) {
		c.sendSystem(ep, wire.TypePing, 0, nil)
		ep.nextPing = now.Add(c.config.PingInterval)
	}
}
