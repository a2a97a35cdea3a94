package tether

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/wire"
)

const (
	// minPollWait is the shortest wait used when polling a socket, a deadline in the past would
	// fail the read before checking for pending data.
	minPollWait = time.Millisecond

	writeWait = 20 * time.Millisecond
	readChunk = 64 * 1024

	// pingMinorVersion is the first minor version supporting ping and pong.
	pingMinorVersion = 1
)

// EndpointID identifies endpoint within its connection.
type EndpointID uint64

// Status is the state of an endpoint.
type Status int

// Endpoint states.
const (
	StatusTryingToConnect Status = iota
	StatusCookiePending
	StatusConnected
	StatusBroken
)

func (s Status) String() string {
	switch s {
	case StatusTryingToConnect:
		return "trying-to-connect"
	case StatusCookiePending:
		return "cookie-pending"
	case StatusConnected:
		return "connected"
	case StatusBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// EndpointInfo describes an endpoint.
type EndpointInfo struct {
	ID     EndpointID
	Status Status
	Peer   string

	// PeerVersion is the cookie received from the peer.
	PeerVersion wire.Cookie

	// Compat is set when peer runs different minor version.
	Compat bool

	// Reliable is set when the unreliable channel is unavailable and all traffic uses the stream.
	Reliable bool
}

// endpoint is one peer association of a connection.
type endpoint struct {
	id      EndpointID
	log     *zap.Logger
	status  Status
	retryAt time.Time

	tcp     net.Conn
	udp     *net.UDPConn
	peerUDP *net.UDPAddr

	in        []byte
	inOff     int
	out       []byte
	datagrams [][]byte
	scratch   []byte

	tcpSeq     uint32
	udpSeq     uint32
	lastTCPSeq uint32
	lastUDPSeq uint32

	cookieDeadline time.Time
	peer           wire.Cookie
	compat         bool
	everConnected  bool
	lastRecv       time.Time
	nextPing       time.Time
	err            error

	senders *translationTable
	types   *translationTable

	inLog  *LogWriter
	outLog *LogWriter
}

func newEndpoint(id EndpointID, log *zap.Logger) *endpoint {
	return &endpoint{
		id:      id,
		log:     log.With(zap.Uint64("endpoint", uint64(id))),
		status:  StatusTryingToConnect,
		senders: newTranslationTable(),
		types:   newTranslationTable(),
	}
}

func (ep *endpoint) Info() EndpointInfo {
	info := EndpointInfo{
		ID:          ep.id,
		Status:      ep.status,
		PeerVersion: ep.peer,
		Compat:      ep.compat,
		Reliable:    ep.peerUDP == nil,
	}
	if ep.tcp != nil {
		info.Peer = ep.tcp.RemoteAddr().String()
	}
	return info
}

// attach binds established stream to the endpoint and opens the datagram socket on the same interface.
func (ep *endpoint) attach(conn net.Conn, withUDP bool) error {
	ep.tcp = conn
	ep.log = ep.log.With(zap.String("peer", conn.RemoteAddr().String()))

	if withUDP {
		var ip net.IP
		if local, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			ip = local.IP
		}
		udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			return errors.Wrapf(ErrSocket, "opening datagram socket: %s", err)
		}
		ep.udp = udp
		ep.scratch = make([]byte, wire.MaxDatagramSize+wire.Alignment)
	}

	ep.status = StatusCookiePending
	return nil
}

func (ep *endpoint) fail(err error) {
	if ep.status == StatusBroken {
		return
	}
	ep.status = StatusBroken
	ep.err = err
}

func (ep *endpoint) remoteIP() net.IP {
	if ep.tcp == nil {
		return nil
	}
	if addr, ok := ep.tcp.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

// readStream reads whatever is available on the stream, waiting up to wait for the first byte.
func (ep *endpoint) readStream(wait time.Duration) error {
	if err := ep.tcp.SetReadDeadline(time.Now().Add(max(wait, minPollWait))); err != nil {
		return errors.Wrapf(ErrSocket, "setting read deadline: %s", err)
	}

	ep.compact()
	if cap(ep.in)-len(ep.in) < readChunk {
		grown := make([]byte, len(ep.in), 2*cap(ep.in)+readChunk)
		copy(grown, ep.in)
		ep.in = grown
	}

	n, err := ep.tcp.Read(ep.in[len(ep.in):cap(ep.in)])
	ep.in = ep.in[:len(ep.in)+n]
	switch {
	case err == nil, isTimeout(err):
		return nil
	case errors.Is(err, io.EOF):
		return errors.Wrap(ErrSocket, "stream closed by peer")
	default:
		return errors.Wrapf(ErrSocket, "reading stream: %s", err)
	}
}

func (ep *endpoint) compact() {
	if ep.inOff == 0 {
		return
	}
	n := copy(ep.in, ep.in[ep.inOff:])
	ep.in = ep.in[:n]
	ep.inOff = 0
}

func (ep *endpoint) readCookie() (wire.Cookie, bool, error) {
	if len(ep.in)-ep.inOff < wire.CookieSize {
		return wire.Cookie{}, false, nil
	}
	cookie, err := wire.DecodeCookie(ep.in[ep.inOff:])
	if err != nil {
		return wire.Cookie{}, false, errors.Wrapf(ErrHandshakeMismatch, "%s", err)
	}
	ep.inOff += wire.CookieSize
	return cookie, true, nil
}

func (ep *endpoint) hasFrame() bool {
	_, _, _, err := wire.DecodeFrame(ep.in[ep.inOff:])
	return err == nil
}

// nextFrame returns next complete frame buffered from the stream. Payload stays valid until the next read.
func (ep *endpoint) nextFrame() (wire.Header, []byte, bool, error) {
	h, payload, n, err := wire.DecodeFrame(ep.in[ep.inOff:])
	switch {
	case errors.Is(err, wire.ErrIncompleteFrame):
		return wire.Header{}, nil, false, nil
	case err != nil:
		return wire.Header{}, nil, false, errors.Wrapf(ErrSocket, "malformed frame: %s", err)
	}
	ep.inOff += n
	return h, payload, true, nil
}

// readDatagram returns next datagram or false if nothing arrived within wait.
func (ep *endpoint) readDatagram(wait time.Duration) ([]byte, bool, error) {
	if err := ep.udp.SetReadDeadline(time.Now().Add(max(wait, minPollWait))); err != nil {
		return nil, false, errors.Wrapf(ErrSocket, "setting read deadline: %s", err)
	}

	n, addr, err := ep.udp.ReadFromUDP(ep.scratch)
	switch {
	case isTimeout(err):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(ErrSocket, "reading datagram: %s", err)
	}

	if remote := ep.remoteIP(); remote != nil && !addr.IP.Equal(remote) {
		ep.log.Warn("Datagram from unexpected address ignored", zap.Stringer("from", addr))
		return nil, true, nil
	}
	return ep.scratch[:n], true, nil
}

func (ep *endpoint) checkSequence(channel string, seq uint32) {
	last := &ep.lastTCPSeq
	if channel == channelUDP {
		last = &ep.lastUDPSeq
	}

	if *last != 0 && seq != *last+1 {
		ep.log.Debug("Unexpected sequence number",
			zap.String("channel", channel),
			zap.Uint32("expected", *last+1),
			zap.Uint32("received", seq))
	}
	if seq > *last {
		*last = seq
	}
}

// queueFrame appends frame to the reliable buffer. ErrBufferFull is returned if the buffer
// is not empty and the frame would exceed limit.
func (ep *endpoint) queueFrame(h wire.Header, payload []byte, limit int) (int, error) {
	size := wire.FrameSize(len(payload))
	if !ep.fits(size, limit) {
		return 0, errors.Wrapf(ErrBufferFull, "%d bytes buffered, frame of %d bytes does not fit",
			len(ep.out), size)
	}

	ep.tcpSeq++
	h.Sequence = ep.tcpSeq
	ep.out = wire.AppendFrame(ep.out, h, payload)
	return size, nil
}

// fits tells if frame of size bytes may be appended to the reliable buffer. Empty buffer accepts
// any frame.
func (ep *endpoint) fits(size, limit int) bool {
	return limit <= 0 || len(ep.out) == 0 || len(ep.out)+size <= limit
}

func (ep *endpoint) queueDatagram(h wire.Header, payload []byte) (int, error) {
	size := wire.FrameSize(len(payload))
	if size > wire.MaxDatagramSize {
		return 0, errors.Wrapf(ErrDatagramTooLarge, "frame of %d bytes exceeds %d", size, wire.MaxDatagramSize)
	}

	ep.udpSeq++
	h.Sequence = ep.udpSeq
	ep.datagrams = append(ep.datagrams, wire.AppendFrame(make([]byte, 0, size), h, payload))
	return size, nil
}

// flush writes pending data. Unwritten part of the stream buffer is kept for the next call.
func (ep *endpoint) flush(metrics *Metrics) error {
	if len(ep.out) > 0 {
		if err := ep.tcp.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return errors.Wrapf(ErrSocket, "setting write deadline: %s", err)
		}

		n, err := ep.tcp.Write(ep.out)
		ep.out = ep.out[:copy(ep.out, ep.out[n:])]
		metrics.wrote(channelTCP, n)
		if err != nil && !isTimeout(err) {
			return errors.Wrapf(ErrSocket, "writing stream: %s", err)
		}
	}

	for _, dg := range ep.datagrams {
		if _, err := ep.udp.WriteToUDP(dg, ep.peerUDP); err != nil {
			ep.log.Debug("Sending datagram failed", zap.Error(err))
			continue
		}
		metrics.wrote(channelUDP, len(dg))
	}
	clear(ep.datagrams)
	ep.datagrams = ep.datagrams[:0]

	return nil
}

func (ep *endpoint) close() {
	if ep.tcp != nil {
		_ = ep.tcp.Close()
	}
	if ep.udp != nil {
		_ = ep.udp.Close()
	}
	for _, lw := range []*LogWriter{ep.inLog, ep.outLog} {
		if lw == nil {
			continue
		}
		if err := lw.Close(); err != nil {
			ep.log.Error("Closing log failed", zap.String("path", lw.Path()), zap.Error(err))
		}
	}
	ep.inLog = nil
	ep.outLog = nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
