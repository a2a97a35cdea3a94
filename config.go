package tether

import (
	"time"

	"github.com/outofforest/tether/wire"
)

// DefaultPort is the port used when connection name does not specify one.
const DefaultPort = 3883

// Config is the config of live connection.
type Config struct {
	// MaxInboundMessages caps messages drained from one channel of an endpoint per Mainloop call.
	// Zero means unlimited.
	MaxInboundMessages int

	// MaxOutboundBuffer is the size limit of the reliable outbound buffer of one endpoint.
	MaxOutboundBuffer int

	// CookieTimeout bounds the wait for the peer's cookie.
	CookieTimeout time.Duration

	// PingInterval is the keep-alive period. Zero disables pings.
	PingInterval time.Duration

	// PeerTimeout drops the endpoint when nothing is received for that long. Zero disables it.
	PeerTimeout time.Duration

	// ReconnectInterval is the delay between dial attempts of a client. Zero disables reconnecting.
	ReconnectInterval time.Duration

	// DisableUDP turns off the unreliable channel, all messages go over the stream.
	DisableUDP bool

	// FilterUndeclaredTypes skips peers which have not described the type of packed message.
	FilterUndeclaredTypes bool

	// AllowRemoteLogging honours log descriptions sent by peers.
	AllowRemoteLogging bool

	// Log records traffic of the connection locally.
	Log LogConfig

	// RemoteLog asks peers to record traffic on their side.
	RemoteLog LogConfig

	// Metrics collects connection metrics if set.
	Metrics *Metrics
}

// LogConfig defines log files. Empty path disables the direction.
type LogConfig struct {
	InFile  string
	OutFile string
}

// Mode returns the cookie log mode matching the configured files.
func (c LogConfig) Mode() wire.LogMode {
	var mode wire.LogMode
	if c.InFile != "" {
		mode |= wire.LogIncoming
	}
	if c.OutFile != "" {
		mode |= wire.LogOutgoing
	}
	return mode
}

// DefaultConfig returns default connection config.
func DefaultConfig() Config {
	return Config{
		MaxOutboundBuffer: 1 << 20,
		CookieTimeout:     5 * time.Second,
		PingInterval:      time.Second,
		PeerTimeout:       10 * time.Second,
		ReconnectInterval: time.Second,
	}
}

// FileConfig is the config of replayed connection.
type FileConfig struct {
	// Rate scales virtual time against wall time: 0 pauses, 1 is real time.
	Rate float64

	// Preload reads the whole log into memory when opened.
	Preload bool

	// Accumulate keeps played entries in memory so rewinding does not re-read the file.
	Accumulate bool

	// SkipToFirstUserMessage starts playback at the first user message instead of the first entry.
	SkipToFirstUserMessage bool

	// Metrics collects replay metrics if set.
	Metrics *Metrics
}

// DefaultFileConfig returns default replay config.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Rate:                   1,
		Preload:                true,
		Accumulate:             true,
		SkipToFirstUserMessage: true,
	}
}

// RedundancyConfig defines how low-latency messages are repeated.
type RedundancyConfig struct {
	// Count is the number of additional copies.
	Count int

	// Interval is the minimum spacing between copies.
	Interval time.Duration

	// Metrics counts resends if set.
	Metrics *Metrics
}

// DefaultRedundancyConfig returns default redundancy config.
func DefaultRedundancyConfig() RedundancyConfig {
	return RedundancyConfig{
		Count:    2,
		Interval: 30 * time.Millisecond,
	}
}
