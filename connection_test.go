package tether_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/wire"
)

const pumpTimeout = 5 * time.Second

func TestReliableDeliveryKeepsOrder(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), tether.DefaultConfig())
	defer server.Close()
	defer client.Close()

	serverType, err := server.RegisterMessageType("position")
	requireT.NoError(err)

	var received []uint32
	_, err = server.RegisterHandler(serverType, tether.AnySender, func(msg tether.Message) error {
		senderName, _ := server.SenderName(msg.Sender)
		requireT.Equal("Tracker0", senderName)
		received = append(received, binary.BigEndian.Uint32(msg.Payload))
		return nil
	})
	requireT.NoError(err)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	const count = 200
	expected := make([]uint32, 0, count)
	for i := range uint32(count) {
		requireT.NoError(client.PackMessage(time.Now(), typ, sender, binary.BigEndian.AppendUint32(nil, i),
			tether.Reliable))
		expected = append(expected, i)
	}

	pump(requireT, func() bool {
		return len(received) == count
	}, server, client)
	requireT.Equal(expected, received)
}

func TestLateRegistrationIsAnnounced(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), tether.DefaultConfig())
	defer server.Close()
	defer client.Close()

	var received []string
	_, err := server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := server.TypeName(msg.Type)
		senderName, _ := server.SenderName(msg.Sender)
		received = append(received, senderName+"/"+typeName+"/"+string(msg.Payload))
		return nil
	})
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	sender, err := client.RegisterSender("Button0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("press")
	requireT.NoError(err)
	requireT.NoError(client.PackMessage(time.Now(), typ, sender, []byte("left"), tether.Reliable))

	pump(requireT, func() bool {
		return len(received) == 1
	}, server, client)
	requireT.Equal([]string{"Button0/press/left"}, received)

	// Auto-registered name resolves to the same local id.
	serverType, err := server.RegisterMessageType("press")
	requireT.NoError(err)
	name, exists := server.TypeName(serverType)
	requireT.True(exists)
	requireT.Equal("press", name)
}

func TestUnreliableDelivery(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	registry := prometheus.NewRegistry()
	clientConfig := tether.DefaultConfig()
	clientConfig.Metrics = tether.NewMetrics(registry)

	server, client := newPair(ctx, requireT, tether.DefaultConfig(), clientConfig)
	defer server.Close()
	defer client.Close()

	var received [][]byte
	_, err := server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		received = append(received, append([]byte(nil), msg.Payload...))
		return nil
	})
	requireT.NoError(err)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		infos := client.Endpoints()
		return server.Connected() && len(infos) == 1 && infos[0].Status == tether.StatusConnected &&
			!infos[0].Reliable
	}, server, client)

	requireT.NoError(client.PackMessage(time.Now(), typ, sender, []byte{1, 2, 3}, tether.LowLatency))
	pump(requireT, func() bool {
		return len(received) == 1
	}, server, client)
	requireT.Equal([][]byte{{1, 2, 3}}, received)
	requireT.Equal(1.0, metricValue(requireT, registry, "tether_messages_sent_total", "udp"))

	err = client.PackMessage(time.Now(), typ, sender, make([]byte, wire.MaxDatagramSize), tether.LowLatency)
	requireT.ErrorIs(err, tether.ErrDatagramTooLarge)

	// Large messages still fit the stream.
	requireT.NoError(client.PackMessage(time.Now(), typ, sender, make([]byte, wire.MaxDatagramSize),
		tether.Reliable))
	pump(requireT, func() bool {
		return len(received) == 2
	}, server, client)
}

func TestDisabledUDPFallsBackToStream(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	config := tether.DefaultConfig()
	config.DisableUDP = true
	server, client := newPair(ctx, requireT, config, config)
	defer server.Close()
	defer client.Close()

	var received int
	_, err := server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		received++
		return nil
	})
	requireT.NoError(err)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)
	requireT.True(client.Endpoints()[0].Reliable)

	for range 10 {
		requireT.NoError(client.PackMessage(time.Now(), typ, sender, nil, tether.LowLatency))
	}
	pump(requireT, func() bool {
		return received == 10
	}, server, client)
}

func TestRejectedMessageIsNotQueuedNorLogged(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	serverConfig := tether.DefaultConfig()
	serverConfig.Log.OutFile = filepath.Join(t.TempDir(), "server-out.log")
	streamConfig := tether.DefaultConfig()
	streamConfig.DisableUDP = true

	// Stream-only peer connects first, so it is visited before the peer with datagrams.
	server, streamClient := newPair(ctx, requireT, serverConfig, streamConfig)
	defer server.Close()
	defer streamClient.Close()
	pump(requireT, func() bool {
		return server.Connected() && streamClient.Connected()
	}, server, streamClient)

	udpClient, err := tether.NewClient(ctx, server.Addr().String(), tether.DefaultConfig())
	requireT.NoError(err)
	defer udpClient.Close()

	received := map[*tether.Connection][][]byte{}
	for _, client := range []*tether.Connection{streamClient, udpClient} {
		_, err := client.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
			if typeName, _ := client.TypeName(msg.Type); typeName == "position" {
				received[client] = append(received[client], append([]byte(nil), msg.Payload...))
			}
			return nil
		})
		requireT.NoError(err)
	}

	sender, err := server.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := server.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		infos := server.Endpoints()
		return len(infos) == 2 && infos[0].Status == tether.StatusConnected && infos[0].Reliable &&
			infos[1].Status == tether.StatusConnected && !infos[1].Reliable
	}, server, streamClient, udpClient)

	err = server.PackMessage(time.Now(), typ, sender, make([]byte, 2000), tether.LowLatency)
	requireT.ErrorIs(err, tether.ErrDatagramTooLarge)

	requireT.NoError(server.PackMessage(time.Now(), typ, sender, []byte{7}, tether.LowLatency))
	pump(requireT, func() bool {
		return len(received[streamClient]) == 1 && len(received[udpClient]) == 1
	}, server, streamClient, udpClient)
	for range 20 {
		for _, c := range []tether.Conn{server, streamClient, udpClient} {
			requireT.NoError(c.Mainloop(time.Millisecond))
		}
	}
	requireT.Equal([][]byte{{7}}, received[streamClient])
	requireT.Equal([][]byte{{7}}, received[udpClient])

	requireT.NoError(server.Close())

	replay, err := tether.OpenFile(ctx, serverConfig.Log.OutFile, tether.DefaultFileConfig())
	requireT.NoError(err)
	defer replay.Close()

	var logged [][]byte
	_, err = replay.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		if typeName, _ := replay.TypeName(msg.Type); typeName == "position" {
			logged = append(logged, append([]byte(nil), msg.Payload...))
		}
		return nil
	})
	requireT.NoError(err)
	requireT.NoError(replay.PlayToElapsed(time.Hour))
	requireT.Equal([][]byte{{7}}, logged)
}

func TestCloseReleasesBrokenEndpoints(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	registry := prometheus.NewRegistry()
	serverConfig := tether.DefaultConfig()
	serverConfig.Metrics = tether.NewMetrics(registry)
	server, client := newPair(ctx, requireT, serverConfig, tether.DefaultConfig())
	defer server.Close()

	sender, err := server.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := server.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)
	requireT.Equal(1.0, metricValue(requireT, registry, "tether_connected_endpoints", ""))

	requireT.NoError(client.Close())

	// Writing to the closed peer breaks the endpoint outside of Mainloop, so it is not reaped.
	deadline := time.Now().Add(pumpTimeout)
	for server.Endpoints()[0].Status != tether.StatusBroken {
		requireT.True(time.Now().Before(deadline))
		requireT.NoError(server.PackMessage(time.Now(), typ, sender, make([]byte, 1024), tether.Reliable))
		requireT.NoError(server.SendPendingReports())
		time.Sleep(time.Millisecond)
	}

	requireT.NoError(server.Close())
	requireT.Zero(metricValue(requireT, registry, "tether_connected_endpoints", ""))
	requireT.Equal(1.0, metricValue(requireT, registry, "tether_dropped_endpoints_total", ""))
}

func TestDialDoesNotExceedMainloopTimeout(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	client, err := tether.NewClient(ctx, "10.255.255.1:3883", tether.DefaultConfig())
	requireT.NoError(err)
	defer client.Close()

	for range 3 {
		start := time.Now()
		requireT.NoError(client.Mainloop(5 * time.Millisecond))
		requireT.Less(time.Since(start), 150*time.Millisecond)
	}
	requireT.False(client.Connected())
}

func TestPackRejectsUnknownIDs(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), tether.DefaultConfig())
	defer server.Close()
	defer client.Close()

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	requireT.ErrorIs(client.PackMessage(time.Now(), typ+100, sender, nil, tether.Reliable),
		tether.ErrUnknownLocalID)
	requireT.ErrorIs(client.PackMessage(time.Now(), typ, sender+100, nil, tether.Reliable),
		tether.ErrUnknownLocalID)

	requireT.NoError(client.Close())
	requireT.ErrorIs(client.PackMessage(time.Now(), typ, sender, nil, tether.Reliable), tether.ErrClosed)
	requireT.ErrorIs(client.Mainloop(time.Millisecond), tether.ErrClosed)
}

func TestMajorVersionMismatchIsRejected(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	registry := prometheus.NewRegistry()
	config := tether.DefaultConfig()
	config.Metrics = tether.NewMetrics(registry)

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	server, err := tether.NewServer(ctx, ls, config)
	requireT.NoError(err)
	defer server.Close()

	var notifications, messages int
	gotConnection, err := server.RegisterMessageType(tether.GotConnectionName)
	requireT.NoError(err)
	_, err = server.RegisterHandler(gotConnection, tether.AnySender, func(msg tether.Message) error {
		notifications++
		return nil
	})
	requireT.NoError(err)
	_, err = server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		if msg.Type != gotConnection {
			messages++
		}
		return nil
	})
	requireT.NoError(err)

	peer, err := net.Dial("tcp", ls.Addr().String())
	requireT.NoError(err)
	defer peer.Close()

	stream := wire.Cookie{Major: wire.MajorVersion + 8, Minor: wire.MinorVersion}.Encode()
	stream = appendDescription(requireT, stream, wire.TypeSenderDescription, 0, "Tracker0")
	stream = appendDescription(requireT, stream, wire.TypeTypeDescription, 0, "position")
	stream = appendMessage(stream, 0, 0, []byte("payload"))
	_, err = peer.Write(stream)
	requireT.NoError(err)

	pump(requireT, func() bool {
		return len(server.Endpoints()) == 0 &&
			metricValue(requireT, registry, "tether_handshake_failures_total", "") == 1
	}, server)

	requireT.False(server.Connected())
	requireT.Zero(notifications)
	requireT.Zero(messages)
	requireT.NoError(testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP tether_handshake_failures_total Number of rejected cookies
# TYPE tether_handshake_failures_total counter
tether_handshake_failures_total 1
`), "tether_handshake_failures_total"))

	// Server still sent its own cookie before closing the stream.
	cookie := make([]byte, wire.CookieSize)
	_, err = io.ReadFull(peer, cookie)
	requireT.NoError(err)
	decoded, err := wire.DecodeCookie(cookie)
	requireT.NoError(err)
	requireT.Equal(wire.MajorVersion, decoded.Major)
}

func TestMinorVersionMismatchIsAccepted(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	config := tether.DefaultConfig()
	config.PeerTimeout = 100 * time.Millisecond
	server, err := tether.NewServer(ctx, ls, config)
	requireT.NoError(err)
	defer server.Close()

	var received []string
	_, err = server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := server.TypeName(msg.Type)
		if strings.HasPrefix(typeName, "tether ") {
			return nil
		}
		received = append(received, typeName+"/"+string(msg.Payload))
		return nil
	})
	requireT.NoError(err)

	peer, err := net.Dial("tcp", ls.Addr().String())
	requireT.NoError(err)
	defer peer.Close()

	stream := wire.Cookie{Major: wire.MajorVersion, Minor: 0}.Encode()
	stream = appendDescription(requireT, stream, wire.TypeSenderDescription, 7, "Tracker0")
	stream = appendDescription(requireT, stream, wire.TypeTypeDescription, 3, "position")
	stream = appendMessage(stream, 3, 7, []byte("payload"))
	stream = appendMessage(stream, 4, 7, []byte("undescribed"))
	_, err = peer.Write(stream)
	requireT.NoError(err)

	pump(requireT, func() bool {
		return len(received) == 1
	}, server)
	requireT.Equal([]string{"position/payload"}, received)

	infos := server.Endpoints()
	requireT.Len(infos, 1)
	requireT.Equal(tether.StatusConnected, infos[0].Status)
	requireT.True(infos[0].Compat)
	requireT.Equal(0, infos[0].PeerVersion.Minor)

	// Peers without keep-alive support are not timed out.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		requireT.NoError(server.Mainloop(10 * time.Millisecond))
	}
	requireT.True(server.Connected())
}

func TestConnectionNotifications(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), tether.DefaultConfig())
	defer server.Close()
	defer client.Close()

	var events []string
	for _, name := range []string{
		tether.GotFirstConnectionName,
		tether.GotConnectionName,
		tether.DroppedConnectionName,
		tether.DroppedLastConnectionName,
	} {
		typ, err := server.RegisterMessageType(name)
		requireT.NoError(err)
		_, err = server.RegisterHandler(typ, tether.AnySender, func(msg tether.Message) error {
			senderName, _ := server.SenderName(msg.Sender)
			requireT.Equal(tether.ControlSenderName, senderName)
			events = append(events, name)
			return nil
		})
		requireT.NoError(err)
	}

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)
	requireT.Equal([]string{tether.GotFirstConnectionName, tether.GotConnectionName}, events)

	requireT.NoError(client.Close())
	pump(requireT, func() bool {
		return !server.Connected()
	}, server)
	requireT.Equal([]string{
		tether.GotFirstConnectionName,
		tether.GotConnectionName,
		tether.DroppedConnectionName,
		tether.DroppedLastConnectionName,
	}, events)
}

func TestCallbackFailureBreaksEndpoint(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	config := tether.DefaultConfig()
	config.ReconnectInterval = 0
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), config)
	defer server.Close()
	defer client.Close()

	errTest := errors.New("test")
	_, err := server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := server.TypeName(msg.Type)
		if typeName == "position" {
			return errTest
		}
		return nil
	})
	requireT.NoError(err)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	requireT.NoError(client.PackMessage(time.Now(), typ, sender, nil, tether.Reliable))
	requireT.NoError(client.SendPendingReports())

	var failure error
	deadline := time.Now().Add(pumpTimeout)
	for failure == nil {
		requireT.True(time.Now().Before(deadline))
		failure = server.Mainloop(time.Millisecond)
	}
	requireT.ErrorIs(failure, tether.ErrCallbackFailure)
	requireT.False(server.Connected())

	pump(requireT, func() bool {
		return !client.Connected()
	}, client)
}

func TestInboundCapBoundsDispatchPerCall(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	config := tether.DefaultConfig()
	config.MaxInboundMessages = 1
	config.DisableUDP = true
	server, client := newPair(ctx, requireT, config, tether.DefaultConfig())
	defer server.Close()
	defer client.Close()

	var received int
	_, err := server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := server.TypeName(msg.Type)
		if typeName == "position" {
			received++
		}
		return nil
	})
	requireT.NoError(err)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	for range 5 {
		requireT.NoError(client.PackMessage(time.Now(), typ, sender, nil, tether.Reliable))
	}
	requireT.NoError(client.SendPendingReports())

	deadline := time.Now().Add(pumpTimeout)
	for received < 5 {
		requireT.True(time.Now().Before(deadline))
		before := received
		requireT.NoError(server.Mainloop(time.Millisecond))
		requireT.LessOrEqual(received-before, 1)
	}
}

func TestFilterUndeclaredTypes(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	config := tether.DefaultConfig()
	config.FilterUndeclaredTypes = true
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), config)
	defer server.Close()
	defer client.Close()

	_, err := server.RegisterMessageType("declared")
	requireT.NoError(err)

	var received []string
	_, err = server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := server.TypeName(msg.Type)
		if !strings.HasPrefix(typeName, "tether ") {
			received = append(received, typeName)
		}
		return nil
	})
	requireT.NoError(err)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	declared, err := client.RegisterMessageType("declared")
	requireT.NoError(err)
	private, err := client.RegisterMessageType("private")
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)
	for range 10 {
		requireT.NoError(server.Mainloop(time.Millisecond))
		requireT.NoError(client.Mainloop(time.Millisecond))
	}

	requireT.NoError(client.PackMessage(time.Now(), private, sender, nil, tether.Reliable))
	requireT.NoError(client.PackMessage(time.Now(), declared, sender, nil, tether.Reliable))
	pump(requireT, func() bool {
		return len(received) == 1
	}, server, client)
	for range 10 {
		requireT.NoError(server.Mainloop(time.Millisecond))
		requireT.NoError(client.Mainloop(time.Millisecond))
	}
	requireT.Equal([]string{"declared"}, received)
}

func TestSilentPeerTimesOut(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	serverConfig := tether.DefaultConfig()
	serverConfig.PeerTimeout = 200 * time.Millisecond
	clientConfig := tether.DefaultConfig()
	clientConfig.PingInterval = 0
	server, client := newPair(ctx, requireT, serverConfig, clientConfig)
	defer server.Close()
	defer client.Close()

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	start := time.Now()
	pump(requireT, func() bool {
		return !server.Connected()
	}, server, client)
	requireT.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
}

func TestPingKeepsPeerAlive(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	config := tether.DefaultConfig()
	config.PingInterval = 20 * time.Millisecond
	config.PeerTimeout = 200 * time.Millisecond
	server, client := newPair(ctx, requireT, config, config)
	defer server.Close()
	defer client.Close()

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		requireT.NoError(server.Mainloop(time.Millisecond))
		requireT.NoError(client.Mainloop(time.Millisecond))
	}
	requireT.True(server.Connected())
	requireT.True(client.Connected())
}

func TestClientReconnects(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	clientConfig := tether.DefaultConfig()
	clientConfig.ReconnectInterval = 20 * time.Millisecond
	server, client := newPair(ctx, requireT, tether.DefaultConfig(), clientConfig)
	defer client.Close()

	var connections int
	gotConnection, err := client.RegisterMessageType(tether.GotConnectionName)
	requireT.NoError(err)
	_, err = client.RegisterHandler(gotConnection, tether.AnySender, func(msg tether.Message) error {
		connections++
		return nil
	})
	requireT.NoError(err)

	pump(requireT, func() bool {
		return connections == 1
	}, server, client)

	addr := server.Addr().String()
	requireT.NoError(server.Close())
	pump(requireT, func() bool {
		return !client.Connected()
	}, client)

	ls, err := net.Listen("tcp", addr)
	requireT.NoError(err)
	server, err = tether.NewServer(ctx, ls, tether.DefaultConfig())
	requireT.NoError(err)
	defer server.Close()

	pump(requireT, func() bool {
		return connections == 2 && client.Connected()
	}, server, client)
}

func TestRemoteLogging(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	logFile := filepath.Join(t.TempDir(), "remote.log")

	serverConfig := tether.DefaultConfig()
	serverConfig.AllowRemoteLogging = true
	clientConfig := tether.DefaultConfig()
	clientConfig.RemoteLog.InFile = logFile
	server, client := newPair(ctx, requireT, serverConfig, clientConfig)

	sender, err := client.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := client.RegisterMessageType("position")
	requireT.NoError(err)

	var received int
	_, err = server.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := server.TypeName(msg.Type)
		if typeName == "position" {
			received++
		}
		return nil
	})
	requireT.NoError(err)

	pump(requireT, func() bool {
		return server.Connected() && client.Connected()
	}, server, client)

	start := time.UnixMicro(1_000_000)
	for i := range 3 {
		requireT.NoError(client.PackMessage(start.Add(time.Duration(i)*time.Millisecond), typ, sender,
			[]byte{byte(i)}, tether.Reliable))
	}
	pump(requireT, func() bool {
		return received == 3
	}, server, client)

	requireT.NoError(client.Close())
	requireT.NoError(server.Close())

	replay, err := tether.OpenFile(ctx, logFile, tether.DefaultFileConfig())
	requireT.NoError(err)
	defer replay.Close()

	var payloads []byte
	_, err = replay.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := replay.TypeName(msg.Type)
		if typeName == "position" {
			payloads = append(payloads, msg.Payload...)
		}
		return nil
	})
	requireT.NoError(err)
	requireT.NoError(replay.PlayToElapsed(time.Second))
	requireT.Equal([]byte{0, 1, 2}, payloads)
}

func newPair(
	ctx context.Context,
	requireT *require.Assertions,
	serverConfig, clientConfig tether.Config,
) (*tether.Connection, *tether.Connection) {
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	server, err := tether.NewServer(ctx, ls, serverConfig)
	requireT.NoError(err)

	client, err := tether.NewClient(ctx, ls.Addr().String(), clientConfig)
	requireT.NoError(err)

	return server, client
}

func pump(requireT *require.Assertions, condition func() bool, conns ...tether.Conn) {
	deadline := time.Now().Add(pumpTimeout)
	for !condition() {
		requireT.True(time.Now().Before(deadline), "condition not met in time")
		for _, c := range conns {
			requireT.NoError(c.Mainloop(time.Millisecond))
		}
	}
}

func appendDescription(requireT *require.Assertions, stream []byte, typ, id int32, name string) []byte {
	payload, err := wire.Marshal(&wire.Description{Name: name})
	requireT.NoError(err)

	h := wire.Header{
		Type:   typ,
		Sender: id,
	}
	h.SetTime(time.Now())
	return wire.AppendFrame(stream, h, payload)
}

func appendMessage(stream []byte, typ, sender int32, payload []byte) []byte {
	h := wire.Header{
		Type:   typ,
		Sender: sender,
	}
	h.SetTime(time.Now())
	return wire.AppendFrame(stream, h, payload)
}

func metricValue(requireT *require.Assertions, registry *prometheus.Registry, name, channel string) float64 {
	families, err := registry.Gather()
	requireT.NoError(err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			if channel == "" {
				return m.GetCounter().GetValue()
			}
			for _, l := range m.GetLabel() {
				if l.GetName() == "channel" && l.GetValue() == channel {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
