package tap_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/tap"
)

const maxMsgSize = 1024

func TestSubscriberReceivesRecords(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	conn, sender, typ := newConn(ctx, requireT)
	defer conn.Close()

	server, ls := newServer(requireT, filepath.Join(t.TempDir(), "tap.log"))
	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return server.Run(ctx, ls)
	})
	client, recvCh := newClient(requireT, ls.Addr().String(), 1)
	group.Spawn("client", parallel.Fail, client.Run)

	requireT.Eventually(func() bool {
		return server.Subscribers() == 1
	}, 5*time.Second, 10*time.Millisecond)

	handler := server.Handler(conn)
	for i := range 3 {
		requireT.NoError(handler(tether.Message{
			Type:    typ,
			Sender:  sender,
			Time:    time.UnixMicro(int64(1000 + i)),
			Payload: []byte{byte(i)},
		}))
	}

	for i := range 3 {
		rec := receive(ctx, requireT, recvCh)
		requireT.Equal("position", rec.Type)
		requireT.Equal("Tracker0", rec.Sender)
		requireT.Equal(int64(1000+i), rec.Time.UnixMicro())
		requireT.Equal(uint64(i+1), rec.Sequence)
		requireT.Equal([]byte{byte(i)}, rec.Payload)
	}

	replay, err := tether.OpenFile(ctx, server.LogFile(), tether.DefaultFileConfig())
	requireT.NoError(err)
	defer replay.Close()

	var payloads [][]byte
	_, err = replay.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := replay.TypeName(msg.Type)
		requireT.Equal("position", typeName)
		payloads = append(payloads, append([]byte(nil), msg.Payload...))
		return nil
	})
	requireT.NoError(err)
	requireT.NoError(replay.PlayToElapsed(time.Second))
	requireT.Equal([][]byte{{0}, {1}, {2}}, payloads)
}

func TestDecimation(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	conn, sender, typ := newConn(ctx, requireT)
	defer conn.Close()

	server, ls := newServer(requireT, "")
	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return server.Run(ctx, ls)
	})
	client, recvCh := newClient(requireT, ls.Addr().String(), 2)
	group.Spawn("client", parallel.Fail, client.Run)

	requireT.Eventually(func() bool {
		return server.Subscribers() == 1
	}, 5*time.Second, 10*time.Millisecond)

	handler := server.Handler(conn)
	for i := range 5 {
		requireT.NoError(handler(tether.Message{
			Type:   typ,
			Sender: sender,
			Time:   time.UnixMicro(int64(i)),
		}))
	}

	for _, seq := range []uint64{1, 3, 5} {
		requireT.Equal(seq, receive(ctx, requireT, recvCh).Sequence)
	}
}

func TestHandlerDropsWhenFeedIsFull(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	conn, sender, typ := newConn(ctx, requireT)
	defer conn.Close()

	config := tap.DefaultServerConfig()
	config.QueueSize = 2
	server, err := tap.NewServer(config)
	requireT.NoError(err)

	handler := server.Handler(conn)
	for range 5 {
		requireT.NoError(handler(tether.Message{
			Type:   typ,
			Sender: sender,
			Time:   time.Now(),
		}))
	}
	requireT.EqualValues(3, server.Dropped())
}

func newConn(ctx context.Context, requireT *require.Assertions) (*tether.Connection, tether.SenderID, tether.TypeID) {
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	conn, err := tether.NewServer(ctx, ls, tether.DefaultConfig())
	requireT.NoError(err)

	sender, err := conn.RegisterSender("Tracker0")
	requireT.NoError(err)
	typ, err := conn.RegisterMessageType("position")
	requireT.NoError(err)

	return conn, sender, typ
}

func newServer(requireT *require.Assertions, logFile string) (*tap.Server, net.Listener) {
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	config := tap.DefaultServerConfig()
	config.MaxMessageSize = maxMsgSize
	config.LogFile = logFile
	server, err := tap.NewServer(config)
	requireT.NoError(err)

	return server, ls
}

func newClient(requireT *require.Assertions, addr string, decimation uint64) (*tap.Client, <-chan tap.Record) {
	client, recvCh, err := tap.NewClient(tap.ClientConfig{
		Server:         addr,
		Name:           "test",
		MaxMessageSize: maxMsgSize,
		Decimation:     decimation,
		QueueSize:      16,
	})
	requireT.NoError(err)

	return client, recvCh
}

func receive(ctx context.Context, requireT *require.Assertions, recvCh <-chan tap.Record) tap.Record {
	select {
	case <-ctx.Done():
		requireT.FailNow("context canceled")
	case rec, ok := <-recvCh:
		requireT.True(ok)
		return rec
	case <-time.After(5 * time.Second):
		requireT.FailNow("timeout waiting for record")
	}
	return tap.Record{}
}
