package audiostore

import (
	"context"
	"fmt"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// startTestServer starts an in-process JetStream-enabled NATS server.
func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return srv, nc
}

func TestNATS_Store(t *testing.T) {
	t.Parallel()

	_, nc := startTestServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	bucket := 0
	runStoreSuite(t, func(t *testing.T) Store {
		bucket++
		s, err := NewNATS(js, fmt.Sprintf("audio-%d", bucket))
		require.NoError(t, err)
		return s
	})
}

func TestNATS_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	_, nc := startTestServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	first, err := NewNATS(js, "audio")
	require.NoError(t, err)
	second, err := NewNATS(js, "audio")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = first.Reserve(ctx, "CA1")
	require.NoError(t, err)
	ref, err := first.Save(ctx, Key{CallID: "CA1", Turn: 1, Role: RoleOutgoing}, []byte("reply"), "audio/mpeg")
	require.NoError(t, err)

	// The second handle has its own namespace index, so the ref is unknown to it.
	_, err = second.Load(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)

	a, err := first.Load(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), a.Data)
	require.Equal(t, "audio/mpeg", a.ContentType)
	require.NoError(t, second.Ping(ctx))
}
