package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/EternisAI/remote-control/internal/protocol"
)

func TestSessionRegistry(t *testing.T) {
	t.Run("register and deregister", func(t *testing.T) {
		sr := NewSessionRegistry(0)
		defer sr.Stop()

		sess := sr.Register(context.Background(), "phone", "10.0.0.2:5000")
		assert.NotEmpty(t, sess.ID)

		got, ok := sr.Get(sess.ID)
		require.True(t, ok)
		assert.Equal(t, "phone", got.ClientID)
		assert.Len(t, sr.List(), 1)

		sr.Deregister(sess.ID)
		_, ok = sr.Get(sess.ID)
		assert.False(t, ok)
		assert.Error(t, sess.ctx.Err())

		// Second deregister is a no-op.
		sr.Deregister(sess.ID)
	})

	t.Run("send queues on session channel", func(t *testing.T) {
		sr := NewSessionRegistry(0)
		defer sr.Stop()

		sess := sr.Register(context.Background(), "phone", "10.0.0.2:5000")
		require.NoError(t, sr.Send(sess.ID, &protocol.Heartbeat{Seq: 1}))

		select {
		case msg := <-sess.SendCh:
			assert.Equal(t, protocol.TypeHeartbeat, msg.Type())
		default:
			t.Fatal("message not queued")
		}
	})

	t.Run("send to unknown session", func(t *testing.T) {
		sr := NewSessionRegistry(0)
		defer sr.Stop()
		assert.Error(t, sr.Send("missing", &protocol.Heartbeat{}))
	})

	t.Run("send to closed session", func(t *testing.T) {
		sr := NewSessionRegistry(0)
		defer sr.Stop()

		sess := sr.Register(context.Background(), "phone", "10.0.0.2:5000")
		for i := 0; i < sendChannelBuffer; i++ {
			require.NoError(t, sr.Send(sess.ID, &protocol.Heartbeat{Seq: uint32(i)}))
		}
		sess.cancel()
		assert.Error(t, sr.Send(sess.ID, &protocol.Heartbeat{}))
	})

	t.Run("stale sessions removed", func(t *testing.T) {
		sr := NewSessionRegistry(time.Minute)
		defer sr.Stop()

		stale := sr.Register(context.Background(), "old", "10.0.0.2:5000")
		fresh := sr.Register(context.Background(), "new", "10.0.0.3:5000")

		sr.removeStaleSessions(time.Now().Add(2 * time.Minute))
		_, ok := sr.Get(stale.ID)
		assert.False(t, ok)
		_, ok = sr.Get(fresh.ID)
		assert.False(t, ok)

		kept := sr.Register(context.Background(), "kept", "10.0.0.4:5000")
		sr.removeStaleSessions(time.Now().Add(30 * time.Second))
		_, ok = sr.Get(kept.ID)
		assert.True(t, ok)
	})

	t.Run("last seen refresh keeps session", func(t *testing.T) {
		sr := NewSessionRegistry(time.Minute)
		defer sr.Stop()

		sess := sr.Register(context.Background(), "phone", "10.0.0.2:5000")
		sess.LastSeen = time.Now().Add(-2 * time.Minute)
		sr.UpdateLastSeen(sess.ID)

		sr.removeStaleSessions(time.Now())
		_, ok := sr.Get(sess.ID)
		assert.True(t, ok)
	})

	t.Run("stop cancels every session", func(t *testing.T) {
		sr := NewSessionRegistry(0)
		a := sr.Register(context.Background(), "a", "10.0.0.2:5000")
		b := sr.Register(context.Background(), "b", "10.0.0.3:5000")

		sr.Stop()
		sr.Stop()
		assert.Error(t, a.ctx.Err())
		assert.Error(t, b.ctx.Err())
		assert.Empty(t, sr.List())
	})
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(rate.Every(time.Hour), 2)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	l.prune(time.Now().Add(limiterIdle + time.Minute))
	assert.True(t, l.Allow("10.0.0.1"))

	unlimited := newIPLimiter(rate.Inf, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow("10.0.0.1"))
	}
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "handshaking", ConnHandshaking.String())
	assert.Equal(t, "serving", ConnServing.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}

func TestHealthServer(t *testing.T) {
	hs := NewHealthServer(0, nil)
	require.NoError(t, hs.Listen())
	go func() { _ = hs.Serve() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Stop(ctx)
	}()

	_, port, err := net.SplitHostPort(hs.Addr().String())
	require.NoError(t, err)
	cc, err := grpc.NewClient("127.0.0.1:"+port, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	client := healthpb.NewHealthClient(cc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	hs.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestLocalNames(t *testing.T) {
	names := LocalNames()
	assert.Contains(t, names, "localhost")
	assert.Contains(t, names, "127.0.0.1")
}
