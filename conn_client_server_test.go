package birpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ClientServer(t *testing.T) {
	var (
		mu            sync.Mutex
		notifications []string
		accepted      = make(chan *Session, 4)
	)

	srv, err := NewServer("tcp", "127.0.0.1:0", OnSession(func(s *Session) { accepted <- s }))
	require.NoError(t, err)
	defer func() {
		if err := srv.Close(); err != nil {
			t.Logf("Error closing server: %v", err)
		}
	}()
	t.Logf("Server listening on %s", srv.Addr())

	require.NoError(t, srv.Register("echo", func(args ...any) []any { return args }))
	require.NoError(t, srv.Register("slow", func() string {
		time.Sleep(200 * time.Millisecond)
		return "slow response"
	}))
	require.NoError(t, srv.Register("error", func() error { return errors.New("test error") }))
	require.NoError(t, srv.Register("notification", func(msg string) {
		mu.Lock()
		notifications = append(notifications, msg)
		mu.Unlock()
	}))
	// subscribe replies at once and then pushes n notifications to the caller
	require.NoError(t, srv.Register("subscribe", func(ctx context.Context, peer *Peer, n int) string {
		go func() {
			for i := 0; i < n; i++ {
				if err := peer.Notify(ctx, "subscription", fmt.Sprintf("event %d", i)); err != nil {
					return
				}
			}
		}()
		return fmt.Sprintf("subscription %d", n)
	}))

	events := make(chan string, 16)
	clientReg := NewRegistry()
	require.NoError(t, clientReg.Register("subscription", func(ev string) { events <- ev }))

	ctx := context.Background()
	client, err := Dial(ctx, "tcp", srv.Addr().String(), WithRegistry(clientReg), WithKeepalive(50*time.Millisecond))
	require.NoError(t, err)
	defer client.Close()

	var serverSide *Session
	select {
	case serverSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server did not accept")
	}
	assert.Len(t, srv.Sessions(), 1)

	t.Run("Concurrent method calls", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(3)
			go func(id int) {
				defer wg.Done()
				data := fmt.Sprintf("echo data %d", id)
				res, err := client.Peer().Call(ctx, "echo", data)
				assert.NoError(t, err)
				assert.Equal(t, []any{data}, res)
			}(i)
			go func() {
				defer wg.Done()
				res, err := client.Peer().Call(ctx, "slow")
				assert.NoError(t, err)
				assert.Equal(t, "slow response", res)
			}()
			go func() {
				defer wg.Done()
				_, err := client.Peer().Call(ctx, "error")
				var hf *HandlerFailureError
				assert.ErrorAs(t, err, &hf)
				assert.Equal(t, "test error", hf.Message)
			}()
		}
		wg.Wait()
		assert.Zero(t, client.Pending())
	})

	t.Run("Call timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := client.Peer().Call(tctx, "slow")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, client.Pending())
	})

	t.Run("Notifications", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, client.Peer().Notify(ctx, "notification", fmt.Sprintf("note %d", i)))
		}
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(notifications) == 5
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Server pushes to client", func(t *testing.T) {
		res, err := client.Peer().Call(ctx, "subscribe", 3)
		require.NoError(t, err)
		assert.Equal(t, "subscription 3", res)

		var got []string
		for len(got) < 3 {
			select {
			case ev := <-events:
				got = append(got, ev)
			case <-time.After(time.Second):
				t.Fatalf("got %d events", len(got))
			}
		}
		// notification handlers run concurrently on the client
		assert.ElementsMatch(t, []string{"event 0", "event 1", "event 2"}, got)

		// and calls it directly
		res, err = serverSide.Peer().Call(ctx, DefaultMethod)
		require.NoError(t, err)
		assert.Equal(t, DefaultResult, res)
	})

	t.Run("Keepalive", func(t *testing.T) {
		require.Eventually(t, func() bool { return !client.LastPong().IsZero() }, time.Second, 10*time.Millisecond)
	})

	t.Run("Server close", func(t *testing.T) {
		require.NoError(t, srv.Close())
		waitDone(t, client)
		waitDone(t, serverSide)
		assert.Empty(t, srv.Sessions())

		_, err := client.Peer().Call(ctx, "echo")
		assert.ErrorIs(t, err, ErrSessionClosed)

		_, err = Dial(ctx, "tcp", srv.Addr().String())
		assert.Error(t, err)
	})
}

func TestServer_RegistrySnapshotPerSession(t *testing.T) {
	srv, err := NewServer("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	ctx := context.Background()
	first, err := Dial(ctx, "tcp", srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	// the server has answered once, so the first session exists
	_, err = first.Peer().Call(ctx, DefaultMethod)
	require.NoError(t, err)

	require.NoError(t, srv.Register("added", func() string { return "added" }))

	_, err = first.Peer().Call(ctx, "added")
	var nf *MethodNotFoundError
	assert.ErrorAs(t, err, &nf)

	second, err := Dial(ctx, "tcp", srv.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	res, err := second.Peer().Call(ctx, "added")
	require.NoError(t, err)
	assert.Equal(t, "added", res)
}

func TestServer_ClientDisconnect(t *testing.T) {
	srv, err := NewServer("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, "tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = client.Peer().Call(ctx, DefaultMethod)
	require.NoError(t, err)
	require.Len(t, srv.Sessions(), 1)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, time.Second, 10*time.Millisecond)
}
