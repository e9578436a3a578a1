package server

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dustdevil/internal/events"
	"dustdevil/internal/metrics"
	"dustdevil/internal/proto"
	"dustdevil/internal/state"
	"dustdevil/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

func newTestCoordinator(t *testing.T) (*state.Coordinator, *users.Store) {
	t.Helper()
	store := users.NewStore()
	require.NoError(t, store.Add(proto.User{Username: "admin", Password: "admin", Role: proto.RoleAdmin}))
	co := state.NewCoordinator(store, events.NewBus(), metrics.New(), true)
	return co, store
}

func loopback(t *testing.T) netip.AddrPort {
	t.Helper()
	return netip.MustParseAddrPort("127.0.0.1:0")
}

func TestRunFailsWithoutSocks5Sockets(t *testing.T) {
	co, _ := newTestCoordinator(t)
	// 255.255.255.255 is not bindable, so the whole set fails.
	srv := New(co, Config{
		Socks5Addrs:  []netip.AddrPort{netip.MustParseAddrPort("255.255.255.255:1")},
		DrainTimeout: time.Second,
	})

	err := srv.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSockets)
}

func TestServeAndShutdown(t *testing.T) {
	co, _ := newTestCoordinator(t)
	dir := t.TempDir()
	srv := New(co, Config{
		Socks5Addrs:    []netip.AddrPort{loopback(t)},
		SandstormAddrs: []netip.AddrPort{loopback(t)},
		UsersFile:      filepath.Join(dir, "users.txt"),
		PersistUsers:   true,
		DrainTimeout:   time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	// Wait for both listeners to come up.
	require.Eventually(t, func() bool {
		return len(co.ListSockets(state.FamilySocks5)) == 1 &&
			len(co.ListSockets(state.FamilySandstorm)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	socksAddr := co.ListSockets(state.FamilySocks5)[0]
	manageAddr := co.ListSockets(state.FamilySandstorm)[0]

	// A SOCKS5 client can relay through the server.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	dialer, err := proxy.SOCKS5("tcp", socksAddr.String(), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", echo.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf)
	conn.Close()

	// A manager can authenticate and request shutdown.
	manage, err := net.Dial("tcp", manageAddr.String())
	require.NoError(t, err)
	defer manage.Close()
	_, err = manage.Write([]byte{0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x05, 'a', 'd', 'm', 'i', 'n'})
	require.NoError(t, err)
	status := make([]byte, 1)
	_, err = io.ReadFull(manage, status)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, status)

	_, err = manage.Write([]byte{0x00})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The user store was persisted on the way out.
	data, err := os.ReadFile(filepath.Join(dir, "users.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "@admin:admin")
}

func TestDynamicListenerAddRemove(t *testing.T) {
	co, _ := newTestCoordinator(t)
	srv := New(co, Config{
		Socks5Addrs:  []netip.AddrPort{loopback(t)},
		DrainTimeout: time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return len(co.ListSockets(state.FamilySocks5)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ioErr := co.AddSocket(1, state.FamilySocks5, loopback(t))
	require.Nil(t, ioErr)

	set := co.ListSockets(state.FamilySocks5)
	require.Len(t, set, 2)
	added := set[1]

	// The new listener accepts connections.
	conn, err := net.Dial("tcp", added.String())
	require.NoError(t, err)
	conn.Close()

	assert.True(t, co.RemoveSocket(1, state.FamilySocks5, added))
	assert.Len(t, co.ListSockets(state.FamilySocks5), 1)
	assert.False(t, co.RemoveSocket(1, state.FamilySocks5, added))

	co.RequestShutdown(1)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestAddSocketBindFailureLeavesStateUnchanged(t *testing.T) {
	co, _ := newTestCoordinator(t)
	srv := New(co, Config{
		Socks5Addrs:  []netip.AddrPort{loopback(t)},
		DrainTimeout: time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return len(co.ListSockets(state.FamilySocks5)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	existing := co.ListSockets(state.FamilySocks5)[0]
	ioErr := co.AddSocket(1, state.FamilySocks5, existing)
	require.NotNil(t, ioErr)
	assert.Equal(t, proto.IoErrAddrInUse, ioErr.Kind)
	assert.Len(t, co.ListSockets(state.FamilySocks5), 1)

	co.RequestShutdown(1)
	<-done
}
