// Package server ties the listener sets, the SOCKS5 sessions and the
// Sandstorm sessions to the shared state coordinator, and runs the
// process's accept/shutdown lifecycle.
package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"dustdevil/internal/proto"
	"dustdevil/internal/sandstorm"
	"dustdevil/internal/socks5"
	"dustdevil/internal/state"
	"dustdevil/internal/users"

	log "github.com/sirupsen/logrus"
)

// ErrNoSockets reports that not a single SOCKS5 listener could be bound
// at startup.
var ErrNoSockets = errors.New("failed to bind any socks5 socket")

// Config is the server's bootstrap configuration, already parsed and
// validated by the CLI layer.
type Config struct {
	Socks5Addrs    []netip.AddrPort
	SandstormAddrs []netip.AddrPort
	UsersFile      string
	PersistUsers   bool
	DrainTimeout   time.Duration
}

type Server struct {
	cfg       Config
	co        *state.Coordinator
	listeners *listenerManager

	sessionCtx    context.Context
	cancelSession context.CancelFunc

	clients  sync.WaitGroup
	managers sync.WaitGroup
}

func New(co *state.Coordinator, cfg Config) *Server {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, co: co}
	s.listeners = newListenerManager(co, s.handleConn)
	co.AttachBinder(s.listeners)
	return s
}

func (s *Server) handleConn(family state.Family, conn net.Conn) {
	addr := remoteAddrPort(conn)
	switch family {
	case state.FamilySocks5:
		id := s.co.ClientConnected(addr)
		s.clients.Add(1)
		go func() {
			defer s.clients.Done()
			socks5.Handle(s.sessionCtx, id, conn, s.co)
		}()
	case state.FamilySandstorm:
		id := s.co.ManagerConnected(addr)
		s.managers.Add(1)
		go func() {
			defer s.managers.Done()
			sandstorm.Handle(s.sessionCtx, id, conn, s.co)
		}()
	}
}

func remoteAddrPort(conn net.Conn) netip.AddrPort {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if ap, ok := netip.AddrFromSlice(tcpAddr.IP); ok {
			return netip.AddrPortFrom(ap.Unmap(), uint16(tcpAddr.Port))
		}
	}
	return netip.AddrPort{}
}

// bootstrapBind binds every configured address of a family, publishing a
// bound or failed event per address.
func (s *Server) bootstrapBind(family state.Family, addrs []netip.AddrPort) int {
	bound := 0
	for _, addr := range addrs {
		actual, err := s.listeners.Add(family, addr)
		if err != nil {
			s.co.BootstrapSocketFailed(family, addr, err)
			continue
		}
		s.co.BootstrapSocketBound(family, actual)
		bound++
	}
	return bound
}

// Run binds the configured sockets and serves until a shutdown request or
// signal arrives, then drains and persists.
func (s *Server) Run(ctx context.Context) error {
	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())
	defer s.cancelSession()

	if s.bootstrapBind(state.FamilySocks5, s.cfg.Socks5Addrs) == 0 {
		s.co.Publish(proto.MarkerEvent{K: proto.EvNoSocketBound})
		s.listeners.CloseAll()
		return ErrNoSockets
	}
	s.bootstrapBind(state.FamilySandstorm, s.cfg.SandstormAddrs)

	select {
	case <-ctx.Done():
		s.co.ShutdownSignal()
	case <-s.co.ShutdownRequested():
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	log.Info("Stopping accept loops")
	s.listeners.CloseAll()

	// In-flight relays may finish on their own until the drain deadline,
	// then everything left is force-closed.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.clients.Wait()
		s.managers.Wait()
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		log.Info("Drain deadline reached, closing remaining sessions")
		s.cancelSession()
		<-drained
	}

	if s.cfg.PersistUsers {
		s.persistUsers()
	}
	return nil
}

func (s *Server) persistUsers() {
	path := s.cfg.UsersFile
	s.co.Publish(proto.FileEvent{K: proto.EvSavingUsersToFile, Path: path})
	count, err := users.SaveFile(path, s.co.Users().Snapshot())
	if err != nil {
		ioErr := proto.IoErrorFrom(err)
		s.co.Publish(proto.FileResultEvent{K: proto.EvUsersSavedToFile, Path: path, Err: &ioErr})
		return
	}
	s.co.Publish(proto.FileResultEvent{K: proto.EvUsersSavedToFile, Path: path, Count: count})
}
