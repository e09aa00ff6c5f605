package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dbgbridge/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrNotStarted       = errors.New("broadcast: server not started")
	ErrAlreadyStarted   = errors.New("broadcast: server already started")
	ErrNoAcceptDeadline = errors.New("broadcast: listener does not support accept deadlines")
	ErrStopped          = errors.New("broadcast: server shut down")
)

// Config defines one broadcast channel.
type Config struct {
	Name         string
	Addr         string
	PollTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:         "channel",
		Addr:         ":0",
		PollTimeout:  5 * time.Millisecond,
		WriteTimeout: 10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = d.Addr
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Server fans payloads out to every client connected to one channel.
type Server struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	ln      deadlineListener
	clients map[net.Conn]struct{}

	stopping     atomic.Bool
	acceptDone   chan struct{}
	watchers     sync.WaitGroup
	shutdownOnce sync.Once
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		log:     observability.Logger("broadcast").With().Str("channel", cfg.Name).Logger(),
		clients: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Name() string {
	return s.cfg.Name
}

// Start binds the configured address and runs the accept loop.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("broadcast %s: listen %s: %w", s.cfg.Name, s.cfg.Addr, err)
	}
	if err := s.Listen(ctx, ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Listen runs the accept loop on an existing listener. The caller keeps
// ownership of ln when an error is returned.
func (s *Server) Listen(ctx context.Context, ln net.Listener) error {
	dl, ok := ln.(deadlineListener)
	if !ok {
		return ErrNoAcceptDeadline
	}
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.ln != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.ln = dl
	s.acceptDone = make(chan struct{})
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, or nil before start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.acceptDone)
	for !s.stopping.Load() && ctx.Err() == nil {
		err := s.AcceptPending()
		if err == nil {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		s.log.Warn().Err(err).Msg("accept failed")
		time.Sleep(s.cfg.PollTimeout)
	}
}

// AcceptPending waits at most PollTimeout for one connection and adds it to
// the client set. A quiet listener is not an error.
func (s *Server) AcceptPending() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotStarted
	}
	if err := ln.SetDeadline(time.Now().Add(s.cfg.PollTimeout)); err != nil {
		return err
	}
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		return err
	}
	s.addClient(conn)
	return nil
}

func (s *Server) addClient(conn net.Conn) {
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	active := len(s.clients)
	s.watchers.Add(1)
	s.mu.Unlock()

	observability.SetClients(s.cfg.Name, active)
	s.log.Info().
		Str("remote", conn.RemoteAddr().String()).
		Int("active_clients", active).
		Msg("client connected")
	go s.watch(conn)
}

// watch drains inbound bytes so a reset peer is dropped before the next send.
// A clean EOF only ends the peer's write side; the client stays until a send
// to it fails.
func (s *Server) watch(conn net.Conn) {
	defer s.watchers.Done()
	if _, err := io.Copy(io.Discard, conn); err != nil {
		s.disconnect(conn, err)
	}
}

// Send writes payload to every connected client and returns how many clients
// received all of it. Clients that fail are dropped; clients that cannot take
// any bytes within WriteTimeout are skipped for this payload.
func (s *Server) Send(payload []byte) int {
	clients := s.snapshot()
	if len(clients) == 0 {
		return 0
	}
	var (
		delivered atomic.Int64
		wg        sync.WaitGroup
	)
	for _, conn := range clients {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.write(conn, payload)
			switch {
			case err != nil:
				s.disconnect(conn, err)
			case ok:
				delivered.Add(1)
			default:
				s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("client not writable, skipped")
			}
		}()
	}
	wg.Wait()
	return int(delivered.Load())
}

func (s *Server) write(conn net.Conn, payload []byte) (bool, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return false, err
	}
	n, err := conn.Write(payload)
	if err == nil {
		return true, nil
	}
	// Nothing reached the socket, so the stream is still aligned.
	if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		return false, nil
	}
	return false, err
}

func (s *Server) snapshot() []net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		out = append(out, conn)
	}
	return out
}

func (s *Server) disconnect(conn net.Conn, cause error) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, conn)
	remaining := len(s.clients)
	s.mu.Unlock()

	_ = conn.Close()
	observability.SetClients(s.cfg.Name, remaining)
	observability.RecordClientDisconnect(s.cfg.Name)
	s.log.Info().
		Str("remote", conn.RemoteAddr().String()).
		Int("active_clients", remaining).
		AnErr("cause", cause).
		Msg("client disconnected")
}

// Shutdown stops the accept loop and disconnects every client. Safe to call
// more than once and before Start.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.stopping.Store(true)

		s.mu.Lock()
		ln := s.ln
		done := s.acceptDone
		s.mu.Unlock()

		if done != nil {
			<-done
		}
		if ln != nil {
			_ = ln.Close()
			s.log.Info().Str("addr", ln.Addr().String()).Msg("shutdown")
		}
		for _, conn := range s.snapshot() {
			s.disconnect(conn, net.ErrClosed)
		}
		s.watchers.Wait()
	})
}
