package bridge

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/danmuck/dbgbridge/internal/broadcast"
	"github.com/danmuck/dbgbridge/internal/config"
	"github.com/danmuck/dbgbridge/internal/observability"
	"github.com/danmuck/dbgbridge/internal/protocol/frame"
	"github.com/danmuck/dbgbridge/internal/serialport"
	"github.com/rs/zerolog"
)

// Service runs one bridge: a serial source, one broadcast server per
// category and the loop between them.
type Service struct {
	cfg     config.Config
	servers map[frame.Category]*broadcast.Server
	log     zerolog.Logger
}

func NewService(cfg config.Config) *Service {
	servers := make(map[frame.Category]*broadcast.Server, len(frame.Categories()))
	for _, cat := range frame.Categories() {
		servers[cat] = broadcast.New(cfg.Channels.Broadcast(cat))
	}
	return &Service{
		cfg:     cfg,
		servers: servers,
		log:     observability.Logger("service"),
	}
}

// Server returns the broadcast server for cat.
func (s *Service) Server(cat frame.Category) *broadcast.Server {
	return s.servers[cat]
}

// Run opens the serial device and serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, err := serialport.Open(s.cfg.Serial)
	if err != nil {
		return err
	}
	defer port.Close()
	return s.Serve(ctx, port)
}

// Serve starts every channel, feeds src through the loop until ctx is done
// and then shuts every channel down.
func (s *Service) Serve(ctx context.Context, src Source) error {
	sinks := make(map[frame.Category]Sink, len(s.servers))
	for cat, srv := range s.servers {
		sinks[cat] = srv
	}
	router, err := NewRouter(sinks)
	if err != nil {
		return err
	}

	defer s.shutdown()
	for _, cat := range frame.Categories() {
		if err := s.servers[cat].Start(ctx); err != nil {
			return err
		}
	}

	if addr := s.cfg.MetricsAddr; addr != "" {
		go func() {
			s.log.Info().Str("addr", addr).Msg("metrics listening")
			if err := observability.ServeMetrics(ctx, addr); err != nil {
				s.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
			}
		}()
	}

	loop := NewLoop(src, router, LoopConfig{
		ReadChunk: s.cfg.ReadChunk,
		Limits:    s.cfg.Limits,
		Backoff:   s.cfg.Backoff,
	})
	if err := loop.Run(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *Service) shutdown() {
	for _, cat := range frame.Categories() {
		srv := s.servers[cat]
		s.log.Info().Str("channel", srv.Name()).Msg("shutting down channel")
		srv.Shutdown()
	}
}
