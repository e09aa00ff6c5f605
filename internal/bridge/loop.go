package bridge

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/danmuck/dbgbridge/internal/backoff"
	"github.com/danmuck/dbgbridge/internal/observability"
	"github.com/danmuck/dbgbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Source is a byte stream whose Read returns within a bounded time, with
// 0 bytes and a nil error when nothing arrived. io.EOF ends the loop.
type Source interface {
	Read(p []byte) (int, error)
}

type LoopConfig struct {
	ReadChunk int
	Limits    frame.Limits
	Backoff   backoff.Config
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ReadChunk: 4096,
		Limits:    frame.DefaultLimits(),
		Backoff:   backoff.DefaultConfig(),
	}
}

// Loop pulls bytes from a source, cuts frames and routes their payloads.
type Loop struct {
	src    Source
	router *Router
	cfg    LoopConfig
	log    zerolog.Logger

	buf   frame.Buffer
	retry *backoff.Backoff
}

func NewLoop(src Source, router *Router, cfg LoopConfig) *Loop {
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = DefaultLoopConfig().ReadChunk
	}
	return &Loop{
		src:    src,
		router: router,
		cfg:    cfg,
		log:    observability.Logger("bridge"),
		retry:  backoff.New(cfg.Backoff),
	}
}

// Run blocks until ctx is done or the source reports io.EOF.
func (l *Loop) Run(ctx context.Context) error {
	chunk := make([]byte, l.cfg.ReadChunk)
	for ctx.Err() == nil {
		n, err := l.src.Read(chunk)
		if n > 0 {
			l.buf.Append(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.extract()
				return nil
			}
			l.readFailed(ctx, err)
			continue
		}
		l.retry.Reset()
		l.extract()
	}
	return nil
}

// Buffered reports bytes waiting for a complete frame.
func (l *Loop) Buffered() int {
	return l.buf.Len()
}

func (l *Loop) extract() {
	for {
		l.buf.SkipPadding()
		tag, ok := l.buf.PeekTag()
		if !ok {
			return
		}
		sink, routed := l.router.Route(byte(tag))
		if !routed {
			l.discard(observability.DropUnknownTag, &frame.UnknownTagError{Tag: byte(tag)})
			return
		}

		fr, err := frame.Decode(l.buf.Bytes(), l.cfg.Limits)
		switch {
		case err == nil:
			l.buf.Consume(fr.Consumed + fr.Padding)
			observability.RecordFrame(fr.Category.String(), fr.Consumed)
			delivered := sink.Send(fr.Payload)
			l.log.Trace().
				Stringer("category", fr.Category).
				Int("bytes", len(fr.Payload)).
				Int("clients", delivered).
				Msg("frame forwarded")
		case errors.Is(err, frame.ErrIncomplete):
			l.enforceLimit()
			return
		case errors.Is(err, frame.ErrInvalidLength):
			l.discard(observability.DropInvalidLength, err)
			return
		default:
			l.discard(observability.DropUnknownTag, err)
			return
		}
	}
}

func (l *Loop) enforceLimit() {
	limit := l.cfg.Limits.MaxBufferBytes
	if limit <= 0 || l.buf.Len() <= limit {
		return
	}
	tag, _ := l.buf.PeekTag()
	dropped := l.buf.Reset()
	observability.RecordDropped(observability.DropOverflow, dropped)
	l.log.Warn().
		Stringer("tag", tag).
		Int("dropped", dropped).
		Int("limit", limit).
		Msg("buffer limit exceeded, resync")
}

// discard drops the whole buffer; the stream realigns once a known tag lands
// at the head again.
func (l *Loop) discard(reason string, err error) {
	dropped := l.buf.Reset()
	observability.RecordDropped(reason, dropped)
	l.log.Warn().Err(err).Int("dropped", dropped).Msg("unframed data, resync")
}

func (l *Loop) readFailed(ctx context.Context, err error) {
	tag, _ := l.buf.PeekTag()
	dropped := l.buf.Reset()
	observability.RecordSerialReadError()
	observability.RecordDropped(observability.DropReadError, dropped)

	delay := l.retry.Next()
	l.log.Error().
		Time("at", time.Now()).
		Stringer("tag", tag).
		Int("dropped", dropped).
		Int("attempt", l.retry.Attempt()).
		Dur("retry_in", delay).
		Err(&DeviceError{Err: err}).
		Msg("source read failed")
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
