package bridge

import (
	"errors"
	"fmt"

	"github.com/danmuck/dbgbridge/internal/protocol/frame"
)

var ErrUnroutedCategory = errors.New("bridge: category has no sink")

// Sink receives decoded payloads for one category. Send returns the number
// of consumers that got the payload.
type Sink interface {
	Send(payload []byte) int
}

// Router maps tag bytes to sinks. It is immutable after NewRouter.
type Router struct {
	sinks [256]Sink
}

// NewRouter builds the table and fails unless every category has a sink.
func NewRouter(sinks map[frame.Category]Sink) (*Router, error) {
	r := &Router{}
	for cat, sink := range sinks {
		if !cat.Valid() {
			return nil, fmt.Errorf("bridge: unknown category %s", cat)
		}
		if sink == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnroutedCategory, cat)
		}
		r.sinks[cat] = sink
	}
	for _, cat := range frame.Categories() {
		if r.sinks[cat] == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnroutedCategory, cat)
		}
	}
	return r, nil
}

func (r *Router) Route(tag byte) (Sink, bool) {
	sink := r.sinks[tag]
	return sink, sink != nil
}
