package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/internal/engine"
	"audiobookd/pkg/types"
)

// StatusBroadcaster pushes the aggregate engine picture to the hub on a
// fixed tick, independent of any request path, plus on demand right after
// state-changing actions so subscribers see their own effect immediately.
type StatusBroadcaster struct {
	log      zerolog.Logger
	bus      *Bus
	managers engine.Set
	interval time.Duration
	kick     chan struct{}
}

// NewStatusBroadcaster builds the broadcaster.
func NewStatusBroadcaster(log zerolog.Logger, bus *Bus, managers engine.Set, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		log:      log.With().Str("component", "status").Logger(),
		bus:      bus,
		managers: managers,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// BroadcastNow schedules an immediate broadcast. Safe from any goroutine;
// coalesces when one is already queued.
func (s *StatusBroadcaster) BroadcastNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run ticks until the context ends.
func (s *StatusBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.broadcast()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast()
		case <-s.kick:
			s.broadcast()
		}
	}
}

func (s *StatusBroadcaster) broadcast() {
	s.bus.Publish(TopicEngines, s.Snapshot())
}

// Snapshot assembles the current per-category status payload.
func (s *StatusBroadcaster) Snapshot() types.StatusBroadcast {
	var out types.StatusBroadcast
	for cat, m := range s.managers {
		entries := m.Statuses()
		enabled := false
		for _, e := range entries {
			if e.IsEnabled {
				enabled = true
				break
			}
		}
		switch cat {
		case types.CategorySynthesis:
			out.Synthesis = entries
			out.HasSynthesisEngine = enabled
		case types.CategoryRecognition:
			out.Recognition = entries
			out.HasRecognitionEngine = enabled
		case types.CategorySegmentation:
			out.Segmentation = entries
			out.HasSegmentationEngine = enabled
		case types.CategoryAnalysis:
			out.Analysis = entries
			out.HasAnalysisEngine = enabled
		}
	}
	return out
}
