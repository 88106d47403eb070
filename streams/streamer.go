// Package streams publishes protocol state as a full snapshot followed by diffs.
package streams

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/defistate/flashliquidity-go/differ"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/snapshot"
)

// Event types carried on a stream.
const (
	EventFull = "full"
	EventDiff = "diff"
)

const defaultBufferSize = 64

// Source is the state being streamed. *protocol.Protocol satisfies it.
type Source interface {
	Sequence() uint64
	Snapshot() *snapshot.State
}

// Event is one message of a stream: a full state or a diff against the previous event.
type Event struct {
	Type  string
	State *snapshot.State
	Diff  *differ.StateDiff
}

// StreamerConfig holds the dependencies of a Streamer.
type StreamerConfig struct {
	Source   Source
	Differ   *differ.StateDiffer
	Interval time.Duration
	// BufferSize bounds the events queued per subscriber.
	BufferSize int
	Logger     engine.Logger
}

func (c *StreamerConfig) validate() error {
	if c.Source == nil {
		return errors.New("config: Source cannot be nil")
	}
	if c.Differ == nil {
		return errors.New("config: Differ cannot be nil")
	}
	if c.Interval <= 0 {
		return errors.New("config: Interval must be positive")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return nil
}

// Streamer polls its source and fans changes out to subscribers.
//
// A subscriber that falls behind is not dropped: its queue is cleared and replaced by a
// full state, so every stream stays patchable.
type Streamer struct {
	source     Source
	differ     *differ.StateDiffer
	interval   time.Duration
	bufferSize int
	logger     engine.Logger

	mu     sync.Mutex
	last   *snapshot.State
	subs   map[uint64]chan Event
	nextID uint64
}

func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Streamer{
		source:     cfg.Source,
		differ:     cfg.Differ,
		interval:   cfg.Interval,
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger,
		last:       cfg.Source.Snapshot(),
		subs:       make(map[uint64]chan Event),
	}, nil
}

// Run polls until ctx is done, then closes every subscription.
func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Poll(); err != nil {
				s.logger.Error("state stream poll failed", "error", err)
			}
		}
	}
}

// Poll publishes a diff when the source committed calls since the last poll.
func (s *Streamer) Poll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source.Sequence() == s.last.Sequence {
		return nil
	}
	next := s.source.Snapshot()
	diff, err := s.differ.Diff(s.last, next)
	if err != nil {
		return err
	}
	s.last = next
	if diff.IsEmpty() {
		// Read-only calls advance the sequence without changing state.
		s.logger.Debug("state stream skipped empty diff", "sequence", next.Sequence)
	}
	for id, ch := range s.subs {
		select {
		case ch <- Event{Type: EventDiff, Diff: diff}:
		default:
			s.resync(id, ch)
		}
	}
	return nil
}

func (s *Streamer) resync(id uint64, ch chan Event) {
	for len(ch) > 0 {
		<-ch
	}
	ch <- Event{Type: EventFull, State: s.last}
	s.logger.Warn("state stream subscriber lagged, resent full state", "subscriber", id, "sequence", s.last.Sequence)
}

// Subscribe returns a channel that first yields the latest full state, then every diff.
// The channel is closed by cancel or when the streamer stops.
func (s *Streamer) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, s.bufferSize)
	ch <- Event{Type: EventFull, State: s.last}
	s.subs[id] = ch
	s.logger.Debug("state stream subscribed", "subscriber", id, "sequence", s.last.Sequence)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (s *Streamer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
