package storage

import (
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/defistate/flashliquidity-go/streams"
)

// Follow persists every event of a state stream until the stream closes. A full state
// replaces what is stored; a diff that does not apply causes a full rewrite from resync.
func (s *Store) Follow(events <-chan streams.Event, resync func() *snapshot.State) error {
	for ev := range events {
		switch ev.Type {
		case streams.EventFull:
			if err := s.Save(ev.State); err != nil {
				return err
			}
		case streams.EventDiff:
			err := s.Apply(ev.Diff)
			if err == nil {
				continue
			}
			if s.logger != nil {
				s.logger.Warn("state diff not applicable, rewriting full state", "from", ev.Diff.FromSequence, "to", ev.Diff.ToSequence, "error", err)
			}
			if err := s.Save(resync()); err != nil {
				return err
			}
		}
	}
	return nil
}
