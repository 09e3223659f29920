// Package transcript merges interim and final speech fragments into the
// ordered conversation log.
package transcript

import (
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one entry in the conversation log. Interim turns are mutable in
// place until Final, after which they are immutable.
type Turn struct {
	TurnID    string
	Speaker   Speaker
	Content   string
	Mode      string
	CreatedAt time.Time
	Final     bool
}

// Fragment is one interim or final transcription update.
type Fragment struct {
	Speaker Speaker
	TurnID  string
	Text    string
	Mode    string
	Final   bool
}

// Aggregator keys fragments by (speaker, turn id) and maintains the
// append-only conversation log. Appends are ordered by commit time, never by
// arrival time: a late fragment for a finalized turn is a no-op and cannot
// reorder anything.
type Aggregator struct {
	mu        sync.Mutex
	log       []*Turn
	open      map[Speaker]*Turn   // at most one open interim per speaker
	finalized map[string]struct{} // turn ids that transitioned to final
	now       func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		open:      make(map[Speaker]*Turn),
		finalized: make(map[string]struct{}),
		now:       time.Now,
	}
}

// Apply merges one fragment into the log.
//
// A fragment whose turn id differs from the speaker's open interim starts a
// new turn; the previous interim, if still open, is abandoned in place rather
// than deleted, tolerating out-of-order network delivery. A final fragment
// closes its turn permanently: no further fragment with that id mutates it.
func (a *Aggregator) Apply(f Fragment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.finalized[f.TurnID]; done {
		// no double-final, no post-final mutation
		return
	}

	if open, ok := a.open[f.Speaker]; ok && open.TurnID == f.TurnID {
		open.Content = f.Text
		if f.Mode != "" {
			open.Mode = f.Mode
		}
		if f.Final {
			open.Final = true
			a.finalized[f.TurnID] = struct{}{}
			delete(a.open, f.Speaker)
		}
		return
	}

	// New turn id for this speaker. Any previous interim stays in the log
	// as-is (orphaned, still non-final).
	t := &Turn{
		TurnID:    f.TurnID,
		Speaker:   f.Speaker,
		Content:   f.Text,
		Mode:      f.Mode,
		CreatedAt: a.now(),
		Final:     f.Final,
	}
	a.log = append(a.log, t)
	if f.Final {
		a.finalized[f.TurnID] = struct{}{}
		delete(a.open, f.Speaker)
	} else {
		a.open[f.Speaker] = t
	}
}

// Replay loads prior context turns, e.g. when a continuation session reloads
// history after a mode switch. Turns already present (by id) are skipped so a
// reload cannot duplicate committed turns.
func (a *Aggregator) Replay(turns []Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]struct{}, len(a.log))
	for _, t := range a.log {
		seen[t.TurnID] = struct{}{}
	}
	for _, t := range turns {
		if _, dup := seen[t.TurnID]; dup {
			continue
		}
		cp := t
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = a.now()
		}
		a.log = append(a.log, &cp)
		seen[cp.TurnID] = struct{}{}
		if cp.Final {
			a.finalized[cp.TurnID] = struct{}{}
		}
	}
}

// Log returns a snapshot of the conversation in commit order.
func (a *Aggregator) Log() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.log))
	for i, t := range a.log {
		out[i] = *t
	}
	return out
}

// Len reports the number of turns in the log.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.log)
}

// OpenInterim returns the speaker's open interim turn, if any.
func (a *Aggregator) OpenInterim(s Speaker) (Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.open[s]; ok {
		return *t, true
	}
	return Turn{}, false
}
