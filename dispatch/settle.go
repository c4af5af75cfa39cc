package dispatch

import (
	"sync"
	"time"
)

// settlement is a one-shot cell racing a cancellable timer. Whichever of
// resolve or the timer fires first wins; the loser is suppressed. Used to
// give assignment and transfer requests their exactly-once completion.
type settlement struct {
	once  sync.Once
	timer *time.Timer
}

func newSettlement() *settlement {
	return &settlement{}
}

// startTimer arms the deadline. Must be called before the settle callback
// is handed out.
func (s *settlement) startTimer(d time.Duration, onTimeout func()) {
	s.timer = time.AfterFunc(d, func() {
		s.once.Do(onTimeout)
	})
}

// resolve runs fn if the cell is still open, stopping the timer. Returns
// false if the cell was already settled, timed out, or cancelled.
func (s *settlement) resolve(fn func()) bool {
	settled := false
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		fn()
		settled = true
	})
	return settled
}

// cancel closes the cell without running anything, suppressing a stale
// timeout against state that has already moved on.
func (s *settlement) cancel() {
	s.resolve(func() {})
}
