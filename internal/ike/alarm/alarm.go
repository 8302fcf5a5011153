package alarm

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler creates one-shot alarms on a clock. Callbacks run on the
// clock's goroutine and are expected to only post an event to their owner.
type Scheduler struct {
	clock clockwork.Clock
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock}
}

func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

type Alarm struct {
	timer     clockwork.Timer
	cancelled atomic.Bool
}

// Schedule arms an alarm firing once after d.
func (s *Scheduler) Schedule(d time.Duration, fire func()) *Alarm {
	a := new(Alarm)
	a.timer = s.clock.AfterFunc(d, func() {
		if !a.cancelled.Load() {
			fire()
		}
	})
	return a
}

// Cancel stops the alarm. It's safe to call on a nil or fired alarm.
func (a *Alarm) Cancel() {
	if a == nil {
		return
	}
	a.cancelled.Store(true)
	a.timer.Stop()
}

func (a *Alarm) Cancelled() bool {
	return a == nil || a.cancelled.Load()
}
