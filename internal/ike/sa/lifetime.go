package sa

import (
	"time"

	"github.com/syujy/ikesess/internal/ike/alarm"
)

// lifetime holds the soft (rekey) and hard (delete) alarms of an SA.
type lifetime struct {
	sched  *alarm.Scheduler
	soft   *alarm.Alarm
	hard   *alarm.Alarm
	onSoft func()
}

// StartLifetime arms both alarms. hard must be longer than soft.
func (l *lifetime) StartLifetime(sched *alarm.Scheduler, soft, hard time.Duration, onSoft, onHard func()) {
	l.StopLifetime()
	l.sched = sched
	l.onSoft = onSoft
	if soft > 0 && soft < hard {
		l.soft = sched.Schedule(soft, onSoft)
	}
	if hard > 0 {
		l.hard = sched.Schedule(hard, onHard)
	}
}

// RescheduleRekey re-arms the soft alarm to fire after d, used when a
// rekey attempt failed and must be retried later.
func (l *lifetime) RescheduleRekey(d time.Duration) {
	if l.sched == nil || l.onSoft == nil {
		return
	}
	l.soft.Cancel()
	l.soft = l.sched.Schedule(d, l.onSoft)
}

func (l *lifetime) StopLifetime() {
	l.soft.Cancel()
	l.hard.Cancel()
	l.soft, l.hard = nil, nil
}

func zero(keys ...[]byte) {
	for _, k := range keys {
		for i := range k {
			k[i] = 0
		}
	}
}
