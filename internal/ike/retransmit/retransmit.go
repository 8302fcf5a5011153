package retransmit

import (
	"time"

	"github.com/syujy/ikesess/internal/ike/alarm"
)

// Default backoff of an outbound request
var DefaultTimeouts = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

type Config struct {
	Scheduler *alarm.Scheduler
	// Timeouts has one entry per transmission: the request is sent
	// len(Timeouts) times before giving up.
	Timeouts []time.Duration
	// Send transmits the request packets.
	Send func()
	// Fire is called from the alarm when a timeout expires. The owner is
	// expected to post an event and call Retransmit from its own worker.
	Fire func(r *Retransmitter)
	// Exhausted is called by Retransmit when no attempt is left.
	Exhausted func()
}

// Retransmitter resends one outbound request until it is stopped by the
// matching response or runs out of attempts.
type Retransmitter struct {
	cfg     Config
	attempt int
	timer   *alarm.Alarm
	stopped bool
}

func New(cfg Config) *Retransmitter {
	if len(cfg.Timeouts) == 0 {
		cfg.Timeouts = DefaultTimeouts
	}
	return &Retransmitter{cfg: cfg}
}

// Start sends the request for the first time.
func (r *Retransmitter) Start() {
	r.attempt = 0
	r.stopped = false
	r.Retransmit()
}

// Retransmit sends the request again, or reports exhaustion when every
// timeout has already elapsed.
func (r *Retransmitter) Retransmit() {
	if r.stopped {
		return
	}
	if r.attempt >= len(r.cfg.Timeouts) {
		r.stopped = true
		if r.cfg.Exhausted != nil {
			r.cfg.Exhausted()
		}
		return
	}
	r.cfg.Send()
	timeout := r.cfg.Timeouts[r.attempt]
	r.attempt++
	r.timer = r.cfg.Scheduler.Schedule(timeout, func() {
		if r.cfg.Fire != nil {
			r.cfg.Fire(r)
		}
	})
}

// Stop cancels the pending timeout.
func (r *Retransmitter) Stop() {
	r.stopped = true
	r.timer.Cancel()
}

func (r *Retransmitter) Stopped() bool {
	return r.stopped
}

// Attempts returns how many times the request has been sent.
func (r *Retransmitter) Attempts() int {
	return r.attempt
}
