package transport

import (
	"net"
	"sync"
	"time"

	"github.com/syujy/ikesess/internal/ike/alarm"
)

// Default interval of NAT-T keepalives
const NattKeepaliveDelay = 10 * time.Second

// Keepalive periodically sends a one octet 0xFF packet to keep the NAT
// mapping of an encapsulated socket alive (RFC 3948 Section 2.3).
type Keepalive struct {
	socket Socket
	remote *net.UDPAddr
	sched  *alarm.Scheduler
	delay  time.Duration

	mu      sync.Mutex
	timer   *alarm.Alarm
	stopped bool
}

func NewKeepalive(socket Socket, remote *net.UDPAddr, sched *alarm.Scheduler, delay time.Duration) *Keepalive {
	if delay <= 0 {
		delay = NattKeepaliveDelay
	}
	return &Keepalive{socket: socket, remote: remote, sched: sched, delay: delay}
}

func (k *Keepalive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = false
	k.socket.SendKeepalive(k.remote)
	k.arm()
}

func (k *Keepalive) arm() {
	k.timer = k.sched.Schedule(k.delay, k.fire)
}

func (k *Keepalive) fire() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.socket.SendKeepalive(k.remote)
	k.arm()
}

func (k *Keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	k.timer.Cancel()
}
