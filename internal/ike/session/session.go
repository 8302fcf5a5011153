package session

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/eap"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/registry"
	"github.com/syujy/ikesess/internal/ike/retransmit"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/transport"
	"github.com/syujy/ikesess/internal/ike/types"
	"github.com/syujy/ikesess/internal/task_manager"
)

const (
	DefaultDpdDelay     = 120 * time.Second
	DefaultHardLifetime = 4 * time.Hour
	DefaultSoftLifetime = 3 * time.Hour
	// TempFailureRetryTimeout bounds how long the peer may keep refusing
	// CREATE_CHILD_SA exchanges with TEMPORARY_FAILURE.
	TempFailureRetryTimeout = 5 * time.Minute
	RekeyDeleteTimeout      = 180 * time.Second
	RetryInterval           = 15 * time.Second
)

type AuthMethod int

const (
	AuthPSK AuthMethod = iota
	AuthEAP
)

func (m AuthMethod) String() string {
	if m == AuthEAP {
		return "eap"
	}
	return "psk"
}

// IDAny as the remote identity type accepts whatever the peer presents.
const IDAny uint8 = 0

type Identity struct {
	Type uint8
	Data []byte
}

func (id Identity) payload(initiator bool) *message.Identification {
	return &message.Identification{Initiator: initiator, IDType: id.Type, IDData: id.Data}
}

// Params configures one IKE session.
type Params struct {
	// Server is host or host:port, the port defaults to 500.
	Server    string
	LocalID   Identity
	RemoteID  Identity
	Auth      AuthMethod
	PSK       []byte
	Proposals []*message.Proposal

	RetransmitTimeouts []time.Duration
	DpdDelay           time.Duration
	NattKeepaliveDelay time.Duration
	SoftLifetime       time.Duration
	HardLifetime       time.Duration
	Fragmentation      bool
	// ConfigRequests lists the CP attribute types requested in IKE_AUTH.
	ConfigRequests []uint16
}

// WithDefaults returns a copy with the unset durations filled.
func (p *Params) WithDefaults() *Params {
	c := *p
	if len(c.RetransmitTimeouts) == 0 {
		c.RetransmitTimeouts = retransmit.DefaultTimeouts
	}
	if c.DpdDelay == 0 {
		c.DpdDelay = DefaultDpdDelay
	}
	if c.NattKeepaliveDelay == 0 {
		c.NattKeepaliveDelay = transport.NattKeepaliveDelay
	}
	if c.HardLifetime == 0 {
		c.HardLifetime = DefaultHardLifetime
	}
	if c.SoftLifetime == 0 {
		c.SoftLifetime = DefaultSoftLifetime
	}
	return &c
}

// Configuration describes the established IKE session.
type Configuration struct {
	LocalAddr         *net.UDPAddr
	RemoteAddr        *net.UDPAddr
	LocalNat          bool
	RemoteNat         bool
	InternalAddresses []net.IP
	InternalNetmasks  []net.IPMask
	DNSServers        []net.IP
	VendorIDs         [][]byte
	Fragmentation     bool
	Proposal          *message.Proposal
	RemoteID          Identity
}

type Callback interface {
	OnOpened(c *Configuration)
	OnClosed()
	OnClosedExceptionally(err error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type Deps struct {
	Log       *logrus.Entry
	Registry  *registry.Registry
	Provider  transport.Provider
	Executor  task_manager.Executor
	Clock     clockwork.Clock
	Rand      io.Reader
	WakeLocks scheduler.WakeLockFactory
	Resolver  Resolver
	// LocalAddress picks the source address used to reach remote.
	LocalAddress func(remote net.IP) (net.IP, error)
	EapFactory   func() eap.Authenticator
	Sink         child.TransformSink
}

// Session is the IKE session state machine. Every event runs on its serial
// queue, so the state below is only touched by one goroutine at a time.
type Session struct {
	id     string
	log    *logrus.Entry
	deps   Deps
	params *Params
	cb     Callback
	queue  *task_manager.SerialQueue
	sched  *alarm.Scheduler

	sc    *SessionContext
	state state

	// Child callbacks known to the API, guarded by mu since it's read
	// from the caller's goroutine.
	mu        sync.Mutex
	callbacks map[child.Callback]bool
}

// New creates an IKE session together with its first child session. Nothing
// is sent before OpenSession.
func New(deps Deps, params *Params, cb Callback, first *child.Params, firstCb child.Callback) *Session {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Resolver == nil {
		deps.Resolver = net.DefaultResolver
	}
	if deps.LocalAddress == nil {
		deps.LocalAddress = routeSource
	}
	s := &Session{
		deps:      deps,
		params:    params.WithDefaults(),
		cb:        cb,
		queue:     task_manager.NewSerialQueue(deps.Executor),
		sched:     alarm.NewScheduler(deps.Clock),
		state:     &stateInitial{},
		callbacks: map[child.Callback]bool{firstCb: true},
	}
	if deps.Registry != nil {
		s.id = deps.Registry.Register(s)
	}
	s.log = deps.Log.WithFields(logrus.Fields{"category": "IKE", "session": s.id})
	s.sc = newSessionContext(s)
	s.sc.firstChild = s.newChild(first, firstCb)
	return s
}

func (s *Session) ID() string { return s.id }

// OpenSession starts IKE_SA_INIT.
func (s *Session) OpenSession() {
	s.post(&evLocalRequest{req: &scheduler.LocalRequest{Procedure: scheduler.ProcedureCreateIke}})
}

// OpenChildSession negotiates an additional Child SA with CREATE_CHILD_SA.
func (s *Session) OpenChildSession(p *child.Params, cb child.Callback) error {
	s.mu.Lock()
	if s.callbacks[cb] {
		s.mu.Unlock()
		return ikeerr.ErrChildCallbackExists
	}
	s.callbacks[cb] = true
	s.mu.Unlock()
	s.post(&evLocalRequest{req: &scheduler.LocalRequest{
		Procedure:   scheduler.ProcedureCreateChild,
		Child:       cb,
		ChildParams: p,
	}})
	return nil
}

// CloseChildSession deletes the child session opened with cb.
func (s *Session) CloseChildSession(cb child.Callback) error {
	s.mu.Lock()
	known := s.callbacks[cb]
	s.mu.Unlock()
	if !known {
		return ikeerr.ErrChildCallbackUnknown
	}
	s.post(&evLocalRequest{req: &scheduler.LocalRequest{
		Procedure: scheduler.ProcedureDeleteChild,
		Child:     cb,
	}})
	return nil
}

// CloseSession deletes the IKE SA and all its Child SAs with the peer.
func (s *Session) CloseSession() {
	s.post(&evClose{})
}

// KillSession releases everything without telling the peer.
func (s *Session) KillSession() {
	s.post(&evKill{})
}

func (s *Session) post(ev event) {
	s.queue.Post(func() { s.dispatch(ev) })
}

func (s *Session) forgetCallback(cb child.Callback) {
	s.mu.Lock()
	delete(s.callbacks, cb)
	s.mu.Unlock()
}

// routeSource asks the kernel which address it would use to reach remote.
// Connecting a UDP socket sends nothing.
func routeSource(remote net.IP) (net.IP, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: remote, Port: types.IKEPort})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
