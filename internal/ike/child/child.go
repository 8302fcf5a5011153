package child

import (
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

const (
	// RetryInterval delays a rekey after the peer refused it.
	RetryInterval = 15 * time.Second
	// RekeyDeleteTimeout bounds the wait for the peer to delete the old SA
	// of a rekey it initiated.
	RekeyDeleteTimeout = 180 * time.Second

	DefaultHardLifetime = 2 * time.Hour
	DefaultSoftLifetime = 1 * time.Hour
)

type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// Params is the caller's description of a Child SA.
type Params struct {
	Proposals    []*message.Proposal
	LocalTS      []*message.IndividualTrafficSelector
	RemoteTS     []*message.IndividualTrafficSelector
	Transport    bool
	SoftLifetime time.Duration
	HardLifetime time.Duration
}

// Configuration describes an opened Child session.
type Configuration struct {
	Proposal    *message.Proposal
	LocalTS     []*message.IndividualTrafficSelector
	RemoteTS    []*message.IndividualTrafficSelector
	Transport   bool
	InboundSPI  uint32
	OutboundSPI uint32
}

// Transform is one direction of a negotiated Child SA, with a private copy of
// its keys.
type Transform struct {
	SPI       uint32
	Direction Direction
	Suite     *security.Suite
	EncrKey   []byte
	IntegKey  []byte
	Transport bool
	Src       net.IP
	Dst       net.IP
	// Encap is set when ESP is carried in UDP, ports are then meaningful.
	Encap    bool
	SrcPort  int
	DstPort  int
	LocalTS  []*message.IndividualTrafficSelector
	RemoteTS []*message.IndividualTrafficSelector
}

// Callback receives the life cycle of a Child session. It runs on the IKE
// session worker and must not block.
type Callback interface {
	OnOpened(conf *Configuration)
	OnClosed()
	OnClosedExceptionally(err error)
	OnTransformCreated(t *Transform, dir Direction)
	OnTransformDeleted(t *Transform, dir Direction)
}

// TransformSink installs transforms in a data plane.
type TransformSink interface {
	TransformCreated(t *Transform) error
	TransformDeleted(t *Transform)
}

// IkeContext is the part of the owning IKE SA that Child sessions read. The
// IKE session updates it in place when the IKE SA is rekeyed or moves behind
// a NAT.
type IkeContext struct {
	Prf        security.Prf
	LocalAddr  net.IP
	RemoteAddr net.IP
	Encap      bool
	LocalPort  int
	RemotePort int
}

type EventKind int

const (
	// EventOutboundPayloads asks the IKE session to send a request or a
	// response in Exchange.
	EventOutboundPayloads EventKind = iota
	// EventSaCreated registers RemoteSPI as routing to this child.
	EventSaCreated
	// EventSaDeleted unregisters RemoteSPI.
	EventSaDeleted
	// EventProcedureFinished ends the local procedure the IKE session
	// dispatched to this child.
	EventProcedureFinished
	// EventChildClosed removes the child from the IKE session.
	EventChildClosed
	// EventScheduleRetry re-queues Request after Delay.
	EventScheduleRetry
	// EventLocalRequest queues Request now, posted by lifetime alarms.
	EventLocalRequest
	// EventRekeyDeleteTimeout fires while waiting for the peer to delete
	// the old SA of a remote rekey.
	EventRekeyDeleteTimeout
	// EventFatalIkeError closes the whole IKE session with Err.
	EventFatalIkeError
)

func (k EventKind) String() string {
	switch k {
	case EventOutboundPayloads:
		return "OutboundPayloads"
	case EventSaCreated:
		return "SaCreated"
	case EventSaDeleted:
		return "SaDeleted"
	case EventProcedureFinished:
		return "ProcedureFinished"
	case EventChildClosed:
		return "ChildClosed"
	case EventScheduleRetry:
		return "ScheduleRetry"
	case EventLocalRequest:
		return "LocalRequest"
	case EventRekeyDeleteTimeout:
		return "RekeyDeleteTimeout"
	case EventFatalIkeError:
		return "FatalIkeError"
	default:
		return "Unknown"
	}
}

// Event is what a child tells its IKE session. Events are delivered through
// the IKE session queue, never by direct calls.
type Event struct {
	Kind      EventKind
	Child     *Session
	Exchange  types.ExchangeType
	IsResp    bool
	Payloads  message.Payloads
	RemoteSPI uint32
	Request   *scheduler.LocalRequest
	Delay     time.Duration
	Token     interface{}
	Err       error
}

type Deps struct {
	Log   *logrus.Entry
	Sched *alarm.Scheduler
	Rand  io.Reader
	// Sink is optional.
	Sink TransformSink
	// Events must be safe to call from any goroutine.
	Events func(Event)
}

// Session is the state machine of one Child SA and its rekeyed successors.
// Apart from construction, its methods must only be called on the worker of
// the owning IKE session.
type Session struct {
	log    *logrus.Entry
	sched  *alarm.Scheduler
	rand   io.Reader
	sink   TransformSink
	events func(Event)

	params *Params
	cb     Callback
	ike    *IkeContext
	skD    []byte

	state    state
	current  *childSa
	localTS  []*message.IndividualTrafficSelector
	remoteTS []*message.IndividualTrafficSelector
}

// childSa is a record plus the transforms announced for it.
type childSa struct {
	rec        *sa.ChildSaRecord
	in, out    *Transform
	inCreated  bool
	outCreated bool
}

func New(deps Deps, params *Params, cb Callback) *Session {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		log:      log.WithField("child", params.LocalTSString()),
		sched:    deps.Sched,
		rand:     deps.Rand,
		sink:     deps.Sink,
		events:   deps.Events,
		params:   params,
		cb:       cb,
		state:    &stateInitial{},
		localTS:  params.LocalTS,
		remoteTS: params.RemoteTS,
	}
}

func (c *Session) Callback() Callback { return c.cb }

func (c *Session) Params() *Params { return c.params }

// State names the current state, for logs and tests.
func (c *Session) State() string { return c.state.String() }

func (c *Session) Closed() bool {
	_, ok := c.state.(*stateClosed)
	return ok
}

// LocalSPI and RemoteSPI identify the current Child SA, 0 before it exists.
func (c *Session) LocalSPI() uint32 {
	if c.current == nil {
		return 0
	}
	return c.current.rec.LocalSPI
}

func (c *Session) RemoteSPI() uint32 {
	if c.current == nil {
		return 0
	}
	return c.current.rec.RemoteSPI
}

// SetSkD replaces the SK_d that future Child SAs are derived from.
func (c *Session) SetSkD(skD []byte) {
	c.skD = append([]byte(nil), skD...)
}

func (c *Session) post(ev Event) {
	ev.Child = c
	c.events(ev)
}

// LocalTSString renders the local traffic selectors for log fields.
func (p *Params) LocalTSString() string {
	s := ""
	for i, ts := range p.LocalTS {
		if i > 0 {
			s += ","
		}
		s += ts.StartAddress.String() + "-" + ts.EndAddress.String()
	}
	return s
}

// WithDefaults fills unset lifetimes.
func (p *Params) WithDefaults() *Params {
	c := *p
	if c.HardLifetime == 0 {
		c.HardLifetime = DefaultHardLifetime
	}
	if c.SoftLifetime == 0 {
		c.SoftLifetime = DefaultSoftLifetime
	}
	return &c
}
