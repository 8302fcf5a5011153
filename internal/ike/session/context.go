package session

import (
	"net"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/retransmit"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/transport"
	"github.com/syujy/ikesess/internal/ike/types"
)

// At most the current SA and the two SAs of a simultaneous rekey
const maxIkeSaRecords = 3

const maxSpiAttempts = 8

// SessionContext is the data shared by every state of an IKE session.
type SessionContext struct {
	current       *sa.IkeSaRecord
	localInitNew  *sa.IkeSaRecord
	remoteInitNew *sa.IkeSaRecord

	// Roles assigned when a simultaneous rekey is resolved
	surviving         *sa.IkeSaRecord
	awaitingLocalDel  *sa.IkeSaRecord
	awaitingRemoteDel *sa.IkeSaRecord

	// Live records by local SPI
	records map[uint64]*sa.IkeSaRecord

	socket        transport.Socket
	localAddr     *net.UDPAddr
	remoteAddr    *net.UDPAddr
	localNat      bool
	remoteNat     bool
	keepalive     *transport.Keepalive
	fragmentation bool
	vendorIDs     [][]byte
	ikeCtx        *child.IkeContext
	config        *Configuration

	children      map[child.Callback]*child.Session
	childrenBySPI map[uint32]*child.Session
	firstChild    *child.Session

	scheduler     *scheduler.Scheduler
	retransmitter *retransmit.Retransmitter
	// SA the outstanding request was sent on
	requestRec *sa.IkeSaRecord
	// Child whose request is outstanding
	requester *child.Session
	// Request routed to a child and still waiting for its response
	pending     *pendingRequest
	dpd         *alarm.Alarm
	tempFailure *tempFailureHandler
}

type pendingRequest struct {
	rec       *sa.IkeSaRecord
	exchange  types.ExchangeType
	messageID uint32
}

func newSessionContext(s *Session) *SessionContext {
	return &SessionContext{
		records:       make(map[uint64]*sa.IkeSaRecord),
		children:      make(map[child.Callback]*child.Session),
		childrenBySPI: make(map[uint32]*child.Session),
		ikeCtx:        &child.IkeContext{},
		scheduler:     scheduler.New(s.executeLocalRequest, s.deps.WakeLocks),
		tempFailure: &tempFailureHandler{
			sched: s.sched,
			fire:  func(gen int) { s.post(&evTempFailureTimeout{gen: gen}) },
		},
	}
}

func (c *SessionContext) addIkeSaRecord(r *sa.IkeSaRecord) error {
	if _, ok := c.records[r.LocalSPI()]; !ok && len(c.records) >= maxIkeSaRecords {
		return ikeerr.Internalf("%d IKE SAs already alive", len(c.records))
	}
	c.records[r.LocalSPI()] = r
	return nil
}

func (c *SessionContext) removeIkeSaRecord(r *sa.IkeSaRecord) {
	if r == nil {
		return
	}
	delete(c.records, r.LocalSPI())
	r.Close()
}

// allocateSPI picks a random local IKE SPI and registers it on the socket.
func (s *Session) allocateSPI() (uint64, error) {
	for i := 0; i < maxSpiAttempts; i++ {
		spi, err := security.GenerateIkeSPI(s.deps.Rand)
		if err != nil {
			return 0, ikeerr.Internal(err)
		}
		err = s.sc.socket.RegisterSPI(spi, s.receive)
		if err == nil {
			return spi, nil
		}
		if !errors.Is(err, ikeerr.ErrSpiCollision) {
			return 0, ikeerr.Internal(err)
		}
	}
	return 0, ikeerr.Internal(ikeerr.ErrSpiCollision)
}

func (s *Session) releaseSPI(spi uint64) func() {
	return func() {
		if s.sc.socket != nil {
			s.sc.socket.UnregisterSPI(spi)
		}
	}
}

func (s *Session) receive(p *transport.Packet) {
	s.post(&evPacket{packet: p})
}

// newChild creates a child session bound to this IKE session's queue.
func (s *Session) newChild(p *child.Params, cb child.Callback) *child.Session {
	c := child.New(child.Deps{
		Log:    s.log.WithField("category", "Child"),
		Sched:  s.sched,
		Rand:   s.deps.Rand,
		Sink:   s.deps.Sink,
		Events: func(ev child.Event) { s.post(&evChild{ev: ev}) },
	}, p.WithDefaults(), cb)
	s.sc.children[cb] = c
	return c
}

// tempFailureHandler closes the session when the peer keeps answering
// CREATE_CHILD_SA with TEMPORARY_FAILURE for too long.
type tempFailureHandler struct {
	sched *alarm.Scheduler
	fire  func(gen int)
	timer *alarm.Alarm
	// gen tells a firing of the current timer from one that raced reset.
	gen   int
}

func (h *tempFailureHandler) handle() {
	if h.timer == nil {
		h.gen++
		gen := h.gen
		h.timer = h.sched.Schedule(TempFailureRetryTimeout, func() { h.fire(gen) })
	}
}

func (h *tempFailureHandler) reset() {
	h.timer.Cancel()
	h.timer = nil
}

// expired reports whether gen belongs to the armed timer.
func (h *tempFailureHandler) expired(gen int) bool {
	return h.timer != nil && gen == h.gen
}

// Events processed by the session worker
type event interface{}

type evLocalRequest struct{ req *scheduler.LocalRequest }

type evPacket struct{ packet *transport.Packet }

type evRetransmit struct{ r *retransmit.Retransmitter }

type evChild struct{ ev child.Event }

type evClose struct{}

type evKill struct{}

type evTempFailureTimeout struct{ gen int }

type evRekeyDeleteTimeout struct{ token state }
