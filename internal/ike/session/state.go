package session

import (
	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/types"
)

type state interface {
	String() string
}

type stateInitial struct{}

type stateCreateIkeLocalIkeInit struct{ init *initExchange }

type stateCreateIkeLocalIkeAuth struct{ auth *authExchange }

type stateCreateIkeLocalIkeAuthInEap struct{ auth *authExchange }

type stateCreateIkeLocalIkeAuthPostEap struct {
	auth *authExchange
	msk  []byte
}

type stateIdle struct{}

// stateReceiving is held while a request received in Idle is classified.
type stateReceiving struct{}

type stateChildProcedureOngoing struct {
	child *child.Session
	// local is false when the procedure was started by a peer request.
	local    bool
	finished bool
}

type stateRekeyIkeLocalCreate struct{ offer *ikeOffer }

type stateSimulRekeyIkeLocalCreate struct{ offer *ikeOffer }

type stateSimulRekeyIkeLocalDeleteRemoteDelete struct{}

type stateSimulRekeyIkeLocalDelete struct{}

type stateSimulRekeyIkeRemoteDelete struct{ timer *alarm.Alarm }

type stateRekeyIkeLocalDelete struct{}

type stateRekeyIkeRemoteDelete struct{ timer *alarm.Alarm }

type stateDeleteIkeLocalDelete struct{}

type stateDpdIkeLocalInfo struct{}

type stateQuit struct{}

func (*stateInitial) String() string                              { return "Initial" }
func (*stateCreateIkeLocalIkeInit) String() string                { return "CreateIkeLocalIkeInit" }
func (*stateCreateIkeLocalIkeAuth) String() string                { return "CreateIkeLocalIkeAuth" }
func (*stateCreateIkeLocalIkeAuthInEap) String() string           { return "CreateIkeLocalIkeAuthInEap" }
func (*stateCreateIkeLocalIkeAuthPostEap) String() string         { return "CreateIkeLocalIkeAuthPostEap" }
func (*stateIdle) String() string                                 { return "Idle" }
func (*stateReceiving) String() string                            { return "Receiving" }
func (*stateChildProcedureOngoing) String() string                { return "ChildProcedureOngoing" }
func (*stateRekeyIkeLocalCreate) String() string                  { return "RekeyIkeLocalCreate" }
func (*stateSimulRekeyIkeLocalCreate) String() string             { return "SimulRekeyIkeLocalCreate" }
func (*stateSimulRekeyIkeLocalDeleteRemoteDelete) String() string { return "SimulRekeyIkeLocalDeleteRemoteDelete" }
func (*stateSimulRekeyIkeLocalDelete) String() string             { return "SimulRekeyIkeLocalDelete" }
func (*stateSimulRekeyIkeRemoteDelete) String() string            { return "SimulRekeyIkeRemoteDelete" }
func (*stateRekeyIkeLocalDelete) String() string                  { return "RekeyIkeLocalDelete" }
func (*stateRekeyIkeRemoteDelete) String() string                 { return "RekeyIkeRemoteDelete" }
func (*stateDeleteIkeLocalDelete) String() string                 { return "DeleteIkeLocalDelete" }
func (*stateDpdIkeLocalInfo) String() string                      { return "DpdIkeLocalInfo" }
func (*stateQuit) String() string                                 { return "Quit" }

func (st *stateRekeyIkeRemoteDelete) setTimer(a *alarm.Alarm)      { st.timer = a }
func (st *stateSimulRekeyIkeRemoteDelete) setTimer(a *alarm.Alarm) { st.timer = a }

// transitionTo runs the exit action of the current state and the entry
// action of next.
func (s *Session) transitionTo(next state) {
	switch st := s.state.(type) {
	case *stateIdle:
		s.sc.dpd.Cancel()
		s.sc.dpd = nil
	case *stateRekeyIkeRemoteDelete:
		st.timer.Cancel()
	case *stateSimulRekeyIkeRemoteDelete:
		st.timer.Cancel()
	}
	s.log.Debugf("%s -> %s", s.state, next)
	s.state = next

	if _, ok := next.(*stateIdle); ok {
		s.sc.dpd = s.sched.Schedule(s.params.DpdDelay, func() {
			s.post(&evLocalRequest{req: &scheduler.LocalRequest{Procedure: scheduler.ProcedureDpd}})
		})
		s.sc.scheduler.ReadyForNextProcedure()
	}
}

// dispatch is the only entry point of events into the state machine.
func (s *Session) dispatch(ev event) {
	if _, ok := s.state.(*stateQuit); ok {
		return
	}
	switch e := ev.(type) {
	case *evKill:
		s.log.Infof("Killing session in state %s", s.state)
		s.quit(nil)
	case *evClose:
		s.handleClose()
	case *evLocalRequest:
		s.handleLocalRequest(e.req)
	case *evPacket:
		s.handlePacket(e.packet)
	case *evRetransmit:
		if e.r == s.sc.retransmitter {
			e.r.Retransmit()
		}
	case *evChild:
		s.handleChildEvent(e.ev)
	case *evTempFailureTimeout:
		if !s.sc.tempFailure.expired(e.gen) {
			return
		}
		s.log.Warn("Peer kept answering TEMPORARY_FAILURE")
		s.fatal(ikeerr.Internal(ikeerr.ErrTempFailureTimeout))
	case *evRekeyDeleteTimeout:
		s.handleRekeyDeleteTimeout(e.token)
	default:
		s.log.Errorf("Unknown event %T", ev)
	}
}

func (s *Session) handleClose() {
	switch s.state.(type) {
	case *stateInitial, *stateCreateIkeLocalIkeInit:
		// Nothing the peer knows about yet
		s.quit(nil)
	case *stateDeleteIkeLocalDelete:
	default:
		s.sc.scheduler.AddRequestAtFront(&scheduler.LocalRequest{Procedure: scheduler.ProcedureDeleteIke})
		if _, ok := s.state.(*stateIdle); ok {
			s.sc.scheduler.ReadyForNextProcedure()
		}
	}
}

func (s *Session) handleLocalRequest(r *scheduler.LocalRequest) {
	if r.Procedure == scheduler.ProcedureCreateIke {
		if _, ok := s.state.(*stateInitial); ok {
			s.startCreateIke()
		} else {
			s.log.Warnf("Ignore %s in state %s", r, s.state)
		}
		return
	}
	if r.Procedure == scheduler.ProcedureDeleteIke {
		s.sc.scheduler.AddRequestAtFront(r)
	} else {
		// Requests made before the IKE SA exists wait for Idle
		s.sc.scheduler.AddRequest(r)
	}
	if _, ok := s.state.(*stateIdle); ok {
		s.sc.scheduler.ReadyForNextProcedure()
	}
}

// executeLocalRequest is the consumer of the local request scheduler, only
// called in Idle.
func (s *Session) executeLocalRequest(r *scheduler.LocalRequest) {
	s.log.Debugf("Execute local request %s", r)
	started := false
	switch r.Procedure {
	case scheduler.ProcedureDeleteIke:
		if s.targetsCurrent(r) {
			s.startDeleteIke()
			started = true
		}
	case scheduler.ProcedureRekeyIke:
		if s.targetsCurrent(r) {
			started = s.startRekeyIke()
		}
	case scheduler.ProcedureDpd, scheduler.ProcedureInfo:
		s.startDpd()
		started = true
	default:
		started = s.startChildProcedure(r)
	}
	if !started {
		if _, ok := s.state.(*stateIdle); ok {
			s.sc.scheduler.ReadyForNextProcedure()
		}
	}
}

// targetsCurrent drops requests made for an IKE SA that was rekeyed since.
func (s *Session) targetsCurrent(r *scheduler.LocalRequest) bool {
	if r.TargetIkeSPI != 0 && r.TargetIkeSPI != s.sc.current.LocalSPI() {
		s.log.Debugf("Drop %s for a replaced IKE SA", r)
		return false
	}
	return true
}

// fatal tells the peer the IKE SA is deleted, when it may still hear us,
// then quits with err.
func (s *Session) fatal(err error) {
	s.log.Errorf("IKE session failed in state %s: %+v", s.state, err)
	if rec := s.sc.current; rec != nil && !rec.Closed() && !isUnreachable(err) {
		if _, ok := s.state.(*stateCreateIkeLocalIkeInit); !ok {
			var payloads message.Payloads
			if pe, ok := ikeerr.AsProtocolError(err); ok && pe.Notify != types.AUTHENTICATION_FAILED {
				payloads = append(payloads, message.NewNotify(pe.Notify, pe.Data))
			}
			payloads = append(payloads, message.NewDeleteIKE())
			if packets, err := s.encode(rec, types.INFORMATIONAL, false, rec.LocalRequestMessageID(), payloads); err == nil {
				s.sendPackets(packets)
			}
		}
	}
	s.quit(err)
}

func isUnreachable(err error) bool {
	return errors.Is(err, ikeerr.ErrRetransmitExhausted)
}

// quit releases every resource and reports the closure exactly once.
func (s *Session) quit(err error) {
	if _, ok := s.state.(*stateQuit); ok {
		return
	}
	s.transitionTo(&stateQuit{})

	sc := s.sc
	if sc.retransmitter != nil {
		sc.retransmitter.Stop()
	}
	sc.tempFailure.reset()
	sc.scheduler.ReleaseAllLocalRequestWakeLocks()
	if sc.keepalive != nil {
		sc.keepalive.Stop()
	}

	for cb, c := range sc.children {
		c.KillSession()
		s.forgetCallback(cb)
	}
	sc.children = map[child.Callback]*child.Session{}
	sc.childrenBySPI = map[uint32]*child.Session{}

	for _, rec := range sc.records {
		sc.removeIkeSaRecord(rec)
	}
	if sc.socket != nil {
		s.deps.Provider.Release(sc.socket)
		sc.socket = nil
	}
	if s.deps.Registry != nil {
		s.deps.Registry.Unregister(s.id)
	}
	s.queue.Close()

	if err != nil {
		s.log.Infof("IKE session closed exceptionally: %v", err)
		s.cb.OnClosedExceptionally(ikeerr.WrapForCaller(err))
	} else {
		s.log.Info("IKE session closed")
		s.cb.OnClosed()
	}
}
