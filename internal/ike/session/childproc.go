package session

import (
	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/types"
)

// startChildProcedure runs a local child request. It reports false when the
// request was dropped.
func (s *Session) startChildProcedure(r *scheduler.LocalRequest) bool {
	cb, _ := r.Child.(child.Callback)
	if cb == nil {
		s.log.Errorf("Drop %s without child callback", r)
		return false
	}
	switch r.Procedure {
	case scheduler.ProcedureCreateChild:
		p, _ := r.ChildParams.(*child.Params)
		if p == nil {
			s.log.Errorf("Drop %s without child parameters", r)
			s.forgetCallback(cb)
			return false
		}
		if _, ok := s.sc.children[cb]; ok {
			s.log.Warnf("Drop %s for an existing child", r)
			return false
		}
		c := s.newChild(p, cb)
		s.transitionTo(&stateChildProcedureOngoing{child: c, local: true})
		c.CreateChildSession(s.sc.ikeCtx, s.sc.current.SkD)
	case scheduler.ProcedureDeleteChild, scheduler.ProcedureRekeyChild:
		c, ok := s.sc.children[cb]
		if !ok {
			s.log.Debugf("Drop %s for a closed child", r)
			return false
		}
		if r.TargetChildSPI != 0 && r.TargetChildSPI != c.RemoteSPI() {
			s.log.Debugf("Drop %s for a replaced Child SA", r)
			return false
		}
		s.transitionTo(&stateChildProcedureOngoing{child: c, local: true})
		if r.Procedure == scheduler.ProcedureDeleteChild {
			c.DeleteChildSession()
		} else {
			c.RekeyChildSession()
		}
	default:
		s.log.Errorf("Unknown local request %s", r)
		return false
	}
	return true
}

// routeChildRequest hands a peer request to the child owning the targeted
// Child SA.
func (s *Session) routeChildRequest(in *inbound) {
	c := s.findChild(in)
	if c == nil {
		if in.subtype == message.SubtypeRekeyChild {
			spi := in.msg.Payloads.Notify(types.REKEY_SA).ChildSPI()
			s.respond(in, message.Payloads{message.NewChildNotify(types.CHILD_SA_NOT_FOUND, spi, nil)})
		} else {
			s.log.Infof("Peer deleted unknown Child SAs")
			s.respond(in, nil)
		}
		return
	}
	s.sc.pending = &pendingRequest{rec: in.rec, exchange: in.msg.ExchangeType, messageID: in.msg.MessageID}
	if _, ok := s.state.(*stateReceiving); ok {
		s.transitionTo(&stateChildProcedureOngoing{child: c})
	}
	c.ReceiveRequest(in.subtype, in.msg.ExchangeType, in.msg.Payloads)
}

func (s *Session) findChild(in *inbound) *child.Session {
	if in.subtype == message.SubtypeRekeyChild {
		return s.sc.childrenBySPI[in.msg.Payloads.Notify(types.REKEY_SA).ChildSPI()]
	}
	var found *child.Session
	for _, d := range in.msg.Payloads.Deletes() {
		for _, spi := range d.ChildSPIs() {
			c, ok := s.sc.childrenBySPI[spi]
			if !ok {
				s.log.Infof("Peer deleted unknown Child SA 0x%08x", spi)
				continue
			}
			if found == nil {
				found = c
			} else if c != found {
				s.log.Warnf("Ignore deletion of Child SA 0x%08x sent along another child's", spi)
			}
		}
	}
	return found
}

func (s *Session) handleChildResponse(st *stateChildProcedureOngoing, msg *message.Message) {
	if msg.ExchangeType == types.CREATE_CHILD_SA {
		if msg.Payloads.Notify(types.TEMPORARY_FAILURE) != nil {
			s.sc.tempFailure.handle()
		} else {
			s.sc.tempFailure.reset()
		}
	}
	c := s.sc.requester
	s.sc.requester = nil
	if c != nil && s.childAlive(c) {
		c.ReceiveResponse(msg.ExchangeType, msg.Payloads)
	} else {
		s.log.Debugf("Drop %s response for a closed child", msg.ExchangeType)
	}
	s.maybeFinishChildProcedure(st)
}

func (s *Session) childAlive(c *child.Session) bool {
	return s.sc.children[c.Callback()] == c
}

// maybeFinishChildProcedure returns to Idle once the procedure is over and
// neither a request of ours nor a response to the peer is pending.
func (s *Session) maybeFinishChildProcedure(st *stateChildProcedureOngoing) {
	if s.state != state(st) {
		return
	}
	if st.local && !st.finished {
		return
	}
	if s.requestOutstanding() || s.sc.pending != nil {
		return
	}
	s.transitionTo(&stateIdle{})
}

func (s *Session) handleChildEvent(ev child.Event) {
	c := ev.Child
	alive := s.childAlive(c)
	switch ev.Kind {
	case child.EventOutboundPayloads:
		if ev.IsResp {
			s.sendChildResponse(ev.Payloads)
			return
		}
		_, ongoing := s.state.(*stateChildProcedureOngoing)
		if !alive || !ongoing || s.requestOutstanding() {
			s.log.Errorf("Drop child %s request in state %s", ev.Exchange, s.state)
			return
		}
		s.sc.requester = c
		if err := s.sendRequest(s.sc.current, ev.Exchange, ev.Payloads); err != nil {
			s.fatal(err)
		}
	case child.EventSaCreated:
		if alive {
			s.sc.childrenBySPI[ev.RemoteSPI] = c
		}
	case child.EventSaDeleted:
		if s.sc.childrenBySPI[ev.RemoteSPI] == c {
			delete(s.sc.childrenBySPI, ev.RemoteSPI)
		}
	case child.EventProcedureFinished:
		if st, ok := s.state.(*stateChildProcedureOngoing); ok && st.local && st.child == c {
			st.finished = true
			s.maybeFinishChildProcedure(st)
		}
	case child.EventChildClosed:
		s.removeChild(c)
	case child.EventScheduleRetry:
		if alive {
			req := ev.Request
			s.sched.Schedule(ev.Delay, func() { s.post(&evLocalRequest{req: req}) })
		}
	case child.EventLocalRequest:
		if alive {
			s.handleLocalRequest(ev.Request)
		}
	case child.EventRekeyDeleteTimeout:
		if alive {
			c.RekeyDeleteTimeout(ev.Token)
		}
	case child.EventFatalIkeError:
		s.fatal(ev.Err)
	}
}

func (s *Session) sendChildResponse(payloads message.Payloads) {
	p := s.sc.pending
	if p == nil {
		s.log.Error("Drop child response without pending request")
		return
	}
	s.sc.pending = nil
	s.sendResponse(p.rec, p.exchange, p.messageID, payloads)
	if st, ok := s.state.(*stateChildProcedureOngoing); ok {
		s.maybeFinishChildProcedure(st)
	}
}

func (s *Session) removeChild(c *child.Session) {
	cb := c.Callback()
	if s.sc.children[cb] != c {
		return
	}
	delete(s.sc.children, cb)
	for spi, owner := range s.sc.childrenBySPI {
		if owner == c {
			delete(s.sc.childrenBySPI, spi)
		}
	}
	s.forgetCallback(cb)
}
