package child

import (
	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/types"
)

type state interface {
	String() string
}

type stateInitial struct{}

// stateCreateLocal waits for the response to our creation request. first is
// set when the request rides in IKE_AUTH.
type stateCreateLocal struct {
	first bool
	offer *offer
}

type stateIdle struct{}

// stateDeleteLocal waits for the response to our Delete. simultaneous is set
// once the peer asked to delete the same SA.
type stateDeleteLocal struct {
	simultaneous bool
}

type stateRekeyLocalCreate struct {
	offer *offer
}

// stateRekeyLocalDelete waits for the response to the Delete of the SA we
// just replaced by next.
type stateRekeyLocalDelete struct {
	next *childSa
}

// stateRekeyRemoteDelete waits for the peer to delete the SA it replaced by
// next.
type stateRekeyRemoteDelete struct {
	next  *childSa
	timer *alarm.Alarm
}

type stateClosed struct{}

func (*stateInitial) String() string           { return "Initial" }
func (*stateCreateLocal) String() string       { return "CreateChildLocalCreate" }
func (*stateIdle) String() string              { return "Idle" }
func (*stateDeleteLocal) String() string       { return "DeleteChildLocalDelete" }
func (*stateRekeyLocalCreate) String() string  { return "RekeyChildLocalCreate" }
func (*stateRekeyLocalDelete) String() string  { return "RekeyChildLocalDelete" }
func (*stateRekeyRemoteDelete) String() string { return "RekeyChildRemoteDelete" }
func (*stateClosed) String() string            { return "Closed" }

func (c *Session) transitionTo(next state) {
	if st, ok := c.state.(*stateRekeyRemoteDelete); ok {
		st.timer.Cancel()
	}
	c.log.Debugf("%s -> %s", c.state, next)
	c.state = next
}

func (c *Session) send(exchange types.ExchangeType, isResp bool, payloads message.Payloads) {
	c.post(Event{Kind: EventOutboundPayloads, Exchange: exchange, IsResp: isResp, Payloads: payloads})
}

func (c *Session) finishProcedure() {
	c.post(Event{Kind: EventProcedureFinished})
}

// retryLater hands a local request back to the IKE session when it can't be
// served in the current state.
func (c *Session) retryLater(p scheduler.Procedure) {
	c.log.Infof("%s deferred in state %s", p, c.state)
	c.post(Event{Kind: EventScheduleRetry, Delay: RetryInterval, Request: &scheduler.LocalRequest{
		Procedure:      p,
		TargetChildSPI: c.RemoteSPI(),
		Child:          c.cb,
	}})
	c.finishProcedure()
}

// liveSAs lists the records owned by the current state.
func (c *Session) liveSAs() []*childSa {
	all := []*childSa{c.current}
	switch st := c.state.(type) {
	case *stateRekeyLocalDelete:
		all = append(all, st.next)
	case *stateRekeyRemoteDelete:
		all = append(all, st.next)
	}
	return all
}

// closeSession releases every record and reports the closure. A nil err is
// a normal close. procedure is set when a local procedure ends with it.
func (c *Session) closeSession(err error, procedure bool) {
	if c.Closed() {
		return
	}
	for _, s := range c.liveSAs() {
		c.release(s)
	}
	c.transitionTo(&stateClosed{})
	if err != nil {
		c.log.Warnf("Child session closed: %+v", err)
		c.cb.OnClosedExceptionally(ikeerr.WrapForCaller(err))
	} else {
		c.log.Infoln("Child session closed")
		c.cb.OnClosed()
	}
	if procedure {
		c.finishProcedure()
	}
	c.post(Event{Kind: EventChildClosed})
}

func (c *Session) configuration() *Configuration {
	r := c.current.rec
	return &Configuration{
		Proposal:    r.Suite.Proposal,
		LocalTS:     r.LocalTS,
		RemoteTS:    r.RemoteTS,
		Transport:   r.Transport,
		InboundSPI:  r.LocalSPI,
		OutboundSPI: r.RemoteSPI,
	}
}

// FirstChildRequestPayloads returns the SA, TSi and TSr payloads of the
// first Child SA, negotiated within IKE_AUTH without PFS.
func (c *Session) FirstChildRequestPayloads(ike *IkeContext, skD []byte) (message.Payloads, error) {
	if _, ok := c.state.(*stateInitial); !ok {
		return nil, ikeerr.ErrIllegalState
	}
	c.ike = ike
	c.SetSkD(skD)
	o, err := c.newOffer(c.params.Proposals, true)
	if err != nil {
		return nil, err
	}
	tsi, tsr := tsPayloads(c.localTS, c.remoteTS)
	payloads := message.Payloads{o.reqSA, tsi, tsr}
	if c.params.Transport {
		payloads = append(payloads, message.NewNotify(types.USE_TRANSPORT_MODE, nil))
	}
	c.transitionTo(&stateCreateLocal{first: true, offer: o})
	return payloads, nil
}

// HandleFirstChildExchange completes the first Child SA from the IKE_AUTH
// response. ni and nr are the nonces of IKE_SA_INIT, skD the SK_d of the
// new IKE SA.
func (c *Session) HandleFirstChildExchange(resp message.Payloads, ni, nr, skD []byte) {
	st, ok := c.state.(*stateCreateLocal)
	if !ok || !st.first {
		c.log.Errorf("Unexpected first child completion in state %s", c.state)
		return
	}
	c.SetSkD(skD)
	st.offer.ni = ni
	c.completeCreate(st, resp, nr)
}

// CreateChildSession starts a CREATE_CHILD_SA exchange for an additional
// Child SA.
func (c *Session) CreateChildSession(ike *IkeContext, skD []byte) {
	if _, ok := c.state.(*stateInitial); !ok {
		c.log.Errorf("Create child in state %s", c.state)
		c.finishProcedure()
		return
	}
	c.ike = ike
	c.SetSkD(skD)
	o, err := c.newOffer(c.params.Proposals, false)
	if err == nil {
		var payloads message.Payloads
		if payloads, err = c.requestPayloads(o); err == nil {
			c.transitionTo(&stateCreateLocal{offer: o})
			c.send(types.CREATE_CHILD_SA, false, payloads)
			return
		}
	}
	c.closeSession(err, true)
}

func (c *Session) completeCreate(st *stateCreateLocal, resp message.Payloads, nr []byte) {
	s, err := c.negotiateAsInitiator(st.offer, resp, nr)
	if err != nil {
		c.log.Errorf("Child SA negotiation failed: %+v", err)
		c.closeSession(err, true)
		return
	}
	c.current = s
	c.localTS, c.remoteTS = s.rec.LocalTS, s.rec.RemoteTS
	c.notifyCreated(s, DirectionIn)
	c.notifyCreated(s, DirectionOut)
	c.startLifetime(s)
	c.transitionTo(&stateIdle{})
	c.cb.OnOpened(c.configuration())
	c.finishProcedure()
}

// DeleteChildSession starts deleting the Child SA.
func (c *Session) DeleteChildSession() {
	switch c.state.(type) {
	case *stateInitial:
		c.closeSession(nil, true)
	case *stateIdle:
		c.transitionTo(&stateDeleteLocal{})
		c.send(types.INFORMATIONAL, false, message.Payloads{message.NewDeleteChild(c.current.rec.LocalSPI)})
	case *stateClosed:
		c.finishProcedure()
	default:
		c.retryLater(scheduler.ProcedureDeleteChild)
	}
}

// RekeyChildSession starts rekeying the current Child SA with the proposal
// it was negotiated with.
func (c *Session) RekeyChildSession() {
	switch c.state.(type) {
	case *stateIdle:
	case *stateClosed:
		c.finishProcedure()
		return
	default:
		c.retryLater(scheduler.ProcedureRekeyChild)
		return
	}
	o, err := c.newOffer([]*message.Proposal{c.current.rec.Suite.Proposal}, false)
	if err == nil {
		var payloads message.Payloads
		if payloads, err = c.requestPayloads(o); err == nil {
			payloads = append(payloads, message.NewChildNotify(types.REKEY_SA, c.current.rec.LocalSPI, nil))
			c.transitionTo(&stateRekeyLocalCreate{offer: o})
			c.send(types.CREATE_CHILD_SA, false, payloads)
			return
		}
	}
	c.closeSession(err, true)
}

// KillSession releases everything without telling the peer.
func (c *Session) KillSession() {
	c.closeSession(nil, false)
}

// ReceiveRequest handles a request the IKE session routed to this child.
// Every call posts exactly one response.
func (c *Session) ReceiveRequest(subtype message.ExchangeSubtype, exchange types.ExchangeType,
	payloads message.Payloads) {
	respond := func(p message.Payloads) { c.send(exchange, true, p) }
	tempFailure := message.Payloads{message.NewNotify(types.TEMPORARY_FAILURE, nil)}
	targets := deleteTargets(payloads)

	switch st := c.state.(type) {
	case *stateIdle:
		switch subtype {
		case message.SubtypeDeleteChild:
			respond(message.Payloads{message.NewDeleteChild(c.current.rec.LocalSPI)})
			c.post(Event{Kind: EventSaDeleted, RemoteSPI: c.current.rec.RemoteSPI})
			c.closeSession(nil, false)
		case message.SubtypeRekeyChild:
			c.handleRemoteRekey(payloads, respond)
		default:
			respond(message.Payloads{message.NewNotify(types.INVALID_SYNTAX, nil)})
		}

	case *stateDeleteLocal:
		if subtype == message.SubtypeDeleteChild {
			st.simultaneous = true
			respond(nil)
			return
		}
		respond(tempFailure)

	case *stateCreateLocal:
		respond(tempFailure)

	case *stateRekeyLocalCreate:
		if subtype == message.SubtypeDeleteChild && containsSPI(targets, c.current.rec.RemoteSPI) {
			respond(message.Payloads{message.NewDeleteChild(c.current.rec.LocalSPI)})
			c.closeSession(nil, true)
			return
		}
		respond(tempFailure)

	case *stateRekeyLocalDelete:
		switch {
		case subtype == message.SubtypeDeleteChild && containsSPI(targets, st.next.rec.RemoteSPI):
			respond(message.Payloads{message.NewDeleteChild(st.next.rec.LocalSPI)})
			c.closeSession(nil, true)
		case subtype == message.SubtypeDeleteChild:
			// We are deleting the old SA already.
			respond(nil)
		default:
			respond(tempFailure)
		}

	case *stateRekeyRemoteDelete:
		switch {
		case subtype == message.SubtypeDeleteChild && containsSPI(targets, st.next.rec.RemoteSPI):
			respond(message.Payloads{message.NewDeleteChild(st.next.rec.LocalSPI)})
			c.closeSession(nil, false)
		case subtype == message.SubtypeDeleteChild:
			respond(message.Payloads{message.NewDeleteChild(c.current.rec.LocalSPI)})
			c.finishRemoteRekey(st)
		default:
			respond(tempFailure)
		}

	default:
		respond(message.Payloads{message.NewNotify(types.CHILD_SA_NOT_FOUND, nil)})
	}
}

func (c *Session) handleRemoteRekey(payloads message.Payloads, respond func(message.Payloads)) {
	next, resp, err := c.negotiateAsResponder(payloads)
	if err != nil {
		c.log.Warnf("Reject rekey request: %+v", err)
		respond(errorPayloads(err))
		return
	}
	c.post(Event{Kind: EventSaCreated, RemoteSPI: next.rec.RemoteSPI})
	respond(resp)
	c.notifyCreated(next, DirectionIn)
	c.startLifetime(next)
	st := &stateRekeyRemoteDelete{next: next}
	c.transitionTo(st)
	st.timer = c.sched.Schedule(RekeyDeleteTimeout, func() {
		c.post(Event{Kind: EventRekeyDeleteTimeout, Token: st})
	})
}

// RekeyDeleteTimeout gives up waiting for the peer to delete the SA it
// rekeyed. token identifies the wait the timer was armed for.
func (c *Session) RekeyDeleteTimeout(token interface{}) {
	st, ok := c.state.(*stateRekeyRemoteDelete)
	if !ok || st != token {
		return
	}
	c.log.Infoln("Peer did not delete the rekeyed Child SA, deleting it locally")
	c.finishRemoteRekey(st)
}

func (c *Session) finishRemoteRekey(st *stateRekeyRemoteDelete) {
	old := c.current
	c.notifyCreated(st.next, DirectionOut)
	c.post(Event{Kind: EventSaDeleted, RemoteSPI: old.rec.RemoteSPI})
	c.release(old)
	c.current = st.next
	c.transitionTo(&stateIdle{})
}

// ReceiveResponse handles the response to the last request this child sent.
func (c *Session) ReceiveResponse(exchange types.ExchangeType, payloads message.Payloads) {
	if n := payloads.Notify(types.INVALID_SYNTAX); n != nil {
		// The IKE SA is unusable, its session tears every child down.
		c.log.Errorf("Peer answered %s with INVALID_SYNTAX in state %s", exchange, c.state)
		c.post(Event{Kind: EventFatalIkeError, Err: ikeerr.FromNotify(n.NotifyType, n.NotificationData)})
		return
	}
	switch st := c.state.(type) {
	case *stateCreateLocal:
		if st.first {
			c.log.Warnln("Unexpected response while creating the first Child SA")
			return
		}
		c.completeCreate(st, payloads, nil)

	case *stateRekeyLocalCreate:
		c.completeLocalRekey(st, payloads)

	case *stateDeleteLocal:
		if st.simultaneous || len(deleteTargets(payloads)) > 0 {
			c.closeSession(nil, true)
			return
		}
		c.closeSession(ikeerr.InvalidSyntax("Delete response without Delete payload"), true)

	case *stateRekeyLocalDelete:
		// The old SA goes away whatever the peer answered.
		old := c.current
		c.post(Event{Kind: EventSaDeleted, RemoteSPI: old.rec.RemoteSPI})
		c.release(old)
		c.current = st.next
		c.transitionTo(&stateIdle{})
		c.finishProcedure()

	default:
		c.log.Warnf("Drop %s response in state %s", exchange, c.state)
	}
}

func (c *Session) completeLocalRekey(st *stateRekeyLocalCreate, resp message.Payloads) {
	if errs := resp.ErrorNotifies(); len(errs) > 0 {
		c.log.Warnf("Rekey refused with %s, retry in %s", errs[0].NotifyType, RetryInterval)
		c.current.rec.RescheduleRekey(RetryInterval)
		c.transitionTo(&stateIdle{})
		c.finishProcedure()
		return
	}
	next, err := c.negotiateAsInitiator(st.offer, resp, nil)
	if err != nil {
		c.log.Errorf("Rekey Child SA failed: %+v", err)
		c.closeSession(err, true)
		return
	}
	c.notifyCreated(next, DirectionIn)
	c.notifyCreated(next, DirectionOut)
	c.startLifetime(next)
	c.transitionTo(&stateRekeyLocalDelete{next: next})
	c.send(types.INFORMATIONAL, false, message.Payloads{message.NewDeleteChild(c.current.rec.LocalSPI)})
}
