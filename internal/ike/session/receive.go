package session

import (
	"github.com/syujy/ikesess/internal/ike/codec"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/transport"
	"github.com/syujy/ikesess/internal/ike/types"
)

func (s *Session) handlePacket(p *transport.Packet) {
	h, err := message.ParseHeader(p.Payload)
	if err != nil {
		s.log.Debugf("Drop packet from %s: %v", p.RemoteAddr, err)
		return
	}
	if h.ExchangeType == types.IKE_SA_INIT {
		st, ok := s.state.(*stateCreateIkeLocalIkeInit)
		if !ok || !h.IsResponse() || h.InitiatorSPI != st.init.spi || h.MessageID != 0 {
			s.log.Debugf("Drop IKE_SA_INIT message in state %s", s.state)
			return
		}
		s.handleInitResponse(st, p.Payload)
		return
	}
	rec, ok := s.sc.records[h.ReceiverSPI()]
	if !ok {
		s.log.Debugf("Drop packet for unknown IKE SA 0x%016x", h.ReceiverSPI())
		return
	}
	if h.IsResponse() {
		s.handleResponsePacket(rec, h, p.Payload)
	} else {
		s.handleRequestPacket(rec, h, p.Payload)
	}
}

func (s *Session) handleResponsePacket(rec *sa.IkeSaRecord, h *message.Header, packet []byte) {
	if rec.IsDuplicateResponse(h.MessageID) {
		s.log.Debugf("Discard duplicate %s response %d", h.ExchangeType, h.MessageID)
		return
	}
	expected := rec.LocalRequestMessageID()
	if h.MessageID != expected || !s.requestOutstanding() || rec != s.sc.requestRec {
		s.log.Debugf("Drop unexpected %s response %d", h.ExchangeType, h.MessageID)
		return
	}
	res := codec.Decode(expected, rec.Keys(), packet, &rec.ResponseFragments)
	switch res.Status {
	case codec.StatusPartial:
	case codec.StatusUnprotectedError:
		s.log.Warnf("Drop %s response %d: %v", h.ExchangeType, h.MessageID, res.Err)
	case codec.StatusProtectedError:
		rec.IncrementLocalRequestMessageID()
		s.stopRetransmitter()
		s.fatal(res.Err)
	default:
		rec.IncrementLocalRequestMessageID()
		s.stopRetransmitter()
		s.log.Debugf("Received %s response %d in state %s", h.ExchangeType, h.MessageID, s.state)
		s.onResponse(rec, res.Message)
	}
}

func (s *Session) handleRequestPacket(rec *sa.IkeSaRecord, h *message.Header, packet []byte) {
	if rec.IsRetransmittedRequest(h.MessageID, packet) {
		if cached := rec.LastSentResponse(); cached != nil {
			s.log.Debugf("Answer retransmitted %s request %d", h.ExchangeType, h.MessageID)
			s.sendPackets(cached)
		}
		return
	}
	expected := rec.RemoteRequestMessageID()
	if h.MessageID != expected {
		s.log.Debugf("Drop %s request %d, expecting %d", h.ExchangeType, h.MessageID, expected)
		return
	}
	res := codec.Decode(expected, rec.Keys(), packet, &rec.RequestFragments)
	switch res.Status {
	case codec.StatusPartial:
	case codec.StatusUnprotectedError:
		s.log.Warnf("Drop %s request %d: %v", h.ExchangeType, h.MessageID, res.Err)
	case codec.StatusProtectedError:
		rec.UpdateLastReceivedRequest(res.FirstPacket)
		rec.IncrementRemoteRequestMessageID()
		pe, ok := ikeerr.AsProtocolError(res.Err)
		if !ok {
			pe = ikeerr.InvalidSyntax("%v", res.Err)
		}
		s.log.Warnf("Invalid %s request %d: %v", h.ExchangeType, h.MessageID, pe)
		s.sendResponse(rec, h.ExchangeType, h.MessageID,
			message.Payloads{message.NewNotify(pe.Notify, pe.Data)})
		if pe.Notify == types.INVALID_SYNTAX {
			s.quit(pe)
		}
	default:
		rec.UpdateLastReceivedRequest(res.FirstPacket)
		rec.IncrementRemoteRequestMessageID()
		rec.UpdateLastSentResponse(nil)
		s.log.Debugf("Received %s request %d in state %s", h.ExchangeType, h.MessageID, s.state)
		s.onRequest(rec, res.Message)
	}
}

// inbound is a decoded request together with the SA it arrived on.
type inbound struct {
	rec     *sa.IkeSaRecord
	msg     *message.Message
	subtype message.ExchangeSubtype
}

func (in *inbound) deletes(rec *sa.IkeSaRecord) bool {
	return in.subtype == message.SubtypeDeleteIke && in.rec == rec
}

func (s *Session) respond(in *inbound, payloads message.Payloads) {
	s.sendResponse(in.rec, in.msg.ExchangeType, in.msg.MessageID, payloads)
}

func (s *Session) respondNotify(in *inbound, t types.NotifyType) {
	s.respond(in, message.Payloads{message.NewNotify(t, nil)})
}

func (s *Session) onRequest(rec *sa.IkeSaRecord, msg *message.Message) {
	in := &inbound{rec: rec, msg: msg, subtype: msg.Subtype()}
	switch st := s.state.(type) {
	case *stateIdle:
		s.transitionTo(&stateReceiving{})
		s.handleRequestInReceiving(in)
	case *stateChildProcedureOngoing:
		switch in.subtype {
		case message.SubtypeRekeyChild, message.SubtypeDeleteChild:
			s.routeChildRequest(in)
		case message.SubtypeRekeyIke:
			s.respondNotify(in, types.TEMPORARY_FAILURE)
		default:
			s.handleCommonRequest(in)
		}
	case *stateRekeyIkeLocalCreate:
		if in.subtype == message.SubtypeRekeyIke && rec == s.sc.current {
			s.handleRemoteRekeyIke(in, st.offer)
			return
		}
		s.handleRequestDuringIkeProcedure(in)
	case *stateSimulRekeyIkeLocalCreate:
		if in.deletes(s.sc.remoteInitNew) {
			// The peer lost the collision before our response came in
			s.respond(in, nil)
			s.sc.removeIkeSaRecord(s.sc.remoteInitNew)
			s.sc.remoteInitNew = nil
			s.transitionTo(&stateRekeyIkeLocalCreate{offer: st.offer})
			return
		}
		s.handleRequestDuringIkeProcedure(in)
	case *stateSimulRekeyIkeLocalDeleteRemoteDelete:
		if in.deletes(s.sc.awaitingRemoteDel) {
			s.respond(in, nil)
			s.transitionTo(&stateSimulRekeyIkeLocalDelete{})
			return
		}
		s.handleRequestDuringIkeProcedure(in)
	case *stateSimulRekeyIkeRemoteDelete:
		if in.deletes(s.sc.awaitingRemoteDel) {
			s.respond(in, nil)
			s.finishSimulRekey()
			return
		}
		s.handleRequestDuringIkeProcedure(in)
	case *stateRekeyIkeLocalDelete:
		if in.deletes(s.sc.current) {
			s.respond(in, nil)
			s.finishRekey(s.sc.localInitNew, s.sc.current)
			return
		}
		s.handleRequestDuringIkeProcedure(in)
	case *stateRekeyIkeRemoteDelete:
		if in.deletes(s.sc.current) {
			s.respond(in, nil)
			s.finishRekey(s.sc.remoteInitNew, s.sc.current)
			return
		}
		s.handleRequestDuringIkeProcedure(in)
	case *stateDeleteIkeLocalDelete, *stateDpdIkeLocalInfo:
		s.handleRequestDuringIkeProcedure(in)
	case *stateCreateIkeLocalIkeAuth, *stateCreateIkeLocalIkeAuthInEap, *stateCreateIkeLocalIkeAuthPostEap:
		s.handleRequestDuringAuth(in)
	default:
		s.log.Warnf("Drop %s request in state %s", in.subtype, s.state)
	}
}

func (s *Session) handleRequestInReceiving(in *inbound) {
	switch in.subtype {
	case message.SubtypeRekeyIke:
		s.handleRemoteRekeyIke(in, nil)
	case message.SubtypeRekeyChild, message.SubtypeDeleteChild:
		s.routeChildRequest(in)
	default:
		s.handleCommonRequest(in)
	}
	if _, ok := s.state.(*stateReceiving); ok {
		s.transitionTo(&stateIdle{})
	}
}

// handleRequestDuringIkeProcedure refuses everything that would change the
// SAs while an IKE procedure is ongoing.
func (s *Session) handleRequestDuringIkeProcedure(in *inbound) {
	switch in.subtype {
	case message.SubtypeRekeyIke, message.SubtypeRekeyChild, message.SubtypeDeleteChild:
		s.respondNotify(in, types.TEMPORARY_FAILURE)
	default:
		s.handleCommonRequest(in)
	}
}

// handleRequestDuringAuth answers the peer while IKE_AUTH is not done. The
// message ID is already consumed so every request gets a response.
func (s *Session) handleRequestDuringAuth(in *inbound) {
	switch in.subtype {
	case message.SubtypeDeleteIke:
		s.respond(in, nil)
		s.log.Info("Peer deleted the IKE SA before IKE_AUTH completed")
		s.quit(ikeerr.Internalf("IKE SA deleted by peer during %s", s.state))
	case message.SubtypeGenericInfo:
		s.respond(in, nil)
	default:
		s.respondNotify(in, types.TEMPORARY_FAILURE)
	}
}

// handleCommonRequest answers the requests handled the same way in every
// established state.
func (s *Session) handleCommonRequest(in *inbound) {
	switch in.subtype {
	case message.SubtypeDeleteIke:
		s.respond(in, nil)
		if in.rec != s.sc.current {
			s.log.Warnf("Peer deleted IKE SA 0x%016x", in.rec.LocalSPI())
			return
		}
		s.log.Info("Peer deleted the IKE SA")
		s.quit(nil)
	case message.SubtypeGenericInfo:
		s.respond(in, nil)
	case message.SubtypeCreateChild:
		s.log.Info("Refuse Child SA creation requested by peer")
		s.respondNotify(in, types.NO_ADDITIONAL_SAS)
	case message.SubtypeInvalid:
		s.respondNotify(in, types.INVALID_SYNTAX)
		s.quit(ikeerr.InvalidSyntax("unrecognized %s request", in.msg.ExchangeType))
	default:
		s.respondNotify(in, types.TEMPORARY_FAILURE)
	}
}

func (s *Session) onResponse(rec *sa.IkeSaRecord, msg *message.Message) {
	switch st := s.state.(type) {
	case *stateCreateIkeLocalIkeAuth:
		s.handleAuthResponse(st.auth, msg)
	case *stateCreateIkeLocalIkeAuthInEap:
		s.handleEapResponse(st.auth, msg)
	case *stateCreateIkeLocalIkeAuthPostEap:
		s.handlePostEapResponse(st, msg)
	case *stateChildProcedureOngoing:
		s.handleChildResponse(st, msg)
	case *stateRekeyIkeLocalCreate:
		s.handleRekeyIkeResponse(st.offer, msg, false)
	case *stateSimulRekeyIkeLocalCreate:
		s.handleRekeyIkeResponse(st.offer, msg, true)
	case *stateRekeyIkeLocalDelete:
		s.finishRekey(s.sc.localInitNew, s.sc.current)
	case *stateSimulRekeyIkeLocalDeleteRemoteDelete:
		s.awaitRemoteDelete(&stateSimulRekeyIkeRemoteDelete{})
	case *stateSimulRekeyIkeLocalDelete:
		s.finishSimulRekey()
	case *stateDeleteIkeLocalDelete:
		s.quit(nil)
	case *stateDpdIkeLocalInfo:
		s.transitionTo(&stateIdle{})
	default:
		s.log.Warnf("Drop %s response in state %s", msg.ExchangeType, s.state)
	}
}
