package session

import (
	"github.com/syujy/ikesess/internal/ike/codec"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/retransmit"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/types"
)

func (s *Session) encode(rec *sa.IkeSaRecord, exchange types.ExchangeType, isResp bool, messageID uint32,
	payloads message.Payloads) ([][]byte, error) {
	msg := message.NewMessage(rec.InitiatorSPI, rec.ResponderSPI, exchange, isResp, rec.IsLocalInit,
		messageID, payloads...)
	packets, err := codec.EncodeEncrypted(msg, rec.Keys(), s.deps.Rand, codec.DefaultFragmentSize,
		s.sc.fragmentation)
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	return packets, nil
}

func (s *Session) sendPackets(packets [][]byte) {
	for _, p := range packets {
		s.sc.socket.Send(p, s.sc.remoteAddr)
	}
}

// sendRequest protects a request on rec and transmits it until the response
// arrives. Only one request may be outstanding.
func (s *Session) sendRequest(rec *sa.IkeSaRecord, exchange types.ExchangeType, payloads message.Payloads) error {
	packets, err := s.encode(rec, exchange, false, rec.LocalRequestMessageID(), payloads)
	if err != nil {
		return err
	}
	s.log.Debugf("Send %s request %d on IKE SA 0x%016x", exchange, rec.LocalRequestMessageID(), rec.LocalSPI())
	s.startRetransmitter(func() { s.sendPackets(packets) })
	s.sc.requestRec = rec
	return nil
}

func (s *Session) startRetransmitter(send func()) {
	s.stopRetransmitter()
	s.sc.retransmitter = retransmit.New(retransmit.Config{
		Scheduler: s.sched,
		Timeouts:  s.params.RetransmitTimeouts,
		Send:      send,
		Fire:      func(r *retransmit.Retransmitter) { s.post(&evRetransmit{r: r}) },
		Exhausted: s.onRetransmitExhausted,
	})
	s.sc.retransmitter.Start()
}

// stopRetransmitter is called once the response of the outstanding request
// was accepted.
func (s *Session) stopRetransmitter() {
	if s.sc.retransmitter != nil {
		s.sc.retransmitter.Stop()
		s.sc.retransmitter = nil
	}
	s.sc.requestRec = nil
}

func (s *Session) requestOutstanding() bool {
	return s.sc.retransmitter != nil
}

// sendResponse answers request messageID on rec and caches the packets for
// retransmitted copies of the request.
func (s *Session) sendResponse(rec *sa.IkeSaRecord, exchange types.ExchangeType, messageID uint32,
	payloads message.Payloads) {
	packets, err := s.encode(rec, exchange, true, messageID, payloads)
	if err != nil {
		s.log.Errorf("Encode %s response: %+v", exchange, err)
		return
	}
	rec.UpdateLastSentResponse(packets)
	s.sendPackets(packets)
}

func (s *Session) onRetransmitExhausted() {
	s.log.Warnf("Retransmission exhausted in state %s", s.state)
	s.sc.retransmitter = nil
	s.sc.requestRec = nil
	switch st := s.state.(type) {
	case *stateRekeyIkeLocalCreate:
		s.abortLocalRekey(st.offer)
		s.sc.current.RescheduleRekey(RetryInterval)
		s.transitionTo(&stateIdle{})
	case *stateRekeyIkeLocalDelete:
		s.finishRekey(s.sc.localInitNew, s.sc.current)
	case *stateSimulRekeyIkeLocalDeleteRemoteDelete, *stateSimulRekeyIkeLocalDelete:
		s.finishSimulRekey()
	case *stateDeleteIkeLocalDelete:
		s.quit(nil)
	default:
		s.fatal(ikeerr.Internal(ikeerr.ErrRetransmitExhausted))
	}
}
