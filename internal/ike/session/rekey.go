package session

import (
	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

// ikeOffer is our side of a locally initiated IKE rekey.
type ikeOffer struct {
	spi   uint64
	ni    []byte
	ke    security.KeyExchange
	reqSA *message.SecurityAssociation
}

func (s *Session) newIkeOffer() (*ikeOffer, error) {
	cur := s.sc.current
	spi, err := s.allocateSPI()
	if err != nil {
		return nil, err
	}
	o := &ikeOffer{spi: spi}
	if o.ni, err = security.GenerateNonce(s.deps.Rand); err != nil {
		s.sc.socket.UnregisterSPI(spi)
		return nil, ikeerr.Internal(err)
	}
	if o.ke, err = security.NewKeyExchange(cur.Suite.DhGroup, s.deps.Rand); err != nil {
		s.sc.socket.UnregisterSPI(spi)
		return nil, ikeerr.Internal(err)
	}
	o.reqSA = &message.SecurityAssociation{
		Proposals: []*message.Proposal{cur.Suite.Proposal.Clone(1, sa.IkeSaProposalSPI(spi))},
	}
	return o, nil
}

func (o *ikeOffer) payloads() message.Payloads {
	return message.Payloads{
		o.reqSA,
		&message.Nonce{NonceData: o.ni},
		&message.KeyExchange{DiffieHellmanGroup: o.ke.Group(), KeyExchangeData: o.ke.PublicValue()},
	}
}

// startRekeyIke sends our CREATE_CHILD_SA request rekeying the current IKE
// SA. A failure before anything was sent retries after RetryInterval.
func (s *Session) startRekeyIke() bool {
	cur := s.sc.current
	offer, err := s.newIkeOffer()
	if err != nil {
		s.log.Warnf("Rekey IKE SA: %+v", err)
		cur.RescheduleRekey(RetryInterval)
		return false
	}
	s.log.Infof("Rekeying IKE SA 0x%016x", cur.LocalSPI())
	s.transitionTo(&stateRekeyIkeLocalCreate{offer: offer})
	if err := s.sendRequest(cur, types.CREATE_CHILD_SA, offer.payloads()); err != nil {
		s.abortLocalRekey(offer)
		cur.RescheduleRekey(RetryInterval)
		s.transitionTo(&stateIdle{})
	}
	return true
}

// abortLocalRekey releases the SPI of an offer that did not make an SA.
func (s *Session) abortLocalRekey(offer *ikeOffer) {
	if s.sc.localInitNew != nil && s.sc.localInitNew.LocalSPI() == offer.spi {
		return
	}
	s.sc.socket.UnregisterSPI(offer.spi)
}

func (s *Session) handleRekeyIkeResponse(offer *ikeOffer, msg *message.Message, simul bool) {
	sc := s.sc
	resp := msg.Payloads
	if errs := resp.ErrorNotifies(); len(errs) > 0 {
		n := errs[0]
		s.abortLocalRekey(offer)
		if n.NotifyType == types.INVALID_SYNTAX {
			s.fatal(ikeerr.FromNotify(n.NotifyType, n.NotificationData))
			return
		}
		if n.NotifyType == types.TEMPORARY_FAILURE {
			sc.tempFailure.handle()
		}
		s.log.Infof("Peer refused IKE rekey with %s", n.NotifyType)
		if simul {
			// The peer's own rekey went through, it will delete the old SA
			s.awaitRemoteDelete(&stateRekeyIkeRemoteDelete{})
			return
		}
		sc.current.RescheduleRekey(RetryInterval)
		s.transitionTo(&stateIdle{})
		return
	}
	sc.tempFailure.reset()

	rec, err := s.makeLocalRekeyedSa(offer, resp)
	if err != nil {
		s.abortLocalRekey(offer)
		s.fatal(err)
		return
	}
	if err := sc.addIkeSaRecord(rec); err != nil {
		rec.Close()
		s.fatal(err)
		return
	}
	sc.localInitNew = rec
	if simul {
		s.resolveSimulRekey()
		return
	}
	s.transitionTo(&stateRekeyIkeLocalDelete{})
	if err := s.sendRequest(sc.current, types.INFORMATIONAL, message.Payloads{message.NewDeleteIKE()}); err != nil {
		s.fatal(err)
	}
}

func (s *Session) makeLocalRekeyedSa(offer *ikeOffer, resp message.Payloads) (*sa.IkeSaRecord, error) {
	if resp.SA() == nil || resp.KE() == nil || resp.Nonce() == nil {
		return nil, ikeerr.InvalidSyntax("IKE rekey response misses SA, KE or Nonce")
	}
	chosen, err := security.ValidateResponseProposal(resp.SA(), offer.reqSA)
	if err != nil {
		return nil, err
	}
	rspi, err := sa.RemoteSPIFromProposal(chosen)
	if err != nil {
		return nil, ikeerr.InvalidSyntax("%v", err)
	}
	suite, err := security.NewSuite(chosen)
	if err != nil {
		return nil, err
	}
	if resp.KE().DiffieHellmanGroup != offer.ke.Group() {
		return nil, ikeerr.InvalidSyntax("rekey KE group %d, offered %d", resp.KE().DiffieHellmanGroup, offer.ke.Group())
	}
	shared, err := offer.ke.SharedSecret(resp.KE().KeyExchangeData)
	if err != nil {
		return nil, ikeerr.InvalidSyntax("%v", err)
	}
	rec, err := sa.MakeRekeyedIkeSaRecord(s.sc.current, &sa.IkeSaParams{
		IsLocalInit:  true,
		InitiatorSPI: offer.spi,
		ResponderSPI: rspi,
		Ni:           offer.ni,
		Nr:           resp.Nonce().NonceData,
		SharedKey:    shared,
		Suite:        suite,
		OnClose:      s.releaseSPI(offer.spi),
	})
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	return rec, nil
}

// handleRemoteRekeyIke answers a peer request rekeying the current IKE SA.
// simulOffer is our own outstanding rekey, if any.
func (s *Session) handleRemoteRekeyIke(in *inbound, simulOffer *ikeOffer) {
	sc := s.sc
	resp, rec, err := s.acceptRemoteRekey(in.msg.Payloads)
	if err != nil {
		pe, ok := ikeerr.AsProtocolError(err)
		if !ok {
			s.log.Errorf("Accept IKE rekey: %+v", err)
			pe = ikeerr.NoProposalChosen("internal error")
		}
		s.respond(in, message.Payloads{message.NewNotify(pe.Notify, pe.Data)})
		return
	}
	s.respond(in, resp)
	sc.remoteInitNew = rec
	s.log.Infof("Peer rekeyed IKE SA 0x%016x", sc.current.LocalSPI())
	if simulOffer != nil {
		s.transitionTo(&stateSimulRekeyIkeLocalCreate{offer: simulOffer})
		return
	}
	s.awaitRemoteDelete(&stateRekeyIkeRemoteDelete{})
}

func (s *Session) acceptRemoteRekey(req message.Payloads) (message.Payloads, *sa.IkeSaRecord, error) {
	sc := s.sc
	if req.KE() == nil || req.Nonce() == nil {
		return nil, nil, ikeerr.InvalidSyntax("IKE rekey request misses KE or Nonce")
	}
	acceptable := append([]*message.Proposal{sc.current.Suite.Proposal}, s.params.Proposals...)
	chosen, err := security.SelectProposal(req.SA(), acceptable, types.TypeIKE)
	if err != nil {
		return nil, nil, err
	}
	ispi, err := sa.RemoteSPIFromProposal(chosen)
	if err != nil {
		return nil, nil, ikeerr.InvalidSyntax("%v", err)
	}
	suite, err := security.NewSuite(chosen)
	if err != nil {
		return nil, nil, err
	}
	if req.KE().DiffieHellmanGroup != suite.DhGroup {
		return nil, nil, ikeerr.InvalidKePayload(suite.DhGroup)
	}
	ke, err := security.NewKeyExchange(suite.DhGroup, s.deps.Rand)
	if err != nil {
		return nil, nil, ikeerr.Internal(err)
	}
	shared, err := ke.SharedSecret(req.KE().KeyExchangeData)
	if err != nil {
		return nil, nil, ikeerr.InvalidSyntax("%v", err)
	}
	nr, err := security.GenerateNonce(s.deps.Rand)
	if err != nil {
		return nil, nil, ikeerr.Internal(err)
	}
	spi, err := s.allocateSPI()
	if err != nil {
		return nil, nil, err
	}
	rec, err := sa.MakeRekeyedIkeSaRecord(sc.current, &sa.IkeSaParams{
		IsLocalInit:  false,
		InitiatorSPI: ispi,
		ResponderSPI: spi,
		Ni:           req.Nonce().NonceData,
		Nr:           nr,
		SharedKey:    shared,
		Suite:        suite,
		OnClose:      s.releaseSPI(spi),
	})
	if err != nil {
		sc.socket.UnregisterSPI(spi)
		return nil, nil, ikeerr.Internal(err)
	}
	if err := sc.addIkeSaRecord(rec); err != nil {
		rec.Close()
		return nil, nil, err
	}
	resp := message.Payloads{
		&message.SecurityAssociation{
			Proposals: []*message.Proposal{chosen.Clone(chosen.Number, sa.IkeSaProposalSPI(spi))},
		},
		&message.Nonce{NonceData: nr},
		&message.KeyExchange{DiffieHellmanGroup: ke.Group(), KeyExchangeData: ke.PublicValue()},
	}
	return resp, rec, nil
}

type remoteDeleteState interface {
	state
	setTimer(a *alarm.Alarm)
}

// awaitRemoteDelete enters st, which waits for the peer to delete an SA,
// and assumes the deletion happened after RekeyDeleteTimeout.
func (s *Session) awaitRemoteDelete(st remoteDeleteState) {
	a := s.sched.Schedule(RekeyDeleteTimeout, func() { s.post(&evRekeyDeleteTimeout{token: st}) })
	st.setTimer(a)
	s.transitionTo(st)
}

func (s *Session) handleRekeyDeleteTimeout(token state) {
	if s.state != token {
		return
	}
	s.log.Info("Peer did not delete the replaced IKE SA in time")
	switch token.(type) {
	case *stateRekeyIkeRemoteDelete:
		s.finishRekey(s.sc.remoteInitNew, s.sc.current)
	case *stateSimulRekeyIkeRemoteDelete:
		s.finishSimulRekey()
	}
}

// resolveSimulRekey decides which of the two new SAs survives. Both peers
// reach the same result: the SA holding the lowest nonce is deleted by its
// creator, and the winner's creator deletes the old SA.
func (s *Session) resolveSimulRekey() {
	sc := s.sc
	if sc.localInitNew.CompareTo(sc.remoteInitNew) > 0 {
		sc.surviving = sc.localInitNew
		sc.awaitingLocalDel = sc.current
		sc.awaitingRemoteDel = sc.remoteInitNew
	} else {
		sc.surviving = sc.remoteInitNew
		sc.awaitingLocalDel = sc.localInitNew
		sc.awaitingRemoteDel = sc.current
	}
	s.log.Infof("Simultaneous rekey resolved, IKE SA 0x%016x survives", sc.surviving.LocalSPI())
	s.transitionTo(&stateSimulRekeyIkeLocalDeleteRemoteDelete{})
	if err := s.sendRequest(sc.awaitingLocalDel, types.INFORMATIONAL, message.Payloads{message.NewDeleteIKE()}); err != nil {
		s.fatal(err)
	}
}

// finishRekey replaces old with rec and returns to Idle.
func (s *Session) finishRekey(rec, old *sa.IkeSaRecord) {
	sc := s.sc
	s.stopRetransmitter()
	if old != rec {
		sc.removeIkeSaRecord(old)
	}
	s.adoptIkeSa(rec)
	sc.localInitNew, sc.remoteInitNew = nil, nil
	s.transitionTo(&stateIdle{})
}

func (s *Session) finishSimulRekey() {
	sc := s.sc
	s.stopRetransmitter()
	sc.removeIkeSaRecord(sc.awaitingLocalDel)
	sc.removeIkeSaRecord(sc.awaitingRemoteDel)
	s.adoptIkeSa(sc.surviving)
	sc.localInitNew, sc.remoteInitNew = nil, nil
	sc.surviving, sc.awaitingLocalDel, sc.awaitingRemoteDel = nil, nil, nil
	s.transitionTo(&stateIdle{})
}

// adoptIkeSa makes rec the current IKE SA and hands its SK_d to the
// children.
func (s *Session) adoptIkeSa(rec *sa.IkeSaRecord) {
	sc := s.sc
	sc.current = rec
	sc.ikeCtx.Prf = rec.Suite.Prf
	for _, c := range sc.children {
		c.SetSkD(rec.SkD)
	}
	s.startIkeLifetime(rec)
	s.log.Infof("IKE SA 0x%016x is now current", rec.LocalSPI())
}
