package child

import (
	"encoding/binary"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

func spiBytes(spi uint32) []byte {
	b := make([]byte, types.ChildSpiSize)
	binary.BigEndian.PutUint32(b, spi)
	return b
}

// buildSA numbers the proposals from 1 and stamps them with spi.
func buildSA(proposals []*message.Proposal, spi uint32, withoutDH bool) *message.SecurityAssociation {
	out := new(message.SecurityAssociation)
	for i, p := range proposals {
		c := p.Clone(uint8(i+1), spiBytes(spi))
		c.ProtocolID = types.TypeESP
		if withoutDH {
			c.DiffieHellmanGroup = nil
		}
		out.Proposals = append(out.Proposals, c)
	}
	return out
}

// firstDhGroup is the group a KE payload is sent for, DH_NONE without PFS.
func firstDhGroup(offered *message.SecurityAssociation) uint16 {
	if len(offered.Proposals) == 0 || len(offered.Proposals[0].DiffieHellmanGroup) == 0 {
		return types.DH_NONE
	}
	return offered.Proposals[0].DiffieHellmanGroup[0].ID
}

func tsPayloads(initiatorSide, responderSide []*message.IndividualTrafficSelector) (*message.TrafficSelector,
	*message.TrafficSelector) {
	return &message.TrafficSelector{Initiator: true, Selectors: initiatorSide},
		&message.TrafficSelector{Initiator: false, Selectors: responderSide}
}

// tsAcceptable reports whether each selector of got lies within one of ours.
func tsAcceptable(got *message.TrafficSelector, ours []*message.IndividualTrafficSelector) bool {
	if got == nil || len(got.Selectors) == 0 {
		return false
	}
	for _, g := range got.Selectors {
		covered := false
		for _, o := range ours {
			if o.Contains(g) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// offer is what we sent in a CREATE_CHILD_SA or IKE_AUTH request.
type offer struct {
	localSPI uint32
	reqSA    *message.SecurityAssociation
	ni       []byte
	ke       security.KeyExchange
}

func (c *Session) newOffer(proposals []*message.Proposal, withoutDH bool) (*offer, error) {
	spi, err := security.GenerateChildSPI(c.rand)
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	o := &offer{localSPI: spi, reqSA: buildSA(proposals, spi, withoutDH)}
	return o, nil
}

// requestPayloads builds SA, Ni, [KE,] TSi, TSr of a CREATE_CHILD_SA request.
func (c *Session) requestPayloads(o *offer) (message.Payloads, error) {
	ni, err := security.GenerateNonce(c.rand)
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	o.ni = ni
	payloads := message.Payloads{o.reqSA, &message.Nonce{NonceData: ni}}
	if group := firstDhGroup(o.reqSA); group != types.DH_NONE {
		ke, err := security.NewKeyExchange(group, c.rand)
		if err != nil {
			return nil, ikeerr.Internal(err)
		}
		o.ke = ke
		payloads = append(payloads, &message.KeyExchange{
			DiffieHellmanGroup: group,
			KeyExchangeData:    ke.PublicValue(),
		})
	}
	tsi, tsr := tsPayloads(c.localTS, c.remoteTS)
	payloads = append(payloads, tsi, tsr)
	if c.params.Transport {
		payloads = append(payloads, message.NewNotify(types.USE_TRANSPORT_MODE, nil))
	}
	return payloads, nil
}

// negotiateAsInitiator validates a response to our offer and derives the new
// Child SA. EventSaCreated is posted as soon as the peer's SPI is known, and
// undone with EventSaDeleted if a later check fails. nr is given for the
// first child, whose nonces belong to the IKE_SA_INIT exchange.
func (c *Session) negotiateAsInitiator(o *offer, resp message.Payloads, nr []byte) (*childSa, error) {
	if errs := resp.ErrorNotifies(); len(errs) > 0 {
		return nil, ikeerr.FromNotify(errs[0].NotifyType, errs[0].NotificationData)
	}
	respSA := resp.SA()
	if respSA == nil {
		return nil, ikeerr.InvalidSyntax("Responder doesn't send SA")
	}
	chosen, err := security.ValidateResponseProposal(respSA, o.reqSA)
	if err != nil {
		return nil, err
	}
	remoteSPI := chosen.ChildSPI()
	if remoteSPI == 0 {
		return nil, ikeerr.InvalidSyntax("Responder sends invalid Child SA SPI")
	}
	c.post(Event{Kind: EventSaCreated, RemoteSPI: remoteSPI})

	r, err := c.finishInitiator(o, chosen, resp, nr)
	if err != nil {
		c.post(Event{Kind: EventSaDeleted, RemoteSPI: remoteSPI})
		return nil, err
	}
	return r, nil
}

func (c *Session) finishInitiator(o *offer, chosen *message.Proposal, resp message.Payloads,
	nr []byte) (*childSa, error) {
	if nr == nil {
		nonce := resp.Nonce()
		if nonce == nil {
			return nil, ikeerr.InvalidSyntax("Responder doesn't send Nr")
		}
		nr = nonce.NonceData
	}
	tsi, tsr := resp.TSi(), resp.TSr()
	if tsi == nil || tsr == nil {
		return nil, ikeerr.InvalidSyntax("Responder doesn't send TSi/TSr")
	}
	if !tsAcceptable(tsi, c.localTS) || !tsAcceptable(tsr, c.remoteTS) {
		return nil, ikeerr.TsUnacceptable("Responder narrowed traffic selectors outside the offer")
	}

	suite, err := security.NewSuite(chosen)
	if err != nil {
		return nil, ikeerr.InvalidSyntax("Responder chose an unusable proposal: %v", err)
	}
	shared, err := c.responseSharedKey(o, suite, resp.KE())
	if err != nil {
		return nil, err
	}

	transport := c.params.Transport && resp.Notify(types.USE_TRANSPORT_MODE) != nil
	if c.params.Transport && !transport {
		c.log.Warnln("Responder refused transport mode, using tunnel mode")
	}
	rec, err := sa.MakeChildSaRecord(&sa.ChildSaParams{
		IsLocalInit: true,
		LocalSPI:    o.localSPI,
		RemoteSPI:   chosen.ChildSPI(),
		Ni:          o.ni,
		Nr:          nr,
		SharedKey:   shared,
		Prf:         c.ike.Prf,
		SkD:         c.skD,
		Suite:       suite,
		Transport:   transport,
		LocalTS:     tsi.Selectors,
		RemoteTS:    tsr.Selectors,
	})
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	return c.wrap(rec), nil
}

// responseSharedKey checks the KE payload of a response against the chosen
// group. Every mismatch is a syntax error since the response can't be
// negotiated again.
func (c *Session) responseSharedKey(o *offer, suite *security.Suite, ke *message.KeyExchange) ([]byte, error) {
	if suite.DhGroup == types.DH_NONE {
		if ke != nil {
			return nil, ikeerr.InvalidSyntax("Responder sends KE without negotiating a DH group")
		}
		return nil, nil
	}
	if ke == nil {
		return nil, ikeerr.InvalidSyntax("Responder doesn't send KE")
	}
	if o.ke == nil || ke.DiffieHellmanGroup != suite.DhGroup || o.ke.Group() != suite.DhGroup {
		return nil, ikeerr.InvalidSyntax("KE group %d does not match negotiated group %d",
			ke.DiffieHellmanGroup, suite.DhGroup)
	}
	shared, err := o.ke.SharedSecret(ke.KeyExchangeData)
	if err != nil {
		return nil, ikeerr.InvalidSyntax("invalid KE data: %v", err)
	}
	return shared, nil
}

// negotiateAsResponder validates a rekey request from the peer and returns
// the new Child SA with the response payloads.
func (c *Session) negotiateAsResponder(req message.Payloads) (*childSa, message.Payloads, error) {
	reqSA := req.SA()
	if reqSA == nil {
		return nil, nil, ikeerr.InvalidSyntax("Initiator doesn't send SA")
	}
	acceptable := c.params.Proposals
	if c.current != nil {
		acceptable = append([]*message.Proposal{c.current.rec.Suite.Proposal}, acceptable...)
	}
	chosen, err := security.SelectProposal(reqSA, acceptable, types.TypeESP)
	if err != nil {
		return nil, nil, err
	}
	remoteSPI := chosen.ChildSPI()
	if remoteSPI == 0 {
		return nil, nil, ikeerr.InvalidSyntax("Initiator sends invalid Child SA SPI")
	}
	nonce := req.Nonce()
	if nonce == nil {
		return nil, nil, ikeerr.InvalidSyntax("Initiator doesn't send Ni")
	}
	tsi, tsr := req.TSi(), req.TSr()
	if tsi == nil || tsr == nil {
		return nil, nil, ikeerr.InvalidSyntax("Initiator doesn't send TSi/TSr")
	}
	if !tsAcceptable(tsi, c.remoteTS) || !tsAcceptable(tsr, c.localTS) {
		return nil, nil, ikeerr.TsUnacceptable("requested traffic selectors are not covered")
	}
	suite, err := security.NewSuite(chosen)
	if err != nil {
		return nil, nil, err
	}

	var (
		shared []byte
		ourKE  *message.KeyExchange
	)
	if suite.DhGroup != types.DH_NONE {
		ke := req.KE()
		if ke == nil || ke.DiffieHellmanGroup != suite.DhGroup {
			return nil, nil, ikeerr.InvalidKePayload(suite.DhGroup)
		}
		local, err := security.NewKeyExchange(suite.DhGroup, c.rand)
		if err != nil {
			return nil, nil, ikeerr.Internal(err)
		}
		if shared, err = local.SharedSecret(ke.KeyExchangeData); err != nil {
			return nil, nil, ikeerr.InvalidSyntax("invalid KE data: %v", err)
		}
		ourKE = &message.KeyExchange{DiffieHellmanGroup: suite.DhGroup, KeyExchangeData: local.PublicValue()}
	}

	localSPI, err := security.GenerateChildSPI(c.rand)
	if err != nil {
		return nil, nil, ikeerr.Internal(err)
	}
	nr, err := security.GenerateNonce(c.rand)
	if err != nil {
		return nil, nil, ikeerr.Internal(err)
	}
	transport := c.params.Transport && req.Notify(types.USE_TRANSPORT_MODE) != nil
	rec, err := sa.MakeChildSaRecord(&sa.ChildSaParams{
		IsLocalInit: false,
		LocalSPI:    localSPI,
		RemoteSPI:   remoteSPI,
		Ni:          nonce.NonceData,
		Nr:          nr,
		SharedKey:   shared,
		Prf:         c.ike.Prf,
		SkD:         c.skD,
		Suite:       suite,
		Transport:   transport,
		LocalTS:     tsr.Selectors,
		RemoteTS:    tsi.Selectors,
	})
	if err != nil {
		return nil, nil, ikeerr.Internal(err)
	}

	respSA := &message.SecurityAssociation{Proposals: []*message.Proposal{chosen.Clone(chosen.Number, spiBytes(localSPI))}}
	payloads := message.Payloads{respSA, &message.Nonce{NonceData: nr}}
	if ourKE != nil {
		payloads = append(payloads, ourKE)
	}
	payloads = append(payloads, &message.TrafficSelector{Initiator: true, Selectors: tsi.Selectors},
		&message.TrafficSelector{Initiator: false, Selectors: tsr.Selectors})
	if c.current != nil {
		payloads = append(payloads, message.NewChildNotify(types.REKEY_SA, c.current.rec.LocalSPI, nil))
	}
	if transport {
		payloads = append(payloads, message.NewNotify(types.USE_TRANSPORT_MODE, nil))
	}
	return c.wrap(rec), payloads, nil
}

// errorPayloads turns a failure into the single notification of a response.
// Failures that carry no notify type are reported as NO_PROPOSAL_CHOSEN.
func errorPayloads(err error) message.Payloads {
	if pe, ok := ikeerr.AsProtocolError(err); ok {
		return message.Payloads{message.NewNotify(pe.Notify, pe.Data)}
	}
	return message.Payloads{message.NewNotify(types.NO_PROPOSAL_CHOSEN, nil)}
}

// deleteTargets collects the ESP SPIs named by the Delete payloads.
func deleteTargets(payloads message.Payloads) []uint32 {
	var spis []uint32
	for _, d := range payloads.Deletes() {
		if d.ProtocolID == types.TypeESP || d.ProtocolID == types.TypeAH {
			spis = append(spis, d.ChildSPIs()...)
		}
	}
	return spis
}

func containsSPI(spis []uint32, spi uint32) bool {
	for _, s := range spis {
		if s == spi {
			return true
		}
	}
	return false
}
