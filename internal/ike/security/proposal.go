package security

import (
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/types"
)

// Suite is the set of algorithm instances of one negotiated proposal.
type Suite struct {
	Proposal  *message.Proposal
	Cipher    Cipher
	Integrity Integrity // nil with AEAD ciphers
	Prf       Prf       // nil for Child SAs
	DhGroup   uint16
	ESN       bool
}

// NewSuite instantiates the algorithms of a proposal carrying exactly one
// transform of each present type.
func NewSuite(p *message.Proposal) (*Suite, error) {
	s := &Suite{Proposal: p, DhGroup: types.DH_NONE}
	if len(p.EncryptionAlgorithm) != 1 {
		return nil, ikeerr.NoProposalChosen("proposal must carry exactly one encryption algorithm")
	}
	encr := p.EncryptionAlgorithm[0]
	if c, err := NewCipher(encr.ID, encr.KeyLength); err != nil {
		return nil, ikeerr.WrapNoProposalChosen(err, "encryption algorithm")
	} else {
		s.Cipher = c
	}

	if integ := singleID(p.IntegrityAlgorithm); integ != types.AUTH_NONE {
		if s.Cipher.IsAEAD() {
			return nil, ikeerr.NoProposalChosen("integrity algorithm negotiated with AEAD cipher")
		}
		if i, err := NewIntegrity(integ); err != nil {
			return nil, ikeerr.WrapNoProposalChosen(err, "integrity algorithm")
		} else {
			s.Integrity = i
		}
	} else if !s.Cipher.IsAEAD() {
		return nil, ikeerr.NoProposalChosen("integrity algorithm missing")
	}

	if p.ProtocolID == types.TypeIKE {
		if len(p.PseudorandomFunction) != 1 {
			return nil, ikeerr.NoProposalChosen("proposal must carry exactly one PRF")
		}
		if prf, err := NewPrf(p.PseudorandomFunction[0].ID); err != nil {
			return nil, ikeerr.WrapNoProposalChosen(err, "PRF")
		} else {
			s.Prf = prf
		}
	}

	s.DhGroup = singleID(p.DiffieHellmanGroup)
	if s.DhGroup != types.DH_NONE && !IsSupportedGroup(s.DhGroup) {
		return nil, ikeerr.NoProposalChosen("unsupported DH group %d", s.DhGroup)
	}
	if p.ProtocolID == types.TypeIKE && s.DhGroup == types.DH_NONE {
		return nil, ikeerr.NoProposalChosen("IKE proposal without DH group")
	}
	s.ESN = singleID(p.ExtendedSequenceNumbers) == types.ESN_ENABLE
	return s, nil
}

func singleID(ts []*message.Transform) uint16 {
	if len(ts) == 0 {
		return 0
	}
	return ts[0].ID
}

// SelectProposal is the responder side of SA negotiation: the first offered
// proposal of the expected protocol that one of the acceptable proposals
// covers is narrowed to one transform per type and returned with the peer's
// proposal number and SPI.
func SelectProposal(offered *message.SecurityAssociation, acceptable []*message.Proposal,
	protocol types.ProtocolID) (*message.Proposal, error) {
	if offered == nil || len(offered.Proposals) == 0 {
		return nil, ikeerr.InvalidSyntax("SA payload without proposal")
	}
	for _, remote := range offered.Proposals {
		if remote.ProtocolID != protocol {
			continue
		}
		for _, local := range acceptable {
			if chosen, ok := narrow(remote, local); ok {
				return chosen, nil
			}
		}
	}
	return nil, ikeerr.NoProposalChosen("no acceptable proposal offered")
}

func narrow(remote, local *message.Proposal) (*message.Proposal, bool) {
	chosen := &message.Proposal{Number: remote.Number, ProtocolID: remote.ProtocolID, SPI: remote.SPI}

	encr := pickTransform(remote.EncryptionAlgorithm, local.EncryptionAlgorithm)
	if encr == nil {
		return nil, false
	}
	chosen.EncryptionAlgorithm = []*message.Transform{encr}
	aead := IsAEADTransform(encr.ID)

	switch {
	case aead:
		// Only "none" may be offered along with a combined mode cipher
		for _, t := range remote.IntegrityAlgorithm {
			if t.ID != types.AUTH_NONE {
				return nil, false
			}
		}
	default:
		integ := pickTransform(remote.IntegrityAlgorithm, local.IntegrityAlgorithm)
		if integ == nil || integ.ID == types.AUTH_NONE {
			return nil, false
		}
		chosen.IntegrityAlgorithm = []*message.Transform{integ}
	}

	if remote.ProtocolID == types.TypeIKE {
		prf := pickTransform(remote.PseudorandomFunction, local.PseudorandomFunction)
		if prf == nil {
			return nil, false
		}
		chosen.PseudorandomFunction = []*message.Transform{prf}
		dh := pickTransform(remote.DiffieHellmanGroup, local.DiffieHellmanGroup)
		if dh == nil {
			return nil, false
		}
		chosen.DiffieHellmanGroup = []*message.Transform{dh}
		return chosen, true
	}

	// Child SA: DH is optional (PFS), ESN defaults to "no ESN"
	switch {
	case len(local.DiffieHellmanGroup) == 0 && len(remote.DiffieHellmanGroup) == 0:
	case len(local.DiffieHellmanGroup) == 0:
		if !hasID(remote.DiffieHellmanGroup, types.DH_NONE) {
			return nil, false
		}
	default:
		dh := pickTransform(remote.DiffieHellmanGroup, local.DiffieHellmanGroup)
		if dh == nil {
			return nil, false
		}
		if dh.ID != types.DH_NONE {
			chosen.DiffieHellmanGroup = []*message.Transform{dh}
		}
	}
	localEsn := local.ExtendedSequenceNumbers
	if len(localEsn) == 0 {
		localEsn = []*message.Transform{{Type: types.TypeExtendedSequenceNumbers, ID: types.ESN_DISABLE}}
	}
	if len(remote.ExtendedSequenceNumbers) > 0 {
		esn := pickTransform(remote.ExtendedSequenceNumbers, localEsn)
		if esn == nil {
			return nil, false
		}
		chosen.ExtendedSequenceNumbers = []*message.Transform{esn}
	}
	return chosen, true
}

func pickTransform(offered, acceptable []*message.Transform) *message.Transform {
	for _, o := range offered {
		for _, a := range acceptable {
			if o.ID == a.ID && o.KeyLength == a.KeyLength {
				t := *o
				return &t
			}
		}
	}
	return nil
}

func hasID(ts []*message.Transform, id uint16) bool {
	for _, t := range ts {
		if t.ID == id {
			return true
		}
	}
	return false
}

// ValidateResponseProposal is the initiator side of SA negotiation: the
// responder must have chosen exactly one of the offered proposals with one
// transform of each offered type.
func ValidateResponseProposal(resp, offered *message.SecurityAssociation) (*message.Proposal, error) {
	if resp == nil || len(resp.Proposals) != 1 {
		return nil, ikeerr.NoProposalChosen("response must carry exactly one proposal")
	}
	chosen := resp.Proposals[0]
	var match *message.Proposal
	for _, p := range offered.Proposals {
		if p.Number == chosen.Number && p.ProtocolID == chosen.ProtocolID {
			match = p
			break
		}
	}
	if match == nil {
		return nil, ikeerr.NoProposalChosen("response chose unknown proposal %d", chosen.Number)
	}
	checks := []struct {
		got, offered []*message.Transform
		required     bool
	}{
		{chosen.EncryptionAlgorithm, match.EncryptionAlgorithm, true},
		{chosen.PseudorandomFunction, match.PseudorandomFunction, chosen.ProtocolID == types.TypeIKE},
		{chosen.IntegrityAlgorithm, match.IntegrityAlgorithm, false},
		{chosen.DiffieHellmanGroup, match.DiffieHellmanGroup, chosen.ProtocolID == types.TypeIKE},
		{chosen.ExtendedSequenceNumbers, match.ExtendedSequenceNumbers, false},
	}
	for _, c := range checks {
		if len(c.got) > 1 || (c.required && len(c.got) == 0) {
			return nil, ikeerr.NoProposalChosen("invalid transform count in response proposal")
		}
		if len(c.got) == 1 && pickTransform(c.got, c.offered) == nil {
			return nil, ikeerr.NoProposalChosen("response chose a transform that was not offered")
		}
	}
	return chosen, nil
}
