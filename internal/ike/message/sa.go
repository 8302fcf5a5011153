package message

import (
	"encoding/binary"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/types"
)

// Substructure markers
const (
	lastProposal  = 0
	moreProposal  = 2
	lastTransform = 0
	moreTransform = 3
)

type SecurityAssociation struct {
	Proposals []*Proposal
}

type Proposal struct {
	Number                  uint8
	ProtocolID              types.ProtocolID
	SPI                     []byte
	EncryptionAlgorithm     []*Transform
	PseudorandomFunction    []*Transform
	IntegrityAlgorithm      []*Transform
	DiffieHellmanGroup      []*Transform
	ExtendedSequenceNumbers []*Transform
}

type Transform struct {
	Type      types.TransformType
	ID        uint16
	KeyLength uint16 // 0 means no key length attribute
}

func (sa *SecurityAssociation) Type() types.PayloadType { return types.TypeSA }

// BuildProposal appends a new proposal to the SA payload.
func (sa *SecurityAssociation) BuildProposal(number uint8, protocolID types.ProtocolID, spi []byte) *Proposal {
	p := &Proposal{Number: number, ProtocolID: protocolID, SPI: spi}
	sa.Proposals = append(sa.Proposals, p)
	return p
}

func (p *Proposal) Transforms() []*Transform {
	var all []*Transform
	all = append(all, p.EncryptionAlgorithm...)
	all = append(all, p.PseudorandomFunction...)
	all = append(all, p.IntegrityAlgorithm...)
	all = append(all, p.DiffieHellmanGroup...)
	all = append(all, p.ExtendedSequenceNumbers...)
	return all
}

func (p *Proposal) addTransform(t *Transform) {
	switch t.Type {
	case types.TypeEncryptionAlgorithm:
		p.EncryptionAlgorithm = append(p.EncryptionAlgorithm, t)
	case types.TypePseudorandomFunction:
		p.PseudorandomFunction = append(p.PseudorandomFunction, t)
	case types.TypeIntegrityAlgorithm:
		p.IntegrityAlgorithm = append(p.IntegrityAlgorithm, t)
	case types.TypeDiffieHellmanGroup:
		p.DiffieHellmanGroup = append(p.DiffieHellmanGroup, t)
	case types.TypeExtendedSequenceNumbers:
		p.ExtendedSequenceNumbers = append(p.ExtendedSequenceNumbers, t)
	}
}

// ChildSPI returns the SPI as a 4 bytes Child SA SPI.
func (p *Proposal) ChildSPI() uint32 {
	if len(p.SPI) != types.ChildSpiSize {
		return 0
	}
	return binary.BigEndian.Uint32(p.SPI)
}

// IkeSPI returns the SPI as an 8 bytes IKE SA SPI.
func (p *Proposal) IkeSPI() uint64 {
	if len(p.SPI) != types.IKESpiSize {
		return 0
	}
	return binary.BigEndian.Uint64(p.SPI)
}

// Clone copies the proposal, replacing its number and SPI.
func (p *Proposal) Clone(number uint8, spi []byte) *Proposal {
	c := &Proposal{Number: number, ProtocolID: p.ProtocolID, SPI: spi}
	for _, t := range p.Transforms() {
		tc := *t
		c.addTransform(&tc)
	}
	return c
}

func (sa *SecurityAssociation) marshal() ([]byte, error) {
	var out []byte
	for i, p := range sa.Proposals {
		transforms := p.Transforms()
		if len(transforms) > 255 {
			return nil, ikeerr.Internalf("too many transforms in proposal %d", p.Number)
		}
		var tdata []byte
		for j, t := range transforms {
			tb := make([]byte, 8)
			if j == len(transforms)-1 {
				tb[0] = lastTransform
			} else {
				tb[0] = moreTransform
			}
			tb[4] = uint8(t.Type)
			binary.BigEndian.PutUint16(tb[6:8], t.ID)
			if t.KeyLength != 0 {
				attr := make([]byte, 4)
				binary.BigEndian.PutUint16(attr[0:2], types.AttributeFormatUseTV|types.AttributeTypeKeyLength)
				binary.BigEndian.PutUint16(attr[2:4], t.KeyLength)
				tb = append(tb, attr...)
			}
			binary.BigEndian.PutUint16(tb[2:4], uint16(len(tb)))
			tdata = append(tdata, tb...)
		}

		pb := make([]byte, 8)
		if i == len(sa.Proposals)-1 {
			pb[0] = lastProposal
		} else {
			pb[0] = moreProposal
		}
		pb[4] = p.Number
		pb[5] = uint8(p.ProtocolID)
		pb[6] = uint8(len(p.SPI))
		pb[7] = uint8(len(transforms))
		pb = append(pb, p.SPI...)
		pb = append(pb, tdata...)
		binary.BigEndian.PutUint16(pb[2:4], uint16(len(pb)))
		out = append(out, pb...)
	}
	return out, nil
}

func (sa *SecurityAssociation) unmarshal(b []byte) error {
	for len(b) > 0 {
		if len(b) < 8 {
			return ikeerr.InvalidSyntax("SA proposal truncated")
		}
		length := int(binary.BigEndian.Uint16(b[2:4]))
		if length < 8 || length > len(b) {
			return ikeerr.InvalidSyntax("invalid SA proposal length %d", length)
		}
		pb := b[:length]
		b = b[length:]

		p := &Proposal{
			Number:     pb[4],
			ProtocolID: types.ProtocolID(pb[5]),
		}
		spiSize := int(pb[6])
		numTransforms := int(pb[7])
		if 8+spiSize > len(pb) {
			return ikeerr.InvalidSyntax("invalid SPI size %d", spiSize)
		}
		if spiSize > 0 {
			p.SPI = append([]byte(nil), pb[8:8+spiSize]...)
		}
		tb := pb[8+spiSize:]
		for i := 0; i < numTransforms; i++ {
			if len(tb) < 8 {
				return ikeerr.InvalidSyntax("SA transform truncated")
			}
			tlen := int(binary.BigEndian.Uint16(tb[2:4]))
			if tlen < 8 || tlen > len(tb) {
				return ikeerr.InvalidSyntax("invalid SA transform length %d", tlen)
			}
			t := &Transform{
				Type: types.TransformType(tb[4]),
				ID:   binary.BigEndian.Uint16(tb[6:8]),
			}
			attrs := tb[8:tlen]
			for len(attrs) >= 4 {
				attrType := binary.BigEndian.Uint16(attrs[0:2])
				if attrType&types.AttributeFormatUseTV == 0 {
					// TLV attributes are not defined for IKEv2 transforms
					return ikeerr.InvalidSyntax("unexpected TLV transform attribute")
				}
				if attrType&^types.AttributeFormatUseTV == types.AttributeTypeKeyLength {
					t.KeyLength = binary.BigEndian.Uint16(attrs[2:4])
				}
				attrs = attrs[4:]
			}
			p.addTransform(t)
			tb = tb[tlen:]
		}
		sa.Proposals = append(sa.Proposals, p)
	}
	if len(sa.Proposals) == 0 {
		return ikeerr.InvalidSyntax("SA payload without proposal")
	}
	return nil
}
