package sa

import (
	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/security"
)

// ChildSaRecord is one generation of a Child SA pair (inbound and outbound).
type ChildSaRecord struct {
	lifetime

	LocalSPI  uint32 // inbound, chosen by us
	RemoteSPI uint32 // outbound, chosen by the peer
	// IsLocalInit is true when we initiated the exchange that created the SA.
	IsLocalInit bool
	Ni          []byte
	Nr          []byte
	Suite       *security.Suite
	Transport   bool

	InboundEncrKey   []byte
	InboundIntegKey  []byte
	OutboundEncrKey  []byte
	OutboundIntegKey []byte

	LocalTS  []*message.IndividualTrafficSelector
	RemoteTS []*message.IndividualTrafficSelector

	onClose func()
	closed  bool
}

type ChildSaParams struct {
	IsLocalInit bool
	LocalSPI    uint32
	RemoteSPI   uint32
	Ni          []byte
	Nr          []byte
	// SharedKey is g^ir of the exchange, nil without PFS
	SharedKey []byte
	Prf       security.Prf
	SkD       []byte
	Suite     *security.Suite
	Transport bool
	LocalTS   []*message.IndividualTrafficSelector
	RemoteTS  []*message.IndividualTrafficSelector
	OnClose   func()
}

// MakeChildSaRecord derives KEYMAT = prf+(SK_d, [g^ir |] Ni | Nr). Keys for
// traffic from the initiator to the responder are taken first, encryption
// before integrity.
func MakeChildSaRecord(p *ChildSaParams) (*ChildSaRecord, error) {
	if p.Prf == nil || len(p.SkD) == 0 {
		return nil, errors.New("Child SA keys need the IKE SA PRF and SK_d")
	}
	if p.Suite == nil || p.Suite.Cipher == nil {
		return nil, errors.New("Child SA suite without cipher")
	}
	encrLen := p.Suite.Cipher.KeyLen()
	integLen := 0
	if p.Suite.Integrity != nil {
		integLen = p.Suite.Integrity.KeyLen()
	}
	keyMat := security.ChildKeyMaterial(p.Prf, p.SkD, p.SharedKey, p.Ni, p.Nr, 2*(encrLen+integLen))
	take := func(n int) []byte {
		k := keyMat[:n:n]
		keyMat = keyMat[n:]
		return k
	}
	encrIR, integIR := take(encrLen), take(integLen)
	encrRI, integRI := take(encrLen), take(integLen)

	r := &ChildSaRecord{
		LocalSPI:    p.LocalSPI,
		RemoteSPI:   p.RemoteSPI,
		IsLocalInit: p.IsLocalInit,
		Ni:          p.Ni,
		Nr:          p.Nr,
		Suite:       p.Suite,
		Transport:   p.Transport,
		LocalTS:     p.LocalTS,
		RemoteTS:    p.RemoteTS,
		onClose:     p.OnClose,
	}
	if p.IsLocalInit {
		r.OutboundEncrKey, r.OutboundIntegKey = encrIR, integIR
		r.InboundEncrKey, r.InboundIntegKey = encrRI, integRI
	} else {
		r.OutboundEncrKey, r.OutboundIntegKey = encrRI, integRI
		r.InboundEncrKey, r.InboundIntegKey = encrIR, integIR
	}
	return r, nil
}

func (r *ChildSaRecord) Closed() bool {
	return r.closed
}

func (r *ChildSaRecord) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.StopLifetime()
	zero(r.InboundEncrKey, r.InboundIntegKey, r.OutboundEncrKey, r.OutboundIntegKey)
	if r.onClose != nil {
		r.onClose()
	}
}
