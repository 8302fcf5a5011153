package message

import (
	"encoding/binary"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/types"
)

type Payload interface {
	Type() types.PayloadType
	marshal() ([]byte, error)
	unmarshal(b []byte) error
}

type Payloads []Payload

// Encode serializes the payload chain. The type of the first payload goes
// into the enclosing header and is returned separately.
func (p Payloads) Encode() (types.PayloadType, []byte, error) {
	var out []byte
	for i, payload := range p {
		body, err := payload.marshal()
		if err != nil {
			return types.NoNext, nil, err
		}
		next := types.NoNext
		if i+1 < len(p) {
			next = p[i+1].Type()
		}
		gh := make([]byte, types.GenericHeaderLen)
		gh[0] = uint8(next)
		if u, ok := payload.(*Unknown); ok && u.Critical {
			gh[1] = 0x80
		}
		binary.BigEndian.PutUint16(gh[2:4], uint16(len(body)+types.GenericHeaderLen))
		out = append(out, gh...)
		out = append(out, body...)
	}
	if len(p) == 0 {
		return types.NoNext, out, nil
	}
	return p[0].Type(), out, nil
}

// DecodePayloads parses a payload chain whose first payload is of type first.
func DecodePayloads(first types.PayloadType, b []byte) (Payloads, error) {
	var payloads Payloads
	next := first
	for next != types.NoNext {
		if len(b) < types.GenericHeaderLen {
			return nil, ikeerr.InvalidSyntax("payload chain truncated")
		}
		current := next
		next = types.PayloadType(b[0])
		critical := b[1]&0x80 != 0
		length := int(binary.BigEndian.Uint16(b[2:4]))
		if length < types.GenericHeaderLen || length > len(b) {
			return nil, ikeerr.InvalidSyntax("invalid payload length %d", length)
		}
		body := b[types.GenericHeaderLen:length]
		b = b[length:]

		payload := newPayload(current)
		if payload == nil {
			if critical {
				return nil, ikeerr.UnsupportedCriticalPayload(current)
			}
			payload = &Unknown{PayloadType: current}
		}
		if err := payload.unmarshal(body); err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func newPayload(t types.PayloadType) Payload {
	switch t {
	case types.TypeSA:
		return new(SecurityAssociation)
	case types.TypeKE:
		return new(KeyExchange)
	case types.TypeIDi:
		return &Identification{Initiator: true}
	case types.TypeIDr:
		return &Identification{Initiator: false}
	case types.TypeCERT:
		return new(Certificate)
	case types.TypeCERTreq:
		return new(CertificateRequest)
	case types.TypeAUTH:
		return new(Authentication)
	case types.TypeNiNr:
		return new(Nonce)
	case types.TypeN:
		return new(Notify)
	case types.TypeD:
		return new(Delete)
	case types.TypeV:
		return new(VendorID)
	case types.TypeTSi:
		return &TrafficSelector{Initiator: true}
	case types.TypeTSr:
		return &TrafficSelector{Initiator: false}
	case types.TypeCP:
		return new(Configuration)
	case types.TypeEAP:
		return new(EAP)
	default:
		return nil
	}
}

// Lookup helpers

func (p Payloads) first(t types.PayloadType) Payload {
	for _, payload := range p {
		if payload.Type() == t {
			return payload
		}
	}
	return nil
}

func (p Payloads) Count(t types.PayloadType) int {
	n := 0
	for _, payload := range p {
		if payload.Type() == t {
			n++
		}
	}
	return n
}

func (p Payloads) Has(t types.PayloadType) bool {
	return p.first(t) != nil
}

func (p Payloads) SA() *SecurityAssociation {
	if payload := p.first(types.TypeSA); payload != nil {
		return payload.(*SecurityAssociation)
	}
	return nil
}

func (p Payloads) KE() *KeyExchange {
	if payload := p.first(types.TypeKE); payload != nil {
		return payload.(*KeyExchange)
	}
	return nil
}

func (p Payloads) Nonce() *Nonce {
	if payload := p.first(types.TypeNiNr); payload != nil {
		return payload.(*Nonce)
	}
	return nil
}

func (p Payloads) IDi() *Identification {
	if payload := p.first(types.TypeIDi); payload != nil {
		return payload.(*Identification)
	}
	return nil
}

func (p Payloads) IDr() *Identification {
	if payload := p.first(types.TypeIDr); payload != nil {
		return payload.(*Identification)
	}
	return nil
}

func (p Payloads) Auth() *Authentication {
	if payload := p.first(types.TypeAUTH); payload != nil {
		return payload.(*Authentication)
	}
	return nil
}

func (p Payloads) TSi() *TrafficSelector {
	if payload := p.first(types.TypeTSi); payload != nil {
		return payload.(*TrafficSelector)
	}
	return nil
}

func (p Payloads) TSr() *TrafficSelector {
	if payload := p.first(types.TypeTSr); payload != nil {
		return payload.(*TrafficSelector)
	}
	return nil
}

func (p Payloads) CP() *Configuration {
	if payload := p.first(types.TypeCP); payload != nil {
		return payload.(*Configuration)
	}
	return nil
}

func (p Payloads) EAP() *EAP {
	if payload := p.first(types.TypeEAP); payload != nil {
		return payload.(*EAP)
	}
	return nil
}

func (p Payloads) Notifies() []*Notify {
	var notifies []*Notify
	for _, payload := range p {
		if n, ok := payload.(*Notify); ok {
			notifies = append(notifies, n)
		}
	}
	return notifies
}

// ErrorNotifies returns all notifications carrying an error type.
func (p Payloads) ErrorNotifies() []*Notify {
	var notifies []*Notify
	for _, n := range p.Notifies() {
		if n.NotifyType.IsError() {
			notifies = append(notifies, n)
		}
	}
	return notifies
}

func (p Payloads) Notify(t types.NotifyType) *Notify {
	for _, n := range p.Notifies() {
		if n.NotifyType == t {
			return n
		}
	}
	return nil
}

func (p Payloads) NotifiesOf(t types.NotifyType) []*Notify {
	var notifies []*Notify
	for _, n := range p.Notifies() {
		if n.NotifyType == t {
			notifies = append(notifies, n)
		}
	}
	return notifies
}

func (p Payloads) Deletes() []*Delete {
	var deletes []*Delete
	for _, payload := range p {
		if d, ok := payload.(*Delete); ok {
			deletes = append(deletes, d)
		}
	}
	return deletes
}

func (p Payloads) VendorIDs() [][]byte {
	var ids [][]byte
	for _, payload := range p {
		if v, ok := payload.(*VendorID); ok {
			ids = append(ids, v.Data)
		}
	}
	return ids
}

// Without returns a copy of p without the payloads of the given types.
func (p Payloads) Without(ts ...types.PayloadType) Payloads {
	var out Payloads
outer:
	for _, payload := range p {
		for _, t := range ts {
			if payload.Type() == t {
				continue outer
			}
		}
		out = append(out, payload)
	}
	return out
}
