package message

import (
	"github.com/syujy/ikesess/internal/ike/types"
)

// ExchangeSubtype refines the exchange type of a request by its payloads.
type ExchangeSubtype int

const (
	SubtypeInvalid ExchangeSubtype = iota
	SubtypeIkeInit
	SubtypeIkeAuth
	SubtypeCreateChild
	SubtypeDeleteIke
	SubtypeDeleteChild
	SubtypeRekeyIke
	SubtypeRekeyChild
	SubtypeGenericInfo
)

func (s ExchangeSubtype) String() string {
	switch s {
	case SubtypeIkeInit:
		return "IKE_INIT"
	case SubtypeIkeAuth:
		return "IKE_AUTH"
	case SubtypeCreateChild:
		return "CREATE_CHILD"
	case SubtypeDeleteIke:
		return "DELETE_IKE"
	case SubtypeDeleteChild:
		return "DELETE_CHILD"
	case SubtypeRekeyIke:
		return "REKEY_IKE"
	case SubtypeRekeyChild:
		return "REKEY_CHILD"
	case SubtypeGenericInfo:
		return "GENERIC_INFO"
	default:
		return "INVALID"
	}
}

// Subtype classifies a request message. Responses have no subtype of their
// own, they inherit the one of the request they answer.
//
// An SA payload proposing the IKE protocol makes a REKEY_IKE even when a
// REKEY_SA notification is present. A Delete payload for the IKE SA makes a
// DELETE_IKE even when Child SAs are deleted in the same message.
func (m *Message) Subtype() ExchangeSubtype {
	if m.IsResponse() {
		return SubtypeInvalid
	}
	switch m.ExchangeType {
	case types.IKE_SA_INIT:
		return SubtypeIkeInit
	case types.IKE_AUTH:
		return SubtypeIkeAuth
	case types.CREATE_CHILD_SA:
		sa := m.Payloads.SA()
		if sa == nil || len(sa.Proposals) == 0 {
			return SubtypeInvalid
		}
		if sa.Proposals[0].ProtocolID == types.TypeIKE {
			return SubtypeRekeyIke
		}
		if m.Payloads.Notify(types.REKEY_SA) != nil {
			return SubtypeRekeyChild
		}
		return SubtypeCreateChild
	case types.INFORMATIONAL:
		deletes := m.Payloads.Deletes()
		if len(deletes) == 0 {
			return SubtypeGenericInfo
		}
		for _, d := range deletes {
			if d.ProtocolID == types.TypeIKE {
				return SubtypeDeleteIke
			}
		}
		return SubtypeDeleteChild
	default:
		return SubtypeInvalid
	}
}
