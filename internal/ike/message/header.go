package message

import (
	"encoding/binary"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/types"
)

type Header struct {
	InitiatorSPI uint64
	ResponderSPI uint64
	NextPayload  types.PayloadType
	MajorVersion uint8
	MinorVersion uint8
	ExchangeType types.ExchangeType
	Flags        uint8
	MessageID    uint32
	Length       uint32
}

// ParseHeader decodes the fixed 28 bytes IKE header at the beginning of b.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < types.HeaderLength {
		return nil, ikeerr.InvalidSyntax("packet too short for IKE header: %d", len(b))
	}
	h := new(Header)
	h.InitiatorSPI = binary.BigEndian.Uint64(b[0:8])
	h.ResponderSPI = binary.BigEndian.Uint64(b[8:16])
	h.NextPayload = types.PayloadType(b[16])
	h.MajorVersion = b[17] >> 4
	h.MinorVersion = b[17] & 0x0F
	h.ExchangeType = types.ExchangeType(b[18])
	h.Flags = b[19]
	h.MessageID = binary.BigEndian.Uint32(b[20:24])
	h.Length = binary.BigEndian.Uint32(b[24:28])

	if h.MajorVersion != types.MajorVersion {
		return nil, ikeerr.InvalidSyntax("unsupported IKE major version %d", h.MajorVersion)
	}
	if h.Length < types.HeaderLength {
		return nil, ikeerr.InvalidSyntax("invalid IKE message length %d", h.Length)
	}
	if int(h.Length) > len(b) {
		return nil, ikeerr.InvalidSyntax("IKE message truncated: header says %d, got %d", h.Length, len(b))
	}
	return h, nil
}

// Marshal writes the header into the first 28 bytes of b.
func (h *Header) Marshal(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], h.InitiatorSPI)
	binary.BigEndian.PutUint64(b[8:16], h.ResponderSPI)
	b[16] = uint8(h.NextPayload)
	b[17] = types.MajorVersion<<4 | types.MinorVersion
	b[18] = uint8(h.ExchangeType)
	b[19] = h.Flags
	binary.BigEndian.PutUint32(b[20:24], h.MessageID)
	binary.BigEndian.PutUint32(b[24:28], h.Length)
}

func (h *Header) IsResponse() bool {
	return h.Flags&types.ResponseBitCheck != 0
}

func (h *Header) FromInitiator() bool {
	return h.Flags&types.InitiatorBitCheck != 0
}

// ReceiverSPI is the SPI chosen by the receiver of this message, which is
// the key used to find the owning SA.
func (h *Header) ReceiverSPI() uint64 {
	if h.FromInitiator() {
		return h.ResponderSPI
	}
	return h.InitiatorSPI
}

// BuildFlags computes the header flags of an outbound message.
func BuildFlags(isResp, fromInitiator bool) uint8 {
	var flags uint8
	if isResp {
		flags |= types.ResponseBitCheck
	}
	if fromInitiator {
		flags |= types.InitiatorBitCheck
	}
	return flags
}

// PeekReceiverSPI returns the local SPI of a raw packet without decoding it.
func PeekReceiverSPI(b []byte) (uint64, bool) {
	if len(b) < types.HeaderLength {
		return 0, false
	}
	if b[19]&types.InitiatorBitCheck == 0 {
		return binary.BigEndian.Uint64(b[0:8]), true
	}
	return binary.BigEndian.Uint64(b[8:16]), true
}
