package message

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/syujy/ikesess/internal/ike/types"
)

type Message struct {
	Header
	Payloads Payloads
}

// NewMessage builds an IKE message. fromInitiator is true when the sender is
// the original initiator of the IKE SA.
func NewMessage(ispi, rspi uint64, exchangeType types.ExchangeType, isResp, fromInitiator bool,
	messageID uint32, payloads ...Payload) *Message {
	return &Message{
		Header: Header{
			InitiatorSPI: ispi,
			ResponderSPI: rspi,
			ExchangeType: exchangeType,
			Flags:        BuildFlags(isResp, fromInitiator),
			MessageID:    messageID,
		},
		Payloads: payloads,
	}
}

// IsDpd reports whether the message is an empty INFORMATIONAL request.
func (m *Message) IsDpd() bool {
	return m.ExchangeType == types.INFORMATIONAL && !m.IsResponse() && len(m.Payloads) == 0
}

// NatDetectionData computes the NAT detection hash:
// sha1(ispi | rspi | ip | port)
func NatDetectionData(ispi, rspi uint64, ip net.IP, port uint16) []byte {
	addr := ip.To4()
	if addr == nil {
		addr = ip.To16()
	}
	data := make([]byte, 16+len(addr)+2)
	binary.BigEndian.PutUint64(data[0:8], ispi)
	binary.BigEndian.PutUint64(data[8:16], rspi)
	copy(data[16:16+len(addr)], addr)
	binary.BigEndian.PutUint16(data[16+len(addr):], port)
	sum := sha1.Sum(data)
	return sum[:]
}
