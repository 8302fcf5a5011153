package message

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/types"
)

type TrafficSelector struct {
	Initiator bool
	Selectors []*IndividualTrafficSelector
}

type IndividualTrafficSelector struct {
	TSType       uint8
	IPProtocolID uint8
	StartPort    uint16
	EndPort      uint16
	StartAddress net.IP
	EndAddress   net.IP
}

func (ts *TrafficSelector) Type() types.PayloadType {
	if ts.Initiator {
		return types.TypeTSi
	}
	return types.TypeTSr
}

// Contains reports whether other is a subset of s.
func (s *IndividualTrafficSelector) Contains(other *IndividualTrafficSelector) bool {
	if s.TSType != other.TSType {
		return false
	}
	if s.IPProtocolID != 0 && s.IPProtocolID != other.IPProtocolID {
		return false
	}
	if other.StartPort < s.StartPort || other.EndPort > s.EndPort {
		return false
	}
	return bytes.Compare(normalize(other.StartAddress, s.TSType), normalize(s.StartAddress, s.TSType)) >= 0 &&
		bytes.Compare(normalize(other.EndAddress, s.TSType), normalize(s.EndAddress, s.TSType)) <= 0
}

func normalize(ip net.IP, tsType uint8) []byte {
	if tsType == types.TS_IPV4_ADDR_RANGE {
		return ip.To4()
	}
	return ip.To16()
}

func (ts *TrafficSelector) marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = uint8(len(ts.Selectors))
	for _, s := range ts.Selectors {
		var addrLen int
		switch s.TSType {
		case types.TS_IPV4_ADDR_RANGE:
			addrLen = net.IPv4len
		case types.TS_IPV6_ADDR_RANGE:
			addrLen = net.IPv6len
		default:
			return nil, ikeerr.Internalf("unsupported traffic selector type %d", s.TSType)
		}
		sb := make([]byte, 8)
		sb[0] = s.TSType
		sb[1] = s.IPProtocolID
		binary.BigEndian.PutUint16(sb[2:4], uint16(8+2*addrLen))
		binary.BigEndian.PutUint16(sb[4:6], s.StartPort)
		binary.BigEndian.PutUint16(sb[6:8], s.EndPort)
		sb = append(sb, normalize(s.StartAddress, s.TSType)...)
		sb = append(sb, normalize(s.EndAddress, s.TSType)...)
		if len(sb) != 8+2*addrLen {
			return nil, ikeerr.Internalf("traffic selector address family mismatch")
		}
		b = append(b, sb...)
	}
	return b, nil
}

func (ts *TrafficSelector) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("TS payload too short")
	}
	num := int(b[0])
	b = b[4:]
	for i := 0; i < num; i++ {
		if len(b) < 8 {
			return ikeerr.InvalidSyntax("traffic selector truncated")
		}
		s := &IndividualTrafficSelector{
			TSType:       b[0],
			IPProtocolID: b[1],
			StartPort:    binary.BigEndian.Uint16(b[4:6]),
			EndPort:      binary.BigEndian.Uint16(b[6:8]),
		}
		length := int(binary.BigEndian.Uint16(b[2:4]))
		var addrLen int
		switch s.TSType {
		case types.TS_IPV4_ADDR_RANGE:
			addrLen = net.IPv4len
		case types.TS_IPV6_ADDR_RANGE:
			addrLen = net.IPv6len
		default:
			return ikeerr.InvalidSyntax("unsupported traffic selector type %d", s.TSType)
		}
		if length != 8+2*addrLen || length > len(b) {
			return ikeerr.InvalidSyntax("invalid traffic selector length %d", length)
		}
		s.StartAddress = append(net.IP(nil), b[8:8+addrLen]...)
		s.EndAddress = append(net.IP(nil), b[8+addrLen:8+2*addrLen]...)
		ts.Selectors = append(ts.Selectors, s)
		b = b[length:]
	}
	if len(ts.Selectors) == 0 {
		return ikeerr.InvalidSyntax("TS payload without selector")
	}
	return nil
}
