package message_test

import (
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/types"
)

func TestHeaderReceiverSPI(t *testing.T) {
	h := message.Header{InitiatorSPI: 0x1111, ResponderSPI: 0x2222, ExchangeType: types.IKE_AUTH}

	h.Flags = message.BuildFlags(false, true)
	assert.True(t, h.FromInitiator())
	assert.False(t, h.IsResponse())
	assert.Equal(t, uint64(0x2222), h.ReceiverSPI())

	h.Flags = message.BuildFlags(true, false)
	assert.True(t, h.IsResponse())
	assert.Equal(t, uint64(0x1111), h.ReceiverSPI())

	b := make([]byte, types.HeaderLength)
	h.Length = types.HeaderLength
	h.Marshal(b)
	spi, ok := message.PeekReceiverSPI(b)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1111), spi)

	parsed, err := message.ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h.ExchangeType, parsed.ExchangeType)
	assert.Equal(t, h.Flags, parsed.Flags)
}

func TestParseHeaderRejectsTruncated(t *testing.T) {
	_, err := message.ParseHeader(make([]byte, 10))
	assert.True(t, ikeerr.IsNotify(err, types.INVALID_SYNTAX))

	b := make([]byte, types.HeaderLength)
	h := message.Header{Length: 100}
	h.Marshal(b)
	_, err = message.ParseHeader(b)
	assert.True(t, ikeerr.IsNotify(err, types.INVALID_SYNTAX))
}

func TestPayloadChainKeepsOrderAndContent(t *testing.T) {
	sa := new(message.SecurityAssociation)
	p := sa.BuildProposal(1, types.TypeESP, []byte{0, 0, 0x10, 0x01})
	p.EncryptionAlgorithm = append(p.EncryptionAlgorithm,
		&message.Transform{Type: types.TypeEncryptionAlgorithm, ID: types.ENCR_AES_CBC, KeyLength: 256})
	p.IntegrityAlgorithm = append(p.IntegrityAlgorithm,
		&message.Transform{Type: types.TypeIntegrityAlgorithm, ID: types.AUTH_HMAC_SHA2_256_128})
	p.ExtendedSequenceNumbers = append(p.ExtendedSequenceNumbers,
		&message.Transform{Type: types.TypeExtendedSequenceNumbers, ID: types.ESN_DISABLE})

	ts := &message.TrafficSelector{Initiator: true, Selectors: []*message.IndividualTrafficSelector{{
		TSType: types.TS_IPV4_ADDR_RANGE, StartPort: 0, EndPort: 65535,
		StartAddress: net.ParseIP("10.0.0.0"), EndAddress: net.ParseIP("10.0.0.255"),
	}}}

	in := message.Payloads{
		sa,
		&message.Nonce{NonceData: make([]byte, 32)},
		message.NewChildNotify(types.REKEY_SA, 0xdeadbeef, nil),
		ts,
		message.NewDeleteChild(1, 2),
	}
	first, data, err := in.Encode()
	require.NoError(t, err)
	assert.Equal(t, types.TypeSA, first)

	out, err := message.DecodePayloads(first, data)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	gotSA := out.SA()
	require.NotNil(t, gotSA)
	require.Len(t, gotSA.Proposals, 1)
	assert.Equal(t, uint32(0x1001), gotSA.Proposals[0].ChildSPI())
	assert.Equal(t, uint16(256), gotSA.Proposals[0].EncryptionAlgorithm[0].KeyLength)
	assert.Equal(t, uint32(0xdeadbeef), out.Notify(types.REKEY_SA).ChildSPI())
	assert.Equal(t, []uint32{1, 2}, out.Deletes()[0].ChildSPIs())
	assert.True(t, out.TSi().Selectors[0].StartAddress.Equal(net.ParseIP("10.0.0.0")))
}

func TestDecodeUnknownPayload(t *testing.T) {
	// Generic header of payload type 99 with 2 bytes body
	body := []byte{0, 0, 0, 6, 0xab, 0xcd}
	out, err := message.DecodePayloads(99, body)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.PayloadType(99), out[0].Type())

	body[1] = 0x80
	_, err = message.DecodePayloads(99, body)
	assert.True(t, ikeerr.IsNotify(err, types.UNSUPPORTED_CRITICAL_PAYLOAD))
}

func TestEncodeCriticalUnknownPayload(t *testing.T) {
	first, body, err := message.Payloads{&message.Unknown{PayloadType: 99, Critical: true, Data: []byte{0xab}}}.Encode()
	require.NoError(t, err)
	assert.Equal(t, types.PayloadType(99), first)
	assert.Equal(t, []byte{0, 0x80, 0, 5, 0xab}, body)

	_, err = message.DecodePayloads(first, body)
	assert.True(t, ikeerr.IsNotify(err, types.UNSUPPORTED_CRITICAL_PAYLOAD))
}

func TestDeleteIkeMustNotCarrySpi(t *testing.T) {
	body := []byte{0, 0, 0, 12, uint8(types.TypeIKE), 4, 0, 1, 0, 0, 0, 1}
	_, err := message.DecodePayloads(types.TypeD, body)
	assert.True(t, ikeerr.IsNotify(err, types.INVALID_SYNTAX))
}

func TestTrafficSelectorContains(t *testing.T) {
	wide := &message.IndividualTrafficSelector{
		TSType: types.TS_IPV4_ADDR_RANGE, EndPort: 65535,
		StartAddress: net.ParseIP("10.0.0.0"), EndAddress: net.ParseIP("10.255.255.255"),
	}
	narrow := &message.IndividualTrafficSelector{
		TSType: types.TS_IPV4_ADDR_RANGE, IPProtocolID: 17, StartPort: 500, EndPort: 500,
		StartAddress: net.ParseIP("10.1.0.0"), EndAddress: net.ParseIP("10.1.0.255"),
	}
	assert.True(t, wide.Contains(narrow))
	assert.False(t, narrow.Contains(wide))
}

func TestNatDetectionData(t *testing.T) {
	// Same layout as the NAT-T hash built by hand: ispi | rspi | ipv4 | port
	data := make([]byte, 22)
	binary.BigEndian.PutUint64(data[0:8], 1)
	binary.BigEndian.PutUint64(data[8:16], 2)
	copy(data[16:20], net.ParseIP("192.0.2.1").To4())
	binary.BigEndian.PutUint16(data[20:22], 500)
	expected := sha1.Sum(data)

	assert.Equal(t, expected[:], message.NatDetectionData(1, 2, net.ParseIP("192.0.2.1"), 500))
}

func TestIsDpd(t *testing.T) {
	m := message.NewMessage(1, 2, types.INFORMATIONAL, false, true, 3)
	assert.True(t, m.IsDpd())
	m.Payloads = append(m.Payloads, message.NewDeleteIKE())
	assert.False(t, m.IsDpd())
}

func TestSubtypePrecedence(t *testing.T) {
	ikeSA := &message.SecurityAssociation{Proposals: []*message.Proposal{{Number: 1, ProtocolID: types.TypeIKE}}}
	espSA := &message.SecurityAssociation{Proposals: []*message.Proposal{{Number: 1, ProtocolID: types.TypeESP}}}
	rekeySA := message.NewChildNotify(types.REKEY_SA, 0x1234, nil)

	cases := []struct {
		name     string
		msg      *message.Message
		expected message.ExchangeSubtype
	}{
		{"rekey ike wins over REKEY_SA",
			message.NewMessage(1, 2, types.CREATE_CHILD_SA, false, true, 1, ikeSA, rekeySA), message.SubtypeRekeyIke},
		{"rekey child", message.NewMessage(1, 2, types.CREATE_CHILD_SA, false, true, 1, rekeySA, espSA), message.SubtypeRekeyChild},
		{"create child", message.NewMessage(1, 2, types.CREATE_CHILD_SA, false, true, 1, espSA), message.SubtypeCreateChild},
		{"create without SA", message.NewMessage(1, 2, types.CREATE_CHILD_SA, false, true, 1), message.SubtypeInvalid},
		{"delete ike wins over child delete",
			message.NewMessage(1, 2, types.INFORMATIONAL, false, true, 1, message.NewDeleteChild(7), message.NewDeleteIKE()),
			message.SubtypeDeleteIke},
		{"delete child", message.NewMessage(1, 2, types.INFORMATIONAL, false, true, 1, message.NewDeleteChild(7)), message.SubtypeDeleteChild},
		{"generic info", message.NewMessage(1, 2, types.INFORMATIONAL, false, true, 1), message.SubtypeGenericInfo},
		{"response", message.NewMessage(1, 2, types.INFORMATIONAL, true, false, 1), message.SubtypeInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, c.msg.Subtype())
		})
	}
}
