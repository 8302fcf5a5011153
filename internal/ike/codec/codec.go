package codec

import (
	"crypto/hmac"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

// DefaultFragmentSize is the largest IKE message sent unfragmented when
// fragmentation is negotiated.
const DefaultFragmentSize = 1280

const fragmentHeaderLen = 4

// Keys protects the messages of one IKE SA in one role. Out keys are used
// for messages we send, In keys for messages we receive.
type Keys struct {
	Cipher    security.Cipher
	Integrity security.Integrity
	EncrOut   []byte
	IntegOut  []byte
	EncrIn    []byte
	IntegIn   []byte
}

type Status int

const (
	StatusOK Status = iota
	StatusPartial
	StatusProtectedError
	StatusUnprotectedError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusPartial:
		return "PARTIAL"
	case StatusProtectedError:
		return "PROTECTED_ERROR"
	default:
		return "UNPROTECTED_ERROR"
	}
}

type DecodeResult struct {
	Status  Status
	Header  *message.Header
	Message *message.Message
	// FirstPacket is the raw first packet of the message, the first
	// fragment when the message was fragmented.
	FirstPacket []byte
	Err         error
}

// EncodeUnencrypted serializes an IKE_SA_INIT message.
func EncodeUnencrypted(msg *message.Message) ([]byte, error) {
	first, body, err := msg.Payloads.Encode()
	if err != nil {
		return nil, err
	}
	h := msg.Header
	h.NextPayload = first
	h.Length = uint32(types.HeaderLength + len(body))
	out := make([]byte, types.HeaderLength, h.Length)
	h.Marshal(out)
	return append(out, body...), nil
}

// DecodeUnencrypted parses an IKE_SA_INIT message.
func DecodeUnencrypted(packet []byte) (*message.Message, error) {
	h, err := message.ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if h.NextPayload == types.TypeSK || h.NextPayload == types.TypeSKF {
		return nil, ikeerr.InvalidSyntax("unexpected encrypted payload in %s", h.ExchangeType)
	}
	payloads, err := message.DecodePayloads(h.NextPayload, packet[types.HeaderLength:h.Length])
	if err != nil {
		return nil, err
	}
	return &message.Message{Header: *h, Payloads: payloads}, nil
}

// EncodeEncrypted protects msg into an SK payload, or into SKF fragments
// (RFC 7383) when fragmentation was negotiated and the message is larger
// than fragSize.
func EncodeEncrypted(msg *message.Message, keys *Keys, rand io.Reader, fragSize int,
	fragSupported bool) ([][]byte, error) {
	first, body, err := msg.Payloads.Encode()
	if err != nil {
		return nil, err
	}
	packet, err := seal(msg.Header, types.TypeSK, first, nil, body, keys, rand)
	if err != nil {
		return nil, err
	}
	if !fragSupported || len(packet) <= fragSize {
		return [][]byte{packet}, nil
	}

	chunk := fragmentCapacity(keys, fragSize)
	if chunk <= 0 {
		return nil, errors.Errorf("fragment size %d too small", fragSize)
	}
	total := (len(body) + chunk - 1) / chunk
	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * chunk
		if end > len(body) {
			end = len(body)
		}
		next := types.NoNext
		if i == 0 {
			next = first
		}
		fh := make([]byte, fragmentHeaderLen)
		binary.BigEndian.PutUint16(fh[0:2], uint16(i+1))
		binary.BigEndian.PutUint16(fh[2:4], uint16(total))
		fragment, err := seal(msg.Header, types.TypeSKF, next, fh, body[i*chunk:end], keys, rand)
		if err != nil {
			return nil, err
		}
		packets = append(packets, fragment)
	}
	return packets, nil
}

func icvLen(keys *Keys) int {
	if keys.Integrity != nil {
		return keys.Integrity.ChecksumLen()
	}
	return keys.Cipher.ICVLen()
}

// fragmentCapacity is the largest inner payload chunk fitting in fragSize.
func fragmentCapacity(keys *Keys, fragSize int) int {
	avail := fragSize - types.HeaderLength - types.GenericHeaderLen - fragmentHeaderLen -
		keys.Cipher.IVLen() - icvLen(keys)
	if blk := keys.Cipher.BlockSize(); blk > 1 {
		avail = avail / blk * blk
	}
	// Pad Length octet
	return avail - 1
}

func seal(h message.Header, outer, inner types.PayloadType, fragHdr, body []byte, keys *Keys,
	rand io.Reader) ([]byte, error) {
	c := keys.Cipher
	padLen := 0
	if blk := c.BlockSize(); blk > 1 {
		padLen = (blk - (len(body)+1)%blk) % blk
	}
	plaintext := make([]byte, len(body)+padLen+1)
	copy(plaintext, body)
	plaintext[len(plaintext)-1] = byte(padLen)

	iv := make([]byte, c.IVLen())
	if _, err := io.ReadFull(rand, iv); err != nil {
		return nil, errors.Wrap(err, "generate IV")
	}

	prefixLen := types.HeaderLength + types.GenericHeaderLen + len(fragHdr)
	payloadLen := types.GenericHeaderLen + len(fragHdr) + len(iv) + len(plaintext) + icvLen(keys)
	h.NextPayload = outer
	h.Length = uint32(types.HeaderLength + payloadLen)

	out := make([]byte, prefixLen, h.Length)
	h.Marshal(out)
	out[types.HeaderLength] = uint8(inner)
	binary.BigEndian.PutUint16(out[types.HeaderLength+2:], uint16(payloadLen))
	copy(out[types.HeaderLength+types.GenericHeaderLen:], fragHdr)

	if c.IsAEAD() {
		aad := append([]byte(nil), out...)
		ct, err := c.Encrypt(keys.EncrOut, iv, aad, plaintext)
		if err != nil {
			return nil, err
		}
		out = append(out, iv...)
		return append(out, ct...), nil
	}
	ct, err := c.Encrypt(keys.EncrOut, iv, nil, plaintext)
	if err != nil {
		return nil, err
	}
	out = append(out, iv...)
	out = append(out, ct...)
	return append(out, keys.Integrity.Checksum(keys.IntegOut, out)...), nil
}

// open verifies and decrypts the SK or SKF payload of packet, returning
// the inner plaintext without padding.
func open(packet []byte, h *message.Header, fragHdrLen int, keys *Keys) ([]byte, error) {
	c := keys.Cipher
	packet = packet[:h.Length]
	prefixLen := types.HeaderLength + types.GenericHeaderLen + fragHdrLen
	if len(packet) < prefixLen {
		return nil, errors.New("encrypted payload truncated")
	}
	payloadLen := int(binary.BigEndian.Uint16(packet[types.HeaderLength+2:]))
	if payloadLen != len(packet)-types.HeaderLength {
		return nil, errors.New("encrypted payload must be the only payload")
	}
	icv := icvLen(keys)
	if len(packet) < prefixLen+c.IVLen()+icv+1 {
		return nil, errors.New("encrypted payload too short")
	}
	iv := packet[prefixLen : prefixLen+c.IVLen()]

	var plaintext []byte
	if c.IsAEAD() {
		pt, err := c.Decrypt(keys.EncrIn, iv, packet[:prefixLen], packet[prefixLen+c.IVLen():])
		if err != nil {
			return nil, errors.Wrap(err, "decrypt")
		}
		plaintext = pt
	} else {
		signed := packet[:len(packet)-icv]
		if !hmac.Equal(keys.Integrity.Checksum(keys.IntegIn, signed), packet[len(packet)-icv:]) {
			return nil, errors.New("integrity check failed")
		}
		pt, err := c.Decrypt(keys.EncrIn, iv, nil, packet[prefixLen+c.IVLen():len(packet)-icv])
		if err != nil {
			return nil, errors.Wrap(err, "decrypt")
		}
		plaintext = pt
	}
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padLen := int(plaintext[len(plaintext)-1])
	if padLen+1 > len(plaintext) {
		return nil, errors.New("invalid padding")
	}
	return plaintext[:len(plaintext)-padLen-1], nil
}

// Decode verifies, decrypts and parses a protected packet expected to carry
// message ID expectedID. Fragments are collected in buf until the message is
// complete.
func Decode(expectedID uint32, keys *Keys, packet []byte, buf *FragmentBuffer) DecodeResult {
	h, err := message.ParseHeader(packet)
	if err != nil {
		return DecodeResult{Status: StatusUnprotectedError, Err: err}
	}
	if h.MessageID != expectedID {
		return DecodeResult{Status: StatusUnprotectedError, Header: h, Err: ikeerr.InvalidMessageID(h.MessageID)}
	}

	switch h.NextPayload {
	case types.TypeSK:
		plaintext, err := open(packet, h, 0, keys)
		if err != nil {
			return DecodeResult{Status: StatusUnprotectedError, Header: h, Err: err}
		}
		return decodeInner(h, types.PayloadType(packet[types.HeaderLength]), plaintext, packet)
	case types.TypeSKF:
		plaintext, err := open(packet, h, fragmentHeaderLen, keys)
		if err != nil {
			return DecodeResult{Status: StatusUnprotectedError, Header: h, Err: err}
		}
		fh := packet[types.HeaderLength+types.GenericHeaderLen:]
		number := binary.BigEndian.Uint16(fh[0:2])
		total := binary.BigEndian.Uint16(fh[2:4])
		if number == 0 || total == 0 || number > total {
			return DecodeResult{Status: StatusUnprotectedError, Header: h,
				Err: errors.Errorf("invalid fragment %d of %d", number, total)}
		}
		buf.add(h.MessageID, number, total, types.PayloadType(packet[types.HeaderLength]), plaintext, packet)
		if !buf.complete() {
			return DecodeResult{Status: StatusPartial, Header: h}
		}
		first, body, firstPacket := buf.assemble()
		buf.Reset()
		return decodeInner(h, first, body, firstPacket)
	default:
		return DecodeResult{Status: StatusUnprotectedError, Header: h,
			Err: ikeerr.InvalidSyntax("message contains unprotected payloads")}
	}
}

func decodeInner(h *message.Header, first types.PayloadType, body, firstPacket []byte) DecodeResult {
	payloads, err := message.DecodePayloads(first, body)
	if err != nil {
		return DecodeResult{Status: StatusProtectedError, Header: h, FirstPacket: firstPacket, Err: err}
	}
	return DecodeResult{
		Status:      StatusOK,
		Header:      h,
		Message:     &message.Message{Header: *h, Payloads: payloads},
		FirstPacket: firstPacket,
	}
}
