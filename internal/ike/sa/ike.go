package sa

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/codec"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/security"
)

// IkeSaRecord is one generation of an IKE SA: keys, message ID counters and
// the caches needed to answer retransmitted requests.
type IkeSaRecord struct {
	lifetime

	InitiatorSPI uint64
	ResponderSPI uint64
	// IsLocalInit is true when we were the initiator of the exchange that
	// created this SA.
	IsLocalInit bool
	Ni          []byte
	Nr          []byte
	Suite       *security.Suite

	SkD  []byte
	SkAi []byte
	SkAr []byte
	SkEi []byte
	SkEr []byte
	SkPi []byte
	SkPr []byte

	localRequestID  uint32
	remoteRequestID uint32

	lastSentResponse          [][]byte
	lastReceivedRequestPacket []byte
	RequestFragments          codec.FragmentBuffer
	ResponseFragments         codec.FragmentBuffer

	onClose func()
	closed  bool
}

type IkeSaParams struct {
	IsLocalInit  bool
	InitiatorSPI uint64
	ResponderSPI uint64
	Ni           []byte
	Nr           []byte
	SharedKey    []byte
	Suite        *security.Suite
	// OnClose releases the local SPI
	OnClose func()
}

// MakeFirstIkeSaRecord derives the keys of the IKE SA negotiated by
// IKE_SA_INIT: SKEYSEED = prf(Ni | Nr, g^ir).
func MakeFirstIkeSaRecord(p *IkeSaParams) (*IkeSaRecord, error) {
	if p.Suite == nil || p.Suite.Prf == nil {
		return nil, errors.New("IKE SA suite without PRF")
	}
	skeyseed := security.SKeySeed(p.Suite.Prf, p.Ni, p.Nr, p.SharedKey)
	return makeIkeSaRecord(p, skeyseed)
}

// MakeRekeyedIkeSaRecord derives the keys of an IKE SA created by rekeying
// old: SKEYSEED = prf_old(SK_d (old), g^ir (new) | Ni | Nr).
func MakeRekeyedIkeSaRecord(old *IkeSaRecord, p *IkeSaParams) (*IkeSaRecord, error) {
	if p.Suite == nil || p.Suite.Prf == nil {
		return nil, errors.New("IKE SA suite without PRF")
	}
	skeyseed := security.RekeySKeySeed(old.Suite.Prf, old.SkD, p.SharedKey, p.Ni, p.Nr)
	return makeIkeSaRecord(p, skeyseed)
}

func makeIkeSaRecord(p *IkeSaParams, skeyseed []byte) (*IkeSaRecord, error) {
	s := p.Suite
	prfLen := s.Prf.KeyLen()
	integLen := 0
	if s.Integrity != nil {
		integLen = s.Integrity.KeyLen()
	}
	encrLen := s.Cipher.KeyLen()

	// Ni | Nr | SPIi | SPIr
	seed := make([]byte, 0, len(p.Ni)+len(p.Nr)+16)
	seed = append(seed, p.Ni...)
	seed = append(seed, p.Nr...)
	seed = binary.BigEndian.AppendUint64(seed, p.InitiatorSPI)
	seed = binary.BigEndian.AppendUint64(seed, p.ResponderSPI)
	keyStream := security.PrfPlus(s.Prf, skeyseed, seed, 3*prfLen+2*integLen+2*encrLen)

	r := &IkeSaRecord{
		InitiatorSPI: p.InitiatorSPI,
		ResponderSPI: p.ResponderSPI,
		IsLocalInit:  p.IsLocalInit,
		Ni:           p.Ni,
		Nr:           p.Nr,
		Suite:        s,
		onClose:      p.OnClose,
	}
	take := func(n int) []byte {
		k := keyStream[:n:n]
		keyStream = keyStream[n:]
		return k
	}
	r.SkD = take(prfLen)
	r.SkAi = take(integLen)
	r.SkAr = take(integLen)
	r.SkEi = take(encrLen)
	r.SkEr = take(encrLen)
	r.SkPi = take(prfLen)
	r.SkPr = take(prfLen)
	zero(skeyseed)
	return r, nil
}

func (r *IkeSaRecord) LocalSPI() uint64 {
	if r.IsLocalInit {
		return r.InitiatorSPI
	}
	return r.ResponderSPI
}

func (r *IkeSaRecord) RemoteSPI() uint64 {
	if r.IsLocalInit {
		return r.ResponderSPI
	}
	return r.InitiatorSPI
}

// Keys returns the protection keys in our role.
func (r *IkeSaRecord) Keys() *codec.Keys {
	k := &codec.Keys{Cipher: r.Suite.Cipher, Integrity: r.Suite.Integrity}
	if r.IsLocalInit {
		k.EncrOut, k.IntegOut, k.EncrIn, k.IntegIn = r.SkEi, r.SkAi, r.SkEr, r.SkAr
	} else {
		k.EncrOut, k.IntegOut, k.EncrIn, k.IntegIn = r.SkEr, r.SkAr, r.SkEi, r.SkAi
	}
	return k
}

// LocalSkP and RemoteSkP are the keys authenticating our and the peer's ID.
func (r *IkeSaRecord) LocalSkP() []byte {
	if r.IsLocalInit {
		return r.SkPi
	}
	return r.SkPr
}

func (r *IkeSaRecord) RemoteSkP() []byte {
	if r.IsLocalInit {
		return r.SkPr
	}
	return r.SkPi
}

func (r *IkeSaRecord) LocalRequestMessageID() uint32 { return r.localRequestID }

func (r *IkeSaRecord) RemoteRequestMessageID() uint32 { return r.remoteRequestID }

func (r *IkeSaRecord) IncrementLocalRequestMessageID() {
	r.localRequestID++
	r.ResponseFragments.Reset()
}

func (r *IkeSaRecord) IncrementRemoteRequestMessageID() {
	r.remoteRequestID++
	r.RequestFragments.Reset()
}

// UpdateLastReceivedRequest caches the first packet of the request being
// answered, used to recognise its retransmissions.
func (r *IkeSaRecord) UpdateLastReceivedRequest(firstPacket []byte) {
	r.lastReceivedRequestPacket = append([]byte(nil), firstPacket...)
}

func (r *IkeSaRecord) UpdateLastSentResponse(packets [][]byte) {
	r.lastSentResponse = packets
}

func (r *IkeSaRecord) LastSentResponse() [][]byte {
	return r.lastSentResponse
}

// IsRetransmittedRequest reports whether packet is a copy of the last
// request we already answered.
func (r *IkeSaRecord) IsRetransmittedRequest(messageID uint32, packet []byte) bool {
	return r.remoteRequestID > 0 && messageID == r.remoteRequestID-1 &&
		r.lastReceivedRequestPacket != nil && bytes.Equal(packet, r.lastReceivedRequestPacket)
}

// IsDuplicateResponse reports whether a response carries the ID of the
// exchange that was already completed.
func (r *IkeSaRecord) IsDuplicateResponse(messageID uint32) bool {
	return r.localRequestID > 0 && messageID == r.localRequestID-1
}

// CompareTo orders two SAs created by simultaneous rekeying. Both peers
// compute the same result: the SA whose lowest nonce is smaller is the
// lower one and gets deleted by its creator (RFC 7296 Section 2.8.1).
func (r *IkeSaRecord) CompareTo(other *IkeSaRecord) int {
	return CompareNonce(lowestNonce(r.Ni, r.Nr), lowestNonce(other.Ni, other.Nr))
}

func lowestNonce(ni, nr []byte) []byte {
	if CompareNonce(ni, nr) <= 0 {
		return ni
	}
	return nr
}

// CompareNonce compares two nonces as unsigned big-endian integers, the
// longer one winning a tie.
func CompareNonce(a, b []byte) int {
	size := len(a)
	if len(b) > size {
		size = len(b)
	}
	pa := make([]byte, size)
	pb := make([]byte, size)
	copy(pa[size-len(a):], a)
	copy(pb[size-len(b):], b)
	if c := bytes.Compare(pa, pb); c != 0 {
		return c
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (r *IkeSaRecord) Closed() bool {
	return r.closed
}

// Close stops the alarms, zeroes the keys and releases the local SPI.
func (r *IkeSaRecord) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.StopLifetime()
	zero(r.SkD, r.SkAi, r.SkAr, r.SkEi, r.SkEr, r.SkPi, r.SkPr)
	if r.onClose != nil {
		r.onClose()
	}
}

// IkeSaProposalSPI returns the 8 bytes SPI field of a rekey proposal.
func IkeSaProposalSPI(spi uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, spi)
}

// RemoteSPIFromProposal reads the SPI the peer chose for a rekeyed IKE SA.
func RemoteSPIFromProposal(p *message.Proposal) (uint64, error) {
	if spi := p.IkeSPI(); spi != 0 {
		return spi, nil
	}
	return 0, errors.New("IKE proposal without 8 bytes SPI")
}
