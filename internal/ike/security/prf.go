package security

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/types"
)

type Prf interface {
	TransformID() uint16
	// KeyLen is the preferred key length, used for SK_d and SK_p.
	KeyLen() int
	OutputLen() int
	Sign(key, data []byte) []byte
}

type hmacPrf struct {
	id     uint16
	newFn  func() hash.Hash
	outLen int
}

func (p *hmacPrf) TransformID() uint16 { return p.id }
func (p *hmacPrf) KeyLen() int         { return p.outLen }
func (p *hmacPrf) OutputLen() int      { return p.outLen }

func (p *hmacPrf) Sign(key, data []byte) []byte {
	mac := hmac.New(p.newFn, key)
	_, _ = mac.Write(data) // hash.Hash.Write() never return an error
	return mac.Sum(nil)
}

func NewPrf(id uint16) (Prf, error) {
	switch id {
	case types.PRF_HMAC_SHA1:
		return &hmacPrf{id: id, newFn: sha1.New, outLen: sha1.Size}, nil
	case types.PRF_HMAC_SHA2_256:
		return &hmacPrf{id: id, newFn: sha256.New, outLen: sha256.Size}, nil
	case types.PRF_HMAC_SHA2_384:
		return &hmacPrf{id: id, newFn: sha512.New384, outLen: sha512.Size384}, nil
	default:
		return nil, errors.Errorf("unsupported PRF %d", id)
	}
}

// PrfPlus generates keying material as defined in RFC 7296 Section 2.13:
// prf+ (K,S) = T1 | T2 | T3 | ...
// T1 = prf (K, S | 0x01), Tn = prf (K, Tn-1 | S | n)
func PrfPlus(prf Prf, key, seed []byte, length int) []byte {
	var keyStream, block []byte
	for index := byte(1); len(keyStream) < length; index++ {
		in := make([]byte, 0, len(block)+len(seed)+1)
		in = append(in, block...)
		in = append(in, seed...)
		in = append(in, index)
		block = prf.Sign(key, in)
		keyStream = append(keyStream, block...)
	}
	return keyStream[:length]
}

// SKeySeed computes the seed of a new IKE SA: prf(Ni | Nr, g^ir)
func SKeySeed(prf Prf, ni, nr, sharedKey []byte) []byte {
	key := make([]byte, 0, len(ni)+len(nr))
	key = append(key, ni...)
	key = append(key, nr...)
	return prf.Sign(key, sharedKey)
}

// RekeySKeySeed computes the seed of a rekeyed IKE SA:
// prf(SK_d (old), g^ir (new) | Ni | Nr)
func RekeySKeySeed(prf Prf, oldSkD, sharedKey, ni, nr []byte) []byte {
	data := make([]byte, 0, len(sharedKey)+len(ni)+len(nr))
	data = append(data, sharedKey...)
	data = append(data, ni...)
	data = append(data, nr...)
	return prf.Sign(oldSkD, data)
}

// ChildKeyMaterial computes KEYMAT of a Child SA (RFC 7296 Section 2.17):
// prf+(SK_d, [g^ir (new) |] Ni | Nr)
func ChildKeyMaterial(prf Prf, skD, sharedKey, ni, nr []byte, length int) []byte {
	seed := make([]byte, 0, len(sharedKey)+len(ni)+len(nr))
	seed = append(seed, sharedKey...)
	seed = append(seed, ni...)
	seed = append(seed, nr...)
	return PrfPlus(prf, skD, seed, length)
}
