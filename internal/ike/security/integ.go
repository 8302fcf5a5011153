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

type Integrity interface {
	TransformID() uint16
	KeyLen() int
	ChecksumLen() int
	Checksum(key, data []byte) []byte
}

type hmacIntegrity struct {
	id       uint16
	newFn    func() hash.Hash
	keyLen   int
	truncLen int
}

func (i *hmacIntegrity) TransformID() uint16 { return i.id }
func (i *hmacIntegrity) KeyLen() int         { return i.keyLen }
func (i *hmacIntegrity) ChecksumLen() int    { return i.truncLen }

func (i *hmacIntegrity) Checksum(key, data []byte) []byte {
	mac := hmac.New(i.newFn, key)
	_, _ = mac.Write(data) // hash.Hash.Write() never return an error
	return mac.Sum(nil)[:i.truncLen]
}

func NewIntegrity(id uint16) (Integrity, error) {
	switch id {
	case types.AUTH_HMAC_SHA1_96:
		return &hmacIntegrity{id: id, newFn: sha1.New, keyLen: 20, truncLen: 12}, nil
	case types.AUTH_HMAC_SHA2_256_128:
		return &hmacIntegrity{id: id, newFn: sha256.New, keyLen: 32, truncLen: 16}, nil
	case types.AUTH_HMAC_SHA2_384_192:
		return &hmacIntegrity{id: id, newFn: sha512.New384, keyLen: 48, truncLen: 24}, nil
	default:
		return nil, errors.Errorf("unsupported integrity algorithm %d", id)
	}
}
