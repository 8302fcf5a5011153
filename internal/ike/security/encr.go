package security

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/syujy/ikesess/internal/ike/types"
)

type Cipher interface {
	TransformID() uint16
	// KeyLengthBits is the value of the key length transform attribute,
	// 0 when the transform has a fixed key size.
	KeyLengthBits() uint16
	// KeyLen is the length of the keying material taken from prf+,
	// including the salt of AEAD algorithms.
	KeyLen() int
	IVLen() int
	BlockSize() int
	IsAEAD() bool
	ICVLen() int
	Encrypt(key, iv, aad, plaintext []byte) ([]byte, error)
	Decrypt(key, iv, aad, ciphertext []byte) ([]byte, error)
}

func NewCipher(id uint16, keyLengthBits uint16) (Cipher, error) {
	switch id {
	case types.ENCR_AES_CBC:
		if !validAesKeyLen(keyLengthBits) {
			return nil, errors.Errorf("invalid AES-CBC key length %d", keyLengthBits)
		}
		return &aesCbc{keyBits: keyLengthBits}, nil
	case types.ENCR_AES_GCM_16:
		if !validAesKeyLen(keyLengthBits) {
			return nil, errors.Errorf("invalid AES-GCM key length %d", keyLengthBits)
		}
		return &aesGcm{keyBits: keyLengthBits}, nil
	case types.ENCR_CHACHA20_POLY1305:
		if keyLengthBits != 0 && keyLengthBits != 256 {
			return nil, errors.Errorf("invalid ChaCha20-Poly1305 key length %d", keyLengthBits)
		}
		return new(chacha), nil
	default:
		return nil, errors.Errorf("unsupported encryption algorithm %d", id)
	}
}

// IsAEADTransform reports whether the encryption transform ID is combined mode.
func IsAEADTransform(id uint16) bool {
	return id == types.ENCR_AES_GCM_16 || id == types.ENCR_CHACHA20_POLY1305
}

func validAesKeyLen(bits uint16) bool {
	return bits == 128 || bits == 192 || bits == 256
}

// AES-CBC (RFC 3602)
type aesCbc struct {
	keyBits uint16
}

func (c *aesCbc) TransformID() uint16   { return types.ENCR_AES_CBC }
func (c *aesCbc) KeyLengthBits() uint16 { return c.keyBits }
func (c *aesCbc) KeyLen() int           { return int(c.keyBits) / 8 }
func (c *aesCbc) IVLen() int            { return aes.BlockSize }
func (c *aesCbc) BlockSize() int        { return aes.BlockSize }
func (c *aesCbc) IsAEAD() bool          { return false }
func (c *aesCbc) ICVLen() int           { return 0 }

func (c *aesCbc) Encrypt(key, iv, aad, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.New("plaintext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "AES-CBC")
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func (c *aesCbc) Decrypt(key, iv, aad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "AES-CBC")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// AES-GCM with 16 octet ICV (RFC 5282)
type aesGcm struct {
	keyBits uint16
}

const aeadSaltLen = 4

func (c *aesGcm) TransformID() uint16   { return types.ENCR_AES_GCM_16 }
func (c *aesGcm) KeyLengthBits() uint16 { return c.keyBits }
func (c *aesGcm) KeyLen() int           { return int(c.keyBits)/8 + aeadSaltLen }
func (c *aesGcm) IVLen() int            { return 8 }
func (c *aesGcm) BlockSize() int        { return 1 }
func (c *aesGcm) IsAEAD() bool          { return true }
func (c *aesGcm) ICVLen() int           { return 16 }

func (c *aesGcm) aead(key []byte) (cipher.AEAD, []byte, error) {
	if len(key) != c.KeyLen() {
		return nil, nil, errors.Errorf("invalid AES-GCM key material length %d", len(key))
	}
	split := len(key) - aeadSaltLen
	block, err := aes.NewCipher(key[:split])
	if err != nil {
		return nil, nil, errors.Wrap(err, "AES-GCM")
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errors.Wrap(err, "AES-GCM")
	}
	return a, key[split:], nil
}

func (c *aesGcm) Encrypt(key, iv, aad, plaintext []byte) ([]byte, error) {
	a, salt, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return a.Seal(nil, append(append([]byte(nil), salt...), iv...), plaintext, aad), nil
}

func (c *aesGcm) Decrypt(key, iv, aad, ciphertext []byte) ([]byte, error) {
	a, salt, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return a.Open(nil, append(append([]byte(nil), salt...), iv...), ciphertext, aad)
}

// ChaCha20-Poly1305 (RFC 7634)
type chacha struct{}

func (c *chacha) TransformID() uint16   { return types.ENCR_CHACHA20_POLY1305 }
func (c *chacha) KeyLengthBits() uint16 { return 0 }
func (c *chacha) KeyLen() int           { return chacha20poly1305.KeySize + aeadSaltLen }
func (c *chacha) IVLen() int            { return 8 }
func (c *chacha) BlockSize() int        { return 1 }
func (c *chacha) IsAEAD() bool          { return true }
func (c *chacha) ICVLen() int           { return chacha20poly1305.Overhead }

func (c *chacha) aead(key []byte) (cipher.AEAD, []byte, error) {
	if len(key) != c.KeyLen() {
		return nil, nil, errors.Errorf("invalid ChaCha20-Poly1305 key material length %d", len(key))
	}
	a, err := chacha20poly1305.New(key[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, errors.Wrap(err, "ChaCha20-Poly1305")
	}
	return a, key[chacha20poly1305.KeySize:], nil
}

func (c *chacha) Encrypt(key, iv, aad, plaintext []byte) ([]byte, error) {
	a, salt, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return a.Seal(nil, append(append([]byte(nil), salt...), iv...), plaintext, aad), nil
}

func (c *chacha) Decrypt(key, iv, aad, ciphertext []byte) ([]byte, error) {
	a, salt, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return a.Open(nil, append(append([]byte(nil), salt...), iv...), ciphertext, aad)
}
