package security

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const NonceLen = 32

func GenerateNonce(rand io.Reader) ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return nonce, nil
}

// GenerateIkeSPI returns a random non-zero 8 bytes SPI.
func GenerateIkeSPI(rand io.Reader) (uint64, error) {
	b := make([]byte, 8)
	for {
		if _, err := io.ReadFull(rand, b); err != nil {
			return 0, errors.Wrap(err, "generate IKE SPI")
		}
		if spi := binary.BigEndian.Uint64(b); spi != 0 {
			return spi, nil
		}
	}
}

// GenerateChildSPI returns a random 4 bytes SPI outside of the range
// reserved by IANA (1-255).
func GenerateChildSPI(rand io.Reader) (uint32, error) {
	b := make([]byte, 4)
	for {
		if _, err := io.ReadFull(rand, b); err != nil {
			return 0, errors.Wrap(err, "generate Child SPI")
		}
		if spi := binary.BigEndian.Uint32(b); spi > 255 {
			return spi, nil
		}
	}
}
