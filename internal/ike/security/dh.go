package security

import (
	"crypto/ecdh"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"github.com/syujy/ikesess/internal/ike/types"
)

// Diffie-Hellman group 14 (RFC 3526)
const (
	group14PrimeString string = "FFFFFFFFFFFFFFFFC90FDAA22168C234" +
		"C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6" +
		"F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804" +
		"F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28F" +
		"B5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"
	group14Generator = 2
)

var group14Prime *big.Int

func init() {
	var ok bool
	if group14Prime, ok = new(big.Int).SetString(group14PrimeString, 16); !ok {
		panic("Error occurs when setting big number \"factor\" in group 14")
	}
}

// KeyExchange is one side of an ephemeral Diffie-Hellman exchange.
type KeyExchange interface {
	Group() uint16
	PublicValue() []byte
	SharedSecret(peerPublicValue []byte) ([]byte, error)
}

// IsSupportedGroup reports whether NewKeyExchange can handle the group.
func IsSupportedGroup(group uint16) bool {
	switch group {
	case types.DH_2048_BIT_MODP, types.DH_256_BIT_ECP, types.DH_CURVE_25519:
		return true
	default:
		return false
	}
}

// NewKeyExchange generates a new local key pair of the group.
func NewKeyExchange(group uint16, rand io.Reader) (KeyExchange, error) {
	switch group {
	case types.DH_2048_BIT_MODP:
		return newModpExchange(rand)
	case types.DH_256_BIT_ECP:
		return newEcpExchange(rand)
	case types.DH_CURVE_25519:
		return newX25519Exchange(rand)
	default:
		return nil, errors.Errorf("Unsupported Diffie-Hellman group: %d", group)
	}
}

type modpExchange struct {
	secret *big.Int
	public []byte
}

func newModpExchange(rand io.Reader) (*modpExchange, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, errors.Wrap(err, "generate DH secret")
	}
	secret := new(big.Int).SetBytes(buf)
	if secret.Sign() == 0 {
		secret.SetInt64(1)
	}
	public := new(big.Int).Exp(big.NewInt(group14Generator), secret, group14Prime)
	return &modpExchange{secret: secret, public: padLeft(public.Bytes(), len(group14Prime.Bytes()))}, nil
}

func (m *modpExchange) Group() uint16       { return types.DH_2048_BIT_MODP }
func (m *modpExchange) PublicValue() []byte { return m.public }

func (m *modpExchange) SharedSecret(peer []byte) ([]byte, error) {
	size := len(group14Prime.Bytes())
	if len(peer) != size {
		return nil, errors.Errorf("invalid group 14 public value length %d", len(peer))
	}
	y := new(big.Int).SetBytes(peer)
	// 1 < y < p-1
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(new(big.Int).Sub(group14Prime, big.NewInt(1))) >= 0 {
		return nil, errors.New("invalid group 14 public value")
	}
	shared := new(big.Int).Exp(y, m.secret, group14Prime)
	return padLeft(shared.Bytes(), size), nil
}

// ECP groups carry the public value as x | y without the uncompressed point
// prefix, and the shared secret is the x coordinate only (RFC 5903).
type ecpExchange struct {
	key *ecdh.PrivateKey
}

func newEcpExchange(rand io.Reader) (*ecpExchange, error) {
	key, err := ecdh.P256().GenerateKey(rand)
	if err != nil {
		return nil, errors.Wrap(err, "generate P-256 key")
	}
	return &ecpExchange{key: key}, nil
}

func (e *ecpExchange) Group() uint16 { return types.DH_256_BIT_ECP }

func (e *ecpExchange) PublicValue() []byte {
	return e.key.PublicKey().Bytes()[1:]
}

func (e *ecpExchange) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != 64 {
		return nil, errors.Errorf("invalid group 19 public value length %d", len(peer))
	}
	pub, err := ecdh.P256().NewPublicKey(append([]byte{0x04}, peer...))
	if err != nil {
		return nil, errors.Wrap(err, "invalid group 19 public value")
	}
	return e.key.ECDH(pub)
}

type x25519Exchange struct {
	scalar []byte
	public []byte
}

func newX25519Exchange(rand io.Reader) (*x25519Exchange, error) {
	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, scalar); err != nil {
		return nil, errors.Wrap(err, "generate X25519 scalar")
	}
	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "X25519")
	}
	return &x25519Exchange{scalar: scalar, public: public}, nil
}

func (x *x25519Exchange) Group() uint16       { return types.DH_CURVE_25519 }
func (x *x25519Exchange) PublicValue() []byte { return x.public }

func (x *x25519Exchange) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, errors.Errorf("invalid group 31 public value length %d", len(peer))
	}
	shared, err := curve25519.X25519(x.scalar, peer)
	if err != nil {
		return nil, errors.Wrap(err, "X25519")
	}
	return shared, nil
}

func padLeft(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
