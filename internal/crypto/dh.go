// Copyright 2019 Lanikai Labs. All rights reserved.

package crypto

import (
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrWeakPublicValue = errors.New("crypto: weak public value")
	ErrBadPublicValue  = errors.New("crypto: public value has wrong size")
)

// An Exchange produces a public value and later the shared secret for one key
// agreement. One exchange is performed per ZRTP session, on its main channel.
type Exchange interface {
	// PublicValue returns the fixed-size public value to put on the wire.
	PublicValue() []byte

	// SharedSecret computes the shared secret from the peer's public value.
	// Degenerate peer values are rejected with ErrWeakPublicValue.
	SharedSecret(peer []byte) ([]byte, error)

	// Wipe destroys the private key.
	Wipe()
}

// Finite-field groups from RFC 3526, generator 2.
var (
	modp2048 = mustGroup("" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF")

	modp3072 = mustGroup("" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64" +
		"ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6B" +
		"F12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
		"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB31" +
		"43DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF")
)

type group struct {
	p    *big.Int
	pMin *big.Int // p-1
	size int      // public value size in bytes
}

func mustGroup(hex string) *group {
	p, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("crypto: bad group prime")
	}
	return &group{p: p, pMin: new(big.Int).Sub(p, big.NewInt(1)), size: len(hex) / 2}
}

// modpExchange is a classic finite-field Diffie-Hellman exchange.
type modpExchange struct {
	g    *group
	x    *big.Int
	self []byte
}

// NewDH3072 creates an exchange over the 3072-bit MODP group. exponentLen is
// the private exponent size in bytes, twice the negotiated cipher key length.
func NewDH3072(rand io.Reader, exponentLen int) (Exchange, error) {
	return newModpExchange(modp3072, rand, exponentLen)
}

// NewDH2048 creates an exchange over the 2048-bit MODP group.
func NewDH2048(rand io.Reader, exponentLen int) (Exchange, error) {
	return newModpExchange(modp2048, rand, exponentLen)
}

func newModpExchange(g *group, rand io.Reader, exponentLen int) (*modpExchange, error) {
	buf := make([]byte, exponentLen)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(buf)
	Wipe(buf)

	pub := new(big.Int).Exp(big.NewInt(2), x, g.p)
	return &modpExchange{g: g, x: x, self: leftPad(pub.Bytes(), g.size)}, nil
}

func (e *modpExchange) PublicValue() []byte { return e.self }

func (e *modpExchange) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != e.g.size {
		return nil, ErrBadPublicValue
	}
	pv := new(big.Int).SetBytes(peer)
	// Reject pv <= 1 and pv >= p-1; those force the shared secret into a
	// trivial subgroup.
	if pv.Cmp(big.NewInt(1)) <= 0 || pv.Cmp(e.g.pMin) >= 0 {
		return nil, ErrWeakPublicValue
	}
	shared := new(big.Int).Exp(pv, e.x, e.g.p)
	return leftPad(shared.Bytes(), e.g.size), nil
}

func (e *modpExchange) Wipe() {
	if e.x != nil {
		e.x.SetInt64(0)
		e.x = nil
	}
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// x25519Exchange is an ECDH exchange over Curve25519.
type x25519Exchange struct {
	priv [32]byte
	self [32]byte
}

func NewX25519(rand io.Reader) (Exchange, error) {
	e := new(x25519Exchange)
	if _, err := io.ReadFull(rand, e.priv[:]); err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&e.self, &e.priv)
	return e, nil
}

func (e *x25519Exchange) PublicValue() []byte { return e.self[:] }

func (e *x25519Exchange) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != 32 {
		return nil, ErrBadPublicValue
	}
	var peerPoint, shared [32]byte
	copy(peerPoint[:], peer)
	curve25519.ScalarMult(&shared, &e.priv, &peerPoint)
	if allZero(shared[:]) {
		return nil, ErrWeakPublicValue
	}
	return shared[:], nil
}

func (e *x25519Exchange) Wipe() {
	Wipe(e.priv[:])
}

func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}
