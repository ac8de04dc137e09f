// Copyright 2019 Lanikai Labs. All rights reserved.

package crypto

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// KEM is a key encapsulation mechanism built on Curve25519. The holder of the
// key pair publishes its public key (in the Commit message), the peer
// encapsulates a shared secret against it (ciphertext rides in DHPart1), and
// the holder decapsulates. The shared secret binds the raw Diffie-Hellman
// output to both public values so neither side can grind it.
type KEM struct {
	priv   [32]byte
	public [32]byte
	shared []byte // filled by Encapsulate or Decapsulate
}

// KEMPublicValueLength is the size of both the public key and the ciphertext.
const KEMPublicValueLength = 32

// NewKEM generates a key pair for the committing side.
func NewKEM(rand io.Reader) (*KEM, error) {
	k := new(KEM)
	if _, err := io.ReadFull(rand, k.priv[:]); err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&k.public, &k.priv)
	return k, nil
}

// PublicKey returns the public key to publish.
func (k *KEM) PublicKey() []byte { return k.public[:] }

// Encapsulate derives a fresh shared secret against the peer's public key and
// returns the ciphertext to transmit. Used by the side that did not commit.
func Encapsulate(rand io.Reader, peerPublic []byte) (ciphertext, shared []byte, err error) {
	if len(peerPublic) != KEMPublicValueLength {
		return nil, nil, ErrBadPublicValue
	}
	var eph, ct, pk, raw [32]byte
	if _, err := io.ReadFull(rand, eph[:]); err != nil {
		return nil, nil, err
	}
	copy(pk[:], peerPublic)
	curve25519.ScalarBaseMult(&ct, &eph)
	curve25519.ScalarMult(&raw, &eph, &pk)
	Wipe(eph[:])
	if allZero(raw[:]) {
		return nil, nil, ErrWeakPublicValue
	}
	shared = SHA256(raw[:], ct[:], pk[:])
	Wipe(raw[:])
	return ct[:], shared, nil
}

// Decapsulate recovers the shared secret from the peer's ciphertext and
// retains it for SharedSecret.
func (k *KEM) Decapsulate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != KEMPublicValueLength {
		return nil, ErrBadPublicValue
	}
	var ct, raw [32]byte
	copy(ct[:], ciphertext)
	curve25519.ScalarMult(&raw, &k.priv, &ct)
	if allZero(raw[:]) {
		return nil, ErrWeakPublicValue
	}
	k.shared = SHA256(raw[:], ct[:], k.public[:])
	Wipe(raw[:])
	return k.shared, nil
}

// Wipe destroys the private key and any derived secret.
func (k *KEM) Wipe() {
	Wipe(k.priv[:])
	Wipe(k.shared)
}
