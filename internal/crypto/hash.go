// Copyright 2019 Lanikai Labs. All rights reserved.

// Package crypto adapts the cryptographic primitives the ZRTP engine needs
// (hashes, HMAC, CFB block ciphers, key agreements) to small uniform
// functions. Algorithm selection lives in the engine; nothing here depends on
// protocol state.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// SHA256 is the implicit ZRTP hash: hash chains and message MACs always use
// it regardless of the negotiated hash.
func SHA256(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func SHA384(data ...[]byte) []byte {
	h := sha512.New384()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func hmacSum(newHash func() hash.Hash, key []byte, data []byte, n int) []byte {
	mac := hmac.New(newHash, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	if n > 0 && n < len(sum) {
		sum = sum[:n]
	}
	return sum
}

// HMACSHA256 computes HMAC-SHA-256 over data, truncated to n bytes
// (untruncated when n is 0 or exceeds the digest size). The implicit ZRTP MAC
// is the 8-byte truncation of this.
func HMACSHA256(key, data []byte, n int) []byte {
	return hmacSum(sha256.New, key, data, n)
}

func HMACSHA384(key, data []byte, n int) []byte {
	return hmacSum(sha512.New384, key, data, n)
}

// EqualMAC compares two MACs in constant time.
func EqualMAC(a, b []byte) bool {
	return hmac.Equal(a, b)
}
