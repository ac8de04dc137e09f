// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

// Algorithm identifiers for the five negotiated categories. The wire encoding
// of each identifier is a 4-character ASCII tag from RFC 6189 section 5.1.2.

type HashAlgo uint8

const (
	HashNone HashAlgo = iota
	HashS256          // SHA-256, mandatory
	HashS384          // SHA-384
)

type CipherAlgo uint8

const (
	CipherNone CipherAlgo = iota
	CipherAES1            // AES-128 in CFB mode, mandatory
	CipherAES3            // AES-256 in CFB mode
	Cipher2FS1            // Twofish-128 in CFB mode
	Cipher2FS3            // Twofish-256 in CFB mode
)

type AuthTagAlgo uint8

const (
	AuthTagNone AuthTagAlgo = iota
	AuthTagHS32             // HMAC-SHA1 32 bit tag, mandatory
	AuthTagHS80             // HMAC-SHA1 80 bit tag
	AuthTagSK32             // Skein 32 bit tag
	AuthTagSK64             // Skein 64 bit tag
)

type KeyAgreement uint8

const (
	KeyAgreementNone KeyAgreement = iota
	KeyAgreementDH3k              // 3072-bit MODP group, mandatory
	KeyAgreementDH2k              // 2048-bit MODP group
	KeyAgreementX255              // ECDH over Curve25519
	KeyAgreementK255              // KEM built on Curve25519; public value rides in the Commit
	KeyAgreementMult              // multistream, keyed from ZRTPSess
	KeyAgreementPrsh              // preshared; wire support only, never initiated
)

type SASAlgo uint8

const (
	SASNone SASAlgo = iota
	SASB32          // 4 characters, mandatory
	SASB256         // two PGP words
)

var hashTags = map[HashAlgo]string{HashS256: "S256", HashS384: "S384"}
var cipherTags = map[CipherAlgo]string{CipherAES1: "AES1", CipherAES3: "AES3", Cipher2FS1: "2FS1", Cipher2FS3: "2FS3"}
var authTagTags = map[AuthTagAlgo]string{AuthTagHS32: "HS32", AuthTagHS80: "HS80", AuthTagSK32: "SK32", AuthTagSK64: "SK64"}
var keyAgreementTags = map[KeyAgreement]string{
	KeyAgreementDH3k: "DH3k", KeyAgreementDH2k: "DH2k",
	KeyAgreementX255: "X255", KeyAgreementK255: "K255",
	KeyAgreementMult: "Mult", KeyAgreementPrsh: "Prsh",
}
var sasTags = map[SASAlgo]string{SASB32: "B32 ", SASB256: "B256"}

func tagToHash(tag string) HashAlgo {
	for a, t := range hashTags {
		if t == tag {
			return a
		}
	}
	return HashNone
}

func tagToCipher(tag string) CipherAlgo {
	for a, t := range cipherTags {
		if t == tag {
			return a
		}
	}
	return CipherNone
}

func tagToAuthTag(tag string) AuthTagAlgo {
	for a, t := range authTagTags {
		if t == tag {
			return a
		}
	}
	return AuthTagNone
}

func tagToKeyAgreement(tag string) KeyAgreement {
	for a, t := range keyAgreementTags {
		if t == tag {
			return a
		}
	}
	return KeyAgreementNone
}

func tagToSAS(tag string) SASAlgo {
	for a, t := range sasTags {
		if t == tag {
			return a
		}
	}
	return SASNone
}

func (a HashAlgo) String() string     { return hashTags[a] }
func (a CipherAlgo) String() string   { return cipherTags[a] }
func (a AuthTagAlgo) String() string  { return authTagTags[a] }
func (a KeyAgreement) String() string { return keyAgreementTags[a] }
func (a SASAlgo) String() string      { return sasTags[a] }

// length returns the output size in bytes of the hash.
func (a HashAlgo) length() int {
	if a == HashS384 {
		return 48
	}
	return 32
}

// keyLength returns the cipher key size in bytes.
func (a CipherAlgo) keyLength() int {
	switch a {
	case CipherAES3, Cipher2FS3:
		return 32
	default:
		return 16
	}
}

// tagLength returns the SRTP authentication tag size in bytes.
func (a AuthTagAlgo) tagLength() int {
	switch a {
	case AuthTagHS80:
		return 10
	case AuthTagSK64:
		return 8
	default:
		return 4
	}
}

// isDH reports whether the mode performs a public value exchange, as opposed
// to the multistream and preshared modes which derive keys without one.
func (a KeyAgreement) isDH() bool {
	return a != KeyAgreementMult && a != KeyAgreementPrsh && a != KeyAgreementNone
}

// isKEM reports whether the key agreement is an encapsulation mechanism, in
// which case the Commit carries the public key and DHPart1 the ciphertext.
func (a KeyAgreement) isKEM() bool {
	return a == KeyAgreementK255
}

// sharedSecretLength returns the DHResult size in bytes.
func (a KeyAgreement) sharedSecretLength() int {
	switch a {
	case KeyAgreementDH3k:
		return 384
	case KeyAgreementDH2k:
		return 256
	case KeyAgreementX255, KeyAgreementK255:
		return 32
	default:
		return 0
	}
}

// publicValueLength returns the size in bytes of the public value carried by
// the given message type. It is zero for modes without one.
func (a KeyAgreement) publicValueLength(typ msgType) int {
	switch a {
	case KeyAgreementDH3k:
		return 384
	case KeyAgreementDH2k:
		return 256
	case KeyAgreementX255:
		return 32
	case KeyAgreementK255:
		// public key in the Commit, ciphertext in DHPart1, nonce in DHPart2
		switch typ {
		case msgTypeCommit, msgTypeDHPart1, msgTypeDHPart2:
			return 32
		}
		return 0
	default:
		return 0
	}
}

// commitVariableLength returns the size of the mode-dependent part of a
// Commit message.
func (a KeyAgreement) commitVariableLength() int {
	switch a {
	case KeyAgreementMult:
		return 16 // nonce
	case KeyAgreementPrsh:
		return 24 // nonce + keyID
	case KeyAgreementNone:
		return 0
	default:
		n := 32 // hvi
		if a.isKEM() {
			n += a.publicValueLength(msgTypeCommit)
		}
		return n
	}
}

// Default algorithm menus, in local preference order. Mandatory entries are
// injected during negotiation when absent from either side.
var (
	defaultHashes        = []HashAlgo{HashS256, HashS384}
	defaultCiphers       = []CipherAlgo{CipherAES1, CipherAES3, Cipher2FS1, Cipher2FS3}
	defaultAuthTags      = []AuthTagAlgo{AuthTagHS32, AuthTagHS80}
	defaultKeyAgreements = []KeyAgreement{KeyAgreementDH3k, KeyAgreementX255, KeyAgreementK255, KeyAgreementDH2k, KeyAgreementMult}
	defaultSASes         = []SASAlgo{SASB32, SASB256}
)

// maxMenuEntries bounds each advertised list; the Hello counts are 4-bit
// fields. NewSession refuses longer menus, and counts above 7 are clamped on
// parse.
const maxMenuEntries = 7
