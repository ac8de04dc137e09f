// Copyright 2019 Lanikai Labs. All rights reserved.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/twofish"
)

// Confirm message bodies are protected with a 128-bit-block cipher in full
// block CFB mode. Key length selects AES-128/256 or Twofish-128/256.

func cfb(block cipher.Block, iv, in []byte, encrypt bool) []byte {
	out := make([]byte, len(in))
	if encrypt {
		cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, in)
	} else {
		cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, in)
	}
	return out
}

func AESCFBEncrypt(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cfb(block, iv, in, true), nil
}

func AESCFBDecrypt(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cfb(block, iv, in, false), nil
}

func TwofishCFBEncrypt(key, iv, in []byte) ([]byte, error) {
	block, err := twofish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cfb(block, iv, in, true), nil
}

func TwofishCFBDecrypt(key, iv, in []byte) ([]byte, error) {
	block, err := twofish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cfb(block, iv, in, false), nil
}
