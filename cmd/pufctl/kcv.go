package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// keyCheckValue identifies a key without revealing it: the first three
// bytes of a domain-separated SHA-256 digest.
func keyCheckValue(key []byte) string {
	h := sha256.New()
	h.Write([]byte("pufkey-kcv-v1"))
	h.Write(key)
	return hex.EncodeToString(h.Sum(nil)[:3])
}

// demoUserKey is the reference user key, laid out as little-endian
// 32-bit words the way the reference firmware stores it.
func demoUserKey() []byte {
	src := []byte("Thispasswordisveryuncommonforher")
	out := make([]byte, len(src))
	for i := 0; i < len(src); i += 4 {
		binary.LittleEndian.PutUint32(out[i:], binary.BigEndian.Uint32(src[i:]))
	}
	return out
}
