package common

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Keccak256 computes the legacy Keccak256 hash of the given data
func Keccak256(data []byte) Hash {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(data)
	h := hash.Sum(nil)
	return BytesToHash(h)
}

// Keccak256Pair hashes the concatenation of two 32-byte values.
// This is the internal-node hash of the on-chain tree program.
func Keccak256Pair(left, right Hash) Hash {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(left.Bytes())
	hash.Write(right.Bytes())
	return BytesToHash(hash.Sum(nil))
}

func Uint64ToBytes(val uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, val)
	return bytes
}

func Uint32ToBytes(val uint32) []byte {
	bytes := make([]byte, 4)
	binary.BigEndian.PutUint32(bytes, val)
	return bytes
}

func BytesToUint64(data []byte) uint64 {
	if len(data) < 8 {
		panic("BytesToUint64: byte slice too short")
	}
	return binary.BigEndian.Uint64(data)
}

func BytesToUint32(data []byte) uint32 {
	if len(data) < 4 {
		panic("BytesToUint32: byte slice too short")
	}
	return binary.BigEndian.Uint32(data)
}
