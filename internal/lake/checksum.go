package lake

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ChecksumBuilder accumulates byte slices into a single checksum so large
// inputs can be hashed without concatenation.
type ChecksumBuilder struct {
	h hash.Hash
}

func NewChecksumBuilder() *ChecksumBuilder {
	return &ChecksumBuilder{h: sha256.New()}
}

func (b *ChecksumBuilder) Add(data []byte) {
	b.h.Write(data)
	b.h.Write([]byte{0}) // separator so ("ab","c") != ("a","bc")
}

func (b *ChecksumBuilder) Sum() string {
	return "sha256:" + hex.EncodeToString(b.h.Sum(nil))
}
