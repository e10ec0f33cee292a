// Package poc implements the Burst/Signum proof-of-capacity protocol math:
// generation signature handling, scoop derivation, and deadline hashing.
package poc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/shizukutanaka/Karite/internal/shabal"
)

const (
	// ScoopSize is the per-nonce slice relevant to one round.
	ScoopSize = 64
	// NumScoops is the number of scoops per nonce.
	NumScoops = 4096
	// NonceSize is the on-disk size of one nonce (4096 scoops x 64 bytes).
	NonceSize = ScoopSize * NumScoops
	// GenSigSize is the generation signature length.
	GenSigSize = 32
)

// DecodeGenSig parses the hex generation signature delivered by the wallet.
func DecodeGenSig(s string) ([GenSigSize]byte, error) {
	var gensig [GenSigSize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return gensig, fmt.Errorf("invalid generation signature %q: %w", s, err)
	}
	if len(raw) != GenSigSize {
		return gensig, fmt.Errorf("generation signature must be %d bytes, got %d", GenSigSize, len(raw))
	}
	copy(gensig[:], raw)
	return gensig, nil
}

// CalculateScoop derives the scoop index for a block: the low 12 bits of
// shabal256(gensig || height_be). All miners and the wallet must agree on
// this value, so the construction is protocol-frozen.
func CalculateScoop(height uint64, gensig *[GenSigSize]byte) uint32 {
	var data [GenSigSize + 8]byte
	copy(data[:GenSigSize], gensig[:])
	binary.BigEndian.PutUint64(data[GenSigSize:], height)
	sum := shabal.Sum256(data[:])
	return uint32(sum[30]&0x0F)<<8 | uint32(sum[31])
}

// Deadline computes the raw (unadjusted) deadline for a single scoop:
// the little-endian first 8 bytes of shabal256(gensig || scoop).
// The caller divides by the round's base target to obtain seconds.
func Deadline(gensig *[GenSigSize]byte, scoop []byte) uint64 {
	var data [GenSigSize + ScoopSize]byte
	copy(data[:GenSigSize], gensig[:])
	copy(data[GenSigSize:], scoop[:ScoopSize])
	sum := shabal.Sum256(data[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// CapacityGiB converts a nonce count to whole GiB, the unit the pool
// protocol reports capacity in.
func CapacityGiB(nonces uint64) uint64 {
	return nonces * NonceSize >> 30
}

// CapacityBytes converts a nonce count to bytes of committed plot data.
func CapacityBytes(nonces uint64) uint64 {
	return nonces * NonceSize
}
