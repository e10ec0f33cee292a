package poc

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/cpuid/v2"

	"github.com/shizukutanaka/Karite/internal/shabal"
)

// BestDeadlineFunc scans nonces consecutive scoops and returns the lowest raw
// deadline together with the offset (in scoops) where it was found. Ties
// resolve to the lowest offset so results are reproducible.
type BestDeadlineFunc func(gensig *[GenSigSize]byte, scoops []byte, nonces uint64) (best uint64, offset uint64)

// Kernel is one deadline-scanning implementation. Lanes is how many scoops a
// single loop iteration keeps in flight; wider kernels keep more independent
// hash states live so the superscalar units stay busy, matching the lane
// widths of the AVX-512F/AVX2/SSE2 instruction sets they are named after.
type Kernel struct {
	Name  string
	Lanes int
	Find  BestDeadlineFunc
}

var kernels = []Kernel{
	{Name: "avx512f", Lanes: 16, Find: findBestLanes(16)},
	{Name: "avx2", Lanes: 8, Find: findBestLanes(8)},
	{Name: "sse2", Lanes: 4, Find: findBestLanes(4)},
	{Name: "scalar", Lanes: 1, Find: findBestScalar},
}

// SelectKernel probes the CPU once and binds the widest supported kernel.
// The probe happens at startup only; the hashing hot path never branches on
// CPU features.
func SelectKernel() Kernel {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return kernels[0]
	case cpuid.CPU.Supports(cpuid.AVX2):
		return kernels[1]
	case cpuid.CPU.Supports(cpuid.SSE2) || cpuid.CPU.Supports(cpuid.ASIMD):
		return kernels[2]
	default:
		return kernels[3]
	}
}

// Kernels returns every implementation, widest first. Used by the startup
// self-test and the benchmark command.
func Kernels() []Kernel {
	out := make([]Kernel, len(kernels))
	copy(out, kernels)
	return out
}

func findBestScalar(gensig *[GenSigSize]byte, scoops []byte, nonces uint64) (uint64, uint64) {
	var scratch [GenSigSize + ScoopSize]byte
	copy(scratch[:GenSigSize], gensig[:])

	best := uint64(1<<64 - 1)
	var offset uint64
	for i := uint64(0); i < nonces; i++ {
		copy(scratch[GenSigSize:], scoops[i*ScoopSize:(i+1)*ScoopSize])
		sum := shabal.Sum256(scratch[:])
		if dl := binary.LittleEndian.Uint64(sum[:8]); dl < best {
			best = dl
			offset = i
		}
	}
	return best, offset
}

// findBestLanes builds a kernel that processes lanes scoops per iteration
// over independent scratch buffers. Each lane's input only differs in the
// scoop half, so the generation signature is staged once.
func findBestLanes(lanes int) BestDeadlineFunc {
	return func(gensig *[GenSigSize]byte, scoops []byte, nonces uint64) (uint64, uint64) {
		scratch := make([][GenSigSize + ScoopSize]byte, lanes)
		for l := range scratch {
			copy(scratch[l][:GenSigSize], gensig[:])
		}

		best := uint64(1<<64 - 1)
		var offset uint64
		i := uint64(0)
		for ; i+uint64(lanes) <= nonces; i += uint64(lanes) {
			for l := 0; l < lanes; l++ {
				n := i + uint64(l)
				copy(scratch[l][GenSigSize:], scoops[n*ScoopSize:(n+1)*ScoopSize])
			}
			for l := 0; l < lanes; l++ {
				sum := shabal.Sum256(scratch[l][:])
				if dl := binary.LittleEndian.Uint64(sum[:8]); dl < best {
					best = dl
					offset = i + uint64(l)
				}
			}
		}
		if i < nonces {
			tailBest, tailOff := findBestScalar(gensig, scoops[i*ScoopSize:], nonces-i)
			if tailBest < best {
				best = tailBest
				offset = i + tailOff
			}
		}
		return best, offset
	}
}

// Self-test vector: a generation signature with a known deadline for an
// all-zero winning scoop. Submitting deadlines from a broken hash would be
// worse than not mining at all, so a mismatch is fatal at startup.
const (
	selfTestGenSig   = "4a6f686e6e7946464d206861742064656e206772f6df74656e2050656e697321"
	selfTestDeadline = 3084580316385335914
)

// SelfTest verifies every kernel against the golden deadline vector. The
// winning scoop is moved through each batch position so lane bookkeeping is
// exercised, not just the hash core.
func SelfTest() error {
	gensig, err := DecodeGenSig(selfTestGenSig)
	if err != nil {
		return err
	}

	const count = 32
	data := make([]byte, count*ScoopSize)
	for _, k := range Kernels() {
		for i := range data {
			data[i] = 5
		}
		for pos := 0; pos < count; pos++ {
			for i := 0; i < ScoopSize; i++ {
				data[pos*ScoopSize+i] = 0
			}
			best, offset := k.Find(&gensig, data, uint64(pos+1))
			if best != selfTestDeadline || offset != uint64(pos) {
				return fmt.Errorf("kernel %s: deadline=%d offset=%d at position %d, want deadline=%d offset=%d",
					k.Name, best, offset, pos, uint64(selfTestDeadline), pos)
			}
			for i := 0; i < ScoopSize; i++ {
				data[pos*ScoopSize+i] = 5
			}
		}
	}
	return nil
}
