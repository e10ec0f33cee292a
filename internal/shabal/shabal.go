// Package shabal implements the Shabal-256 hash function.
//
// Shabal is the hash the Burst/Signum proof-of-capacity protocol is built on.
// The implementation follows the reference specification (NIST SHA-3
// submission, round 2) and is pinned by the official test vectors plus the
// network's deadline vector in shabal_test.go. Any deviation here silently
// produces deadlines the network rejects, so treat every constant below as
// protocol-frozen.
package shabal

import (
	"encoding/binary"
	"hash"
	"math/bits"
)

// Size is the digest size in bytes.
const Size = 32

// BlockSize is the message block size in bytes.
const BlockSize = 64

// Initial state for the 256-bit variant, as produced by hashing the two
// standard prefix blocks with W = -1, -2.
var (
	ivA = [12]uint32{
		0x52F84552, 0xE54B7999, 0x2D8EE3EC, 0xB9645191,
		0xE0078B86, 0xBB7C44C9, 0xD2B5C1CA, 0xB0D2EB8C,
		0x14CE5A45, 0x22AF50DC, 0xEFFDBC6B, 0xEB21B74A,
	}
	ivB = [16]uint32{
		0xB555C6EE, 0x3E710596, 0xA72A652F, 0x9301515F,
		0xDA28C1FA, 0x696FD868, 0x9CB6BF72, 0x0AFE4002,
		0xA6E03615, 0x5138C1D4, 0xBE216306, 0xB38B8890,
		0x3EA8B96B, 0x3299ACE4, 0x30924DD4, 0x55CB34A5,
	}
	ivC = [16]uint32{
		0xB405F031, 0xC4233EBA, 0xB3733979, 0xC0DD9D55,
		0xC51C28AE, 0xA327B8E1, 0x56C56167, 0xED614433,
		0x88B59D60, 0x60E2CEBA, 0x758B4B8B, 0x83E82A7F,
		0xBC968828, 0xE6E00BF7, 0xBA839E55, 0x9B491C60,
	}
)

type digest struct {
	a [12]uint32
	b [16]uint32
	c [16]uint32
	w uint64

	buf [BlockSize]byte
	n   int
}

// New256 returns a hash.Hash computing Shabal-256.
func New256() hash.Hash {
	d := new(digest)
	d.Reset()
	return d
}

func (d *digest) Size() int      { return Size }
func (d *digest) BlockSize() int { return BlockSize }

func (d *digest) Reset() {
	d.a = ivA
	d.b = ivB
	d.c = ivC
	d.w = 1
	d.n = 0
}

func (d *digest) Write(p []byte) (int, error) {
	total := len(p)
	if d.n > 0 {
		k := copy(d.buf[d.n:], p)
		d.n += k
		p = p[k:]
		if d.n == BlockSize {
			d.compress(d.buf[:], true)
			d.n = 0
		}
	}
	for len(p) >= BlockSize {
		d.compress(p[:BlockSize], true)
		p = p[BlockSize:]
	}
	if len(p) > 0 {
		d.n = copy(d.buf[:], p)
	}
	return total, nil
}

func (d *digest) Sum(in []byte) []byte {
	// Finalization works on a copy so the caller can keep writing.
	t := *d
	var out [Size]byte
	t.finish(&out)
	return append(in, out[:]...)
}

func (d *digest) finish(out *[Size]byte) {
	d.buf[d.n] = 0x80
	for i := d.n + 1; i < BlockSize; i++ {
		d.buf[i] = 0
	}
	var m [16]uint32
	decodeBlock(&m, d.buf[:])

	addM(&d.b, &m)
	d.xorW()
	d.applyP(&m)
	for i := 0; i < 3; i++ {
		d.b, d.c = d.c, d.b
		d.xorW()
		d.applyP(&m)
	}
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], d.b[i+8])
	}
}

// Sum256 returns the Shabal-256 digest of data.
func Sum256(data []byte) [Size]byte {
	var d digest
	d.Reset()
	d.Write(data)
	var out [Size]byte
	d.finish(&out)
	return out
}

func decodeBlock(m *[16]uint32, p []byte) {
	for i := 0; i < 16; i++ {
		m[i] = binary.LittleEndian.Uint32(p[i*4:])
	}
}

func addM(b *[16]uint32, m *[16]uint32) {
	for i := 0; i < 16; i++ {
		b[i] += m[i]
	}
}

func (d *digest) xorW() {
	d.a[0] ^= uint32(d.w)
	d.a[1] ^= uint32(d.w >> 32)
}

func (d *digest) compress(block []byte, countBlock bool) {
	var m [16]uint32
	decodeBlock(&m, block)

	addM(&d.b, &m)
	d.xorW()
	d.applyP(&m)
	for i := 0; i < 16; i++ {
		d.c[i] -= m[i]
	}
	d.b, d.c = d.c, d.b
	if countBlock {
		d.w++
	}
}

// applyP is the Shabal permutation: the B rotation, three rounds of sixteen
// steps, and the trailing 36 additions of C into A.
func (d *digest) applyP(m *[16]uint32) {
	a, b, c := &d.a, &d.b, &d.c

	for i := 0; i < 16; i++ {
		b[i] = bits.RotateLeft32(b[i], 17)
	}

	p := 0
	for r := 0; r < 3; r++ {
		for i := 0; i < 16; i++ {
			ai := p % 12
			prev := (ai + 11) % 12
			t := (a[ai] ^ (bits.RotateLeft32(a[prev], 15) * 5) ^ c[(8-i)&15]) * 3
			a[ai] = t ^ b[(i+13)&15] ^ (b[(i+9)&15] &^ b[(i+6)&15]) ^ m[i]
			b[i] = ^(bits.RotateLeft32(b[i], 1) ^ a[ai])
			p++
		}
	}

	for k := 0; k < 36; k++ {
		a[11-(k%12)] += c[(6-k)&15]
	}
}
