// Package checksum computes the strong/weak digest pair stored with every
// content record: BLAKE3-256 as the strong hash and xxHash64 as the weak one.
package checksum

import (
	"encoding/hex"
	"fmt"
	"hash"

	xx "github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

type Sum struct {
	Strong [32]byte `cbor:"1,keyasint" json:"strong"`
	Weak   uint64   `cbor:"2,keyasint" json:"weak"`
}

func (s Sum) IsZero() bool { return s == Sum{} }

func (s Sum) String() string {
	return fmt.Sprintf("blake3:%s/xxh64:%016x", hex.EncodeToString(s.Strong[:8]), s.Weak)
}

func Of(data []byte) Sum {
	d := New()
	_, _ = d.Write(data)
	return d.Sum()
}

// Digest accumulates both hashes over a stream.
type Digest struct {
	strong hash.Hash
	weak   *xx.Digest
}

func New() *Digest {
	return &Digest{strong: blake3.New(), weak: xx.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	_, _ = d.strong.Write(p)
	return d.weak.Write(p)
}

func (d *Digest) Sum() Sum {
	var s Sum
	copy(s.Strong[:], d.strong.Sum(nil))
	s.Weak = d.weak.Sum64()
	return s
}
