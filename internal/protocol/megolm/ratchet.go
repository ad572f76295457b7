package megolm

import (
	"e2e_ratchet/internal/cryptographic/entropy"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/protocol/message"
	"e2e_ratchet/internal/utils/memzero"
)

const (
	Parts    = 4
	PartSize = 32
)

var hashKeySeeds = [Parts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

// Ratchet is the four part hash ratchet. Part i is rehashed every
// 2^(8*(3-i)) steps, so any later counter can be reached in at most
// 1020 hashes while earlier values stay underivable.
type Ratchet struct {
	Data    [Parts][PartSize]byte
	Counter uint32
}

func NewRatchet(counter uint32) (*Ratchet, error) {
	r := &Ratchet{Counter: counter}
	for i := range r.Data {
		if err := entropy.Read(r.Data[i][:]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// FromBytes loads a snapshot produced by Bytes.
func FromBytes(b [message.RatchetSize]byte, counter uint32) *Ratchet {
	r := &Ratchet{Counter: counter}
	for i := range r.Data {
		copy(r.Data[i][:], b[i*PartSize:(i+1)*PartSize])
	}
	return r
}

func (r *Ratchet) Bytes() [message.RatchetSize]byte {
	var b [message.RatchetSize]byte
	for i := range r.Data {
		copy(b[i*PartSize:], r.Data[i][:])
	}
	return b
}

func (r *Ratchet) rehash(from, to int) {
	copy(r.Data[to][:], kdf.HMAC(r.Data[from][:], hashKeySeeds[to]))
}

// Advance moves the ratchet forward by one.
func (r *Ratchet) Advance() {
	var mask uint32 = 0x00FFFFFF
	h := 0
	r.Counter++

	// find the highest part that changes
	for h < Parts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}

	for i := Parts - 1; i >= h; i-- {
		r.rehash(h, i)
	}
}

// AdvanceTo moves the ratchet forward to counter to. Wrapping past
// 2^32 is treated as forward movement.
func (r *Ratchet) AdvanceTo(to uint32) {
	for j := 0; j < Parts; j++ {
		shift := uint((Parts - j - 1) * 8)
		mask := ^uint32(0) << shift

		steps := ((to >> shift) - (r.Counter >> shift)) & 0xff
		if steps == 0 {
			if to < r.Counter {
				steps = 0x100
			} else {
				continue
			}
		}

		// bump R(j) alone for all but the last step
		for ; steps > 1; steps-- {
			r.rehash(j, j)
		}
		for k := Parts - 1; k >= j; k-- {
			r.rehash(j, k)
		}
		r.Counter = to & mask
	}
}

func (r *Ratchet) Wipe() {
	for i := range r.Data {
		memzero.Zero(r.Data[i][:])
	}
}

func (r *Ratchet) WritePickle(w *pickle.Writer) {
	b := r.Bytes()
	w.Fixed(b[:])
	memzero.Zero(b[:])
	w.Uint32(r.Counter)
}

func (r *Ratchet) ReadPickle(rd *pickle.Reader) {
	for i := range r.Data {
		rd.Fixed(r.Data[i][:])
	}
	r.Counter = rd.Uint32()
}
