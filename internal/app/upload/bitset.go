package upload

// bitset tracks received chunk indices. Bits outside [0, size) stay zero.
type bitset struct {
	bits []byte
	size int
}

func newBitset(size int) *bitset {
	return &bitset{bits: make([]byte, (size+7)/8), size: size}
}

// bitsetFromBytes restores a bitset from its persisted form, masking any
// stray bits beyond size.
func bitsetFromBytes(data []byte, size int) *bitset {
	b := newBitset(size)
	copy(b.bits, data)
	if rem := size % 8; rem != 0 && len(b.bits) > 0 {
		b.bits[len(b.bits)-1] &= byte(1<<rem) - 1
	}
	return b
}

// Set marks index as received and reports whether it was newly set.
func (b *bitset) Set(index int) bool {
	if index < 0 || index >= b.size {
		return false
	}
	mask := byte(1) << (index % 8)
	if b.bits[index/8]&mask != 0 {
		return false
	}
	b.bits[index/8] |= mask
	return true
}

// Has reports whether index has been received.
func (b *bitset) Has(index int) bool {
	if index < 0 || index >= b.size {
		return false
	}
	return b.bits[index/8]&(byte(1)<<(index%8)) != 0
}

// Count returns the number of received chunks.
func (b *bitset) Count() int {
	n := 0
	for i := 0; i < b.size; i++ {
		if b.Has(i) {
			n++
		}
	}
	return n
}

// Full reports whether every chunk has been received.
func (b *bitset) Full() bool {
	return b.Count() == b.size
}

// Bytes returns the persisted form.
func (b *bitset) Bytes() []byte {
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}
