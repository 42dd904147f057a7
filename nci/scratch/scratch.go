// Package scratch implements the builder buffer used to construct one
// outbound frame at a time (spec §4.2). A Buffer is never
// held across a suspension point: dispatchers either post it or Reset it
// before returning.
package scratch

import "stpropnci.dev/nci"

// Buffer is a reusable byte buffer for building one NCI frame.
type Buffer struct {
	buf [nci.MaxMessageLen]byte
	n   int
}

// Reset clears the tracked length. The backing array is not zeroed; every
// append overwrites stale bytes before they're read.
func (b *Buffer) Reset() {
	b.n = 0
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return b.n
}

// Bytes returns the written prefix of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf[:b.n]
}

// AppendU8 appends a single byte.
func (b *Buffer) AppendU8(v uint8) {
	b.buf[b.n] = v
	b.n++
}

// AppendArray appends the contents of v.
func (b *Buffer) AppendArray(v []byte) {
	b.n += copy(b.buf[b.n:], v)
}

// Mark returns the current write position, to be passed to PatchLength
// once the field it precedes has been written.
func (b *Buffer) Mark() int {
	return b.n
}

// PatchLength stores, at position pos, the number of bytes written since
// pos+1 (i.e. the length of whatever was appended after reserving the
// length byte at pos). Callers reserve the length byte with AppendU8(0)
// before writing the payload, then call PatchLength(pos) once done.
func (b *Buffer) PatchLength(pos int) {
	b.buf[pos] = uint8(b.n - (pos + 1))
}

// BuildHeader writes an NCI header at the start of the buffer and reserves
// a length byte, returning its position for a later PatchLength call.
// The buffer must be empty (freshly Reset) when called.
func (b *Buffer) BuildHeader(mt uint8, pbf bool, gidOrCid, oid uint8) (lenPos int) {
	hdr := nci.BuildHeader(b.buf[:nci.HeaderSize], mt, pbf, gidOrCid, oid, 0)
	b.n = len(hdr)
	lenPos = b.n - 1
	return lenPos
}
