// Package output implements the shared output path for concurrent search
// workers: a chunked append-only buffer plus a synchronization discipline
// that either preserves job submission order (ordered mode) or releases each
// job's bytes as soon as they are complete (unordered mode). In both modes a
// single job's bytes are written contiguously, never interleaved mid-segment
// with another job's output.
package output

import (
	"io"
	"strconv"
)

// ChunkSize is the capacity of one fixed buffer chunk. A Buffer grows by
// appending chunks and never reallocates a partially filled one, so bytes
// already appended keep their position until the buffer is reset.
const ChunkSize = 32 * 1024

// Buffer is a growable list of fixed-size byte chunks with a write cursor.
// It is append-only until flushed and is not safe for concurrent use; each
// job renders into a private Buffer owned by one worker at a time.
type Buffer struct {
	chunks [][]byte
	size   int
}

// NewBuffer returns an empty Buffer with one chunk preallocated.
func NewBuffer() *Buffer {
	return &Buffer{chunks: [][]byte{make([]byte, 0, ChunkSize)}}
}

func (b *Buffer) grow() {
	b.chunks = append(b.chunks, make([]byte, 0, ChunkSize))
}

func (b *Buffer) tail() []byte {
	return b.chunks[len(b.chunks)-1]
}

// Write appends p, advancing to a fresh chunk whenever the current one
// fills. It never fails; the error return satisfies io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		tail := b.tail()
		room := cap(tail) - len(tail)
		if room == 0 {
			b.grow()
			continue
		}
		n := len(p)
		if n > room {
			n = room
		}
		b.chunks[len(b.chunks)-1] = append(tail, p[:n]...)
		p = p[n:]
		b.size += n
	}
	return total, nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) {
	b.Write([]byte(s))
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	tail := b.tail()
	if cap(tail) == len(tail) {
		b.grow()
		tail = b.tail()
	}
	b.chunks[len(b.chunks)-1] = append(tail, c)
	b.size++
	return nil
}

// WriteInt appends the decimal representation of n.
func (b *Buffer) WriteInt(n int64) {
	var scratch [20]byte
	b.Write(strconv.AppendInt(scratch[:0], n, 10))
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return b.size
}

// WriteTo writes all completed chunks to w in order. It does not reset the
// buffer; pair with Reset once the bytes have reached their destination.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, chunk := range b.chunks {
		if len(chunk) == 0 {
			continue
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Bytes returns the buffered bytes as one contiguous slice. Intended for
// tests and small buffers; the hot path uses WriteTo.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out
}

// Reset truncates every chunk in place and rewinds to the first, keeping
// the allocated chunks for reuse.
func (b *Buffer) Reset() {
	b.chunks = b.chunks[:1]
	b.chunks[0] = b.chunks[0][:0]
	b.size = 0
}
