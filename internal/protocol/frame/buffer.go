package frame

import "bytes"

// Buffer accumulates raw stream bytes until whole frames can be cut from the
// head. It is owned by a single goroutine.
type Buffer struct {
	data []byte
}

func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the buffered bytes. The slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// PeekTag returns the head byte without consuming it.
func (b *Buffer) PeekTag() (Category, bool) {
	if len(b.data) == 0 {
		return 0, false
	}
	return Category(b.data[0]), true
}

// Consume drops the first n bytes.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = append(b.data[:0], b.data[n:]...)
}

// Find returns the offset of delim or -1.
func (b *Buffer) Find(delim []byte) int {
	return bytes.Index(b.data, delim)
}

// Reset discards everything and reports how many bytes were dropped.
func (b *Buffer) Reset() int {
	n := len(b.data)
	b.data = b.data[:0]
	return n
}

// SkipPadding drops CR/LF bytes sitting at the head and returns the count.
func (b *Buffer) SkipPadding() int {
	n := countPadding(b.data)
	b.Consume(n)
	return n
}

func countPadding(p []byte) int {
	n := 0
	for n < len(p) && (p[n] == '\r' || p[n] == '\n') {
		n++
	}
	return n
}
