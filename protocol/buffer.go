package protocol

import "bytes"

// readBuffer queues received chunks until they form complete headers and blobs.
type readBuffer struct {
	chunks [][]byte
	size   int
	// scanned counts leading bytes already searched for a NUL without success.
	scanned int
}

func (b *readBuffer) Len() int { return b.size }

// push takes ownership of chunk.
func (b *readBuffer) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// popHeader removes and returns the bytes before the next NUL, consuming the NUL too.
// It reports false, consuming nothing, when no NUL is buffered yet.
func (b *readBuffer) popHeader() ([]byte, bool) {
	offset := 0
	for _, chunk := range b.chunks {
		if offset+len(chunk) <= b.scanned {
			offset += len(chunk)
			continue
		}
		start := max(0, b.scanned-offset)
		if i := bytes.IndexByte(chunk[start:], 0); i >= 0 {
			header := b.take(offset + start + i)
			b.take(1)
			b.scanned = 0
			return header, true
		}
		offset += len(chunk)
	}
	b.scanned = b.size
	return nil, false
}

// popBlob removes and returns exactly n bytes. n must not exceed Len.
func (b *readBuffer) popBlob(n int) []byte {
	blob := b.take(n)
	b.scanned = max(0, b.scanned-n)
	return blob
}

func (b *readBuffer) take(n int) []byte {
	if n > b.size {
		panic("protocol: read buffer underflow")
	}
	if n == 0 {
		return []byte{}
	}
	b.size -= n

	if first := b.chunks[0]; len(first) >= n {
		b.consume(n)
		return first[:n:n]
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := b.chunks[0]
		k := min(n-len(out), len(chunk))
		out = append(out, chunk[:k]...)
		b.consume(k)
	}
	return out
}

// consume drops k bytes from the first chunk.
func (b *readBuffer) consume(k int) {
	if k == len(b.chunks[0]) {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		return
	}
	b.chunks[0] = b.chunks[0][k:]
}
