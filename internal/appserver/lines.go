package appserver

import "bytes"

// LineBuffer splits a byte stream into newline-terminated lines.
//
// Chunks rarely align with message boundaries, so an incomplete trailing
// fragment is held back until the rest of the line arrives. A fragment that
// grows past the size limit is discarded up to its next newline.
type LineBuffer struct {
	buf        []byte
	max        int
	discarding bool
}

// NewLineBuffer returns a buffer that accepts lines up to max bytes. A max of
// zero or less means no limit.
func NewLineBuffer(max int) *LineBuffer {
	return &LineBuffer{max: max}
}

// Feed appends chunk and returns every line it completed, without the line
// terminator. Blank lines are skipped.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			if !b.discarding {
				b.buf = append(b.buf, chunk...)
				if b.max > 0 && len(b.buf) > b.max {
					b.buf = b.buf[:0]
					b.discarding = true
				}
			}
			break
		}

		if b.discarding {
			b.discarding = false
		} else if line := b.take(chunk[:idx]); line != nil {
			lines = append(lines, line)
		}
		chunk = chunk[idx+1:]
	}
	return lines
}

// Flush returns the held-back fragment, if any, and resets the buffer. It is
// called at end of stream where the final line may lack a terminator.
func (b *LineBuffer) Flush() []byte {
	if b.discarding {
		b.discarding = false
		b.buf = b.buf[:0]
		return nil
	}
	return b.take(nil)
}

// Buffered reports the size of the held-back fragment.
func (b *LineBuffer) Buffered() int {
	return len(b.buf)
}

func (b *LineBuffer) take(tail []byte) []byte {
	if b.max > 0 && len(b.buf)+len(tail) > b.max {
		b.buf = b.buf[:0]
		return nil
	}
	line := make([]byte, 0, len(b.buf)+len(tail))
	line = append(line, b.buf...)
	line = append(line, tail...)
	b.buf = b.buf[:0]

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	return line
}
