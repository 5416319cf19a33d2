package gps

import "bytes"

// MaxSentenceBytes bounds a buffered partial line. NMEA sentences are at most
// 82 characters; anything longer without a terminator is noise.
const MaxSentenceBytes = 1024

// LineBuffer reassembles CR/LF terminated lines across reads. A sentence
// split over two reads is only returned once its terminator arrives.
type LineBuffer struct {
	partial []byte
	dropped int
}

// Feed appends a chunk and returns every line it completed, without
// terminators. Blank lines are skipped.
func (b *LineBuffer) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexAny(chunk, "\r\n")
		if i < 0 {
			b.partial = append(b.partial, chunk...)
			break
		}
		b.partial = append(b.partial, chunk[:i]...)
		if line := bytes.TrimSpace(b.partial); len(line) > 0 {
			lines = append(lines, string(line))
		}
		b.partial = b.partial[:0]
		chunk = chunk[i+1:]
	}
	if len(b.partial) > MaxSentenceBytes {
		b.partial = b.partial[:0]
		b.dropped++
	}
	return lines
}

// Pending returns the number of buffered bytes waiting for a terminator.
func (b *LineBuffer) Pending() int { return len(b.partial) }

// Dropped returns how many overlong partial lines were discarded.
func (b *LineBuffer) Dropped() int { return b.dropped }

// Reset discards any partial line.
func (b *LineBuffer) Reset() { b.partial = b.partial[:0] }
