package serialcomm

import "bytes"

var delimiter = []byte(Delimiter)

// LineFramer accumulates bytes across reads and splits them on Delimiter.
// It is not safe for concurrent use; the read loop owns it.
type LineFramer struct {
	buf       bytes.Buffer
	max       int
	resync    bool
	overflows int
}

// NewLineFramer returns a framer that discards an unterminated remainder
// longer than max bytes. max <= 0 disables the bound.
func NewLineFramer(max int) *LineFramer {
	return &LineFramer{max: max}
}

// Feed appends p and returns the payload of every frame it completed, in
// order. Bytes after the last delimiter are kept for the next call. Empty
// lines produce no frame.
func (f *LineFramer) Feed(p []byte) [][]byte {
	f.buf.Write(p)

	var frames [][]byte
	for {
		data := f.buf.Bytes()
		i := bytes.Index(data, delimiter)
		if i < 0 {
			break
		}
		switch {
		case f.resync:
			// Tail of a line that overflowed; drop it.
			f.resync = false
		case i > 0:
			frames = append(frames, bytes.Clone(data[:i]))
		}
		f.buf.Next(i + len(delimiter))
	}

	if f.max > 0 && f.buf.Len() > f.max {
		// Keep a trailing '\r' so a delimiter split across reads still ends
		// the oversized line.
		keep := 0
		if bytes.HasSuffix(f.buf.Bytes(), delimiter[:1]) {
			keep = 1
		}
		f.buf.Next(f.buf.Len() - keep)
		f.resync = true
		f.overflows++
	}
	return frames
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (f *LineFramer) Pending() int { return f.buf.Len() }

// Overflows returns how many times an oversized remainder was discarded.
func (f *LineFramer) Overflows() int { return f.overflows }
