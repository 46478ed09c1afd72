// Package tinycompress emits zlib-framed stored blocks without pulling
// compress/flate into a firmware image. The dictionary is the only large
// payload the firmware sends, and hosts inflate it with a standard zlib
// reader, so DEFLATE stored blocks (type 0) are enough.
package tinycompress

import (
	"hash"
	"hash/adler32"
	"io"
)

// Writer accumulates input and emits one zlib stream on Close.
type Writer struct {
	output   io.Writer
	inputBuf []byte
	adler    hash.Hash32
}

// NewWriter creates a Writer. The buffer is sized upfront; growing it
// during Write risks allocation stalls under the cooperative scheduler.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		output:   w,
		inputBuf: make([]byte, 0, 8192),
		adler:    adler32.New(),
	}
}

// Write accumulates input data.
func (w *Writer) Write(p []byte) (int, error) {
	if cap(w.inputBuf) < len(w.inputBuf)+len(p) {
		newBuf := make([]byte, len(w.inputBuf), len(w.inputBuf)+len(p))
		copy(newBuf, w.inputBuf)
		w.inputBuf = newBuf
	}
	w.inputBuf = append(w.inputBuf, p...)
	return len(p), nil
}

// Close frames the accumulated data as a single stored block and writes
// the complete zlib stream.
func (w *Writer) Close() error {
	// zlib header, then a final stored-block header
	if _, err := w.output.Write([]byte{0x78, 0x9C, 0x01}); err != nil {
		return err
	}

	length := uint16(len(w.inputBuf))
	nlength := ^length
	lenFields := []byte{
		byte(length), byte(length >> 8),
		byte(nlength), byte(nlength >> 8),
	}
	if _, err := w.output.Write(lenFields); err != nil {
		return err
	}

	if _, err := w.output.Write(w.inputBuf); err != nil {
		return err
	}

	// adler-32 trailer, big-endian
	checksum := adler32.Checksum(w.inputBuf)
	trailer := []byte{
		byte(checksum >> 24),
		byte(checksum >> 16),
		byte(checksum >> 8),
		byte(checksum),
	}
	_, err := w.output.Write(trailer)
	return err
}

// Compress frames input as one zlib stream in a fresh buffer.
func Compress(input []byte) []byte {
	out := make([]byte, 0, len(input)+11)
	out = append(out, 0x78, 0x9C, 0x01)

	length := uint16(len(input))
	nlength := ^length
	out = append(out, byte(length), byte(length>>8), byte(nlength), byte(nlength>>8))
	out = append(out, input...)

	checksum := adler32.Checksum(input)
	out = append(out,
		byte(checksum>>24), byte(checksum>>16), byte(checksum>>8), byte(checksum))
	return out
}
