package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire framing: a 4-byte big-endian unsigned length N followed by exactly N
// bytes of UTF-8 JSON encoding a single top-level object. N must be > 0.

// maxFrameSize bounds a single frame so a corrupt header cannot make the
// reader allocate gigabytes.
const maxFrameSize = 16 << 20

// FramingError marks a violation of the wire format. The enclosing channel
// treats it as fatal for the stream.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("protocol: framing error: %s", e.Reason)
}

// WriteFrame encodes msg as JSON and writes one length-prefixed frame.
func WriteFrame(w io.Writer, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// FrameReader decodes a stream of frames. It tolerates arbitrary
// fragmentation and coalescing: the underlying bufio reader reassembles
// partial headers and payloads across reads.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r in a frame decoder.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next reads one frame and decodes it into a Message. It returns io.EOF
// when the stream ends cleanly between frames, and a *FramingError when the
// stream violates the wire format; either fails the stream for good.
func (fr *FrameReader) Next() (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, &FramingError{Reason: "zero-length frame"}
	}
	if n > maxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}

	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return nil, &FramingError{Reason: "batch arrays are not supported"}
		}
		return nil, &FramingError{Reason: "frame payload is not a JSON object"}
	}

	var msg Message
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	return &msg, nil
}
