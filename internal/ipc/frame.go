package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frames are 4-byte big-endian length prefixes followed by the envelope JSON.
// MaxFrameSize bounds a single envelope; larger frames indicate corruption.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("ipc frame exceeds maximum size")

// FrameWriter serializes envelopes onto a byte stream. Writes are serialized
// so progress frames from the host function do not interleave with results.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) WriteEnvelope(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// WriteMessage wraps and writes in one step.
func (fw *FrameWriter) WriteMessage(msg any) error {
	env, err := Wrap(msg)
	if err != nil {
		return err
	}
	return fw.WriteEnvelope(env)
}

// FrameReader decodes envelopes off a byte stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadEnvelope blocks until a full frame is available. io.EOF is returned
// unwrapped when the stream closes cleanly between frames.
func (fr *FrameReader) ReadEnvelope() (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("read frame prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Envelope{}, fmt.Errorf("read frame payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}
