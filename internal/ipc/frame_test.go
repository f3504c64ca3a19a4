package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)

	require.NoError(t, w.WriteMessage(&Ready{Type: TypeReady, WorkerID: "w-1"}))
	require.NoError(t, w.WriteMessage(&Ping{Type: TypePing, CorrelationID: "c1"}))

	r := NewFrameReader(&buf)

	env, err := r.ReadEnvelope()
	require.NoError(t, err)
	msg, err := Open(env)
	require.NoError(t, err)
	require.Equal(t, "w-1", msg.(*Ready).WorkerID)

	env, err = r.ReadEnvelope()
	require.NoError(t, err)
	msg, err = Open(env)
	require.NoError(t, err)
	require.Equal(t, "c1", msg.(*Ping).CorrelationID)

	_, err = r.ReadEnvelope()
	require.ErrorIs(t, err, io.EOF)
}

func TestFramePrefixIsBigEndianLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	require.NoError(t, w.WriteMessage(&Shutdown{Type: TypeShutdown}))

	raw := buf.Bytes()
	require.Greater(t, len(raw), 4)

	size := binary.BigEndian.Uint32(raw[:4])
	require.Equal(t, int(size), len(raw)-4)
}

func TestFrameTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	r := NewFrameReader(&buf)
	_, err := r.ReadEnvelope()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("short")

	r := NewFrameReader(&buf)
	_, err := r.ReadEnvelope()
	require.Error(t, err)
}
