package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

func TestCodec_RoundTrip(t *testing.T) {
	tests := map[string]*Message{
		"request": {
			ID:          42,
			Source:      Coordinator(),
			Destination: AllWorkers(),
			Payload:     []byte(`{"type":"Ping"}`),
		},
		"response": {
			ID:          7,
			Source:      Test(1, 2, 3),
			Destination: Coordinator(),
			IsResponse:  true,
			Payload:     []byte("ok"),
		},
		"empty payload": {
			ID:          1,
			Source:      Agent(1),
			Destination: Worker(1, 1),
		},
	}
	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			frame := EncodeMessage(msg)
			assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame))

			decoded, err := ReadMessage(bufio.NewReader(bytes.NewReader(frame)), DefaultMaxFrameLength)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestCodec_PartialReads(t *testing.T) {
	var buf bytes.Buffer
	first := &Message{ID: 1, Source: Agent(1), Destination: Coordinator(), Payload: bytes.Repeat([]byte("x"), 5000)}
	second := &Message{ID: 2, Source: Agent(1), Destination: Coordinator(), IsResponse: true}
	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	r := bufio.NewReader(iotest.OneByteReader(&buf))
	decoded, err := ReadMessage(r, DefaultMaxFrameLength)
	require.NoError(t, err)
	assert.Equal(t, first, decoded)
	decoded, err = ReadMessage(r, DefaultMaxFrameLength)
	require.NoError(t, err)
	assert.Equal(t, second, decoded)

	_, err = ReadMessage(r, DefaultMaxFrameLength)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodec_ProtocolErrors(t *testing.T) {
	valid := EncodeMessage(&Message{ID: 1, Source: Agent(1), Destination: Coordinator(), Payload: []byte("abc")})
	corrupt := func(f func(frame []byte) []byte) []byte {
		frame := make([]byte, len(valid))
		copy(frame, valid)
		return f(frame)
	}
	tests := map[string]struct {
		frame          []byte
		maxFrameLength uint32
	}{
		"frame too long": {
			frame:          valid,
			maxFrameLength: 10,
		},
		"frame shorter than header": {
			frame: corrupt(func(frame []byte) []byte {
				binary.BigEndian.PutUint32(frame, 3)
				return frame[:7]
			}),
		},
		"payload length mismatch": {
			frame: corrupt(func(frame []byte) []byte {
				binary.BigEndian.PutUint32(frame[4+headerSize-4:], 100)
				return frame
			}),
		},
		"unknown flags": {
			frame: corrupt(func(frame []byte) []byte {
				frame[4+2*addressSize+idSize] = 0x80
				return frame
			}),
		},
		"malformed source address": {
			frame: corrupt(func(frame []byte) []byte {
				binary.BigEndian.PutUint32(frame[4:], uint32(0xFFFFFFF0))
				return frame
			}),
		},
		"gap in destination address": {
			frame: corrupt(func(frame []byte) []byte {
				binary.BigEndian.PutUint32(frame[4+addressSize+4:], 3)
				return frame
			}),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			maxFrameLength := tc.maxFrameLength
			if maxFrameLength == 0 {
				maxFrameLength = DefaultMaxFrameLength
			}
			_, err := ReadMessage(bufio.NewReader(bytes.NewReader(tc.frame)), maxFrameLength)
			assert.True(t, simerrors.IsProtocol(err), "expected protocol error, got %v", err)
		})
	}
}
