package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

const (
	// DefaultMaxFrameLength bounds the frames a node accepts.
	DefaultMaxFrameLength = 16 * 1024 * 1024

	lengthFieldSize  = 4
	addressSize      = 12
	flagsSize        = 1
	idSize           = 8
	payloadFieldSize = 4
	// Bytes following the length field that precede the payload.
	headerSize = addressSize + addressSize + idSize + flagsSize + payloadFieldSize

	flagResponse byte = 1 << 0
	knownFlags        = flagResponse
)

// EncodeMessage returns the frame for msg: a big-endian length prefix counting the bytes after it,
// the source and destination addresses, the message id, a flags byte, the payload length and the payload.
func EncodeMessage(msg *Message) []byte {
	frameLength := headerSize + len(msg.Payload)
	buf := make([]byte, lengthFieldSize+frameLength)
	binary.BigEndian.PutUint32(buf[0:], uint32(frameLength))
	offset := lengthFieldSize
	offset = putAddress(buf, offset, msg.Source)
	offset = putAddress(buf, offset, msg.Destination)
	binary.BigEndian.PutUint64(buf[offset:], msg.ID)
	offset += idSize
	if msg.IsResponse {
		buf[offset] = flagResponse
	}
	offset += flagsSize
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += payloadFieldSize
	copy(buf[offset:], msg.Payload)
	return buf
}

// WriteMessage writes the frame for msg to w.
func WriteMessage(w io.Writer, msg *Message) error {
	_, err := w.Write(EncodeMessage(msg))
	return errors.WithStack(err)
}

// ReadMessage blocks until a complete frame has been read from r and decodes it.
// Malformed frames, including frames longer than maxFrameLength, result in an ErrProtocol;
// after one the stream cannot be resynchronised and must be closed.
func ReadMessage(r *bufio.Reader, maxFrameLength uint32) (*Message, error) {
	var lengthField [lengthFieldSize]byte
	if _, err := io.ReadFull(r, lengthField[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	frameLength := binary.BigEndian.Uint32(lengthField[:])
	if frameLength > maxFrameLength {
		return nil, protocolError("frame length %d exceeds maximum %d", frameLength, maxFrameLength)
	}
	if frameLength < headerSize {
		return nil, protocolError("frame length %d is shorter than the %d byte header", frameLength, headerSize)
	}
	frame := make([]byte, frameLength)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.WithStack(err)
	}
	return DecodeFrame(frame)
}

// DecodeFrame decodes the bytes following the length field of a frame.
func DecodeFrame(frame []byte) (*Message, error) {
	if len(frame) < headerSize {
		return nil, protocolError("frame length %d is shorter than the %d byte header", len(frame), headerSize)
	}
	source, err := getAddress(frame, 0)
	if err != nil {
		return nil, protocolError("invalid source address: %v", err)
	}
	destination, err := getAddress(frame, addressSize)
	if err != nil {
		return nil, protocolError("invalid destination address: %v", err)
	}
	offset := 2 * addressSize
	id := binary.BigEndian.Uint64(frame[offset:])
	offset += idSize
	flags := frame[offset]
	if flags&^knownFlags != 0 {
		return nil, protocolError("unknown flags %#x", flags)
	}
	offset += flagsSize
	payloadLength := binary.BigEndian.Uint32(frame[offset:])
	offset += payloadFieldSize
	if int(payloadLength) != len(frame)-offset {
		return nil, protocolError("payload length %d does not match frame length %d", payloadLength, len(frame))
	}
	var payload []byte
	if payloadLength > 0 {
		payload = frame[offset:]
	}
	return &Message{
		ID:          id,
		Source:      source,
		Destination: destination,
		IsResponse:  flags&flagResponse != 0,
		Payload:     payload,
	}, nil
}

func putAddress(buf []byte, offset int, a Address) int {
	for _, index := range a.indices() {
		binary.BigEndian.PutUint32(buf[offset:], uint32(index))
		offset += 4
	}
	return offset
}

func getAddress(buf []byte, offset int) (Address, error) {
	var indices [3]int32
	for i := range indices {
		indices[i] = int32(binary.BigEndian.Uint32(buf[offset+4*i:]))
	}
	address := fromIndices(indices)
	return address, address.Validate()
}

func protocolError(format string, args ...interface{}) error {
	return errors.WithStack(&simerrors.ErrProtocol{Reason: fmt.Sprintf(format, args...)})
}
