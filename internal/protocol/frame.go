// Package protocol implements the tunnel wire format: a 2-byte big-endian
// length prefix followed by one JSON command object.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/samelat/bogeyman/internal/domain"
)

const (
	// MaxFrameSize is the largest body a length prefix can describe.
	MaxFrameSize = 0xFFFF
	// MaxChunk is the largest raw payload carried by one sync message. Its
	// base64 form plus the JSON envelope stays under MaxFrameSize.
	MaxChunk = 48750
)

var ErrFrameTooLarge = errors.New("frame exceeds 65535 bytes")

// Encode returns the framed form of msg.
func Encode(msg domain.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Cmd, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%s for stream %d: %w", msg.Cmd, msg.ID, ErrFrameTooLarge)
	}
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	return frame, nil
}

// Decode parses one complete frame.
func Decode(frame []byte) (domain.Message, error) {
	if len(frame) < 2 {
		return domain.Message{}, io.ErrUnexpectedEOF
	}
	size := int(binary.BigEndian.Uint16(frame))
	if len(frame)-2 != size {
		return domain.Message{}, fmt.Errorf("frame length %d does not match prefix %d", len(frame)-2, size)
	}
	return decodeBody(frame[2:])
}

func decodeBody(body []byte) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func WriteFrame(w io.Writer, msg domain.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame blocks until a whole frame has been read from r. A clean EOF
// before the first byte is returned as io.EOF.
func ReadFrame(r io.Reader) (domain.Message, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return domain.Message{}, err
	}
	body := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return domain.Message{}, err
	}
	return decodeBody(body)
}

// Chunk splits data into sync-sized pieces without copying.
func Chunk(data []byte) [][]byte {
	chunks := make([][]byte, 0, len(data)/MaxChunk+1)
	for len(data) > MaxChunk {
		chunks = append(chunks, data[:MaxChunk])
		data = data[MaxChunk:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}

// SyncMessages builds the sync messages carrying data for stream id.
func SyncMessages(id uint32, data []byte) []domain.Message {
	chunks := Chunk(data)
	msgs := make([]domain.Message, len(chunks))
	for i, c := range chunks {
		msgs[i] = domain.Message{Cmd: domain.CmdSync, ID: id, Data: c}
	}
	return msgs
}
