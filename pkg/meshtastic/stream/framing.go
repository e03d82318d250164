// Package stream implements the Meshtastic client-API stream framing used
// on TCP connections: each frame is 0x94 0xC3, a big-endian 16-bit payload
// length, then a protobuf-encoded FromRadio (or ToRadio) payload.
package stream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

const (
	Start1 = 0x94
	Start2 = 0xC3

	// MaxPayloadSize is the largest frame payload the firmware will emit.
	MaxPayloadSize = 512

	headerSize = 4
)

var (
	ErrPayloadTooLarge = errors.New("frame payload too large")
	// ErrFrameDecode wraps protobuf decode failures. Callers should log
	// and continue reading; the stream itself is still in sync.
	ErrFrameDecode = errors.New("frame decode failed")
)

// Reader scans a byte stream for framed FromRadio messages, tolerating
// garbage between frames (the firmware emits debug text on the same
// stream before the API session starts).
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps an io.Reader for frame scanning.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, MaxPayloadSize+headerSize)}
}

// ReadFrame reads the next well-formed frame and decodes its payload.
// Decode failures return an error wrapping ErrFrameDecode and leave the
// reader positioned at the next frame; any other error is fatal to the
// connection.
func (fr *Reader) ReadFrame() (*pb.FromRadio, error) {
	if err := fr.syncToFrame(); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	payloadLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if payloadLen > MaxPayloadSize {
		// Not a real frame header, fall back to scanning.
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameDecode, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}

	var msg pb.FromRadio
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}
	return &msg, nil
}

// syncToFrame consumes bytes until the two-byte frame magic is found.
func (fr *Reader) syncToFrame() error {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return err
		}
		if b != Start1 {
			continue
		}
		next, err := fr.r.Peek(1)
		if err != nil {
			return err
		}
		if next[0] != Start2 {
			continue
		}
		if _, err := fr.r.Discard(1); err != nil {
			return err
		}
		return nil
	}
}

// Encode frames a ToRadio message for transmission.
func Encode(msg *pb.ToRadio) ([]byte, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ToRadio: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	frame[0] = Start1
	frame[1] = Start2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}
