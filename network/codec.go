package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// ErrMalformedMessage is returned when bytes do not decode to a valid Message.
var ErrMalformedMessage = errors.New("malformed message")

// MaxDatagramSize is the largest datagram a transport will read.
const MaxDatagramSize = 64 * 1024

// maxDecodedSize bounds the decompressed body to stop LZ4 bombs.
const maxDecodedSize = 4 * MaxDatagramSize

// Frame tags.
const (
	frameRaw byte = 0x00
	frameLZ4 byte = 0x01
)

// DefaultCompressThreshold is the JSON body size above which compression is tried.
const DefaultCompressThreshold = 1024

// Codec maps Messages to datagrams and back.
type Codec struct {
	// CompressThreshold is the minimum body size for LZ4 compression. Zero or
	// negative disables compression.
	CompressThreshold int
}

// NewCodec creates a codec with the given compression threshold.
func NewCodec(compressThreshold int) *Codec {
	return &Codec{CompressThreshold: compressThreshold}
}

// Encode serializes a message into a single datagram.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if c != nil && c.CompressThreshold > 0 && len(body) >= c.CompressThreshold {
		var buf bytes.Buffer
		buf.WriteByte(frameLZ4)
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("failed to compress message: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress message: %w", err)
		}
		if buf.Len() < len(body)+1 {
			return buf.Bytes(), nil
		}
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, frameRaw)
	return append(out, body...), nil
}

// Decode parses a datagram. Every failure wraps ErrMalformedMessage.
func (c *Codec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty datagram", ErrMalformedMessage)
	}

	var body []byte
	switch data[0] {
	case frameRaw:
		body = data[1:]
	case frameLZ4:
		zr := lz4.NewReader(bytes.NewReader(data[1:]))
		decoded, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
		if err != nil {
			return Message{}, fmt.Errorf("%w: lz4: %v", ErrMalformedMessage, err)
		}
		if len(decoded) > maxDecodedSize {
			return Message{}, fmt.Errorf("%w: decompressed body too large", ErrMalformedMessage)
		}
		body = decoded
	case '{':
		body = data
	default:
		return Message{}, fmt.Errorf("%w: unknown frame tag 0x%02x", ErrMalformedMessage, data[0])
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
