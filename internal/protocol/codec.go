// Package protocol defines the three datagrams stations and the coordinator
// exchange: the identifier request, the identifier response and the data
// packet. Only the response carries meaning; the other two are filler.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultRequestSize is the filler size of an identifier request.
	DefaultRequestSize = 64
	// DefaultPacketSize is the filler size of a data packet.
	DefaultPacketSize = 200
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	// MaxByteIdentifier is the largest identifier the single-byte codec can carry.
	MaxByteIdentifier = 255

	CodecText = "text"
	CodecByte = "byte"
)

var (
	// ErrMalformedResponse indicates a response payload that does not decode
	// to a positive identifier.
	ErrMalformedResponse = errors.New("malformed identifier response")
	// ErrIdentifierOverflow indicates an identifier the codec cannot represent.
	ErrIdentifierOverflow = errors.New("identifier does not fit codec")
	// ErrUnknownCodec indicates an unsupported codec name.
	ErrUnknownCodec = errors.New("unknown identifier codec")
	// ErrInvalidSize indicates a filler payload size outside 1..MaxDatagramSize.
	ErrInvalidSize = errors.New("invalid payload size")
)

// Codec encodes the identifier carried by an identifier response. A run uses
// exactly one codec on both sides; the encodings are not interoperable.
type Codec interface {
	Name() string
	// MaxIdentifier returns the largest encodable identifier, 0 for unbounded.
	MaxIdentifier() uint32
	EncodeIdentifier(id uint32) ([]byte, error)
	DecodeIdentifier(payload []byte) (uint32, error)
}

// CodecByName returns the codec registered under name ("" selects text).
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecText:
		return TextCodec{}, nil
	case CodecByte:
		return ByteCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// TextCodec carries the identifier as unsigned decimal ASCII ("5").
type TextCodec struct{}

func (TextCodec) Name() string          { return CodecText }
func (TextCodec) MaxIdentifier() uint32 { return 0 }

func (TextCodec) EncodeIdentifier(id uint32) ([]byte, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: identifier 0 is reserved", ErrIdentifierOverflow)
	}
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

func (TextCodec) DecodeIdentifier(payload []byte) (uint32, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}
	v, err := strconv.ParseUint(string(payload), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(payload))
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: identifier 0", ErrMalformedResponse)
	}
	return uint32(v), nil
}

// ByteCodec carries the identifier in exactly one byte (1..255).
type ByteCodec struct{}

func (ByteCodec) Name() string          { return CodecByte }
func (ByteCodec) MaxIdentifier() uint32 { return MaxByteIdentifier }

func (ByteCodec) EncodeIdentifier(id uint32) ([]byte, error) {
	if id == 0 || id > MaxByteIdentifier {
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrIdentifierOverflow, id, MaxByteIdentifier)
	}
	return []byte{byte(id)}, nil
}

func (ByteCodec) DecodeIdentifier(payload []byte) (uint32, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("%w: want 1 byte, got %d", ErrMalformedResponse, len(payload))
	}
	if payload[0] == 0 {
		return 0, fmt.Errorf("%w: identifier 0", ErrMalformedResponse)
	}
	return uint32(payload[0]), nil
}

// NewRequest returns an identifier request of size filler bytes.
func NewRequest(size int) ([]byte, error) {
	return filler(size)
}

// NewDataPacket returns a data packet of size filler bytes.
func NewDataPacket(size int) ([]byte, error) {
	return filler(size)
}

// ValidateSize reports whether size is a usable filler payload size.
func ValidateSize(size int) error {
	if size <= 0 || size > MaxDatagramSize {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return nil
}

func filler(size int) ([]byte, error) {
	if err := ValidateSize(size); err != nil {
		return nil, err
	}
	return make([]byte, size), nil
}

func truncate(p []byte) string {
	const max = 16
	if len(p) > max {
		return string(p[:max]) + "..."
	}
	return string(p)
}
