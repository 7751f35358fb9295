// Package frame implements the wire codec for the file-transfer protocol:
// a 6-byte header (3-bit kind, 13-bit length, 32-bit pos) followed by an
// uninterpreted payload.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind identifies the role a Frame plays in the protocol.
type Kind uint8

const (
	Upload Kind = iota
	Download
	OK
	Error
	Fin
	Ack
)

func (k Kind) String() string {
	switch k {
	case Upload:
		return "UPLOAD"
	case Download:
		return "DOWNLOAD"
	case OK:
		return "OK"
	case Error:
		return "ERROR"
	case Fin:
		return "FIN"
	case Ack:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

func validKind(k Kind) bool {
	return k <= Ack
}

const (
	// HeaderSize is the fixed size of the type+length+pos header.
	HeaderSize = 6
	// MaxLength is the largest payload length the 13-bit length field can encode.
	MaxLength = 8191
	// PayloadSize is the chunk size used for bulk-transfer data frames.
	// The wire format admits up to MaxLength, but the engines never produce
	// a payload larger than this during transfer.
	PayloadSize = 2000
	// RecvBufferSize is sized for a full-size data frame plus header.
	RecvBufferSize = HeaderSize + PayloadSize

	typeShift   = 13
	lengthMask  = MaxLength
)

// ErrMalformed is returned by Decode when bytes don't form a well-formed Frame.
var ErrMalformed = errors.New("malformed frame")

// Sub-codes carried in the 1-byte ERROR payload.
const (
	InvalidFileHashing byte = 1
	FileNotFoundError  byte = 2
)

// Frame is the unit of transport.
type Frame struct {
	Kind    Kind
	Pos     uint32
	Payload []byte
}

// New builds a Frame, enforcing the payload-length invariant.
func New(kind Kind, pos uint32, payload []byte) (Frame, error) {
	if len(payload) > MaxLength {
		return Frame{}, errors.Errorf("frame payload length (%d) exceeds maximum (%d)", len(payload), MaxLength)
	}
	return Frame{Kind: kind, Pos: pos, Payload: payload}, nil
}

// Encode serializes f. Encoding is total for any well-formed Frame.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	typeAndLength := uint16(f.Kind)<<typeShift | uint16(len(f.Payload))&lengthMask
	binary.BigEndian.PutUint16(out[0:2], typeAndLength)
	binary.BigEndian.PutUint32(out[2:6], f.Pos)
	copy(out[HeaderSize:], f.Payload)
	return out
}

// Decode parses b into a Frame. It fails with ErrMalformed when b is too
// short for a header, carries an invalid kind, or is too short for the
// length it declares.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, errors.Wrapf(ErrMalformed, "need at least %d bytes, got %d", HeaderSize, len(b))
	}

	typeAndLength := binary.BigEndian.Uint16(b[0:2])
	kind := Kind(typeAndLength >> typeShift)
	length := int(typeAndLength & lengthMask)
	pos := binary.BigEndian.Uint32(b[2:6])

	if !validKind(kind) {
		return Frame{}, errors.Wrapf(ErrMalformed, "unknown kind %d", kind)
	}

	payloadEnd := HeaderSize + length
	if len(b) < payloadEnd {
		return Frame{}, errors.Wrapf(ErrMalformed, "declared length %d exceeds available bytes %d", length, len(b)-HeaderSize)
	}

	payload := make([]byte, length)
	copy(payload, b[HeaderSize:payloadEnd])

	return Frame{Kind: kind, Pos: pos, Payload: payload}, nil
}
