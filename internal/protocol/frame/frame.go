package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/charmbracelet/x/ansi"
)

// BinaryHeaderLen is the tag byte plus the signed little-endian length.
const BinaryHeaderLen = 3

var (
	ErrIncomplete    = errors.New("frame: incomplete")
	ErrUnknownTag    = errors.New("frame: unknown tag")
	ErrInvalidLength = errors.New("frame: invalid binary length")
)

var (
	logTerminator  = []byte("\r\n")
	treeTerminator = []byte("\r\n\r\n")

	// Log lines reset the color, tree dumps also wipe the screen so the new
	// dump replaces the previous one.
	logPrefix  = []byte(ansi.SGR(ansi.WhiteForegroundColorAttr))
	treePrefix = []byte(ansi.ResetInitialState + ansi.SGR(ansi.WhiteForegroundColorAttr))
)

// UnknownTagError reports the head byte that matched no framing rule.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("frame: unknown tag 0x%02x", e.Tag)
}

func (e *UnknownTagError) Is(target error) bool {
	return target == ErrUnknownTag
}

// Frame is one decoded message ready to forward.
type Frame struct {
	Category Category
	// Payload is the forwarded byte sequence including any terminal prefix.
	Payload []byte
	// Consumed is the frame length on the wire.
	Consumed int
	// Padding counts CR/LF bytes buffered directly after the frame.
	Padding int
}

// Limits bounds buffer growth and binary payload size.
type Limits struct {
	MaxBufferBytes   int
	MaxBinaryPayload int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBufferBytes:   64 * 1024,
		MaxBinaryPayload: math.MaxInt16,
	}
}

// Decode extracts the frame at the head of buf. It returns ErrIncomplete
// when more bytes are needed, an UnknownTagError when the head byte is not a
// category and ErrInvalidLength for unusable binary length fields.
func Decode(buf []byte, limits Limits) (Frame, error) {
	if len(buf) == 0 {
		return Frame{}, ErrIncomplete
	}
	tag := Category(buf[0])
	var (
		fr  Frame
		err error
	)
	switch tag {
	case CategoryLog:
		fr, err = decodeTerminated(buf, tag, logTerminator, logPrefix)
	case CategoryTree:
		fr, err = decodeTerminated(buf, tag, treeTerminator, treePrefix)
	case CategoryBinary:
		fr, err = decodeBinary(buf, limits)
	default:
		return Frame{}, &UnknownTagError{Tag: buf[0]}
	}
	if err != nil {
		return Frame{}, err
	}
	fr.Padding = countPadding(buf[fr.Consumed:])
	return fr, nil
}

func decodeTerminated(buf []byte, tag Category, term, prefix []byte) (Frame, error) {
	idx := bytes.Index(buf[1:], term)
	if idx < 0 {
		return Frame{}, ErrIncomplete
	}
	end := 1 + idx + len(term)
	payload := make([]byte, 0, len(prefix)+end-1)
	payload = append(payload, prefix...)
	payload = append(payload, buf[1:end]...)
	return Frame{Category: tag, Payload: payload, Consumed: end}, nil
}

func decodeBinary(buf []byte, limits Limits) (Frame, error) {
	if len(buf) < BinaryHeaderLen {
		return Frame{}, ErrIncomplete
	}
	n := int(int16(binary.LittleEndian.Uint16(buf[1:BinaryHeaderLen])))
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if limits.MaxBinaryPayload > 0 && n > limits.MaxBinaryPayload {
		return Frame{}, fmt.Errorf("%w: %d exceeds %d", ErrInvalidLength, n, limits.MaxBinaryPayload)
	}
	end := BinaryHeaderLen + n
	if len(buf) < end {
		return Frame{}, ErrIncomplete
	}
	payload := make([]byte, n)
	copy(payload, buf[BinaryHeaderLen:end])
	return Frame{Category: CategoryBinary, Payload: payload, Consumed: end}, nil
}
