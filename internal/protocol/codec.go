package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame lengths in bytes, including the leading tag.
const (
	joinFrameLength      = 1 + 16 + 8
	snapshotHeaderLength = 1 + 16 + 1 + 4
	chatHeaderLength     = 1 + 16 + 8 + 2
	drawLineFrameLength  = 39
	drawPointFrameLength = 31
	fillFrameLength      = 26
	pointerUpFrameLength = 23
)

// opaqueFrameLengths maps each drawing tag to its exact frame length.
var opaqueFrameLengths = map[byte]int{
	TagDrawLine:  drawLineFrameLength,
	TagDrawPoint: drawPointFrameLength,
	TagFill:      fillFrameLength,
	TagPointerUp: pointerUpFrameLength,
}

// IsControl reports whether the tag names a frame the server must decode and
// act on, as opposed to a drawing frame relayed opaquely.
func IsControl(tag byte) bool { return tag < TagDrawLine }

// Encode serializes a Message into its wire frame.
func Encode(message Message) []byte {
	switch m := message.(type) {
	case Join:
		frame := make([]byte, joinFrameLength)
		frame[0] = TagJoin
		copy(frame[1:17], m.UserID[:])
		binary.LittleEndian.PutUint64(frame[17:25], m.Timestamp)
		return frame
	case Snapshot:
		frame := make([]byte, snapshotHeaderLength+len(m.PNG))
		frame[0] = TagSnapshot
		copy(frame[1:17], m.UserID[:])
		frame[17] = m.Layer
		binary.LittleEndian.PutUint32(frame[18:22], uint32(len(m.PNG)))
		copy(frame[22:], m.PNG)
		return frame
	case Chat:
		text := []byte(m.Text)
		frame := make([]byte, chatHeaderLength+len(text))
		frame[0] = TagChat
		copy(frame[1:17], m.UserID[:])
		binary.LittleEndian.PutUint64(frame[17:25], m.Timestamp)
		binary.LittleEndian.PutUint16(frame[25:27], uint16(len(text)))
		copy(frame[27:], text)
		return frame
	case Opaque:
		raw := make([]byte, len(m.Raw))
		copy(raw, m.Raw)
		return raw
	default:
		return nil
	}
}

// Decode parses one wire frame. Control frames come back fully decoded;
// drawing frames come back as Opaque after exact length validation. The
// returned Message never aliases the input buffer.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrTruncatedFrame)
	}

	tag := frame[0]
	switch tag {
	case TagJoin:
		return decodeJoin(frame)
	case TagSnapshot:
		return decodeSnapshot(frame)
	case TagChat:
		return decodeChat(frame)
	case TagDrawLine, TagDrawPoint, TagFill, TagPointerUp:
		return decodeOpaque(tag, frame)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}

func decodeJoin(frame []byte) (Message, error) {
	if len(frame) < joinFrameLength {
		return nil, fmt.Errorf("%w: join frame %d bytes, need %d", ErrTruncatedFrame, len(frame), joinFrameLength)
	}
	if len(frame) != joinFrameLength {
		return nil, fmt.Errorf("%w: join frame %d bytes, expected %d", ErrFrameLength, len(frame), joinFrameLength)
	}
	var message Join
	copy(message.UserID[:], frame[1:17])
	message.Timestamp = binary.LittleEndian.Uint64(frame[17:25])
	return message, nil
}

func decodeSnapshot(frame []byte) (Message, error) {
	if len(frame) < snapshotHeaderLength {
		return nil, fmt.Errorf("%w: snapshot frame %d bytes, need at least %d", ErrTruncatedFrame, len(frame), snapshotHeaderLength)
	}
	declaredLength := binary.LittleEndian.Uint32(frame[18:22])
	if declaredLength > MaxSnapshotPNGBytes {
		return nil, fmt.Errorf("%w: %d bytes declared", ErrSnapshotTooLarge, declaredLength)
	}
	if len(frame) != snapshotHeaderLength+int(declaredLength) {
		return nil, fmt.Errorf("%w: snapshot frame %d bytes, declared png length %d", ErrFrameLength, len(frame), declaredLength)
	}
	message := Snapshot{Layer: frame[17]}
	copy(message.UserID[:], frame[1:17])
	if declaredLength > 0 {
		message.PNG = make([]byte, declaredLength)
		copy(message.PNG, frame[snapshotHeaderLength:])
	}
	return message, nil
}

func decodeChat(frame []byte) (Message, error) {
	if len(frame) < chatHeaderLength {
		return nil, fmt.Errorf("%w: chat frame %d bytes, need at least %d", ErrTruncatedFrame, len(frame), chatHeaderLength)
	}
	declaredLength := binary.LittleEndian.Uint16(frame[25:27])
	if len(frame) != chatHeaderLength+int(declaredLength) {
		return nil, fmt.Errorf("%w: chat frame %d bytes, declared text length %d", ErrFrameLength, len(frame), declaredLength)
	}
	message := Chat{
		Timestamp: binary.LittleEndian.Uint64(frame[17:25]),
		Text:      string(frame[chatHeaderLength:]),
	}
	copy(message.UserID[:], frame[1:17])
	return message, nil
}

func decodeOpaque(tag byte, frame []byte) (Message, error) {
	expectedLength := opaqueFrameLengths[tag]
	if len(frame) < expectedLength {
		return nil, fmt.Errorf("%w: 0x%02x frame %d bytes, need %d", ErrTruncatedFrame, tag, len(frame), expectedLength)
	}
	if len(frame) != expectedLength {
		return nil, fmt.Errorf("%w: 0x%02x frame %d bytes, expected %d", ErrFrameLength, tag, len(frame), expectedLength)
	}
	raw := make([]byte, expectedLength)
	copy(raw, frame)
	return Opaque{FrameTag: tag, Raw: raw}, nil
}
