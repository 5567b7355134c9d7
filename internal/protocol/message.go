// Package protocol implements the binary wire format spoken between drawing
// clients and the session relay. Every frame starts with a one-byte type tag;
// all multi-byte integers are little-endian; user identifiers travel as the
// 16 raw bytes of a canonical UUID.
//
// Control frames (tags below 0x10) are fully decoded because the server acts
// on them. Drawing frames (tags 0x10 and above) are length-validated and
// relayed byte-for-byte without field-level decoding.
package protocol

import (
	"errors"

	"github.com/google/uuid"
)

// Frame type tags.
const (
	TagJoin      byte = 0x01 // userId(16) + timestamp u64(8)
	TagSnapshot  byte = 0x02 // userId(16) + layer u8(1) + pngLen u32(4) + png
	TagChat      byte = 0x03 // userId(16) + timestamp u64(8) + msgLen u16(2) + utf8
	TagDrawLine  byte = 0x10 // fixed 39-byte frame
	TagDrawPoint byte = 0x11 // fixed 31-byte frame
	TagFill      byte = 0x12 // fixed 26-byte frame
	TagPointerUp byte = 0x13 // fixed 23-byte frame
)

// Canvas layer identifiers carried in SNAPSHOT and drawing frames.
const (
	LayerForeground uint8 = 0
	LayerBackground uint8 = 1
)

// Brush types carried in drawing frames.
const (
	BrushSolid    uint8 = 0
	BrushHalftone uint8 = 1
	BrushEraser   uint8 = 2
)

// Pointer device types carried in drawing frames.
const (
	PointerMouse uint8 = 0
	PointerPen   uint8 = 1
	PointerTouch uint8 = 2
)

// MaxSnapshotPNGBytes bounds the png payload a SNAPSHOT frame may declare.
const MaxSnapshotPNGBytes = 8 << 20

var (
	// ErrTruncatedFrame indicates a frame shorter than its type's minimum length.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	// ErrUnknownTag indicates a frame carrying an unrecognized type tag.
	ErrUnknownTag = errors.New("protocol: unknown tag")
	// ErrFrameLength indicates a frame whose length disagrees with its type's layout.
	ErrFrameLength = errors.New("protocol: frame length mismatch")
	// ErrSnapshotTooLarge indicates a SNAPSHOT frame declaring an oversized png payload.
	ErrSnapshotTooLarge = errors.New("protocol: snapshot payload too large")
)

// Message is the decoded form of one wire frame. Control frames decode to
// Join, Snapshot or Chat; drawing frames decode to Opaque.
type Message interface {
	// Tag returns the frame's one-byte type tag.
	Tag() byte
}

// Join announces a participant entering a session.
type Join struct {
	UserID    uuid.UUID
	Timestamp uint64
}

// Tag implements Message.
func (Join) Tag() byte { return TagJoin }

// Snapshot carries a full-canvas png for one layer. A zero-length PNG is a
// server-originated request for the client to upload a fresh capture.
type Snapshot struct {
	UserID uuid.UUID
	Layer  uint8
	PNG    []byte
}

// Tag implements Message.
func (Snapshot) Tag() byte { return TagSnapshot }

// IsCaptureRequest reports whether this frame asks the receiving client to
// upload a fresh snapshot rather than carrying one.
func (s Snapshot) IsCaptureRequest() bool { return len(s.PNG) == 0 }

// Chat carries one utf-8 chat message.
type Chat struct {
	UserID    uuid.UUID
	Timestamp uint64
	Text      string
}

// Tag implements Message.
func (Chat) Tag() byte { return TagChat }

// Opaque is a drawing frame the server relays without field-level decoding.
// Raw holds the complete frame including the leading tag byte.
type Opaque struct {
	FrameTag byte
	Raw      []byte
}

// Tag implements Message.
func (o Opaque) Tag() byte { return o.FrameTag }

// UserID extracts the sender identifier every drawing frame carries directly
// after its tag byte. The frame length has already been validated by Decode.
func (o Opaque) UserID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], o.Raw[1:17])
	return id
}

// Layer returns the canvas layer of a layer-carrying drawing frame and true,
// or false for frames without a layer field (POINTER_UP).
func (o Opaque) Layer() (uint8, bool) {
	switch o.FrameTag {
	case TagDrawLine, TagDrawPoint, TagFill:
		return o.Raw[17], true
	default:
		return 0, false
	}
}
