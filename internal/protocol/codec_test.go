package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func mustUUID(t *testing.T, value string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(value)
	if err != nil {
		t.Fatalf("unexpected uuid error: %v", err)
	}
	return id
}

func buildDrawLineFrame(userID uuid.UUID) []byte {
	frame := make([]byte, drawLineFrameLength)
	frame[0] = TagDrawLine
	copy(frame[1:17], userID[:])
	frame[17] = LayerForeground
	binary.LittleEndian.PutUint16(frame[18:20], 10)  // fromX
	binary.LittleEndian.PutUint16(frame[20:22], 10)  // fromY
	binary.LittleEndian.PutUint16(frame[22:24], 20)  // toX
	binary.LittleEndian.PutUint16(frame[24:26], 20)  // toY
	frame[26] = 3                                    // brushSize
	frame[27] = BrushSolid                           // brushType
	frame[28], frame[29], frame[30], frame[31] = 255, 0, 0, 255
	frame[32] = PointerMouse
	return frame
}

func buildDrawPointFrame(userID uuid.UUID, x, y uint16) []byte {
	frame := make([]byte, drawPointFrameLength)
	frame[0] = TagDrawPoint
	copy(frame[1:17], userID[:])
	frame[17] = LayerBackground
	binary.LittleEndian.PutUint16(frame[18:20], x)
	binary.LittleEndian.PutUint16(frame[20:22], y)
	frame[22] = 1
	frame[23] = BrushHalftone
	frame[24], frame[25], frame[26], frame[27] = 0, 0, 0, 255
	frame[28] = PointerPen
	return frame
}

func buildFillFrame(userID uuid.UUID) []byte {
	frame := make([]byte, fillFrameLength)
	frame[0] = TagFill
	copy(frame[1:17], userID[:])
	frame[17] = LayerForeground
	binary.LittleEndian.PutUint16(frame[18:20], 5)
	binary.LittleEndian.PutUint16(frame[20:22], 6)
	frame[22], frame[23], frame[24], frame[25] = 10, 20, 30, 40
	return frame
}

func buildPointerUpFrame(userID uuid.UUID) []byte {
	frame := make([]byte, pointerUpFrameLength)
	frame[0] = TagPointerUp
	copy(frame[1:17], userID[:])
	binary.LittleEndian.PutUint16(frame[17:19], 100)
	binary.LittleEndian.PutUint16(frame[19:21], 200)
	frame[21] = 0
	frame[22] = PointerTouch
	return frame
}

func TestDecodeEncodeRoundTripsAllTypes(testContext *testing.T) {
	userID := mustUUID(testContext, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	messages := []Message{
		Join{UserID: userID, Timestamp: 1000},
		Snapshot{UserID: userID, Layer: LayerBackground, PNG: []byte{0x89, 'P', 'N', 'G'}},
		Chat{UserID: userID, Timestamp: 1001, Text: "hi"},
	}
	for _, rawFrame := range [][]byte{
		buildDrawLineFrame(userID),
		buildDrawPointFrame(userID, 7, 8),
		buildFillFrame(userID),
		buildPointerUpFrame(userID),
	} {
		messages = append(messages, Opaque{FrameTag: rawFrame[0], Raw: rawFrame})
	}

	for _, message := range messages {
		frame := Encode(message)
		decoded, err := Decode(frame)
		if err != nil {
			testContext.Fatalf("decode failed for tag 0x%02x: %v", message.Tag(), err)
		}
		if !reflect.DeepEqual(decoded, message) {
			testContext.Fatalf("round trip mismatch for tag 0x%02x: %#v != %#v", message.Tag(), decoded, message)
		}
	}
}

func TestDecodeRejectsTruncatedFrames(testContext *testing.T) {
	userID := mustUUID(testContext, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	fullFrames := [][]byte{
		Encode(Join{UserID: userID, Timestamp: 42}),
		Encode(Snapshot{UserID: userID, Layer: 0, PNG: []byte{1, 2, 3}}),
		Encode(Chat{UserID: userID, Timestamp: 42, Text: "hello"}),
		buildDrawLineFrame(userID),
		buildDrawPointFrame(userID, 1, 2),
		buildFillFrame(userID),
		buildPointerUpFrame(userID),
	}
	for _, full := range fullFrames {
		for cut := 1; cut < len(full); cut++ {
			if _, err := Decode(full[:cut]); err == nil {
				testContext.Fatalf("expected decode failure for tag 0x%02x truncated to %d bytes", full[0], cut)
			}
		}
	}
}

func TestDecodeRejectsEmptyFrame(testContext *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrTruncatedFrame) {
		testContext.Fatalf("expected truncated frame error, got %v", err)
	}
}

func TestDecodeRejectsUnknownTag(testContext *testing.T) {
	frame := make([]byte, 64)
	frame[0] = 0x7f
	if _, err := Decode(frame); !errors.Is(err, ErrUnknownTag) {
		testContext.Fatalf("expected unknown tag error, got %v", err)
	}
}

func TestDecodeRejectsTrailingBytes(testContext *testing.T) {
	userID := mustUUID(testContext, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	padded := append(buildDrawPointFrame(userID, 1, 2), 0xff)
	if _, err := Decode(padded); !errors.Is(err, ErrFrameLength) {
		testContext.Fatalf("expected frame length error for padded draw point, got %v", err)
	}

	chatFrame := append(Encode(Chat{UserID: userID, Timestamp: 7, Text: "x"}), 0xff)
	if _, err := Decode(chatFrame); !errors.Is(err, ErrFrameLength) {
		testContext.Fatalf("expected frame length error for padded chat, got %v", err)
	}
}

func TestDecodeRejectsOversizedSnapshotDeclaration(testContext *testing.T) {
	frame := make([]byte, snapshotHeaderLength)
	frame[0] = TagSnapshot
	binary.LittleEndian.PutUint32(frame[18:22], MaxSnapshotPNGBytes+1)
	if _, err := Decode(frame); !errors.Is(err, ErrSnapshotTooLarge) {
		testContext.Fatalf("expected snapshot size error, got %v", err)
	}
}

func TestDecodeDoesNotAliasInput(testContext *testing.T) {
	userID := mustUUID(testContext, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	frame := buildDrawLineFrame(userID)

	decoded, err := Decode(frame)
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	opaque, ok := decoded.(Opaque)
	if !ok {
		testContext.Fatalf("expected opaque message, got %T", decoded)
	}
	frame[18] = 0xee
	if bytes.Equal(opaque.Raw[18:20], frame[18:20]) {
		testContext.Fatalf("decoded frame aliases caller buffer")
	}
}

func TestOpaqueAccessors(testContext *testing.T) {
	userID := mustUUID(testContext, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	decoded, err := Decode(buildDrawPointFrame(userID, 3, 4))
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	opaque := decoded.(Opaque)
	if opaque.UserID() != userID {
		testContext.Fatalf("unexpected opaque user id: %s", opaque.UserID())
	}
	layer, hasLayer := opaque.Layer()
	if !hasLayer || layer != LayerBackground {
		testContext.Fatalf("unexpected layer: %d %v", layer, hasLayer)
	}

	decoded, err = Decode(buildPointerUpFrame(userID))
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if _, hasLayer := decoded.(Opaque).Layer(); hasLayer {
		testContext.Fatalf("pointer up must not report a layer")
	}
}

func TestIsControlSplitsTagSpace(testContext *testing.T) {
	for _, tag := range []byte{TagJoin, TagSnapshot, TagChat} {
		if !IsControl(tag) {
			testContext.Fatalf("tag 0x%02x must be control", tag)
		}
	}
	for _, tag := range []byte{TagDrawLine, TagDrawPoint, TagFill, TagPointerUp} {
		if IsControl(tag) {
			testContext.Fatalf("tag 0x%02x must be opaque", tag)
		}
	}
}

func TestSnapshotCaptureRequest(testContext *testing.T) {
	request := Snapshot{Layer: LayerForeground}
	if !request.IsCaptureRequest() {
		testContext.Fatalf("zero-length snapshot must be a capture request")
	}
	decoded, err := Decode(Encode(request))
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if !decoded.(Snapshot).IsCaptureRequest() {
		testContext.Fatalf("capture request lost across round trip")
	}
}
