package realtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ateliercollab/atelier-backend/internal/protocol"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

// fakeConn is an in-process Conn: inbound frames are pushed by the test,
// outbound frames are captured for assertions. An optional write gate stalls
// the write pump to simulate a slow client.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeGate chan struct{}

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
			return io.ErrClosedPipe
		}
	}
	copied := make([]byte, len(frame))
	copy(copied, frame)
	c.mu.Lock()
	c.written = append(c.written, copied)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([][]byte, len(c.written))
	copy(copied, c.written)
	return copied
}

func (c *fakeConn) send(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case c.inbound <- frame:
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound queue stuck")
	}
}

type testEngine struct {
	registry *Registry
	store    *session.Store
	record   session.SessionRecord
}

func newTestEngine(t *testing.T, config Config, ownerID uuid.UUID) *testEngine {
	t.Helper()
	dsn := fmt.Sprintf("file:realtime_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := database.AutoMigrate(
		&session.Session{}, &session.RoomActiveSession{}, &session.Participant{},
		&session.LogEntry{}, &session.CanvasSnapshot{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := session.NewStore(session.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	record, _, err := store.CreateOrFetchActiveSession(context.Background(), session.CreateSessionRequest{
		RoomID:       "room-" + uuid.NewString(),
		OwnerID:      ownerID.String(),
		CanvasWidth:  1028,
		CanvasHeight: 768,
		Public:       true,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	registry, err := NewRegistry(store, config)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})
	return &testEngine{registry: registry, store: store, record: record}
}

type testParticipant struct {
	userID uuid.UUID
	conn   *fakeConn
	result chan error
}

func (e *testEngine) connect(t *testing.T, userID uuid.UUID, conn *fakeConn) *testParticipant {
	t.Helper()
	participant := &testParticipant{userID: userID, conn: conn, result: make(chan error, 1)}
	go func() {
		participant.result <- e.registry.HandleConnection(context.Background(), e.record.SessionID, userID, conn)
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return participant
}

func (e *testEngine) join(t *testing.T, userID uuid.UUID) *testParticipant {
	t.Helper()
	participant := e.connect(t, userID, newFakeConn())
	participant.conn.send(t, protocol.Encode(protocol.Join{UserID: userID, Timestamp: 1000}))
	runtime, err := e.registry.runtimeFor(context.Background(), e.record.SessionID)
	if err != nil {
		t.Fatalf("runtime lookup failed: %v", err)
	}
	waitUntil(t, "participant joined", func() bool {
		return runtime.participantActor(userID) != nil
	})
	return participant
}

func (e *testEngine) runtime(t *testing.T) *sessionRuntime {
	t.Helper()
	runtime, err := e.registry.runtimeFor(context.Background(), e.record.SessionID)
	if err != nil {
		t.Fatalf("runtime lookup failed: %v", err)
	}
	return runtime
}

func (p *testParticipant) await(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not finish")
		return nil
	}
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drawPointFrame(userID uuid.UUID, x, y uint16) []byte {
	frame := make([]byte, 31)
	frame[0] = protocol.TagDrawPoint
	copy(frame[1:17], userID[:])
	frame[17] = protocol.LayerForeground
	binary.LittleEndian.PutUint16(frame[18:20], x)
	binary.LittleEndian.PutUint16(frame[20:22], y)
	frame[22] = 3
	frame[23] = protocol.BrushSolid
	frame[24], frame[25], frame[26], frame[27] = 255, 0, 0, 255
	frame[28] = protocol.PointerMouse
	return frame
}

func drawLineFrame(userID uuid.UUID) []byte {
	frame := make([]byte, 39)
	frame[0] = protocol.TagDrawLine
	copy(frame[1:17], userID[:])
	frame[17] = protocol.LayerForeground
	binary.LittleEndian.PutUint16(frame[18:20], 10)
	binary.LittleEndian.PutUint16(frame[20:22], 10)
	binary.LittleEndian.PutUint16(frame[22:24], 20)
	binary.LittleEndian.PutUint16(frame[24:26], 20)
	frame[26] = 3
	frame[27] = protocol.BrushSolid
	frame[28], frame[29], frame[30], frame[31] = 255, 0, 0, 255
	frame[32] = protocol.PointerMouse
	return frame
}

func captureRequestCount(frames [][]byte) int {
	requests := 0
	for _, frame := range framesWithTag(frames, protocol.TagSnapshot) {
		decoded, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		if decoded.(protocol.Snapshot).IsCaptureRequest() {
			requests++
		}
	}
	return requests
}

func framesWithTag(frames [][]byte, tag byte) [][]byte {
	matched := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		if len(frame) > 0 && frame[0] == tag {
			matched = append(matched, frame)
		}
	}
	return matched
}
