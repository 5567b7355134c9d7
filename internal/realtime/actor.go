package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrJoinTimeout indicates no valid JOIN arrived within the grace window.
	ErrJoinTimeout = errors.New("realtime: join grace window elapsed")
	// ErrProtocolViolation indicates a malformed, truncated or out-of-place frame.
	ErrProtocolViolation = errors.New("realtime: protocol violation")
	// ErrIdentityMismatch indicates a JOIN whose user id disagrees with the
	// authenticated connection identity.
	ErrIdentityMismatch = errors.New("realtime: join identity mismatch")
	// ErrQueueClosed indicates a write to an already-closed outbound queue.
	ErrQueueClosed = errors.New("realtime: outbound queue closed")
)

// Conn is the byte-stream transport an actor exclusively owns. Implementations
// must unblock pending ReadFrame calls when Close is called.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// ActorState models the Connecting -> Joined -> Disconnected lifecycle.
type ActorState int32

const (
	StateConnecting ActorState = iota
	StateJoined
	StateDisconnected
)

// Actor owns one live connection: it is the only component that reads or
// writes the underlying socket. Inbound frames flow to the session router;
// outbound frames arrive on a bounded queue drained by the write pump.
type Actor struct {
	userID    uuid.UUID
	sessionID string
	conn      Conn
	queue     *outboundQueue
	logger    *zap.Logger

	state          atomic.Int32
	lastActivity   atomic.Int64
	resyncNeeded   atomic.Bool
	resyncEpisodes atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	pumpDone  chan struct{}
}

func newActor(userID uuid.UUID, sessionID string, conn Conn, queueLimit int, logger *zap.Logger) *Actor {
	actor := &Actor{
		userID:    userID,
		sessionID: sessionID,
		conn:      conn,
		queue:     newOutboundQueue(queueLimit),
		logger:    logger,
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	actor.state.Store(int32(StateConnecting))
	return actor
}

// UserID returns the authenticated identity bound to this connection.
func (a *Actor) UserID() uuid.UUID { return a.userID }

// SessionID returns the session this actor is attached to.
func (a *Actor) SessionID() string { return a.sessionID }

// State returns the actor's lifecycle state.
func (a *Actor) State() ActorState { return ActorState(a.state.Load()) }

// QueueDepth returns the number of frames waiting in the outbound queue.
func (a *Actor) QueueDepth() int { return a.queue.depth() }

// ResyncEpisodes returns how many distinct overflow episodes this actor has
// accumulated since it joined.
func (a *Actor) ResyncEpisodes() int64 { return a.resyncEpisodes.Load() }

func (a *Actor) markJoined() { a.state.Store(int32(StateJoined)) }

func (a *Actor) touchActivity(now time.Time) { a.lastActivity.Store(now.UnixNano()) }

func (a *Actor) activityNanos() int64 { return a.lastActivity.Load() }

// enqueueProtected queues a frame that must never be dropped: catch-up bursts
// and server control frames. Bounded by snapshot size plus the compacted tail.
func (a *Actor) enqueueProtected(frame []byte) error {
	return a.queue.enqueue(frame, true)
}

// enqueueRelay queues a live relay frame under the drop-oldest bound. The
// first drop of an episode latches the resync flag.
func (a *Actor) enqueueRelay(frame []byte) {
	dropped := a.queue.enqueueRelayDropOldest(frame)
	if dropped && a.resyncNeeded.CompareAndSwap(false, true) {
		a.resyncEpisodes.Add(1)
		a.logger.Warn("outbound queue overflow, resync flagged",
			zap.String("session_id", a.sessionID), zap.String("user_id", a.userID.String()))
	}
}

func (a *Actor) resyncPending() bool { return a.resyncNeeded.Load() }

func (a *Actor) clearResync() { a.resyncNeeded.Store(false) }

// shutdownDrainTimeout bounds how long a cancelled actor may keep its socket
// open while the write pump flushes the remaining queue.
const shutdownDrainTimeout = 5 * time.Second

// shutdown cancels the actor cooperatively: enqueues stop, the write pump
// drains what is already queued, and only then (or at the deadline) does the
// socket close. Used when a session is torn down; error paths where the
// socket is already dead use close directly.
func (a *Actor) shutdown(timeout time.Duration) {
	a.state.Store(int32(StateDisconnected))
	a.queue.close()
	select {
	case <-a.pumpDone:
	case <-time.After(timeout):
	}
	a.close()
}

// close tears the actor down: terminal, idempotent, safe from any goroutine.
func (a *Actor) close() {
	a.closeOnce.Do(func() {
		a.state.Store(int32(StateDisconnected))
		a.queue.close()
		_ = a.conn.Close()
		close(a.done)
	})
}

// writePump drains the outbound queue onto the socket until the queue closes
// or a write fails. Runs on its own goroutine; the only socket writer.
func (a *Actor) writePump() {
	defer close(a.pumpDone)
	for {
		frame, ok := a.queue.next()
		if !ok {
			return
		}
		if err := a.conn.WriteFrame(frame); err != nil {
			a.close()
			return
		}
	}
}

// outboundQueue is a FIFO with a drop-oldest bound on relay traffic.
// Protected frames (catch-up and resync bursts, server control frames) are
// never evicted; their volume is bounded by snapshot size plus the compacted
// log tail, so total queue memory stays bounded either way.
type outboundQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	frames    []queuedFrame
	relayHeld int
	limit     int
	closed    bool
}

type queuedFrame struct {
	data      []byte
	protected bool
}

func newOutboundQueue(limit int) *outboundQueue {
	queue := &outboundQueue{limit: limit}
	queue.cond = sync.NewCond(&queue.mu)
	return queue
}

func (q *outboundQueue) enqueue(frame []byte, protect bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.frames = append(q.frames, queuedFrame{data: frame, protected: protect})
	if !protect {
		q.relayHeld++
	}
	q.cond.Signal()
	return nil
}

// enqueueRelayDropOldest appends a relay frame, evicting the oldest queued
// relay frame when the relay bound is reached. Reports whether anything was
// evicted.
func (q *outboundQueue) enqueueRelayDropOldest(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	dropped := false
	for q.relayHeld >= q.limit {
		evicted := false
		for index, queued := range q.frames {
			if queued.protected {
				continue
			}
			q.frames = append(q.frames[:index], q.frames[index+1:]...)
			q.relayHeld--
			evicted = true
			dropped = true
			break
		}
		if !evicted {
			break
		}
	}
	q.frames = append(q.frames, queuedFrame{data: frame})
	q.relayHeld++
	q.cond.Signal()
	return dropped
}

func (q *outboundQueue) next() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	head := q.frames[0]
	q.frames = q.frames[1:]
	if !head.protected {
		q.relayHeld--
	}
	return head.data, true
}

func (q *outboundQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
