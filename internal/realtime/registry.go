package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ateliercollab/atelier-backend/internal/protocol"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

var (
	errMissingStore = errors.New("session store is required")
	// ErrRegistryClosed indicates a connection arriving after shutdown began.
	ErrRegistryClosed = errors.New("realtime: registry closed")
	// ErrSessionInactive indicates a connection targeting a closed session.
	ErrSessionInactive = errors.New("realtime: session inactive")
)

const (
	defaultMaxParticipants   = 32
	defaultOutboundQueueSize = 256
	defaultJoinGrace         = 10 * time.Second
	defaultEmptyGrace        = 30 * time.Second
	defaultResyncSweep       = 500 * time.Millisecond
	defaultSnapshotInterval  = time.Minute
	defaultSnapshotMessages  = 500
	defaultCompactionMargin  = 32
)

// Config tunes the realtime engine.
type Config struct {
	MaxParticipants   int
	OutboundQueueSize int
	JoinGrace         time.Duration
	EmptyGrace        time.Duration
	ResyncSweep       time.Duration
	Snapshot          SnapshotPolicy
	Clock             func() time.Time
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = defaultMaxParticipants
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	if c.JoinGrace <= 0 {
		c.JoinGrace = defaultJoinGrace
	}
	if c.EmptyGrace <= 0 {
		c.EmptyGrace = defaultEmptyGrace
	}
	if c.ResyncSweep <= 0 {
		c.ResyncSweep = defaultResyncSweep
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = defaultSnapshotInterval
	}
	if c.Snapshot.MessageThreshold <= 0 {
		c.Snapshot.MessageThreshold = defaultSnapshotMessages
	}
	if c.Snapshot.CompactionMargin <= 0 {
		c.Snapshot.CompactionMargin = defaultCompactionMargin
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Registry is the process-wide table of live sessions. It is an explicitly
// owned handle, created at server startup and closed at shutdown; tests run
// several independent registries in one process.
type Registry struct {
	store  *session.Store
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	sessions    map[string]*sessionRuntime
	emptyTimers map[string]*time.Timer
	closed      bool
}

// NewRegistry validates dependencies and returns an empty registry.
func NewRegistry(store *session.Store, config Config) (*Registry, error) {
	if store == nil {
		return nil, errMissingStore
	}
	config = config.withDefaults()
	return &Registry{
		store:       store,
		config:      config,
		logger:      config.Logger,
		sessions:    make(map[string]*sessionRuntime),
		emptyTimers: make(map[string]*time.Timer),
	}, nil
}

// HandleConnection runs the full actor lifecycle for one accepted transport
// connection: join grace, catch-up, relay loop, disconnect bookkeeping. It
// blocks until the connection ends and always leaves the socket closed.
func (reg *Registry) HandleConnection(ctx context.Context, sessionID string, userID uuid.UUID, conn Conn) error {
	runtime, err := reg.runtimeFor(ctx, sessionID)
	if err != nil {
		_ = conn.Close()
		return err
	}

	actor := newActor(userID, sessionID, conn, reg.config.OutboundQueueSize, reg.logger)
	go actor.writePump()
	defer actor.close()

	joinMessage, joinFrame, err := reg.awaitJoin(actor)
	if err != nil {
		return err
	}
	if err := runtime.join(actor, joinMessage, joinFrame); err != nil {
		return err
	}
	defer runtime.leave(actor)

	return reg.relayLoop(runtime, actor)
}

// awaitJoin enforces the Connecting state's grace window: the first frame
// must be a JOIN matching the authenticated identity, or the actor closes.
func (reg *Registry) awaitJoin(actor *Actor) (protocol.Join, []byte, error) {
	var timedOut atomic.Bool
	graceTimer := time.AfterFunc(reg.config.JoinGrace, func() {
		timedOut.Store(true)
		actor.close()
	})
	defer graceTimer.Stop()

	frame, err := actor.conn.ReadFrame()
	if err != nil {
		if timedOut.Load() {
			return protocol.Join{}, nil, ErrJoinTimeout
		}
		return protocol.Join{}, nil, err
	}

	decoded, err := protocol.Decode(frame)
	if err != nil {
		return protocol.Join{}, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	joinMessage, ok := decoded.(protocol.Join)
	if !ok {
		return protocol.Join{}, nil, fmt.Errorf("%w: first frame must be join, got tag 0x%02x", ErrProtocolViolation, decoded.Tag())
	}
	if joinMessage.UserID != actor.UserID() {
		return protocol.Join{}, nil, fmt.Errorf("%w: join user %s, connection user %s",
			ErrIdentityMismatch, joinMessage.UserID, actor.UserID())
	}
	return joinMessage, frame, nil
}

// relayLoop reads inbound frames until the socket closes or the client
// violates the protocol. Persistence failures reject the one message but keep
// the connection; violations close it. Neither touches other participants.
func (reg *Registry) relayLoop(runtime *sessionRuntime, actor *Actor) error {
	for {
		frame, err := actor.conn.ReadFrame()
		if err != nil {
			// Socket closure and administrative kicks both land here.
			return nil
		}

		message, err := protocol.Decode(frame)
		if err != nil {
			reg.logger.Warn("closing connection on malformed frame",
				zap.String("session_id", actor.SessionID()),
				zap.String("user_id", actor.UserID().String()),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		if _, err := runtime.submit(actor, message, frame); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				return err
			}
			if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotJoined) {
				return nil
			}
			// Persistence failure: the message was never committed, so it
			// was not broadcast. The connection survives.
			reg.logger.Error("message rejected",
				zap.String("session_id", actor.SessionID()),
				zap.String("user_id", actor.UserID().String()),
				zap.Error(err))
		}
	}
}

// runtimeFor returns the live runtime for an active session, activating it
// and seeding its sequence counter from the durable log when needed.
func (reg *Registry) runtimeFor(ctx context.Context, sessionID string) (*sessionRuntime, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil, ErrRegistryClosed
	}
	if runtime, ok := reg.sessions[sessionID]; ok {
		return runtime, nil
	}

	record, err := reg.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !record.Active {
		return nil, fmt.Errorf("%w: %s", ErrSessionInactive, sessionID)
	}
	lastSequence, err := reg.store.MaxSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ownerID, err := uuid.Parse(record.OwnerID)
	if err != nil {
		ownerID = uuid.Nil
	}

	runtime := &sessionRuntime{
		sessionID:       sessionID,
		ownerID:         ownerID,
		store:           reg.store,
		logger:          reg.logger,
		clock:           reg.config.Clock,
		ctx:             context.Background(),
		commands:        make(chan routerCommand, 64),
		done:            make(chan struct{}),
		loopDone:        make(chan struct{}),
		notifyEmpty:     reg.scheduleDeactivation,
		notifyOccupied:  reg.cancelDeactivation,
		maxParticipants: reg.config.MaxParticipants,
		resyncSweep:     reg.config.ResyncSweep,
		participants:    make(map[uuid.UUID]*Actor),
		lastSequence:    lastSequence,
		tracker:         newSnapshotTracker(reg.config.Snapshot, reg.config.Clock()),
	}
	reg.sessions[sessionID] = runtime
	go runtime.run()
	reg.logger.Info("session activated",
		zap.String("session_id", sessionID), zap.Int64("last_sequence", lastSequence))
	return runtime, nil
}

// scheduleDeactivation starts the empty-room grace period. If nobody rejoins
// before it elapses, the session is closed durably and the runtime removed.
func (reg *Registry) scheduleDeactivation(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return
	}
	if existing, ok := reg.emptyTimers[sessionID]; ok {
		existing.Stop()
	}
	reg.emptyTimers[sessionID] = time.AfterFunc(reg.config.EmptyGrace, func() {
		reg.deactivateIfEmpty(sessionID)
	})
}

func (reg *Registry) cancelDeactivation(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if timer, ok := reg.emptyTimers[sessionID]; ok {
		timer.Stop()
		delete(reg.emptyTimers, sessionID)
	}
}

func (reg *Registry) deactivateIfEmpty(sessionID string) {
	reg.mu.Lock()
	runtime, ok := reg.sessions[sessionID]
	delete(reg.emptyTimers, sessionID)
	reg.mu.Unlock()
	if !ok {
		return
	}
	if !runtime.closeIfEmpty() {
		return
	}
	runtime.terminate()
	reg.mu.Lock()
	if reg.sessions[sessionID] == runtime {
		delete(reg.sessions, sessionID)
	}
	reg.mu.Unlock()
	reg.logger.Info("session deactivated after empty grace", zap.String("session_id", sessionID))
}

// CloseSession tears down a session on explicit owner/administrative action:
// live actors are cancelled and the stored session deactivated.
func (reg *Registry) CloseSession(ctx context.Context, sessionID string) error {
	reg.mu.Lock()
	runtime, ok := reg.sessions[sessionID]
	if ok {
		delete(reg.sessions, sessionID)
	}
	if timer, timerFound := reg.emptyTimers[sessionID]; timerFound {
		timer.Stop()
		delete(reg.emptyTimers, sessionID)
	}
	reg.mu.Unlock()

	if ok {
		runtime.terminate()
	}
	return reg.store.CloseSession(ctx, sessionID)
}

// LiveSessionCount reports how many sessions currently have a runtime.
func (reg *Registry) LiveSessionCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.sessions)
}

// Close stops every runtime and disconnects every actor. Stored sessions stay
// active so a restarted process resumes them from the durable log.
func (reg *Registry) Close(ctx context.Context) error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	runtimes := make([]*sessionRuntime, 0, len(reg.sessions))
	for _, runtime := range reg.sessions {
		runtimes = append(runtimes, runtime)
	}
	reg.sessions = map[string]*sessionRuntime{}
	for _, timer := range reg.emptyTimers {
		timer.Stop()
	}
	reg.emptyTimers = map[string]*time.Timer{}
	reg.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		for _, runtime := range runtimes {
			runtime.terminate()
		}
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
