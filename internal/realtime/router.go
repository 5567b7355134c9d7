package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ateliercollab/atelier-backend/internal/protocol"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

var (
	// ErrSessionFull indicates a join refused because the session is at its
	// configured participant capacity.
	ErrSessionFull = errors.New("realtime: session at capacity")
	// ErrSessionClosed indicates a command sent to a terminated session.
	ErrSessionClosed = errors.New("realtime: session closed")
	// ErrNotJoined indicates a submit from an actor no longer registered.
	ErrNotJoined = errors.New("realtime: actor not joined")
)

type commandKind int

const (
	cmdJoin commandKind = iota
	cmdSubmit
	cmdLeave
	cmdCloseIfEmpty
	cmdInspect
)

type submitResult struct {
	sequence int64
	actor    *Actor
	err      error
}

type routerCommand struct {
	kind    commandKind
	actor   *Actor
	message protocol.Message
	frame   []byte
	reply   chan submitResult
}

// sessionRuntime is the live counterpart of one stored session. Its run loop
// is the sole writer of the session's sequence counter and participant set:
// every mutation arrives as a command on one queue and is handled one at a
// time, which is what makes sequence order, log order and broadcast order the
// same order.
type sessionRuntime struct {
	sessionID string
	ownerID   uuid.UUID
	store     *session.Store
	logger    *zap.Logger
	clock     func() time.Time
	ctx       context.Context

	commands      chan routerCommand
	done          chan struct{}
	loopDone      chan struct{}
	terminateOnce sync.Once

	notifyEmpty    func(sessionID string)
	notifyOccupied func(sessionID string)

	maxParticipants int
	resyncSweep     time.Duration

	// Owned by the run loop; never touched from outside it.
	participants map[uuid.UUID]*Actor
	lastSequence int64
	tracker      *snapshotTracker
}

func (r *sessionRuntime) run() {
	defer close(r.loopDone)
	sweep := time.NewTicker(r.resyncSweep)
	defer sweep.Stop()
	for {
		select {
		case command := <-r.commands:
			r.handle(command)
		case <-sweep.C:
			// Resync bursts are deferred to the sweep so one overflow
			// episode produces one burst, not one per dropped frame.
			r.deliverResyncs()
		case <-r.done:
			r.shutdownParticipants()
			return
		}
	}
}

func (r *sessionRuntime) send(command routerCommand) submitResult {
	select {
	case r.commands <- command:
	case <-r.done:
		return submitResult{err: ErrSessionClosed}
	}
	select {
	case result := <-command.reply:
		return result
	case <-r.done:
		return submitResult{err: ErrSessionClosed}
	}
}

func (r *sessionRuntime) join(actor *Actor, message protocol.Join, frame []byte) error {
	result := r.send(routerCommand{kind: cmdJoin, actor: actor, message: message, frame: frame, reply: make(chan submitResult, 1)})
	return result.err
}

func (r *sessionRuntime) submit(actor *Actor, message protocol.Message, frame []byte) (int64, error) {
	result := r.send(routerCommand{kind: cmdSubmit, actor: actor, message: message, frame: frame, reply: make(chan submitResult, 1)})
	return result.sequence, result.err
}

func (r *sessionRuntime) leave(actor *Actor) {
	r.send(routerCommand{kind: cmdLeave, actor: actor, reply: make(chan submitResult, 1)})
}

// participantActor resolves the joined actor for a user through the router
// queue, since the participant map belongs to the run loop.
func (r *sessionRuntime) participantActor(userID uuid.UUID) *Actor {
	result := r.send(routerCommand{kind: cmdInspect, message: protocol.Join{UserID: userID}, reply: make(chan submitResult, 1)})
	return result.actor
}

func (r *sessionRuntime) closeIfEmpty() bool {
	result := r.send(routerCommand{kind: cmdCloseIfEmpty, reply: make(chan submitResult, 1)})
	return result.err == nil && result.sequence == 1
}

func (r *sessionRuntime) terminate() {
	r.terminateOnce.Do(func() { close(r.done) })
	<-r.loopDone
}

func (r *sessionRuntime) handle(command routerCommand) {
	switch command.kind {
	case cmdJoin:
		command.reply <- submitResult{err: r.handleJoin(command.actor, command.message.(protocol.Join), command.frame)}
	case cmdSubmit:
		sequence, err := r.handleSubmit(command.actor, command.message, command.frame)
		command.reply <- submitResult{sequence: sequence, err: err}
	case cmdLeave:
		r.handleLeave(command.actor)
		command.reply <- submitResult{}
	case cmdCloseIfEmpty:
		if len(r.participants) > 0 {
			command.reply <- submitResult{}
			return
		}
		if err := r.store.CloseSession(r.ctx, r.sessionID); err != nil {
			r.logger.Error("session deactivation failed", zap.String("session_id", r.sessionID), zap.Error(err))
		}
		command.reply <- submitResult{sequence: 1}
	case cmdInspect:
		command.reply <- submitResult{actor: r.participants[command.message.(protocol.Join).UserID]}
	}
}

func (r *sessionRuntime) handleJoin(actor *Actor, message protocol.Join, frame []byte) error {
	if existing, ok := r.participants[actor.UserID()]; ok {
		// Reconnection: the fresh actor supersedes the stale one.
		delete(r.participants, actor.UserID())
		existing.close()
	} else if len(r.participants) >= r.maxParticipants {
		return fmt.Errorf("%w: %d participants", ErrSessionFull, len(r.participants))
	}

	if err := r.store.UpsertParticipant(r.ctx, r.sessionID, actor.UserID().String()); err != nil {
		return err
	}

	// Catch-up is computed before the JOIN is appended so the joiner never
	// sees its own join echoed, and streamed before the actor is registered
	// so no live frame can precede the starting canvas state.
	if err := r.streamCatchUp(actor); err != nil {
		r.rollbackParticipant(actor)
		return err
	}

	sequence, err := r.persistFrame(protocol.TagJoin, frame)
	if err != nil {
		r.rollbackParticipant(actor)
		return err
	}

	r.fanOut(actor.UserID(), frame)
	r.participants[actor.UserID()] = actor
	actor.markJoined()
	actor.touchActivity(r.clock())
	if r.notifyOccupied != nil {
		r.notifyOccupied(r.sessionID)
	}
	r.logger.Info("participant joined",
		zap.String("session_id", r.sessionID),
		zap.String("user_id", actor.UserID().String()),
		zap.Int64("sequence", sequence),
		zap.Int("participants", len(r.participants)))
	return nil
}

func (r *sessionRuntime) handleSubmit(actor *Actor, message protocol.Message, frame []byte) (int64, error) {
	if current, ok := r.participants[actor.UserID()]; !ok || current != actor {
		return 0, ErrNotJoined
	}
	now := r.clock()
	actor.touchActivity(now)

	switch m := message.(type) {
	case protocol.Join:
		return 0, fmt.Errorf("%w: duplicate join", ErrProtocolViolation)
	case protocol.Snapshot:
		if m.IsCaptureRequest() {
			// Capture requests are server-originated; a client sending one
			// carries no canvas and is dropped without effect.
			r.logger.Warn("ignoring empty snapshot upload",
				zap.String("session_id", r.sessionID), zap.String("user_id", actor.UserID().String()))
			return 0, nil
		}
		sequence, err := r.persistFrame(protocol.TagSnapshot, frame)
		if err != nil {
			return 0, err
		}
		if err := r.store.SaveSnapshot(r.ctx, r.sessionID, m.Layer, sequence, m.PNG); err != nil {
			r.logger.Error("snapshot store failed", zap.String("session_id", r.sessionID), zap.Error(err))
		} else {
			r.tracker.noteCapture(now)
			r.compact()
		}
		r.fanOut(actor.UserID(), frame)
		return sequence, nil
	case protocol.Chat:
		sequence, err := r.persistFrame(protocol.TagChat, frame)
		if err != nil {
			return 0, err
		}
		r.fanOut(actor.UserID(), frame)
		// Chat never dirties the canvas, so it does not advance the capture
		// cadence the way drawing traffic does.
		return sequence, nil
	case protocol.Opaque:
		sequence, err := r.persistFrame(m.FrameTag, frame)
		if err != nil {
			return 0, err
		}
		r.fanOut(actor.UserID(), frame)
		if r.tracker.noteMessage(now) {
			r.requestCapture()
		}
		return sequence, nil
	default:
		return 0, fmt.Errorf("%w: unhandled message type %T", ErrProtocolViolation, message)
	}
}

func (r *sessionRuntime) rollbackParticipant(actor *Actor) {
	if err := r.store.MarkParticipantDisconnected(r.ctx, r.sessionID, actor.UserID().String()); err != nil {
		r.logger.Error("participant rollback failed",
			zap.String("session_id", r.sessionID), zap.Error(err))
	}
}

func (r *sessionRuntime) handleLeave(actor *Actor) {
	current, ok := r.participants[actor.UserID()]
	if !ok || current != actor {
		actor.close()
		return
	}
	delete(r.participants, actor.UserID())
	actor.close()
	if err := r.store.MarkParticipantDisconnected(r.ctx, r.sessionID, actor.UserID().String()); err != nil {
		r.logger.Error("participant disconnect write failed",
			zap.String("session_id", r.sessionID), zap.Error(err))
	}
	r.logger.Info("participant left",
		zap.String("session_id", r.sessionID),
		zap.String("user_id", actor.UserID().String()),
		zap.Int("participants", len(r.participants)))
	if len(r.participants) == 0 && r.notifyEmpty != nil {
		r.notifyEmpty(r.sessionID)
	}
}

// persistFrame assigns the next sequence number and appends the frame to the
// durable log. The counter only advances on a successful write: an
// uncommitted message is never broadcast and its sequence is reused, keeping
// the log gapless.
func (r *sessionRuntime) persistFrame(tag byte, frame []byte) (int64, error) {
	sequence := r.lastSequence + 1
	if err := r.store.AppendMessage(r.ctx, r.sessionID, sequence, tag, frame); err != nil {
		return 0, err
	}
	r.lastSequence = sequence
	return sequence, nil
}

// fanOut enqueues a frame to every joined participant except the sender.
func (r *sessionRuntime) fanOut(senderID uuid.UUID, frame []byte) {
	for userID, participant := range r.participants {
		if userID == senderID {
			continue
		}
		participant.enqueueRelay(frame)
	}
}

// streamCatchUp queues the latest stored snapshot of each layer followed by
// the log tail past the oldest snapshot. Layer-carrying entries already
// covered by their own layer's newer checkpoint are skipped so a fresher
// layer is not replayed onto.
func (r *sessionRuntime) streamCatchUp(actor *Actor) error {
	snapshots, err := r.store.LatestSnapshots(r.ctx, r.sessionID)
	if err != nil {
		return err
	}

	var base int64
	layerSequences := make(map[uint8]int64, len(snapshots))
	for index, snapshot := range snapshots {
		layerSequences[snapshot.Layer] = snapshot.Sequence
		if index == 0 || snapshot.Sequence < base {
			base = snapshot.Sequence
		}
	}

	tail, err := r.store.MessagesAfter(r.ctx, r.sessionID, base)
	if err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		frame := protocol.Encode(protocol.Snapshot{Layer: snapshot.Layer, PNG: snapshot.Image})
		if err := actor.enqueueProtected(frame); err != nil {
			return err
		}
	}
	for _, entry := range tail {
		if skipForLayerSnapshot(entry, layerSequences) {
			continue
		}
		if err := actor.enqueueProtected(entry.Payload); err != nil {
			return err
		}
	}
	return nil
}

func skipForLayerSnapshot(entry session.LogRecord, layerSequences map[uint8]int64) bool {
	switch entry.TypeTag {
	case protocol.TagDrawLine, protocol.TagDrawPoint, protocol.TagFill:
		if len(entry.Payload) < 18 {
			return false
		}
		snapshotSequence, ok := layerSequences[entry.Payload[17]]
		return ok && entry.Sequence <= snapshotSequence
	case protocol.TagSnapshot:
		// Stored snapshots already superseded the logged upload.
		return true
	case protocol.TagJoin:
		// Presence is ephemeral: joins relay live but do not replay.
		return true
	default:
		return false
	}
}

// requestCapture asks the authoritative participant for a fresh canvas of
// both layers: the session owner when connected, otherwise the most recently
// active participant.
func (r *sessionRuntime) requestCapture() {
	target := r.authoritativeParticipant()
	if target == nil {
		return
	}
	for _, layer := range []uint8{protocol.LayerForeground, protocol.LayerBackground} {
		frame := protocol.Encode(protocol.Snapshot{Layer: layer})
		if err := target.enqueueProtected(frame); err != nil {
			return
		}
	}
	r.logger.Debug("snapshot capture requested",
		zap.String("session_id", r.sessionID), zap.String("user_id", target.UserID().String()))
}

func (r *sessionRuntime) authoritativeParticipant() *Actor {
	if owner, ok := r.participants[r.ownerID]; ok {
		return owner
	}
	var newest *Actor
	for _, participant := range r.participants {
		if newest == nil || participant.activityNanos() > newest.activityNanos() {
			newest = participant
		}
	}
	return newest
}

// compact prunes log entries safely behind both layers' checkpoints.
func (r *sessionRuntime) compact() {
	snapshots, err := r.store.LatestSnapshots(r.ctx, r.sessionID)
	if err != nil {
		return
	}
	bound := r.tracker.compactionBound(snapshots)
	if bound <= 0 {
		return
	}
	pruned, err := r.store.PruneMessagesBelow(r.ctx, r.sessionID, bound)
	if err != nil || pruned == 0 {
		return
	}
	r.logger.Info("log compacted",
		zap.String("session_id", r.sessionID),
		zap.Int64("below_sequence", bound),
		zap.Int64("pruned", pruned))
}

// deliverResyncs re-bursts the latest snapshot and tail to every actor that
// overflowed since the last sweep, then clears its flag.
func (r *sessionRuntime) deliverResyncs() {
	for _, participant := range r.participants {
		if !participant.resyncPending() {
			continue
		}
		if err := r.streamCatchUp(participant); err != nil {
			r.logger.Error("resync burst failed",
				zap.String("session_id", r.sessionID), zap.Error(err))
			continue
		}
		participant.clearResync()
	}
}

func (r *sessionRuntime) shutdownParticipants() {
	var drains sync.WaitGroup
	for userID, participant := range r.participants {
		drains.Add(1)
		go func(actor *Actor) {
			defer drains.Done()
			actor.shutdown(shutdownDrainTimeout)
		}(participant)
		if err := r.store.MarkParticipantDisconnected(r.ctx, r.sessionID, userID.String()); err != nil {
			r.logger.Error("participant disconnect write failed",
				zap.String("session_id", r.sessionID), zap.Error(err))
		}
	}
	drains.Wait()
	r.participants = map[uuid.UUID]*Actor{}
}
