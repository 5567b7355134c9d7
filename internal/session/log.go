package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errEmptyPayload = errors.New("message payload is required")
	// ErrDuplicateSequence indicates an append reusing an already-assigned
	// sequence number, a violation of the single-writer discipline.
	ErrDuplicateSequence = errors.New("session: duplicate sequence")
)

const (
	opAppendMessage   = "session.append_message"
	opMessagesAfter   = "session.messages_after"
	opMaxSequence     = "session.max_sequence"
	opSaveSnapshot    = "session.save_snapshot"
	opLatestSnapshots = "session.latest_snapshots"
	opPruneMessages   = "session.prune_messages"
	querySessionLayer = "session_id = ? AND layer = ?"
	querySequenceGT   = "session_id = ? AND sequence > ?"
	querySequenceLT   = "session_id = ? AND sequence < ?"
	orderSequenceAsc  = "sequence ASC"
)

// LogRecord is one replayable entry of a session's message log.
type LogRecord struct {
	Sequence          int64
	TypeTag           uint8
	Payload           []byte
	ReceivedAtSeconds int64
}

// SnapshotRecord is the latest stored canvas checkpoint for one layer.
type SnapshotRecord struct {
	Layer    uint8
	Sequence int64
	Image    []byte
}

// AppendMessage writes one log entry under the caller-assigned sequence
// number and advances the session's updated_at_s. The (session_id, sequence)
// key rejects duplicates instead of silently reordering.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, sequence int64, typeTag uint8, payload []byte) error {
	if len(payload) == 0 {
		return newStoreError(opAppendMessage, "empty_payload", errEmptyPayload)
	}
	now := s.nowSeconds()
	model := LogEntry{
		SessionID:         sessionID,
		Sequence:          sequence,
		TypeTag:           typeTag,
		Payload:           payload,
		ReceivedAtSeconds: now,
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Create(&model)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: session %s sequence %d", ErrDuplicateSequence, sessionID, sequence)
			}
			return newStoreError(opAppendMessage, "insert_failed", result.Error)
		}
		return touchSession(transaction, sessionID, now)
	})
	if transactionError != nil && !errors.Is(transactionError, ErrDuplicateSequence) {
		s.logError(opAppendMessage, "transaction_failed", transactionError,
			zap.String(fieldSessionID, sessionID), zap.Int64("sequence", sequence))
	}
	return transactionError
}

// MessagesAfter returns log entries with sequence strictly greater than
// afterSequence, in ascending order.
func (s *Store) MessagesAfter(ctx context.Context, sessionID string, afterSequence int64) ([]LogRecord, error) {
	var entries []LogEntry
	if err := s.db.WithContext(ctx).
		Where(querySequenceGT, sessionID, afterSequence).
		Order(orderSequenceAsc).
		Find(&entries).Error; err != nil {
		s.logError(opMessagesAfter, "query_failed", err, zap.String(fieldSessionID, sessionID))
		return nil, newStoreError(opMessagesAfter, "query_failed", err)
	}
	records := make([]LogRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, LogRecord{
			Sequence:          entry.Sequence,
			TypeTag:           entry.TypeTag,
			Payload:           entry.Payload,
			ReceivedAtSeconds: entry.ReceivedAtSeconds,
		})
	}
	return records, nil
}

// MaxSequence returns the highest assigned sequence for a session, zero when
// the log is empty. The broadcast router seeds its counter from this at
// session activation and is the only writer afterwards.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var maxSequence int64
	if err := s.db.WithContext(ctx).Model(&LogEntry{}).
		Where(querySessionID, sessionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSequence).Error; err != nil {
		s.logError(opMaxSequence, "query_failed", err, zap.String(fieldSessionID, sessionID))
		return 0, newStoreError(opMaxSequence, "query_failed", err)
	}
	return maxSequence, nil
}

// SaveSnapshot upserts the checkpoint for one layer, keeping the row with the
// highest capture sequence.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID string, layer uint8, sequence int64, image []byte) error {
	if len(image) == 0 {
		return newStoreError(opSaveSnapshot, "empty_image", errEmptyPayload)
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing CanvasSnapshot
		err := transaction.Where(querySessionLayer, sessionID, layer).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return transaction.Create(&CanvasSnapshot{
				SessionID: sessionID,
				Layer:     layer,
				Sequence:  sequence,
				Image:     image,
			}).Error
		}
		if err != nil {
			return err
		}
		if sequence < existing.Sequence {
			return nil
		}
		existing.Sequence = sequence
		existing.Image = image
		return transaction.Save(&existing).Error
	})
	if transactionError != nil {
		s.logError(opSaveSnapshot, "transaction_failed", transactionError,
			zap.String(fieldSessionID, sessionID), zap.Uint8("layer", layer))
		return newStoreError(opSaveSnapshot, "transaction_failed", transactionError)
	}
	return nil
}

// LatestSnapshots returns the stored checkpoint of every layer that has one,
// ordered by layer.
func (s *Store) LatestSnapshots(ctx context.Context, sessionID string) ([]SnapshotRecord, error) {
	var snapshots []CanvasSnapshot
	if err := s.db.WithContext(ctx).
		Where(querySessionID, sessionID).
		Order("layer ASC").
		Find(&snapshots).Error; err != nil {
		s.logError(opLatestSnapshots, "query_failed", err, zap.String(fieldSessionID, sessionID))
		return nil, newStoreError(opLatestSnapshots, "query_failed", err)
	}
	records := make([]SnapshotRecord, 0, len(snapshots))
	for _, snapshot := range snapshots {
		records = append(records, SnapshotRecord{
			Layer:    snapshot.Layer,
			Sequence: snapshot.Sequence,
			Image:    snapshot.Image,
		})
	}
	return records, nil
}

// PruneMessagesBelow deletes log entries with sequence strictly below the
// bound and reports how many were removed. Compaction is advisory: callers
// must only pass bounds covered by stored snapshots.
func (s *Store) PruneMessagesBelow(ctx context.Context, sessionID string, belowSequence int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where(querySequenceLT, sessionID, belowSequence).
		Delete(&LogEntry{})
	if result.Error != nil {
		s.logError(opPruneMessages, "delete_failed", result.Error, zap.String(fieldSessionID, sessionID))
		return 0, newStoreError(opPruneMessages, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
