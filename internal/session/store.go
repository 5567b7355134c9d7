package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRoomID   = errors.New("room identifier is required")
	errMissingOwnerID  = errors.New("owner identifier is required")
	// ErrSessionNotFound indicates a lookup for an unknown or inactive session.
	ErrSessionNotFound = errors.New("session: not found")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew            = "session.store.new"
	opCreateOrFetch       = "session.create_or_fetch"
	opSessionByID         = "session.by_id"
	opSessionForRoom      = "session.for_room"
	opListPublic          = "session.list_public"
	opCloseSession        = "session.close"
	opUpsertParticipant   = "session.upsert_participant"
	opMarkDisconnected    = "session.mark_disconnected"
	opParticipantCount    = "session.participant_count"
	fieldSessionID        = "session_id"
	fieldRoomID           = "room_id"
	querySessionID        = "session_id = ?"
	queryRoomID           = "room_id = ?"
	querySessionUser      = "session_id = ? AND user_id = ?"
	querySessionConnected = "session_id = ? AND connected = ?"
)

// StoreError carries an op.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the op.reason code for this error.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues new session identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// StoreConfig describes the dependencies of the session store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the system of record for sessions, membership, the message log
// and canvas snapshots.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", operation), zap.String("reason", reason), zap.Error(err))
	s.logger.Error("session store operation failed", fields...)
}

func (s *Store) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}

// CreateSessionRequest describes a session creation attempt.
type CreateSessionRequest struct {
	RoomID       string
	OwnerID      string
	CanvasWidth  int
	CanvasHeight int
	Public       bool
}

// SessionRecord is the read model of a stored session.
type SessionRecord struct {
	SessionID        string
	RoomID           string
	OwnerID          string
	CanvasWidth      int
	CanvasHeight     int
	Public           bool
	Active           bool
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
}

func recordFromModel(model Session) SessionRecord {
	return SessionRecord{
		SessionID:        model.SessionID,
		RoomID:           model.RoomID,
		OwnerID:          model.OwnerID,
		CanvasWidth:      model.CanvasWidth,
		CanvasHeight:     model.CanvasHeight,
		Public:           model.Public,
		Active:           model.Active,
		CreatedAtSeconds: model.CreatedAtSeconds,
		UpdatedAtSeconds: model.UpdatedAtSeconds,
	}
}

// CreateOrFetchActiveSession returns the active session for the request's
// room, creating one when none exists. Concurrent creators resolve to exactly
// one winner through the room_active_sessions primary key.
func (s *Store) CreateOrFetchActiveSession(ctx context.Context, request CreateSessionRequest) (SessionRecord, bool, error) {
	if request.RoomID == "" {
		return SessionRecord{}, false, newStoreError(opCreateOrFetch, "missing_room", errMissingRoomID)
	}
	if request.OwnerID == "" {
		return SessionRecord{}, false, newStoreError(opCreateOrFetch, "missing_owner", errMissingOwnerID)
	}

	sessionID, idErr := s.idProvider.NewID()
	if idErr != nil {
		s.logError(opCreateOrFetch, "id_failed", idErr, zap.String(fieldRoomID, request.RoomID))
		return SessionRecord{}, false, newStoreError(opCreateOrFetch, "id_failed", idErr)
	}

	var record SessionRecord
	var created bool
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		claim := RoomActiveSession{RoomID: request.RoomID, SessionID: sessionID}
		claimResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
		if claimResult.Error != nil {
			return newStoreError(opCreateOrFetch, "claim_failed", claimResult.Error)
		}

		if claimResult.RowsAffected == 0 {
			var existingClaim RoomActiveSession
			if err := transaction.Where(queryRoomID, request.RoomID).Take(&existingClaim).Error; err != nil {
				return newStoreError(opCreateOrFetch, "claim_lookup_failed", err)
			}
			var existing Session
			if err := transaction.Where(querySessionID, existingClaim.SessionID).Take(&existing).Error; err != nil {
				return newStoreError(opCreateOrFetch, "session_lookup_failed", err)
			}
			record = recordFromModel(existing)
			return nil
		}

		now := s.nowSeconds()
		model := Session{
			SessionID:        sessionID,
			RoomID:           request.RoomID,
			OwnerID:          request.OwnerID,
			CanvasWidth:      request.CanvasWidth,
			CanvasHeight:     request.CanvasHeight,
			Public:           request.Public,
			Active:           true,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := transaction.Create(&model).Error; err != nil {
			return newStoreError(opCreateOrFetch, "session_insert_failed", err)
		}
		record = recordFromModel(model)
		created = true
		return nil
	})
	if transactionError != nil {
		s.logError(opCreateOrFetch, "transaction_failed", transactionError, zap.String(fieldRoomID, request.RoomID))
		return SessionRecord{}, false, transactionError
	}
	return record, created, nil
}

// SessionByID loads one session regardless of its active flag.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (SessionRecord, error) {
	var model Session
	err := s.db.WithContext(ctx).Where(querySessionID, sessionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		s.logError(opSessionByID, "query_failed", err, zap.String(fieldSessionID, sessionID))
		return SessionRecord{}, newStoreError(opSessionByID, "query_failed", err)
	}
	return recordFromModel(model), nil
}

// ActiveSessionForRoom resolves a room's current claim without creating one.
func (s *Store) ActiveSessionForRoom(ctx context.Context, roomID string) (SessionRecord, error) {
	if roomID == "" {
		return SessionRecord{}, newStoreError(opSessionForRoom, "missing_room", errMissingRoomID)
	}
	var claim RoomActiveSession
	err := s.db.WithContext(ctx).Where(queryRoomID, roomID).Take(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, fmt.Errorf("%w: room %s", ErrSessionNotFound, roomID)
	}
	if err != nil {
		s.logError(opSessionForRoom, "claim_lookup_failed", err, zap.String(fieldRoomID, roomID))
		return SessionRecord{}, newStoreError(opSessionForRoom, "claim_lookup_failed", err)
	}
	return s.SessionByID(ctx, claim.SessionID)
}

// SessionSummary augments a session record with its live participant count.
type SessionSummary struct {
	SessionRecord
	ConnectedParticipants int64
}

// ListPublicSessions returns active public sessions with connected counts.
func (s *Store) ListPublicSessions(ctx context.Context) ([]SessionSummary, error) {
	var models []Session
	if err := s.db.WithContext(ctx).
		Where("public = ? AND active = ?", true, true).
		Order("updated_at_s DESC").
		Find(&models).Error; err != nil {
		s.logError(opListPublic, "query_failed", err)
		return nil, newStoreError(opListPublic, "query_failed", err)
	}

	summaries := make([]SessionSummary, 0, len(models))
	for _, model := range models {
		count, err := s.ConnectedParticipantCount(ctx, model.SessionID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, SessionSummary{SessionRecord: recordFromModel(model), ConnectedParticipants: count})
	}
	return summaries, nil
}

// CloseSession deactivates a session and releases its room claim. The session
// row itself is kept as a historical record.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var model Session
		err := transaction.Where(querySessionID, sessionID).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return newStoreError(opCloseSession, "lookup_failed", err)
		}
		model.Active = false
		model.UpdatedAtSeconds = s.nowSeconds()
		if err := transaction.Save(&model).Error; err != nil {
			return newStoreError(opCloseSession, "update_failed", err)
		}
		if err := transaction.Where(queryRoomID+" AND "+querySessionID, model.RoomID, sessionID).
			Delete(&RoomActiveSession{}).Error; err != nil {
			return newStoreError(opCloseSession, "claim_release_failed", err)
		}
		return nil
	})
	if transactionError != nil && !errors.Is(transactionError, ErrSessionNotFound) {
		s.logError(opCloseSession, "transaction_failed", transactionError, zap.String(fieldSessionID, sessionID))
	}
	return transactionError
}

// UpsertParticipant records a join, reusing the existing row on reconnect.
func (s *Store) UpsertParticipant(ctx context.Context, sessionID, userID string) error {
	now := s.nowSeconds()
	model := Participant{
		SessionID:       sessionID,
		UserID:          userID,
		Connected:       true,
		JoinedAtSeconds: now,
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"connected": true, "joined_at_s": now}),
		}).Create(&model).Error; err != nil {
			return newStoreError(opUpsertParticipant, "upsert_failed", err)
		}
		return touchSession(transaction, sessionID, now)
	})
	if transactionError != nil {
		s.logError(opUpsertParticipant, "transaction_failed", transactionError,
			zap.String(fieldSessionID, sessionID), zap.String("user_id", userID))
	}
	return transactionError
}

// MarkParticipantDisconnected flips a participant row to disconnected.
func (s *Store) MarkParticipantDisconnected(ctx context.Context, sessionID, userID string) error {
	now := s.nowSeconds()
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&Participant{}).
			Where(querySessionUser, sessionID, userID).
			Updates(map[string]interface{}{"connected": false, "disconnected_at_s": now})
		if result.Error != nil {
			return newStoreError(opMarkDisconnected, "update_failed", result.Error)
		}
		return touchSession(transaction, sessionID, now)
	})
	if transactionError != nil {
		s.logError(opMarkDisconnected, "transaction_failed", transactionError,
			zap.String(fieldSessionID, sessionID), zap.String("user_id", userID))
	}
	return transactionError
}

// ConnectedParticipantCount counts rows currently marked connected.
func (s *Store) ConnectedParticipantCount(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Participant{}).
		Where(querySessionConnected, sessionID, true).
		Count(&count).Error; err != nil {
		s.logError(opParticipantCount, "query_failed", err, zap.String(fieldSessionID, sessionID))
		return 0, newStoreError(opParticipantCount, "query_failed", err)
	}
	return count, nil
}

// touchSession advances updated_at_s on membership and message events, the
// trigger-equivalent the data model asks for.
func touchSession(transaction *gorm.DB, sessionID string, now int64) error {
	return transaction.Model(&Session{}).
		Where(querySessionID, sessionID).
		Update("updated_at_s", now).Error
}
