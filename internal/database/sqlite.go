package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ateliercollab/atelier-backend/internal/session"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// TranslateError is required so duplicate-key writes surface as
// gorm.ErrDuplicatedKey for the sequence and room-claim conflict paths.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&session.Session{},
		&session.RoomActiveSession{},
		&session.Participant{},
		&session.LogEntry{},
		&session.CanvasSnapshot{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	// A crashed process leaves participants flagged connected with no socket
	// behind them. A fresh process owns no sockets, so clear them all.
	if err := resetConnectedParticipants(db); err != nil && logger != nil {
		logger.Warn("participant flag reset failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func resetConnectedParticipants(db *gorm.DB) error {
	return db.Exec("UPDATE session_participants SET connected = 0 WHERE connected = 1;").Error
}
