package session

// Session is the durable record of one shared canvas.
type Session struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:36"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_sessions_room"`
	OwnerID          string `gorm:"column:owner_id;size:36;not null"`
	CanvasWidth      int    `gorm:"column:canvas_width;not null"`
	CanvasHeight     int    `gorm:"column:canvas_height;not null"`
	Public           bool   `gorm:"column:public;not null"`
	Active           bool   `gorm:"column:active;not null;index:idx_sessions_active"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "drawing_sessions"
}

// RoomActiveSession maps a room to its single active session. The primary key
// on room_id is what decides concurrent creation races: exactly one insert
// wins, every other creator fetches the winner.
type RoomActiveSession struct {
	RoomID    string `gorm:"column:room_id;primaryKey;size:190"`
	SessionID string `gorm:"column:session_id;size:36;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomActiveSession) TableName() string {
	return "room_active_sessions"
}

// Participant records a user's membership in a session. Rows are created on
// first join and updated on reconnect/disconnect, never deleted.
type Participant struct {
	SessionID             string `gorm:"column:session_id;primaryKey;size:36"`
	UserID                string `gorm:"column:user_id;primaryKey;size:36"`
	Connected             bool   `gorm:"column:connected;not null"`
	JoinedAtSeconds       int64  `gorm:"column:joined_at_s;not null"`
	DisconnectedAtSeconds int64  `gorm:"column:disconnected_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "session_participants"
}

// LogEntry is one row of the append-only per-session message log. The
// composite key enforces the (session_id, sequence) uniqueness invariant.
type LogEntry struct {
	SessionID         string `gorm:"column:session_id;primaryKey;size:36"`
	Sequence          int64  `gorm:"column:sequence;primaryKey"`
	TypeTag           uint8  `gorm:"column:type_tag;not null"`
	Payload           []byte `gorm:"column:payload;type:blob;not null"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "session_messages"
}

// CanvasSnapshot stores the latest full-canvas checkpoint per layer.
type CanvasSnapshot struct {
	SessionID string `gorm:"column:session_id;primaryKey;size:36"`
	Layer     uint8  `gorm:"column:layer;primaryKey"`
	Sequence  int64  `gorm:"column:sequence;not null"`
	Image     []byte `gorm:"column:image;type:blob;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CanvasSnapshot) TableName() string {
	return "session_snapshots"
}
