package realtime

import (
	"time"

	"github.com/ateliercollab/atelier-backend/internal/protocol"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

// SnapshotPolicy drives when a session asks for a fresh canvas capture and
// how far the message log may be compacted behind stored checkpoints.
// A capture becomes due when either the elapsed-time or the message-count
// threshold is crossed, whichever happens first.
type SnapshotPolicy struct {
	Interval         time.Duration
	MessageThreshold int
	CompactionMargin int64
}

// snapshotTracker holds per-session capture state. It is owned and mutated
// only by that session's router goroutine.
type snapshotTracker struct {
	policy           SnapshotPolicy
	lastCapture      time.Time
	messagesSinceCap int
	requestInFlight  bool
}

func newSnapshotTracker(policy SnapshotPolicy, now time.Time) *snapshotTracker {
	return &snapshotTracker{policy: policy, lastCapture: now}
}

// noteMessage records one persisted message and reports whether a capture
// request should go out. At most one request is outstanding at a time.
func (t *snapshotTracker) noteMessage(now time.Time) bool {
	t.messagesSinceCap++
	if t.requestInFlight {
		return false
	}
	due := t.messagesSinceCap >= t.policy.MessageThreshold ||
		now.Sub(t.lastCapture) >= t.policy.Interval
	if due {
		t.requestInFlight = true
	}
	return due
}

// noteCapture resets the cadence after a snapshot upload landed.
func (t *snapshotTracker) noteCapture(now time.Time) {
	t.lastCapture = now
	t.messagesSinceCap = 0
	t.requestInFlight = false
}

// compactionBound returns the sequence below which log entries are prunable,
// or zero when pruning is not yet safe. Both layers must be covered by a
// checkpoint: a layer that never had one still needs the log from session
// start.
func (t *snapshotTracker) compactionBound(snapshots []session.SnapshotRecord) int64 {
	var foregroundSeq, backgroundSeq int64
	var haveForeground, haveBackground bool
	for _, snapshot := range snapshots {
		switch snapshot.Layer {
		case protocol.LayerForeground:
			foregroundSeq, haveForeground = snapshot.Sequence, true
		case protocol.LayerBackground:
			backgroundSeq, haveBackground = snapshot.Sequence, true
		}
	}
	if !haveForeground || !haveBackground {
		return 0
	}
	lowest := foregroundSeq
	if backgroundSeq < lowest {
		lowest = backgroundSeq
	}
	bound := lowest - t.policy.CompactionMargin
	if bound < 0 {
		return 0
	}
	return bound
}
