package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestAppendMessageAssignsGaplessTail(testContext *testing.T) {
	store := mustStore(testContext)
	record := mustCreateSession(testContext, store, "room-log")

	for sequence := int64(1); sequence <= 3; sequence++ {
		payload := []byte{0x10, byte(sequence)}
		if err := store.AppendMessage(context.Background(), record.SessionID, sequence, 0x10, payload); err != nil {
			testContext.Fatalf("append %d failed: %v", sequence, err)
		}
	}

	maxSequence, err := store.MaxSequence(context.Background(), record.SessionID)
	if err != nil {
		testContext.Fatalf("max sequence failed: %v", err)
	}
	if maxSequence != 3 {
		testContext.Fatalf("expected max sequence 3, got %d", maxSequence)
	}

	tail, err := store.MessagesAfter(context.Background(), record.SessionID, 1)
	if err != nil {
		testContext.Fatalf("tail read failed: %v", err)
	}
	if len(tail) != 2 || tail[0].Sequence != 2 || tail[1].Sequence != 3 {
		testContext.Fatalf("unexpected tail: %+v", tail)
	}
	if !bytes.Equal(tail[0].Payload, []byte{0x10, 2}) {
		testContext.Fatalf("unexpected payload: %v", tail[0].Payload)
	}
}

func TestAppendMessageRejectsDuplicateSequence(testContext *testing.T) {
	store := mustStore(testContext)
	record := mustCreateSession(testContext, store, "room-dup")

	if err := store.AppendMessage(context.Background(), record.SessionID, 1, 0x03, []byte{0x03}); err != nil {
		testContext.Fatalf("first append failed: %v", err)
	}
	err := store.AppendMessage(context.Background(), record.SessionID, 1, 0x03, []byte{0x03})
	if !errors.Is(err, ErrDuplicateSequence) {
		testContext.Fatalf("expected duplicate sequence error, got %v", err)
	}
}

func TestMaxSequenceEmptyLog(testContext *testing.T) {
	store := mustStore(testContext)
	record := mustCreateSession(testContext, store, "room-empty")

	maxSequence, err := store.MaxSequence(context.Background(), record.SessionID)
	if err != nil {
		testContext.Fatalf("max sequence failed: %v", err)
	}
	if maxSequence != 0 {
		testContext.Fatalf("expected 0 on empty log, got %d", maxSequence)
	}
}

func TestSaveSnapshotKeepsHighestSequence(testContext *testing.T) {
	store := mustStore(testContext)
	record := mustCreateSession(testContext, store, "room-snap")

	if err := store.SaveSnapshot(context.Background(), record.SessionID, 0, 10, []byte("new")); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	if err := store.SaveSnapshot(context.Background(), record.SessionID, 0, 5, []byte("stale")); err != nil {
		testContext.Fatalf("stale save failed: %v", err)
	}
	if err := store.SaveSnapshot(context.Background(), record.SessionID, 1, 7, []byte("bg")); err != nil {
		testContext.Fatalf("background save failed: %v", err)
	}

	snapshots, err := store.LatestSnapshots(context.Background(), record.SessionID)
	if err != nil {
		testContext.Fatalf("latest snapshots failed: %v", err)
	}
	if len(snapshots) != 2 {
		testContext.Fatalf("expected two layers, got %d", len(snapshots))
	}
	if snapshots[0].Layer != 0 || snapshots[0].Sequence != 10 || string(snapshots[0].Image) != "new" {
		testContext.Fatalf("stale snapshot overwrote newer one: %+v", snapshots[0])
	}
	if snapshots[1].Layer != 1 || snapshots[1].Sequence != 7 {
		testContext.Fatalf("unexpected background snapshot: %+v", snapshots[1])
	}
}

func TestPruneMessagesBelow(testContext *testing.T) {
	store := mustStore(testContext)
	record := mustCreateSession(testContext, store, "room-prune")

	for sequence := int64(1); sequence <= 10; sequence++ {
		if err := store.AppendMessage(context.Background(), record.SessionID, sequence, 0x11, []byte{0x11}); err != nil {
			testContext.Fatalf("append %d failed: %v", sequence, err)
		}
	}

	pruned, err := store.PruneMessagesBelow(context.Background(), record.SessionID, 6)
	if err != nil {
		testContext.Fatalf("prune failed: %v", err)
	}
	if pruned != 5 {
		testContext.Fatalf("expected 5 pruned rows, got %d", pruned)
	}

	remaining, err := store.MessagesAfter(context.Background(), record.SessionID, 0)
	if err != nil {
		testContext.Fatalf("tail read failed: %v", err)
	}
	if len(remaining) != 5 || remaining[0].Sequence != 6 {
		testContext.Fatalf("unexpected remaining log: %+v", remaining)
	}
}
