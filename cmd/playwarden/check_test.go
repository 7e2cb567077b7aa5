package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmaas/playwarden/internal/storage"
	"github.com/jmaas/playwarden/internal/storage/sqlite"
)

func TestCheckEventsAreReadOnly(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "check.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	now := time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)
	ro := readOnlyEvents{store.Events()}

	// Writes through the wrapper must not reach the database.
	if err := ro.AppendShutdown(ctx, storage.ShutdownEvent{User: "alice", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := ro.AddNotification(ctx, storage.Notification{User: "alice", Type: "time_warning", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Events().HasShutdownOn(ctx, "alice", storage.DateKey(now))
	if err != nil || got {
		t.Fatalf("shutdown recorded by inspection: got=%v err=%v", got, err)
	}
	notes, err := store.Events().ListUnread(ctx, "alice")
	if err != nil || len(notes) != 0 {
		t.Fatalf("notifications recorded by inspection: %d, err %v", len(notes), err)
	}

	// Reads pass through, so decisions still see the real history.
	if err := store.Events().AppendShutdown(ctx, storage.ShutdownEvent{User: "alice", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	got, err = ro.HasShutdownOn(ctx, "alice", storage.DateKey(now))
	if err != nil || !got {
		t.Fatalf("HasShutdownOn through wrapper = %v, err %v, want true", got, err)
	}
}
