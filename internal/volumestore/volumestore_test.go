package volumestore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE device_volume (
		device_id  TEXT PRIMARY KEY,
		fix_volume INTEGER NOT NULL,
		mute       INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	return db
}

func TestUnknownDeviceDefaultsToUnityVolume(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	store, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	got := store.Get("device-unseen")
	if got.FixVolume != 0x10000 || got.Mute {
		t.Errorf("Get(unseen) = %+v, want unity volume unmuted", got)
	}
}

func TestSetAndGetRoundtrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	store, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	want := State{FixVolume: 0x8000, Mute: false}
	if err := store.Set(ctx, "device-1", want); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got := store.Get("device-1")
	if got != want {
		t.Errorf("Get(device-1) = %+v, want %+v", got, want)
	}

	// A second store instance reloading from the same db should see it too.
	store2, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New() second instance error: %v", err)
	}
	if got := store2.Get("device-1"); got != want {
		t.Errorf("reloaded Get(device-1) = %+v, want %+v", got, want)
	}
}

func TestSetOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	store, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := store.Set(ctx, "device-1", State{FixVolume: 0x10000}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := store.Set(ctx, "device-1", State{FixVolume: 0x4000, Mute: true}); err != nil {
		t.Fatalf("Set() update error: %v", err)
	}

	got := store.Get("device-1")
	if got.FixVolume != 0x4000 || !got.Mute {
		t.Errorf("Get(device-1) = %+v, want {0x4000 true}", got)
	}
}
