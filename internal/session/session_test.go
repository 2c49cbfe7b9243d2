package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raopd/raopd/internal/volumestore"
)

func openTestVolumeDB(t *testing.T) *sql.DB {
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

func TestNewSessionBindsDistinctPorts(t *testing.T) {
	cfg := testConfig("device-session")
	s, err := New(context.Background(), cfg, nil, 25000, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.ID == "" {
		t.Error("expected a non-empty session ID")
	}
	if s.LocalDataPort() == s.LocalControlPort() || s.LocalControlPort() == s.LocalTimingPort() {
		t.Errorf("expected distinct ports, got data=%d control=%d timing=%d",
			s.LocalDataPort(), s.LocalControlPort(), s.LocalTimingPort())
	}
}

func TestNewSessionRejectsMalformedFmtp(t *testing.T) {
	cfg := testConfig("device-bad-fmtp")
	cfg.Fmtp = "not enough fields"
	if _, err := New(context.Background(), cfg, nil, 25100, nil, testLogger()); err == nil {
		t.Fatal("expected an error for malformed fmtp")
	}
}

func TestSessionAbortUnblocksGetAudioChunk(t *testing.T) {
	cfg := testConfig("device-abort")
	s, err := New(context.Background(), cfg, nil, 25200, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.GetAudioChunk()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Abort()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected GetAudioChunk to return an error after Abort")
		}
	case <-time.After(time.Second):
		t.Fatal("GetAudioChunk did not unblock after Abort")
	}
}

func TestSessionStatsReflectsDeviceAndVolume(t *testing.T) {
	cfg := testConfig("device-stats")
	s, err := New(context.Background(), cfg, nil, 25300, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	st := s.Stats()
	if st.DeviceID != "device-stats" {
		t.Errorf("DeviceID = %q, want device-stats", st.DeviceID)
	}
	if st.FixVolume != 0x10000 {
		t.Errorf("FixVolume = %#x, want unity 0x10000 by default", st.FixVolume)
	}
}

// Per spec.md:167, set_volume(dB) at or below -30 must also assert the
// shared mute flag the ingestor gates on, and clear it again once the
// volume rises back above -30.
func TestSessionSetVolumeBelowThresholdSetsMute(t *testing.T) {
	cfg := testConfig("device-mute-via-volume")
	s, err := New(context.Background(), cfg, nil, 25500, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.SetVolume(context.Background(), nil, -40); err != nil {
		t.Fatalf("SetVolume(-40): %v", err)
	}
	if !s.Stats().Muted {
		t.Error("Stats().Muted = false after SetVolume(-40), want true")
	}

	if err := s.SetVolume(context.Background(), nil, -3); err != nil {
		t.Fatalf("SetVolume(-3): %v", err)
	}
	if s.Stats().Muted {
		t.Error("Stats().Muted = true after SetVolume(-3), want false")
	}
}

// SUPPLEMENTED FEATURES §5: per-device volume/mute persists across a
// reconnect (a fresh Session for the same DeviceID against the same
// volumestore).
func TestSessionMutePersistsAcrossReconnect(t *testing.T) {
	db := openTestVolumeDB(t)
	volumes, err := volumestore.New(context.Background(), db)
	if err != nil {
		t.Fatalf("volumestore.New: %v", err)
	}

	cfg := testConfig("device-reconnect")
	first, err := New(context.Background(), cfg, volumes, 25600, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.SetVolume(context.Background(), volumes, -40); err != nil {
		t.Fatalf("SetVolume(-40): %v", err)
	}
	first.Close()

	second, err := New(context.Background(), cfg, volumes, 25700, nil, testLogger())
	if err != nil {
		t.Fatalf("New (reconnect): %v", err)
	}
	defer second.Close()

	if !second.Stats().Muted {
		t.Error("Stats().Muted = false on reconnect, want true (mute should persist)")
	}
	if second.Stats().FixVolume != 0 {
		t.Errorf("FixVolume = %#x on reconnect, want 0 (persisted deep attenuation)", second.Stats().FixVolume)
	}
}

func TestSessionKeyHexIVHexRoundtrip(t *testing.T) {
	cfg := testConfig("device-hex")
	cfg.AESKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	cfg.AESIV = [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}

	s, err := New(context.Background(), cfg, nil, 25400, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.KeyHex() != "0102030405060708090a0b0c0d0e0f10" {
		t.Errorf("KeyHex() = %q", s.KeyHex())
	}
	if s.IVHex() != "100f0e0d0c0b0a090807060504030201" {
		t.Errorf("IVHex() = %q", s.IVHex())
	}
}
