// Package volumestore persists the last-known volume and mute setting for
// each device across reconnects. The original hairtunes.c JNI decoder kept
// fix_volume and mute as process-globals that reset on every re-init; a
// daemon that manages multiple concurrent sessions over its lifetime should
// not make a reconnecting device re-announce its volume.
package volumestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// State is a device's last-known volume/mute setting.
type State struct {
	FixVolume int32
	Mute      bool
}

// Store caches device volume state in memory, backed by sqlite.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]State
}

// New creates a Store backed by the given database and preloads its cache.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db, cache: make(map[string]State)}
	if err := s.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading device volume state: %w", err)
	}
	return s, nil
}

func (s *Store) loadAll(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, fix_volume, mute FROM device_volume`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	for rows.Next() {
		var deviceID string
		var st State
		var mute int
		if err := rows.Scan(&deviceID, &st.FixVolume, &mute); err != nil {
			return err
		}
		st.Mute = mute != 0
		s.cache[deviceID] = st
	}
	return rows.Err()
}

// Get returns the stored state for a device, or a default State (unity
// volume 0x10000, unmuted) if the device has never been seen.
func (s *Store) Get(deviceID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.cache[deviceID]; ok {
		return st
	}
	return State{FixVolume: 0x10000}
}

// Set persists a device's volume/mute state, updating both the cache and
// the database.
func (s *Store) Set(ctx context.Context, deviceID string, st State) error {
	mute := 0
	if st.Mute {
		mute = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_volume (device_id, fix_volume, mute, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(device_id) DO UPDATE SET
			fix_volume = excluded.fix_volume,
			mute = excluded.mute,
			updated_at = excluded.updated_at`,
		deviceID, st.FixVolume, mute)
	if err != nil {
		return fmt.Errorf("setting device volume %q: %w", deviceID, err)
	}

	s.mu.Lock()
	s.cache[deviceID] = st
	s.mu.Unlock()

	return nil
}
