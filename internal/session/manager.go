package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raopd/raopd/internal/alac"
	"github.com/raopd/raopd/internal/volumestore"
)

const (
	// DefaultIdleTimeout is how long a session can go without a Touch
	// (counted from Create until the first one) before the reaper
	// considers it orphaned.
	DefaultIdleTimeout = 5 * time.Minute

	defaultReapInterval = 30 * time.Second
)

// DecoderFactory builds the ALAC decoder for a session's negotiated
// params. nil may be returned to fall back to the passthrough decoder;
// real deployments supply one backed by an actual ALAC implementation.
type DecoderFactory func(alac.Params) alac.Decoder

// Manager creates, tracks, and tears down concurrent Sessions, and owns
// the shared RTP port allocator. It is the multi-session generalization
// invited by spec.md §9's "single global mutable config" design note,
// grounded on the teacher's media.SessionManager.
type Manager struct {
	volumes     *volumestore.Store
	portBase    int
	decoderFor  DecoderFactory
	idleTimeout time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*Session
	nextPort    int
	lastPulled  map[string]time.Time

	cancelReaper context.CancelFunc
	reaperDone   chan struct{}
}

// NewManager creates a session manager. portBase is the starting local
// port for the bind search (spec.md §6 default: 6000).
func NewManager(volumes *volumestore.Store, portBase int, decoderFor DecoderFactory, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if decoderFor == nil {
		decoderFor = func(p alac.Params) alac.Decoder { return alac.NewPassthroughDecoder(p) }
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		volumes:     volumes,
		portBase:    portBase,
		decoderFor:  decoderFor,
		idleTimeout: idleTimeout,
		logger:      logger.With("subsystem", "session-manager"),
		sessions:    make(map[string]*Session),
		lastPulled:  make(map[string]time.Time),
		nextPort:    portBase,
	}
}

// Create allocates and starts a new session. P8: two sessions created
// concurrently never end up sharing a port triplet, because bindPorts
// calls net.ListenUDP itself (the OS refuses a second bind to a port
// already held by the first session's sockets) and each Create holds the
// manager's lock only long enough to register the result, not to
// serialize the (potentially slow) bind search.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	base := m.nextBase()

	s, err := New(ctx, cfg, m.volumes, base, m.decoderFor, m.logger)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.lastPulled[s.ID] = time.Now()
	m.mu.Unlock()

	return s, nil
}

// nextBase hands out a fresh starting port for the next bind search, so
// concurrent Create calls don't all race for the same base port (which
// would just waste bind attempts, not corrupt state, but is wasteful).
func (m *Manager) nextBase() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.nextPort
	m.nextPort += 3 * maxBindAttempts
	return base
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Touch records consumer activity for the idle reaper. Call this from
// wherever GetAudioChunk is driven on the session's behalf.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		m.lastPulled[id] = time.Now()
	}
}

// List returns all active session stats, sorted by ID for stable output.
func (m *Manager) List() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete aborts and closes a session, removing it from the registry.
// Reports false if no session with that ID exists.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		delete(m.lastPulled, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.Abort()
	s.Close()
	m.logger.Info("session removed", "session_id", id)
	return true
}

// CloseAll tears down every active session. Used during daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Delete(id)
	}
}

// StartReaper launches a background goroutine that closes sessions which
// have not been touched (or, if never touched, created) within the
// configured idle timeout.
func (m *Manager) StartReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelReaper = cancel
	m.reaperDone = make(chan struct{})
	go m.reapLoop(ctx)
	m.logger.Info("session reaper started", "timeout", m.idleTimeout.String())
}

// StopReaper signals the reaper to stop and waits for it to exit.
func (m *Manager) StopReaper() {
	if m.cancelReaper == nil {
		return
	}
	m.cancelReaper()
	<-m.reaperDone
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(defaultReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.RLock()
	var orphaned []string
	for id, last := range m.lastPulled {
		if last.Before(cutoff) {
			orphaned = append(orphaned, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range orphaned {
		m.logger.Warn("reaping idle session", "session_id", id, "timeout", m.idleTimeout.String())
		m.Delete(id)
	}
}
