package api

import (
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/raopd/raopd/internal/session"
)

// createSessionRequest is the control-plane stand-in for an RTSP
// ANNOUNCE/SETUP handshake: the caller supplies everything a real
// handshake would have negotiated.
type createSessionRequest struct {
	DeviceID        string `json:"device_id"`
	AESKey          string `json:"aes_key"` // 32 hex chars (16 bytes)
	AESIV           string `json:"aes_iv"`  // 32 hex chars (16 bytes)
	Fmtp            string `json:"fmtp"`
	PeerControlPort int    `json:"peer_control_port"`
	PeerTimingPort  int    `json:"peer_timing_port"`
}

func (req createSessionRequest) validate() string {
	if msg := validateDeviceID("device_id", req.DeviceID); msg != "" {
		return msg
	}
	if msg := validateHexKey("aes_key", req.AESKey, 16); msg != "" {
		return msg
	}
	if msg := validateHexKey("aes_iv", req.AESIV, 16); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("fmtp", req.Fmtp, maxFmtpLen); msg != "" {
		return msg
	}
	if msg := validatePort("peer_control_port", req.PeerControlPort); msg != "" {
		return msg
	}
	if msg := validatePort("peer_timing_port", req.PeerTimingPort); msg != "" {
		return msg
	}
	return ""
}

// handleCreateSession implements POST /api/v1/sessions: bind a fresh port
// triplet and start the ingestor/player pipeline for one RAOP stream.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	keyRaw, _ := hex.DecodeString(req.AESKey)
	ivRaw, _ := hex.DecodeString(req.AESIV)
	var cfg session.Config
	cfg.DeviceID = req.DeviceID
	copy(cfg.AESKey[:], keyRaw)
	copy(cfg.AESIV[:], ivRaw)
	cfg.Fmtp = req.Fmtp
	cfg.PeerControlPort = req.PeerControlPort
	cfg.PeerTimingPort = req.PeerTimingPort

	sess, err := s.manager.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                sess.ID,
		"device_id":         sess.DeviceID,
		"local_data_port":   sess.LocalDataPort(),
		"local_control_port": sess.LocalControlPort(),
		"local_timing_port": sess.LocalTimingPort(),
	})
}

// handleListSessions implements GET /api/v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsToJSON(s.manager.List()))
}

// handleGetSession implements GET /api/v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, statsToJSON([]session.Stats{sess.Stats()})[0])
}

// handleDeleteSession implements DELETE /api/v1/sessions/{id}: abort()
// plus teardown.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.manager.Delete(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleSetVolume implements POST /api/v1/sessions/{id}/volume.
func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	var req struct {
		DB float64 `json:"db"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateVolumeDB("db", req.DB); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := sess.SetVolume(r.Context(), s.volumes, req.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleSetMute implements POST /api/v1/sessions/{id}/mute.
func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Mute bool `json:"mute"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := sess.SetMute(r.Context(), s.volumes, req.Mute); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleFlush implements POST /api/v1/sessions/{id}/flush.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}
	sess.Flush()
	writeJSON(w, http.StatusOK, nil)
}

// lookupSession resolves the {id} URL param to a session, writing a 404
// and returning nil if it does not exist. It also touches the manager's
// idle-reaper clock, since any control-plane activity on a session counts
// as it being alive.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) *session.Session {
	id := chi.URLParam(r, "id")
	sess := s.manager.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	s.manager.Touch(id)
	return sess
}

// statsToJSON renders session stats as plain maps so field names stay
// snake_case at the wire boundary without needing JSON tags on the
// session package's internal Stats type.
func statsToJSON(stats []session.Stats) []map[string]any {
	out := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		out = append(out, map[string]any{
			"id":                st.ID,
			"device_id":         st.DeviceID,
			"buffer_fill":       st.BufferFill,
			"synced":            st.Synced,
			"playback_rate":     st.PlaybackRate,
			"muted":             st.Muted,
			"fix_volume":        st.FixVolume,
			"created_at":        st.CreatedAt,
			"resends_requested": st.ResendsRequested,
			"packets_dropped":   st.PacketsDropped,
		})
	}
	return out
}
