package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"superradio/internal/alerts"
	"superradio/internal/playback"
)

const qualityInfo = "Para cambiar la calidad, necesitas URLs de stream diferentes. Contáctanos para implementarlo."

type playerResponse struct {
	Session playback.Session `json:"session"`
	Error   string           `json:"error,omitempty"`
	Kind    string           `json:"kind,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	p := s.currentPlayer()
	if p == nil {
		http.Error(w, "player not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, playerResponse{Session: p.Session()})
}

// handlePlayerAction runs one control. Every POST counts as a user gesture.
func (s *Server) handlePlayerAction(w http.ResponseWriter, r *http.Request) {
	p := s.currentPlayer()
	if p == nil {
		http.Error(w, "player not ready", http.StatusServiceUnavailable)
		return
	}
	action := r.PathValue("action")

	var err error
	switch action {
	case "interact":
		p.NoteInteraction()
	case "play":
		p.NoteInteraction()
		err = p.Play(r.Context())
	case "pause":
		p.NoteInteraction()
		err = p.Pause()
	case "toggle":
		p.NoteInteraction()
		err = p.Toggle(r.Context())
	case "reconnect":
		p.NoteInteraction()
		err = p.ForceReconnect(r.Context())
	case "visibility":
		var body struct {
			Visible bool `json:"visible"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			http.Error(w, "bad visibility body", http.StatusBadRequest)
			return
		}
		p.SetVisible(r.Context(), body.Visible)
	default:
		http.NotFound(w, r)
		return
	}

	resp := playerResponse{Session: p.Session()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = playback.Classify(err).String()
		code = statusFor(err)
		s.log.Debug().Err(err).Str("action", action).Msg("player action failed")
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	if errors.Is(err, playback.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch playback.Classify(err) {
	case playback.KindPermissionDenied:
		return http.StatusForbidden
	case playback.KindFormatUnsupported:
		return http.StatusUnsupportedMediaType
	case playback.KindNetwork, playback.KindStallTimeout:
		return http.StatusBadGateway
	case playback.KindResourceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type volumeBody struct {
	Volume *int `json:"volume"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	p := s.currentPlayer()
	if p == nil {
		http.Error(w, "player not ready", http.StatusServiceUnavailable)
		return
	}
	v := p.Volume()
	writeJSON(w, http.StatusOK, volumeBody{Volume: &v})
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	p := s.currentPlayer()
	if p == nil {
		http.Error(w, "player not ready", http.StatusServiceUnavailable)
		return
	}
	var body volumeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Volume == nil {
		http.Error(w, "missing volume", http.StatusBadRequest)
		return
	}
	p.NoteInteraction()
	v := p.SetVolume(*body.Volume)
	writeJSON(w, http.StatusOK, volumeBody{Volume: &v})
}

// handleSessionAction is the lock screen path: it goes through whatever
// handler the controller registered on the media session.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if !s.session.Invoke(action) {
		http.Error(w, "no handler for "+action, http.StatusNotFound)
		return
	}
	if p := s.currentPlayer(); p != nil {
		p.NoteInteraction()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	md, state := s.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": md,
		"state":    state,
	})
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	if s.alerts != nil {
		s.alerts.Show(qualityInfo, alerts.SeverityInfo)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": qualityInfo})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a, ok := s.alerts.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleShowAlert lets the page raise its own notices through the same
// single alert slot. Unknown severities show as info.
func (s *Server) handleShowAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		http.Error(w, "missing message", http.StatusBadRequest)
		return
	}
	if s.alerts == nil {
		http.Error(w, "alerts not ready", http.StatusServiceUnavailable)
		return
	}
	s.alerts.Show(strings.TrimSpace(body.Message), alerts.ParseSeverity(strings.ToLower(strings.TrimSpace(body.Severity))))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts != nil {
		s.alerts.Dismiss()
	}
	w.WriteHeader(http.StatusNoContent)
}
