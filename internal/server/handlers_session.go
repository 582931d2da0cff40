package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wagate-io/wagate/internal/session"
)

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "pong"})
}

// listSessions returns a snapshot of every registered session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.supervisor.Registry().Snapshot()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": infos})
}

// startSession creates and asynchronously initializes a session. The client
// polls status (or consumes webhooks) to observe progress.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	err := s.supervisor.Setup(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "session initiated successfully",
		})
	case errors.Is(err, session.ErrInvalidID):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, session.ErrSessionExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "session already exists")
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// sessionStatus reports the validator's classification of a session.
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	v := s.supervisor.Validator().Validate(r.Context(), id)
	status := http.StatusOK
	switch {
	case v.Message == session.OutcomeNotFound:
		status = http.StatusNotFound
	case !v.Success:
		// Session exists but is not usable yet (or anymore).
		status = http.StatusAccepted
	}
	writeJSON(w, status, v)
}

// sessionQR returns the current pairing code, if one is pending.
func (s *Server) sessionQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, ok := s.supervisor.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	qr := sess.QR()
	if qr == "" {
		// Either not issued yet or already consumed by authentication.
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "qr code not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "qr": qr})
}

// restartSession reloads a session in place, preserving auth data.
func (s *Server) restartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	err := s.supervisor.Reload(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "session restarted successfully",
		})
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, "session is busy")
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// terminateSession deletes a session. With preserveData the on-disk profile
// survives for a later start. Unknown sessions still get their disk state
// reaped, so the endpoint is idempotent.
func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	preserve := queryBool(r, "preserveData")

	err := s.supervisor.Delete(r.Context(), id, preserve)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "session terminated successfully",
		})
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, session.ErrPathEscapes):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// flushSessions bulk-deletes sessions, optionally keeping healthy ones.
func (s *Server) flushSessions(w http.ResponseWriter, r *http.Request) {
	onlyInactive := queryBool(r, "onlyInactive")

	results := s.supervisor.Flush(r.Context(), onlyInactive)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
