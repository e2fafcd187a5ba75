package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/types"
)

// messageRequest is the body of create/send calls. Either Text or Blocks.
type messageRequest struct {
	Text   string               `json:"text,omitempty"`
	Blocks []types.ContentBlock `json:"blocks,omitempty"`
}

func (r *messageRequest) content() []types.ContentBlock {
	if len(r.Blocks) > 0 {
		return r.Blocks
	}
	if r.Text != "" {
		return []types.ContentBlock{types.TextBlock(r.Text)}
	}
	return nil
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}

	sess, err := s.manager.Create(r.Context(), req.content())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess.Record())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items := s.manager.List(limit, offset)
	if items == nil {
		items = []session.ListItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"active": s.manager.ActiveCount(),
		"total":  len(s.manager.List(0, 0)),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Record())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	msgs := sess.Messages(limit, offset)
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage accepts a turn and returns immediately; progress streams over
// the event feed.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	content := req.content()
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message content required")
		return
	}

	if st := sess.State(); st == types.SessionActive || st.Terminal() {
		writeError(w, http.StatusConflict, ErrCodeStateConflict, "cannot send: session is "+string(st))
		return
	}

	go func() {
		if err := sess.Send(context.Background(), content); err != nil {
			logging.Warn().Err(err).Str("session", sess.ID()).Msg("send rejected")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"sessionID": sess.ID(),
	})
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Abort(); err != nil {
		writeOpError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Complete(); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Record())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+id)
		return nil, false
	}
	return sess, true
}

func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case session.IsStateConflict(err):
		writeError(w, http.StatusConflict, ErrCodeStateConflict, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

func pagination(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}
