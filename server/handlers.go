package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/raft"
)

// maxValueSize bounds a single PUT body.
const maxValueSize = 4 * 1024 * 1024

type errorResponse struct {
	Error      string `json:"error"`
	LeaderID   string `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

type putResponse struct {
	Index uint64 `json:"index"`
}

type scanEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps the store's error taxonomy onto HTTP statuses. A request
// that hit a non-leader gets 421 with a hint so clients can retry against
// the leader.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if hint, ok := raft.AsNotLeaderError(err); ok {
		s.writeJSON(w, http.StatusMisdirectedRequest, errorResponse{
			Error:      "not the leader",
			LeaderID:   hint.LeaderID,
			LeaderAddr: hint.LeaderAddr,
		})
		return
	}
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		s.writeJSON(w, http.StatusMisdirectedRequest, errorResponse{Error: "not the leader"})
	case errors.Is(err, core.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "key not found"})
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	case errors.Is(err, raft.ErrShutdown), errors.Is(err, engine.ErrDegraded), errors.Is(err, core.ErrClosed):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

func pathKey(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "key"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or malformed key"})
		return
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}
	if len(value) > maxValueSize {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "value too large"})
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	index, err := s.node.Propose(ctx, core.EncodeCommand(core.Command{
		Type:  core.EntryTypePut,
		Key:   []byte(key),
		Value: value,
	}))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, putResponse{Index: index})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or malformed key"})
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	index, err := s.node.Propose(ctx, core.EncodeCommand(core.Command{
		Type: core.EntryTypeDelete,
		Key:  []byte(key),
	}))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, putResponse{Index: index})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or malformed key"})
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	// Linearizable read: confirm leadership and wait for the read index
	// before touching the engine.
	if err := s.node.VerifyRead(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	value, err := s.eng.Get(ctx, []byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(value); err != nil {
		s.logger.Warn("Error writing response body", "error", err)
	}
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.node.VerifyRead(ctx); err != nil {
		s.writeError(w, err)
		return
	}

	var startKey, endKey []byte
	if start != "" {
		startKey = []byte(start)
	}
	if end != "" {
		endKey = []byte(end)
	}
	iter, err := s.eng.Scan(ctx, startKey, endKey, core.Ascending)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer iter.Close()

	entries := make([]scanEntry, 0)
	for iter.Next() {
		node, err := iter.At()
		if err != nil {
			s.writeError(w, err)
			return
		}
		entries = append(entries, scanEntry{Key: string(node.Key), Value: string(node.Value)})
	}
	if err := iter.Error(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
