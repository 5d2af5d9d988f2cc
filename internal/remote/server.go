package remote

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/snappy"
	"github.com/gorilla/websocket"

	"github.com/roach88/scoresync/internal/version"
)

const (
	encodingSnappy = "snappy"
	maxBodySize    = 8 << 20
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
)

// Handler serves a Memory store of record over HTTP:
//
//	GET  /entities/{id}          entity JSON, 404 when unknown
//	GET  /entities/{id}/history  edit history, ?since=<vector JSON>
//	POST /batches                Batch in, BatchResult out; snappy bodies
//	                             when Content-Encoding is snappy
//	GET  /changes                websocket stream of Change messages
func Handler(m *Memory, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{mem: m, logger: logger}

	r := chi.NewRouter()
	r.Get("/entities/{id}", s.handleFetch)
	r.Get("/entities/{id}/history", s.handleHistory)
	r.Post("/batches", s.handleSubmit)
	r.Get("/changes", s.handleChanges)
	return r
}

type server struct {
	mem    *Memory
	logger *slog.Logger
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	e, err := s.mem.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if e == nil {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	writeJSON(w, e, false)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var since version.Vector
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := version.ParseVector(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		since = v
	}
	entries, err := s.mem.History(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, entries, false)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	compressed := r.Header.Get("Content-Encoding") == encodingSnappy
	if compressed {
		if body, err = snappy.Decode(nil, body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.mem.Submit(r.Context(), b)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, res, compressed)
}

func (s *server) handleChanges(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changes, err := s.mem.Subscribe(r.Context())
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		return
	}

	// Drain client frames so close and pong control messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(c); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnavailable) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Error("remote request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any, compressed bool) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if compressed {
		w.Header().Set("Content-Encoding", encodingSnappy)
		data = snappy.Encode(nil, data)
	}
	_, _ = w.Write(data)
}
