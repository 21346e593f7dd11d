package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"capacity-engine/pkg/audit"
)

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)

	var (
		events []audit.Event
		err    error
	)
	switch {
	case r.URL.Query().Get("task") != "":
		events, err = s.events.ByTask(ctx, r.URL.Query().Get("task"), limit)
	case r.URL.Query().Get("type") != "":
		events, err = s.events.ByType(ctx, r.URL.Query().Get("type"), limit)
	default:
		events, err = s.events.Recent(ctx, limit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, 200, events)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.events.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, e)
}

func (s *Server) handleEventVerify(w http.ResponseWriter, r *http.Request) {
	n, err := s.events.Count(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.events.VerifyChain(r.Context()); err != nil {
		writeJSON(w, 200, map[string]any{"ok": false, "count": n, "error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "count": n})
}

// handleEventStream pushes audit events as server-sent events. With ?after=
// it first replays what the caller missed.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	ctx := r.Context()
	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	lastID := ""
	if after := r.URL.Query().Get("after"); after != "" {
		missed, err := s.events.Since(ctx, after, 0)
		if err != nil {
			s.logger.Warn("SSE replay", zap.Error(err))
		}
		for i := range missed {
			writeEvent(w, &missed[i])
			lastID = missed[i].ID
		}
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.ID == lastID {
				continue
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e *audit.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}
