package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"capacity-engine/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	f.Limit = queryInt(r, "limit", 50)
	tasks, err := s.lifecycle.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, 200, tasks)
}

// parseFilter reads capacity, status (comma-separated) and owner.
func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	f := task.Filter{Owner: q.Get("owner")}
	if c := q.Get("capacity"); c != "" {
		f.Capacity = task.Capacity(c)
		if !f.Capacity.Valid() {
			return f, fmt.Errorf("unknown capacity %q", c)
		}
	}
	if st := q.Get("status"); st != "" {
		for _, part := range strings.Split(st, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return f, fmt.Errorf("unknown status %q", part)
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	return f, nil
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if t.Capacity == "" {
		writeError(w, 400, "capacity is required")
		return
	}
	result, err := s.lifecycle.Create(r.Context(), &t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 201, result)
}

func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request) {
	user, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := s.lifecycle.Claim(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	user, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.lifecycle.Start(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskPause(w http.ResponseWriter, r *http.Request) {
	user, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := s.lifecycle.Pause(r.Context(), r.PathValue("id"), user, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	user, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.lifecycle.Resume(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Outputs map[string]any `json:"outputs"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := s.lifecycle.Complete(r.Context(), r.PathValue("id"), user, req.Outputs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := s.lifecycle.Cancel(r.Context(), r.PathValue("id"), actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskRenew(w http.ResponseWriter, r *http.Request) {
	user, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := s.lifecycle.Renew(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) handleTaskReview(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.lifecycle.Review(r.Context(), r.PathValue("id"), reviewer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleAssignmentList(w http.ResponseWriter, r *http.Request) {
	list, err := s.assignments.ForTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		writeJSON(w, 200, []any{})
		return
	}
	writeJSON(w, 200, list)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	a, err := s.assignments.Assign(r.Context(), r.PathValue("id"), req.UserID, req.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	if err := s.assignments.Unassign(r.Context(), r.PathValue("id"), r.PathValue("user")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	sum, err := s.summary.Summarize(r.Context(), f, actorFrom(r), s.now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, sum)
}

// decodeOptional decodes a JSON body if one was sent. An empty body leaves v
// untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
