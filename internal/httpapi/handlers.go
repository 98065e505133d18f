package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"pushsched/internal/sched"
	"pushsched/internal/storage"
	logx "pushsched/pkg/logx"
)

const maxBodyBytes = 1 << 20

type scheduleRequest struct {
	ID          string          `json:"id,omitempty"`
	Destination json.RawMessage `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	// FireAt is unix milliseconds. DelayMS is the convenience alternative:
	// "fire this many ms from now". FireAt wins when both are set.
	FireAt  int64 `json:"fire_at,omitempty"`
	DelayMS int64 `json:"delay_ms,omitempty"`
}

type scheduleResponse struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req scheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	fireAt := req.FireAt
	if fireAt == 0 && req.DelayMS > 0 {
		fireAt = time.Now().UnixMilli() + req.DelayMS
	}

	res, err := s.core.Schedule(r.Context(), sched.Request{
		ID:          req.ID,
		Destination: req.Destination,
		Payload:     req.Payload,
		FireAt:      fireAt,
	})
	if err != nil {
		if errors.Is(err, sched.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("schedule failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{OK: true, ID: res.ID, Status: res.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}
	j, err := s.core.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("status lookup failed", logx.String("job", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": j})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	jobs, err := s.core.List(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		if errors.Is(err, sched.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("list failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": jobs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if at, ok := s.core.NextAlarm(); ok {
		resp["next_alarm"] = at.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
