package api

import (
	"net/http"
	"strings"
	"time"

	"fieldtask/internal/monitor"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

type monitorScheduleResponse struct {
	Enabled    bool     `json:"enabled"`
	Schedule   string   `json:"schedule,omitempty"`
	NextChecks []string `json:"next_checks,omitempty"`
}

// handleMonitorSchedule reports when the overdue monitor runs next.
func (s *Server) handleMonitorSchedule(w http.ResponseWriter, r *http.Request) {
	if s.overdueCron == "" {
		writeJSON(w, http.StatusOK, monitorScheduleResponse{Enabled: false})
		return
	}
	schedule, err := monitor.ParseCron(s.overdueCron)
	if err != nil {
		s.logger.Error("parse monitor schedule", "schedule", s.overdueCron, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "monitor schedule is invalid")
		return
	}
	count := parseIntDefault(r.URL.Query().Get("count"), 5)
	if count <= 0 || count > 10 {
		count = 5
	}
	writeJSON(w, http.StatusOK, monitorScheduleResponse{
		Enabled:    true,
		Schedule:   s.overdueCron,
		NextChecks: formatTimes(monitor.NextOccurrences(schedule, time.Now().In(s.location), count)),
	})
}

// handleCronPreview validates a candidate monitor schedule.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	schedule, err := monitor.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatTimes(monitor.NextOccurrences(schedule, base, count))})
}

func formatTimes(times []time.Time) []string {
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, formatTime(t))
	}
	return formatted
}
