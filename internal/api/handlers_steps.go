package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldtask/internal/core"
)

type executeStepRequest struct {
	Status      string         `json:"status"`
	Result      map[string]any `json:"result"`
	Note        string         `json:"note"`
	Photos      []string       `json:"photos"`
	GPSLocation *core.Location `json:"gps_location"`
	StartedAt   *time.Time     `json:"started_at"`
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	actor := actorFrom(r)

	var req executeStepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	dedupeKey := ""
	if key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); key != "" {
		dedupeKey = stepID + ":" + key
		added, err := s.deduper.Add(r.Context(), actor.ID, dedupeKey)
		switch {
		case err != nil:
			s.logger.Warn("idempotency check failed", "step_id", stepID, "err", err)
			dedupeKey = ""
		case !added:
			writeError(w, http.StatusConflict, "duplicate_submission", "submission already processed")
			return
		}
	}

	exec, err := s.engine.ExecuteStep(r.Context(), stepID, actor, core.ExecuteStepInput{
		Result:      req.Result,
		Note:        req.Note,
		Photos:      req.Photos,
		GPSLocation: req.GPSLocation,
		Status:      core.StepStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
		StartedAt:   req.StartedAt,
	})
	if err != nil {
		if dedupeKey != "" && rejectedBeforeWrite(err) {
			if rerr := s.deduper.Remove(r.Context(), actor.ID, dedupeKey); rerr != nil {
				s.logger.Warn("release idempotency key", "step_id", stepID, "err", rerr)
			}
		}
		s.writeEngineError(w, r, "execute step", err)
		return
	}
	writeJSON(w, http.StatusCreated, executionToResponse(exec))
}

// rejectedBeforeWrite reports whether ExecuteStep failed validation, so no
// execution was recorded and the submission may be retried under the same key.
// Later failures may follow a committed execution and keep the key.
func rejectedBeforeWrite(err error) bool {
	switch core.Kind(err) {
	case core.ErrNotFound, core.ErrForbiddenAssignee, core.ErrInvalidState, core.ErrMissingEvidence, core.ErrInvalidInput:
		return true
	default:
		return false
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.engine.ListStepExecutions(r.Context(), chi.URLParam(r, "stepID"))
	if err != nil {
		s.writeEngineError(w, r, "list executions", err)
		return
	}
	resp := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		resp = append(resp, executionToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}
