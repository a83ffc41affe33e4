package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"

	"fieldtask/internal/core"
)

var errMissingActor = errors.New("missing " + headerActorID + " header")

// writeEngineError maps an engine failure onto an HTTP status and error code.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch core.Kind(err) {
	case core.ErrNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case core.ErrInvalidState:
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case core.ErrForbiddenAssignee:
		writeError(w, http.StatusForbidden, "forbidden_assignee", err.Error())
	case core.ErrMissingEvidence:
		writeError(w, http.StatusUnprocessableEntity, "missing_evidence", err.Error())
	case core.ErrInvalidInput:
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		if errors.Is(err, core.ErrVersionConflict) {
			s.logger.Warn(op+" gave up after conflicts", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusConflict, "conflict", "concurrent modification, retry the request")
			return
		}
		s.logger.Error(op, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
