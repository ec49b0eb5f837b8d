package http

import (
	"net/http"
	"strings"

	"github.com/viralforge/guardian-activation/internal/application"
)

type cycleBody struct {
	CycleID string `json:"cycle_id"`
}

// cycleIDFrom lets a scheduler replay a cycle by id; replays are idempotent.
func cycleIDFrom(r *http.Request) (string, error) {
	var body cycleBody
	if err := decodeOptionalBody(r, &body); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(body.CycleID); id != "" {
		return id, nil
	}
	return application.NewCycleID(), nil
}

func (h *Handler) runEvaluationCycle(w http.ResponseWriter, r *http.Request) {
	cycleID, err := cycleIDFrom(r)
	if err != nil {
		writeValidationError(r.Context(), w, "run_evaluation_cycle", err)
		return
	}
	report, err := h.service.RunEvaluationCycle(r.Context(), cycleID)
	if err != nil {
		writeMappedError(r.Context(), w, "run_evaluation_cycle", err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

func (h *Handler) evaluateSubject(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "evaluate_subject", err)
		return
	}
	cycleID, err := cycleIDFrom(r)
	if err != nil {
		writeValidationError(r.Context(), w, "evaluate_subject", err)
		return
	}
	outcomes, err := h.service.EvaluateSubject(r.Context(), subjectID, cycleID)
	if err != nil {
		writeMappedError(r.Context(), w, "evaluate_subject", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"cycle_id": cycleID, "outcomes": outcomes})
}

func (h *Handler) expireLapsedWindows(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ExpireLapsedWindows(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "expire_lapsed_windows", err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

func (h *Handler) runDueActions(w http.ResponseWriter, r *http.Request) {
	executed, err := h.service.RunDueActions(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "run_due_actions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"executed": executed})
}

func (h *Handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.SystemStatus(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "system_status", err)
		return
	}
	writeSuccess(w, http.StatusOK, status)
}
