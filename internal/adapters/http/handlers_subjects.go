package http

import (
	"net/http"
	"time"

	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/domain"
)

type initializeBody struct {
	LastActivityAt *time.Time `json:"last_activity_at"`
}

func (h *Handler) initializeSubject(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "initialize_subject", err)
		return
	}
	var body initializeBody
	if err := decodeOptionalBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "initialize_subject", err)
		return
	}
	view, err := h.service.InitializeSubject(r.Context(), subjectID, body.LastActivityAt)
	if err != nil {
		writeMappedError(r.Context(), w, "initialize_subject", err)
		return
	}
	status := http.StatusOK
	if view.Created {
		status = http.StatusCreated
	}
	writeSuccess(w, status, view)
}

type settingsBody struct {
	IsEnabled             *bool `json:"is_enabled"`
	RequiredConfirmations *int  `json:"required_confirmations"`
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "update_settings", err)
		return
	}
	var body settingsBody
	if err := decodeBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "update_settings", err)
		return
	}
	view, err := h.service.UpdateSettings(r.Context(), subjectID, application.SettingsUpdate{
		IsEnabled:             body.IsEnabled,
		RequiredConfirmations: body.RequiredConfirmations,
	}, callerActor(r.Context()))
	if err != nil {
		writeMappedError(r.Context(), w, "update_settings", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) upsertRule(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "upsert_rule", err)
		return
	}
	raw, err := readRawBody(r)
	if err != nil {
		writeValidationError(r.Context(), w, "upsert_rule", err)
		return
	}
	view, err := h.service.UpsertRule(r.Context(), subjectID, raw, callerActor(r.Context()))
	if err != nil {
		writeMappedError(r.Context(), w, "upsert_rule", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "list_rules", err)
		return
	}
	rules, err := h.service.ListRules(r.Context(), subjectID)
	if err != nil {
		writeMappedError(r.Context(), w, "list_rules", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"rules": rules})
}

type healthCheckBody struct {
	CheckType   string    `json:"check_type"`
	Responded   bool      `json:"responded"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *Handler) recordHealthCheck(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "record_health_check", err)
		return
	}
	var body healthCheckBody
	if err := decodeBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "record_health_check", err)
		return
	}
	err = h.service.RecordHealthCheck(r.Context(), application.HealthCheckInput{
		SubjectID:   subjectID,
		CheckType:   body.CheckType,
		Responded:   body.Responded,
		ScheduledAt: body.ScheduledAt,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "record_health_check", err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]bool{"recorded": true})
}

type remindersBody struct {
	ReminderType string `json:"reminder_type"`
}

func (h *Handler) sendReminders(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "send_reminders", err)
		return
	}
	var body remindersBody
	if err := decodeOptionalBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "send_reminders", err)
		return
	}
	reminder, err := domain.ParseReminderType(body.ReminderType)
	if err != nil {
		writeMappedError(r.Context(), w, "send_reminders", err)
		return
	}
	sent, err := h.service.SendReminders(r.Context(), subjectID, reminder)
	if err != nil {
		writeMappedError(r.Context(), w, "send_reminders", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"reminder_type": reminder, "sent": sent})
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "list_audit", err)
		return
	}
	entries, err := h.service.ListAudit(r.Context(), subjectID, parseIntDefault(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeMappedError(r.Context(), w, "list_audit", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"entries": entries})
}
