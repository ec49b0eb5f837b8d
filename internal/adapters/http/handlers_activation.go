package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/guardian-activation/internal/application"
)

type submitActivationBody struct {
	SubjectID uuid.UUID `json:"subject_id"`
	// Optional; when present it must name the authenticated guardian.
	GuardianID         uuid.UUID `json:"guardian_id"`
	VerificationMethod string    `json:"verification_method"`
	Notes              string    `json:"notes"`
}

func (h *Handler) submitActivation(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var body submitActivationBody
	if err := decodeBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "submit_activation", err)
		return
	}
	if body.GuardianID != uuid.Nil && body.GuardianID != claims.GuardianID {
		logHTTPOperationError(r.Context(), "submit_activation", http.StatusForbidden, "FORBIDDEN", "guardian_id does not match caller", nil)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "guardian_id does not match caller")
		return
	}
	result, err := h.service.SubmitActivation(r.Context(), application.SubmitActivationRequest{
		SubjectID:          body.SubjectID,
		GuardianID:         claims.GuardianID,
		VerificationMethod: body.VerificationMethod,
		Notes:              body.Notes,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "submit_activation", err)
		return
	}
	status := http.StatusAccepted
	if result.ProtocolActivated {
		status = http.StatusOK
	}
	writeSuccess(w, status, result)
}

type withdrawBody struct {
	VerificationToken string `json:"verification_token"`
}

func (h *Handler) withdrawActivation(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var body withdrawBody
	if err := decodeBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "withdraw_activation", err)
		return
	}
	if err := h.service.WithdrawActivation(r.Context(), claims.GuardianID, body.VerificationToken); err != nil {
		writeMappedError(r.Context(), w, "withdraw_activation", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"withdrawn": true})
}

func (h *Handler) validateGrant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get("access_token"))
	code := strings.TrimSpace(q.Get("verification_code"))
	if token == "" || code == "" {
		writeValidationError(r.Context(), w, "validate_grant", errors.New("access_token and verification_code are required"))
		return
	}
	result, err := h.service.ValidateGrant(r.Context(), token, code)
	if err != nil {
		writeMappedError(r.Context(), w, "validate_grant", err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

type issueGrantBody struct {
	GuardianID uuid.UUID `json:"guardian_id"`
}

func (h *Handler) issueGrant(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "issue_grant", err)
		return
	}
	var body issueGrantBody
	if err := decodeBody(r, &body); err != nil {
		writeValidationError(r.Context(), w, "issue_grant", err)
		return
	}
	view, err := h.service.IssueGrant(r.Context(), subjectID, body.GuardianID, callerActor(r.Context()))
	if err != nil {
		writeMappedError(r.Context(), w, "issue_grant", err)
		return
	}
	writeSuccess(w, http.StatusCreated, view)
}

func (h *Handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	grantID, err := uuidParam(r, "grant_id")
	if err != nil {
		writeValidationError(r.Context(), w, "revoke_grant", err)
		return
	}
	view, err := h.service.RevokeGrant(r.Context(), grantID, callerActor(r.Context()))
	if err != nil {
		writeMappedError(r.Context(), w, "revoke_grant", err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) activationStatus(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "activation_status", err)
		return
	}
	status, err := h.service.ActivationStatus(r.Context(), subjectID)
	if err != nil {
		writeMappedError(r.Context(), w, "activation_status", err)
		return
	}
	writeSuccess(w, http.StatusOK, status)
}

func (h *Handler) resetProtocol(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuidParam(r, "subject_id")
	if err != nil {
		writeValidationError(r.Context(), w, "reset_protocol", err)
		return
	}
	if err := h.service.Reset(r.Context(), subjectID, callerActor(r.Context())); err != nil {
		writeMappedError(r.Context(), w, "reset_protocol", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"reset": true})
}
