package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"account-recovery-service/internal/models"
	"account-recovery-service/internal/service"
	"account-recovery-service/internal/util"
)

// FactorHandler handles HTTP requests for factor enrollment and
// lifecycle operations
type FactorHandler struct {
	enrollmentService *service.EnrollmentService
	logger            *zap.Logger
}

func NewFactorHandler(enrollmentService *service.EnrollmentService, logger *zap.Logger) *FactorHandler {
	return &FactorHandler{
		enrollmentService: enrollmentService,
		logger:            logger,
	}
}

// factorView is the wire shape of a factor; secret material and digests
// never leave the service.
type factorView struct {
	FactorID    string            `json:"factor_id"`
	Kind        models.FactorKind `json:"kind"`
	Enabled     bool              `json:"enabled"`
	Confirmed   bool              `json:"confirmed"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	DisabledAt  *time.Time        `json:"disabled_at,omitempty"`
}

func viewOf(f *models.Factor) factorView {
	return factorView{
		FactorID:    f.FactorID,
		Kind:        f.Kind,
		Enabled:     f.Enabled,
		Confirmed:   f.Confirmed,
		PhoneNumber: f.PhoneNumber,
		CreatedAt:   f.CreatedAt,
		DisabledAt:  f.DisabledAt,
	}
}

// RegisterRoutes registers all factor routes
func (h *FactorHandler) RegisterRoutes(router chi.Router) {
	router.Route("/identities/{identityID}/factors", func(r chi.Router) {
		r.Post("/enrollment", h.BeginEnrollment)
		r.Post("/enrollment/confirm", h.ConfirmEnrollment)
		r.Delete("/enrollment", h.AbandonEnrollment)

		r.Post("/{factorID}/disable", h.DisableFactor)
		r.Delete("/{factorID}", h.RemoveFactor)

		r.Post("/personal-key", h.IssuePersonalKey)
	})
}

func (h *FactorHandler) identityID(w http.ResponseWriter, r *http.Request) (string, bool) {
	identityID := chi.URLParam(r, "identityID")
	if _, err := uuid.Parse(identityID); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid identity ID format")
		return "", false
	}
	return identityID, true
}

type beginBody struct {
	SessionID string `json:"session_id,omitempty"`
}

// BeginEnrollment issues a TOTP secret for the identity; resubmitting a
// live session ID returns the same candidate
func (h *FactorHandler) BeginEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	identityID, ok := h.identityID(w, r)
	if !ok {
		return
	}

	var body beginBody
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
	}

	candidate, err := h.enrollmentService.Begin(ctx, identityID, body.SessionID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to begin enrollment")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"session_id":       candidate.SessionID,
		"provisioning_uri": candidate.ProvisioningURI,
	}, "Enrollment session started"))
	h.logger.Info("Enrollment started via HTTP",
		util.String("identity_id", identityID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "BeginEnrollment"),
	)
}

type confirmBody struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// ConfirmEnrollment verifies the submitted code and commits the factor
func (h *FactorHandler) ConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	identityID, ok := h.identityID(w, r)
	if !ok {
		return
	}

	var body confirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if body.SessionID == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("session_id is required"), "Session ID is required")
		return
	}

	factor, err := h.enrollmentService.Confirm(ctx, identityID, body.SessionID, body.Code)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to confirm enrollment")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(viewOf(factor), "Factor enrolled"))
	h.logger.Info("Factor enrolled via HTTP",
		util.String("identity_id", identityID),
		util.String("factor_id", factor.FactorID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ConfirmEnrollment"),
	)
}

// AbandonEnrollment discards the candidate without committing
func (h *FactorHandler) AbandonEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identityID, ok := h.identityID(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("session_id is required"), "Session ID is required")
		return
	}

	if err := h.enrollmentService.Abandon(ctx, identityID, sessionID); err != nil {
		h.respondWithServiceError(w, err, "Failed to abandon enrollment")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Enrollment abandoned"))
}

// DisableFactor turns a factor off behind the diversity policy gate
func (h *FactorHandler) DisableFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identityID, ok := h.identityID(w, r)
	if !ok {
		return
	}
	factorID := chi.URLParam(r, "factorID")

	if err := h.enrollmentService.Disable(ctx, identityID, factorID); err != nil {
		h.respondWithServiceError(w, err, "Failed to disable factor")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Factor disabled"))
}

// RemoveFactor deletes a factor behind the same policy gate
func (h *FactorHandler) RemoveFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identityID, ok := h.identityID(w, r)
	if !ok {
		return
	}
	factorID := chi.URLParam(r, "factorID")

	if err := h.enrollmentService.Remove(ctx, identityID, factorID); err != nil {
		h.respondWithServiceError(w, err, "Failed to remove factor")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Factor removed"))
}

// IssuePersonalKey mints a new recovery key; the raw key appears in
// this response and nowhere else
func (h *FactorHandler) IssuePersonalKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	identityID, ok := h.identityID(w, r)
	if !ok {
		return
	}

	rawKey, factor, err := h.enrollmentService.IssuePersonalKey(ctx, identityID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to issue personal key")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"personal_key": rawKey,
		"factor":       viewOf(factor),
	}, "Personal key issued"))
	h.logger.Info("Personal key issued via HTTP",
		util.String("identity_id", identityID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IssuePersonalKey"),
	)
}

func (h *FactorHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *FactorHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *FactorHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	var pv *service.PolicyViolationError
	if errors.As(err, &pv) {
		resp := errorResponse(err, message)
		resp.Data = map[string]interface{}{
			"violations":     pv.Violations,
			"counts_by_kind": pv.CountsByKind,
		}
		h.respondWithJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	h.respondWithError(w, statusCodeFor(err), err, message)
}
