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

// ResetHandler handles HTTP requests for the account reset lifecycle
type ResetHandler struct {
	resetService *service.ResetService
	logger       *zap.Logger
}

func NewResetHandler(resetService *service.ResetService, logger *zap.Logger) *ResetHandler {
	return &ResetHandler{
		resetService: resetService,
		logger:       logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// resetRequestView is the wire shape of a reset request. Tokens are
// only surfaced at the moment they are minted.
type resetRequestView struct {
	IdentityID         string     `json:"identity_id"`
	RequestedAt        time.Time  `json:"requested_at"`
	RequestToken       string     `json:"request_token,omitempty"`
	GrantToken         string     `json:"grant_token,omitempty"`
	GrantedAt          *time.Time `json:"granted_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ReportedSuspicious bool       `json:"reported_suspicious"`
}

func requestView(req *models.AccountResetRequest, includeTokens bool) resetRequestView {
	view := resetRequestView{
		IdentityID:         req.IdentityID,
		RequestedAt:        req.RequestedAt,
		GrantedAt:          req.GrantedAt,
		CancelledAt:        req.CancelledAt,
		CompletedAt:        req.CompletedAt,
		ReportedSuspicious: req.ReportedSuspicious,
	}
	if includeTokens {
		view.RequestToken = req.RequestToken
		view.GrantToken = req.GrantToken
	}
	return view
}

// RegisterRoutes registers all reset lifecycle routes
func (h *ResetHandler) RegisterRoutes(router chi.Router) {
	router.Route("/account-reset", func(r chi.Router) {
		r.Post("/request", h.CreateRequest)
		r.Post("/cancel", h.Cancel)
		r.Post("/complete", h.Complete)
		r.Post("/report-fraud", h.ReportFraud)
		r.Get("/{identityID}", h.GetRequest)
		r.Post("/{identityID}/grant", h.Grant)
	})
}

type createRequestBody struct {
	IdentityID string `json:"identity_id"`
}

// CreateRequest opens (or supersedes) a reset request
func (h *ResetHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if _, err := uuid.Parse(body.IdentityID); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid identity ID format")
		return
	}

	req, err := h.resetService.CreateRequest(ctx, body.IdentityID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to create reset request")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(requestView(req, true), "Reset request created"))
	h.logger.Info("Reset request created via HTTP",
		util.String("identity_id", body.IdentityID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "CreateRequest"),
	)
}

// GetRequest returns the live request for an identity
func (h *ResetHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identityID := chi.URLParam(r, "identityID")
	if _, err := uuid.Parse(identityID); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid identity ID format")
		return
	}

	req, err := h.resetService.GetRequest(ctx, identityID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to get reset request")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(requestView(req, false), "Reset request retrieved"))
}

// Grant issues the grant token once the waiting period has elapsed
func (h *ResetHandler) Grant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	identityID := chi.URLParam(r, "identityID")
	if _, err := uuid.Parse(identityID); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid identity ID format")
		return
	}

	req, err := h.resetService.Grant(ctx, identityID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to grant reset request")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(requestView(req, true), "Reset request granted"))
	h.logger.Info("Reset request granted via HTTP",
		util.String("identity_id", identityID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Grant"),
	)
}

type tokenBody struct {
	Token string `json:"token"`
}

// Cancel consumes a cancellation token
func (h *ResetHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body tokenBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.resetService.Cancel(ctx, body.Token); err != nil {
		h.respondWithServiceError(w, err, "Failed to cancel reset request")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Reset request cancelled"))
}

type completeBody struct {
	Token   string          `json:"token"`
	Factors []factorPayload `json:"factors"`
}

type factorPayload struct {
	Kind        models.FactorKind `json:"kind"`
	PhoneNumber string            `json:"phone_number,omitempty"`
}

// Complete consumes the grant token and replaces the factor set
func (h *ResetHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body completeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	factors := make([]models.Factor, 0, len(body.Factors))
	for _, p := range body.Factors {
		factors = append(factors, models.Factor{
			FactorID:    uuid.New().String(),
			Kind:        p.Kind,
			Enabled:     true,
			Confirmed:   true,
			PhoneNumber: p.PhoneNumber,
		})
	}

	if err := h.resetService.Complete(ctx, body.Token, factors); err != nil {
		h.respondWithServiceError(w, err, "Failed to complete reset request")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Reset completed"))
	h.logger.Info("Reset completed via HTTP",
		util.Int("factor_count", len(factors)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Complete"),
	)
}

// ReportFraud flags a request as suspicious and cancels it
func (h *ResetHandler) ReportFraud(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body tokenBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.resetService.ReportFraud(ctx, body.Token); err != nil {
		h.respondWithServiceError(w, err, "Failed to report fraud")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Request flagged and cancelled"))
}

func (h *ResetHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *ResetHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *ResetHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
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

// statusCodeFor maps service errors onto HTTP status codes
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, service.ErrIdentityNotFound),
		errors.Is(err, service.ErrFactorNotFound),
		errors.Is(err, service.ErrCandidateNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrTooEarly):
		return http.StatusTooEarly
	case errors.Is(err, service.ErrAlreadyGranted),
		errors.Is(err, service.ErrRequestConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrProofingGateBlocked):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
