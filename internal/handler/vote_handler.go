package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vote-service/internal/identity"
	"vote-service/internal/service"
	"vote-service/internal/util"
)

// VoteHandler exposes the voting flow over HTTP: request a code, verify it,
// read tallies. Error responses carry a stable code and a user-safe message;
// internal detail never crosses this boundary.
type VoteHandler struct {
	challenges *service.ChallengeService
	votes      *service.VoteService
	logger     *zap.Logger
}

func NewVoteHandler(challenges *service.ChallengeService, votes *service.VoteService, logger *zap.Logger) *VoteHandler {
	return &VoteHandler{
		challenges: challenges,
		votes:      votes,
		logger:     logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// RegisterRoutes registers the voting routes.
func (h *VoteHandler) RegisterRoutes(router chi.Router) {
	router.Route("/votes", func(r chi.Router) {
		r.Post("/challenge", h.RequestChallenge)
		r.Post("/verify", h.VerifyChallenge)
	})
	router.Route("/projects/{projectID}", func(r chi.Router) {
		r.Get("/tally", h.GetTally)
		r.Post("/reconcile", h.Reconcile)
	})
}

type challengeRequest struct {
	Method    string `json:"method"`
	Contact   string `json:"contact"`
	ProjectID string `json:"project_id"`
}

// RequestChallenge handles POST /votes/challenge
func (h *VoteHandler) RequestChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.CodeValidation, "Invalid request body")
		return
	}
	if req.ProjectID == "" {
		h.respondWithError(w, http.StatusBadRequest, service.CodeValidation, "project_id is required")
		return
	}

	err := h.challenges.RequestChallenge(r.Context(), service.ChallengeRequest{
		Method:          identity.ContactMethod(req.Method),
		Contact:         req.Contact,
		ProjectID:       req.ProjectID,
		Origin:          r.RemoteAddr,
		ClientSignature: r.UserAgent(),
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "A verification code has been sent"))
}

type verifyRequest struct {
	Method    string `json:"method"`
	Contact   string `json:"contact"`
	ProjectID string `json:"project_id"`
	Code      string `json:"code"`
}

// VerifyChallenge handles POST /votes/verify
func (h *VoteHandler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.CodeValidation, "Invalid request body")
		return
	}
	if req.ProjectID == "" || req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, service.CodeValidation, "project_id and code are required")
		return
	}

	voteID, err := h.challenges.VerifyChallenge(r.Context(), service.ChallengeRequest{
		Method:          identity.ContactMethod(req.Method),
		Contact:         req.Contact,
		ProjectID:       req.ProjectID,
		Origin:          r.RemoteAddr,
		ClientSignature: r.UserAgent(),
	}, req.Code)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(
		map[string]string{"vote_id": voteID}, "Vote recorded"))
}

// GetTally handles GET /projects/{projectID}/tally
func (h *VoteHandler) GetTally(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	count, err := h.votes.Tally(r.Context(), projectID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"project_id": projectID,
		"vote_count": count,
	}, "Tally retrieved"))
}

// Reconcile handles POST /projects/{projectID}/reconcile
func (h *VoteHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	count, err := h.votes.Reconcile(r.Context(), projectID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"project_id": projectID,
		"vote_count": count,
	}, "Tally reconciled"))
}

func (h *VoteHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *VoteHandler) respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	h.logger.Warn("HTTP error response",
		util.Int("status_code", statusCode),
		util.String("code", code),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, Response{Success: false, Code: code, Message: message})
}

// respondServiceError maps a service error to its stable code and a
// user-safe message. Rate-limit and outstanding-challenge responses state
// how long to wait; everything fraud-adjacent stays generic.
func (h *VoteHandler) respondServiceError(w http.ResponseWriter, err error) {
	var rateLimited *service.RateLimitedError
	if errors.As(err, &rateLimited) {
		seconds := int(rateLimited.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Code:    service.CodeRateLimited,
			Message: "Too many requests, try again later",
			Data:    map[string]int{"retry_after_seconds": seconds},
		})
		return
	}

	var outstanding *service.ChallengeOutstandingError
	if errors.As(err, &outstanding) {
		seconds := int(outstanding.TTL.Round(time.Second).Seconds())
		h.respondWithJSON(w, http.StatusConflict, Response{
			Success: false,
			Code:    service.CodeChallengeOutstanding,
			Message: "A code was already sent and is still valid",
			Data:    map[string]int{"expires_in_seconds": seconds},
		})
		return
	}

	code := service.ErrorCode(err)
	statusCode, message := h.statusFor(code, err)
	h.respondWithError(w, statusCode, code, message)
}

func (h *VoteHandler) statusFor(code string, err error) (int, string) {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest, "Invalid contact details, check the format and try again"
	case service.CodeRequestDenied:
		return http.StatusForbidden, "Request denied"
	case service.CodeAlreadyVoted, service.CodeDuplicateVote:
		return http.StatusConflict, "A vote has already been recorded for this contact"
	case service.CodeChallengeNotFound:
		return http.StatusNotFound, "No verification code is outstanding, request a new one"
	case service.CodeChallengeExpired:
		return http.StatusGone, "The code has expired, request a new one"
	case service.CodeInvalidCode:
		return http.StatusUnauthorized, "The code does not match"
	case service.CodeTooManyAttempts:
		return http.StatusTooManyRequests, "Too many failed attempts, request a new code"
	case service.CodeAlreadyConsumed:
		return http.StatusConflict, "This code was already used"
	case service.CodeDeliveryFailed:
		return http.StatusBadGateway, "We could not deliver the code, try again"
	default:
		h.logger.Error("Unhandled service error", util.ErrorField(err))
		return http.StatusInternalServerError, "Something went wrong"
	}
}
