package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/otpauth/otpauth-api/internal/httputil"
	"github.com/otpauth/otpauth-api/internal/logging"
	"github.com/otpauth/otpauth-api/internal/ratelimit"
	"github.com/otpauth/otpauth-api/internal/user"
	"github.com/otpauth/otpauth-api/internal/validate"
)

// Handler contains HTTP handlers for authentication endpoints
type Handler struct {
	service     *Service
	rateLimiter *ratelimit.Limiter
	logger      *logging.Logger
}

func NewHandler(service *Service, rateLimiter *ratelimit.Limiter, logger *logging.Logger) *Handler {
	return &Handler{
		service:     service,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// VerifyOTPRequest represents the OTP verification request body
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	OTP   string `json:"otp" validate:"required,numeric,min=4,max=10"`
}

// RegisterRequest represents the profile completion request body
type RegisterRequest struct {
	FirstName string `json:"first_name" validate:"required,max=255"`
	LastName  string `json:"last_name" validate:"required,max=255"`
}

func (r *RegisterRequest) normalize() {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
}

// RegisterResponse represents the registration response
type RegisterResponse struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ProfileResponse represents the authenticated user
type ProfileResponse struct {
	Email string `json:"email"`
}

// Login handles OTP requests
// @Summary      Request a login code
// @Description  Creates the account on first use and emails a one-time code. The response reports the account flags.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request body LoginRequest true "Email address"
// @Success      200 {object} LoginResult
// @Failure      400 {object} httputil.ErrorResponse "Invalid request body or validation error"
// @Failure      403 {object} httputil.ErrorResponse "Account deleted"
// @Failure      429 {object} httputil.ErrorResponse "Rate limit or email cooldown"
// @Failure      500 {object} httputil.ErrorResponse "Internal server error"
// @Router       /auth/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	// Rate limit by IP
	ip := getClientIP(r)
	if h.ipLimited(w, r, ip, "login") {
		return
	}

	var req LoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	email := user.NormalizeEmail(req.Email)
	logger = logger.WithFields(map[string]any{"email": email})

	onCooldown, err := h.rateLimiter.CheckEmailCooldown(r.Context(), email)
	if err != nil {
		logger.Error("failed to check email cooldown", "error", err.Error())
	} else if onCooldown {
		logger.Warn("email on cooldown")
		respondError(w, "please wait before requesting another code", httputil.CodeCooldownActive, http.StatusTooManyRequests)
		return
	}

	// Record IP request for rate limiting
	if err := h.rateLimiter.RecordIPRequestWithPurpose(r.Context(), ip, "login"); err != nil {
		logger.Error("failed to record IP request", "error", err.Error())
	}

	result, err := h.service.Login(r.Context(), email)
	if err != nil {
		if errors.Is(err, user.ErrDeleted) {
			logger.Warn("login refused: account deleted")
			respondError(w, "account has been deleted", httputil.CodeAccountDeleted, http.StatusForbidden)
			return
		}
		logger.Error("login failed: internal error", "error", err.Error())
		respondError(w, "failed to send login code", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	if err := h.rateLimiter.SetEmailCooldown(r.Context(), email); err != nil {
		logger.Error("failed to set email cooldown", "error", err.Error())
	}

	logger.Info("otp issued", "verified", result.Verified, "registered", result.Registered)
	respondJSON(w, result, http.StatusOK)
}

// VerifyOTP handles code verification
// @Summary      Verify a login code
// @Description  Checks the emailed code. On success the email is marked verified and an access and refresh token are returned. Rejected codes return verified=false with a message.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request body VerifyOTPRequest true "Email and code"
// @Success      200 {object} VerifyResult
// @Failure      400 {object} httputil.ErrorResponse "Invalid request body or validation error"
// @Failure      404 {object} httputil.ErrorResponse "User not found"
// @Failure      429 {object} httputil.ErrorResponse "Rate limit exceeded"
// @Failure      500 {object} httputil.ErrorResponse "Internal server error"
// @Router       /auth/verify-otp [post]
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	ip := getClientIP(r)
	if h.ipLimited(w, r, ip, "verify_otp") {
		return
	}

	var req VerifyOTPRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	logger = logger.WithFields(map[string]any{"email": user.NormalizeEmail(req.Email)})

	if err := h.rateLimiter.RecordIPRequestWithPurpose(r.Context(), ip, "verify_otp"); err != nil {
		logger.Error("failed to record IP request", "error", err.Error())
	}

	result, err := h.service.VerifyOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			logger.Warn("otp verified for unknown user")
			respondError(w, "user not found", httputil.CodeUserNotFound, http.StatusNotFound)
			return
		}
		logger.Error("otp verification failed: internal error", "error", err.Error())
		respondError(w, "failed to verify code", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	if result.Verified {
		logger.Info("email verified")
	} else {
		logger.Warn("otp rejected", "reason", result.Message)
	}

	respondJSON(w, result, http.StatusOK)
}

// RefreshToken handles access token refresh
// @Summary      Refresh access token
// @Description  Exchanges a refresh token sent as a bearer token for a new access token. The refresh token is not rotated.
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} RefreshResult
// @Failure      401 {object} httputil.ErrorResponse "Missing, invalid, expired or wrong type of token"
// @Failure      500 {object} httputil.ErrorResponse "Internal server error"
// @Router       /auth/refresh-token [post]
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	token, err := bearerToken(r)
	if err != nil {
		logger.Warn("refresh rejected", "error", err.Error())
		respondTokenError(w, err)
		return
	}

	result, err := h.service.RefreshAccessToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) || errors.Is(err, ErrTokenTypeMismatch) {
			logger.Warn("refresh rejected", "error", err.Error())
			respondTokenError(w, err)
			return
		}
		logger.Error("refresh failed: internal error", "error", err.Error())
		respondError(w, "failed to refresh token", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	logger.Info("access token refreshed")
	respondJSON(w, result, http.StatusOK)
}

// Register handles profile completion
// @Summary      Complete registration
// @Description  Stores the first and last name of a verified user and marks the account registered.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body RegisterRequest true "Names"
// @Success      200 {object} RegisterResponse
// @Failure      400 {object} httputil.ErrorResponse "Invalid request body or validation error"
// @Failure      401 {object} httputil.ErrorResponse "Unauthenticated"
// @Failure      403 {object} httputil.ErrorResponse "Email not verified"
// @Failure      404 {object} httputil.ErrorResponse "User not found"
// @Failure      500 {object} httputil.ErrorResponse "Internal server error"
// @Router       /auth/register [post]
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	email, ok := GetUserEmailFromContext(r.Context())
	if !ok {
		respondError(w, "missing authentication", httputil.CodeMissingAuth, http.StatusUnauthorized)
		return
	}

	var req RegisterRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	u, err := h.service.CompleteRegistration(r.Context(), email, req.FirstName, req.LastName)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			logger.Warn("registration failed: user not found")
			respondError(w, "user not found", httputil.CodeUserNotFound, http.StatusNotFound)
			return
		}
		if errors.Is(err, user.ErrNotVerified) {
			logger.Warn("registration failed: email not verified")
			respondError(w, "email not verified", httputil.CodeEmailNotVerified, http.StatusForbidden)
			return
		}
		logger.Error("registration failed: internal error", "error", err.Error())
		respondError(w, "failed to complete registration", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	logger.Info("registration completed", "user_id", u.ID)

	respondJSON(w, RegisterResponse{
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}, http.StatusOK)
}

// Profile returns the authenticated user
// @Summary      Current user
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} ProfileResponse
// @Failure      401 {object} httputil.ErrorResponse "Unauthenticated"
// @Failure      404 {object} httputil.ErrorResponse "User not found"
// @Failure      500 {object} httputil.ErrorResponse "Internal server error"
// @Router       /profile [get]
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	email, ok := GetUserEmailFromContext(r.Context())
	if !ok {
		respondError(w, "missing authentication", httputil.CodeMissingAuth, http.StatusUnauthorized)
		return
	}

	u, err := h.service.Profile(r.Context(), email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			respondError(w, "user not found", httputil.CodeUserNotFound, http.StatusNotFound)
			return
		}
		logger.Error("failed to load profile", "error", err.Error())
		respondError(w, "failed to load profile", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	respondJSON(w, ProfileResponse{Email: u.Email}, http.StatusOK)
}

// ipLimited writes a 429 and returns true when ip is over its limit for purpose.
// Limiter errors let the request through.
func (h *Handler) ipLimited(w http.ResponseWriter, r *http.Request, ip, purpose string) bool {
	logger := logging.GetLoggerFromContext(r.Context())

	exceeded, err := h.rateLimiter.CheckIPRateLimitWithPurpose(r.Context(), ip, purpose)
	if err != nil {
		logger.Error("failed to check IP rate limit", "error", err.Error())
		return false
	}
	if exceeded {
		logger.Warn("IP rate limit exceeded", "ip", ip, "purpose", purpose)
		respondError(w, "too many requests, please try again later", httputil.CodeTooManyRequests, http.StatusTooManyRequests)
		return true
	}
	return false
}

// normalizer is implemented by requests that clean up their fields before validation
type normalizer interface {
	normalize()
}

// decodeRequest reads and validates a JSON body, writing a 400 on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	logger := logging.GetLoggerFromContext(r.Context())

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Warn("invalid request body", "error", err.Error())
		respondError(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return false
	}

	if n, ok := dst.(normalizer); ok {
		n.normalize()
	}

	if err := validate.Struct(dst); err != nil {
		logger.Warn("request validation failed", "error", err.Error())
		respondError(w, err.Error(), httputil.CodeValidationFailed, http.StatusBadRequest)
		return false
	}

	return true
}

func respondJSON(w http.ResponseWriter, data any, statusCode int) {
	httputil.RespondJSON(w, data, statusCode)
}

func respondError(w http.ResponseWriter, message, code string, statusCode int) {
	httputil.RespondErrorWithCode(w, message, code, statusCode)
}

// getClientIP returns the host part of RemoteAddr. Proxy headers are only
// honoured when the router installs middleware.RealIP, which rewrites
// RemoteAddr before this runs.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
