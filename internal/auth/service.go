package auth

import (
	"context"
	"fmt"

	"github.com/otpauth/otpauth-api/internal/logging"
	"github.com/otpauth/otpauth-api/internal/metrics"
	"github.com/otpauth/otpauth-api/internal/otp"
	"github.com/otpauth/otpauth-api/internal/user"
)

// Messages returned by VerifyOTP
const (
	MessageOTPExpired  = "OTP expired or not found."
	MessageOTPLocked   = "Too many incorrect attempts. Please request a new OTP."
	MessageOTPMismatch = "Invalid OTP."
	MessageOTPVerified = "Email verified successfully."
)

// TokenTypeBearer is the token_type reported with issued access tokens
const TokenTypeBearer = "bearer"

// EmailDispatcher queues OTP emails for background delivery
type EmailDispatcher interface {
	Enqueue(toEmail, code string) (string, error)
}

// Service handles the OTP login flows
type Service struct {
	userRepo *user.Repository
	verifier *otp.Verifier
	tokens   *TokenIssuer
	mailer   EmailDispatcher
	logger   *logging.Logger
}

func NewService(
	userRepo *user.Repository,
	verifier *otp.Verifier,
	tokens *TokenIssuer,
	mailer EmailDispatcher,
	logger *logging.Logger,
) *Service {
	return &Service{
		userRepo: userRepo,
		verifier: verifier,
		tokens:   tokens,
		mailer:   mailer,
		logger:   logger,
	}
}

// LoginResult reports the account flags after an OTP was requested
type LoginResult struct {
	Email      string `json:"email"`
	Verified   bool   `json:"verified"`
	Registered bool   `json:"registered"`
}

// VerifyResult is returned for every OTP check. Tokens are only set when
// Verified is true.
type VerifyResult struct {
	Email             string `json:"email"`
	Verified          bool   `json:"verified"`
	Message           string `json:"message"`
	AccessToken       string `json:"access_token,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

// RefreshResult carries a newly issued access token
type RefreshResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login creates the user on first contact, issues a new OTP and queues the
// email. Delivery problems are logged and never fail the request.
func (s *Service) Login(ctx context.Context, email string) (*LoginResult, error) {
	email = user.NormalizeEmail(email)
	logger := logging.GetLoggerFromContext(ctx)

	var u *user.User
	err := s.userRepo.RunInTx(ctx, func(ctx context.Context, repo *user.Repository) error {
		var err error
		u, err = repo.CreateIfAbsent(ctx, email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	code, err := s.verifier.RequestOTP(ctx, email)
	if err != nil {
		metrics.OTPIssuedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to issue otp: %w", err)
	}
	metrics.OTPIssuedTotal.WithLabelValues("success").Inc()

	jobID, err := s.mailer.Enqueue(email, code)
	if err != nil {
		logger.Error("failed to queue otp email", "email", email, "error", err)
	} else {
		logger.Debug("otp email queued", "email", email, "job_id", jobID)
	}

	return &LoginResult{
		Email:      u.Email,
		Verified:   u.EmailVerified,
		Registered: u.Registered,
	}, nil
}

// VerifyOTP checks the submitted code. Rejected codes come back as a result
// with Verified false and a message; only store failures are returned as errors.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*VerifyResult, error) {
	email = user.NormalizeEmail(email)

	check, err := s.verifier.CheckOTP(ctx, email, code)
	if err != nil {
		return nil, fmt.Errorf("failed to check otp: %w", err)
	}
	metrics.OTPVerificationsTotal.WithLabelValues(check.Outcome.String()).Inc()

	result := &VerifyResult{Email: email}

	switch check.Outcome {
	case otp.OutcomeExpired:
		result.Message = MessageOTPExpired
		return result, nil
	case otp.OutcomeLocked:
		result.Message = MessageOTPLocked
		return result, nil
	case otp.OutcomeMismatch:
		remaining := check.AttemptsRemaining
		result.Message = MessageOTPMismatch
		result.AttemptsRemaining = &remaining
		return result, nil
	}

	err = s.userRepo.RunInTx(ctx, func(ctx context.Context, repo *user.Repository) error {
		if _, err := repo.MarkVerified(ctx, email); err != nil {
			return err
		}

		access, err := s.tokens.IssueAccessToken(email)
		if err != nil {
			return err
		}
		refresh, err := s.tokens.IssueRefreshToken(email)
		if err != nil {
			return err
		}

		result.AccessToken = access.Value
		result.RefreshToken = refresh.Value
		return nil
	})
	if err != nil {
		metrics.TokensIssuedTotal.WithLabelValues("verify_otp", "error").Inc()
		return nil, fmt.Errorf("failed to complete verification: %w", err)
	}
	metrics.TokensIssuedTotal.WithLabelValues("verify_otp", "success").Inc()

	result.Verified = true
	result.Message = MessageOTPVerified
	return result, nil
}

// RefreshAccessToken issues a new access token for the subject of a valid
// refresh token. The refresh token itself is not rotated.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	subject, err := s.tokens.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		metrics.TokensIssuedTotal.WithLabelValues("refresh", "rejected").Inc()
		return nil, err
	}

	access, err := s.tokens.IssueAccessToken(subject)
	if err != nil {
		metrics.TokensIssuedTotal.WithLabelValues("refresh", "error").Inc()
		return nil, err
	}
	metrics.TokensIssuedTotal.WithLabelValues("refresh", "success").Inc()

	return &RefreshResult{
		AccessToken: access.Value,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.tokens.AccessTokenDuration().Seconds()),
	}, nil
}

// CompleteRegistration stores the names of a verified user
func (s *Service) CompleteRegistration(ctx context.Context, email, firstName, lastName string) (*user.User, error) {
	var u *user.User
	err := s.userRepo.RunInTx(ctx, func(ctx context.Context, repo *user.Repository) error {
		var err error
		u, err = repo.CompleteRegistration(ctx, email, firstName, lastName)
		return err
	})
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to complete registration: %w", err)
	}
	metrics.RegistrationsTotal.WithLabelValues("success").Inc()

	return u, nil
}

// Profile returns the user behind an authenticated email
func (s *Service) Profile(ctx context.Context, email string) (*user.User, error) {
	return s.userRepo.FindByEmail(ctx, email)
}
