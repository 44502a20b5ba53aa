package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultLength      = 6
	DefaultTTL         = 600 * time.Second
	DefaultMaxAttempts = 5
)

// Outcome is the result of checking a submitted code
type Outcome int

const (
	OutcomeVerified Outcome = iota
	OutcomeMismatch
	OutcomeLocked
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeLocked:
		return "locked"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// State is the verification state of an email, derived from the store on
// every read. Nothing stores it.
type State int

const (
	StateNoActiveOTP State = iota
	StatePending
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateNoActiveOTP:
		return "no_active_otp"
	case StatePending:
		return "pending_verification"
	case StateLocked:
		return "locked"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome           Outcome
	AttemptsRemaining int
}

type Config struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
}

// Verifier issues codes and checks submissions against the attempt ceiling.
type Verifier struct {
	store       Store
	length      int
	ttl         time.Duration
	maxAttempts int
}

func NewVerifier(store Store, cfg Config) *Verifier {
	v := &Verifier{
		store:       store,
		length:      cfg.Length,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
	}
	if v.length <= 0 {
		v.length = DefaultLength
	}
	if v.ttl <= 0 {
		v.ttl = DefaultTTL
	}
	if v.maxAttempts <= 0 {
		v.maxAttempts = DefaultMaxAttempts
	}
	return v
}

// TTL returns how long an issued code stays valid
func (v *Verifier) TTL() time.Duration {
	return v.ttl
}

// RequestOTP generates a fresh code for email and stores it, replacing any
// code issued before. The caller delivers the returned code.
func (v *Verifier) RequestOTP(ctx context.Context, email string) (string, error) {
	code, err := GenerateCode(v.length)
	if err != nil {
		return "", err
	}

	if err := v.store.Issue(ctx, email, code, v.ttl); err != nil {
		return "", err
	}

	return code, nil
}

// CheckOTP compares submitted against the active code. The attempt is counted
// before the comparison, so once maxAttempts checks were made even the correct
// code is rejected until a new one is requested.
func (v *Verifier) CheckOTP(ctx context.Context, email, submitted string) (Result, error) {
	code, ok, err := v.store.Peek(ctx, email)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeExpired}, nil
	}

	attempts, err := v.store.ReserveAttempt(ctx, email, v.maxAttempts)
	switch {
	case errors.Is(err, ErrNoActiveCode):
		return Result{Outcome: OutcomeExpired}, nil
	case errors.Is(err, ErrAttemptsExhausted):
		return Result{Outcome: OutcomeLocked}, nil
	case err != nil:
		return Result{}, err
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(submitted)) != 1 {
		return Result{
			Outcome:           OutcomeMismatch,
			AttemptsRemaining: max(v.maxAttempts-attempts, 0),
		}, nil
	}

	if err := v.store.Clear(ctx, email); err != nil {
		return Result{}, fmt.Errorf("failed to consume otp: %w", err)
	}

	return Result{Outcome: OutcomeVerified}, nil
}

// State reports where email currently stands
func (v *Verifier) State(ctx context.Context, email string) (State, error) {
	_, ok, err := v.store.Peek(ctx, email)
	if err != nil {
		return StateNoActiveOTP, err
	}
	if !ok {
		return StateNoActiveOTP, nil
	}

	attempts, err := v.store.Attempts(ctx, email)
	if err != nil {
		return StateNoActiveOTP, err
	}
	if attempts >= v.maxAttempts {
		return StateLocked, nil
	}

	return StatePending, nil
}
