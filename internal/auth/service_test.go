package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/otpauth/otpauth-api/internal/database/dbtest"
	"github.com/otpauth/otpauth-api/internal/logging"
	"github.com/otpauth/otpauth-api/internal/otp"
	"github.com/otpauth/otpauth-api/internal/user"
)

// --- mocks ---

type mockMailer struct {
	mock.Mock

	mu    sync.Mutex
	codes map[string]string
}

func (m *mockMailer) Enqueue(toEmail, code string) (string, error) {
	args := m.Called(toEmail, code)
	if args.Error(1) == nil {
		m.mu.Lock()
		if m.codes == nil {
			m.codes = map[string]string{}
		}
		m.codes[toEmail] = code
		m.mu.Unlock()
	}
	return args.String(0), args.Error(1)
}

func (m *mockMailer) lastCode(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type testEnv struct {
	service *Service
	users   *user.Repository
	db      *bun.DB
	store   *otp.RedisStore
	tokens  *TokenIssuer
	mailer  *mockMailer
	client  *redis.Client
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jwtService, err := NewJWTService(testJWTSecret)
	require.NoError(t, err)

	store := otp.NewRedisStore(client)
	db := dbtest.New(t)
	users := user.NewRepository(db)
	tokens := NewTokenIssuer(jwtService, 15*time.Minute, 7*24*time.Hour)
	mailer := &mockMailer{}
	mailer.On("Enqueue", mock.Anything, mock.Anything).Return("job-id", nil).Maybe()

	return &testEnv{
		service: NewService(users, otp.NewVerifier(store, otp.Config{}), tokens, mailer, logging.NewNop()),
		users:   users,
		db:      db,
		store:   store,
		tokens:  tokens,
		mailer:  mailer,
		client:  client,
		mr:      mr,
	}
}

func TestLogin_NewUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.Login(ctx, "A@x.com")
	require.NoError(t, err)

	assert.Equal(t, &LoginResult{Email: "a@x.com", Verified: false, Registered: false}, result)
	env.mailer.AssertCalled(t, "Enqueue", "a@x.com", mock.AnythingOfType("string"))

	code, ok, err := env.store.Peek(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, env.mailer.lastCode("a@x.com"), code)

	u, err := env.users.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, u.EmailVerified)
}

func TestLogin_QueueFailureDoesNotFailRequest(t *testing.T) {
	env := newTestEnv(t)
	mailer := &mockMailer{}
	mailer.On("Enqueue", "a@x.com", mock.Anything).Return("", errors.New("email queue is full"))
	env.service.mailer = mailer

	result, err := env.service.Login(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", result.Email)

	_, ok, err := env.store.Peek(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogin_RedisDownFailsWithoutCreatingCode(t *testing.T) {
	env := newTestEnv(t)
	env.mr.SetError("READONLY You can't write against a read only replica.")

	_, err := env.service.Login(context.Background(), "a@x.com")
	assert.Error(t, err)
	env.mailer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestLogin_RepeatedLoginReissuesCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)
	first := env.mailer.lastCode("a@x.com")

	_, err = env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)

	code, _, err := env.store.Peek(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, env.mailer.lastCode("a@x.com"), code)

	// the first code only still works if the random draw repeated it
	if first != code {
		result, err := env.service.VerifyOTP(ctx, "a@x.com", first)
		require.NoError(t, err)
		assert.False(t, result.Verified)
	}
}

func TestVerifyOTP_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, env.store.Issue(ctx, "a@x.com", "123456", time.Minute))

	result, err := env.service.VerifyOTP(ctx, "a@x.com", "123456")
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, MessageOTPVerified, result.Message)
	assert.Nil(t, result.AttemptsRemaining)

	subject, err := env.tokens.Verify(result.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", subject)

	subject, err = env.tokens.Verify(result.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", subject)

	u, err := env.users.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, u.EmailVerified)

	// the code is consumed
	again, err := env.service.VerifyOTP(ctx, "a@x.com", "123456")
	require.NoError(t, err)
	assert.False(t, again.Verified)
	assert.Equal(t, MessageOTPExpired, again.Message)
}

func TestVerifyOTP_Mismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, env.store.Issue(ctx, "a@x.com", "123456", time.Minute))

	result, err := env.service.VerifyOTP(ctx, "a@x.com", "654321")
	require.NoError(t, err)

	assert.False(t, result.Verified)
	assert.Equal(t, MessageOTPMismatch, result.Message)
	assert.Empty(t, result.AccessToken)
	assert.Empty(t, result.RefreshToken)
	require.NotNil(t, result.AttemptsRemaining)
	assert.Equal(t, 4, *result.AttemptsRemaining)

	u, err := env.users.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, u.EmailVerified)
}

func TestVerifyOTP_LockedOnSixthCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, env.store.Issue(ctx, "a@x.com", "123456", time.Minute))

	for i := 0; i < 5; i++ {
		result, err := env.service.VerifyOTP(ctx, "a@x.com", "000000")
		require.NoError(t, err)
		assert.Equal(t, MessageOTPMismatch, result.Message)
	}

	result, err := env.service.VerifyOTP(ctx, "a@x.com", "123456")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, MessageOTPLocked, result.Message)
	assert.Empty(t, result.AccessToken)

	u, err := env.users.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, u.EmailVerified)
}

func TestVerifyOTP_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)
	code := env.mailer.lastCode("a@x.com")

	env.mr.FastForward(otp.DefaultTTL + time.Second)

	result, err := env.service.VerifyOTP(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, MessageOTPExpired, result.Message)
}

func TestVerifyOTP_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// a code without a user row, e.g. after the row was removed
	require.NoError(t, env.store.Issue(ctx, "ghost@x.com", "123456", time.Minute))

	_, err := env.service.VerifyOTP(ctx, "ghost@x.com", "123456")
	assert.ErrorIs(t, err, user.ErrNotFound)
}

func TestRefreshAccessToken(t *testing.T) {
	env := newTestEnv(t)

	refresh, err := env.tokens.IssueRefreshToken("a@x.com")
	require.NoError(t, err)

	result, err := env.service.RefreshAccessToken(context.Background(), refresh.Value)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeBearer, result.TokenType)
	assert.Equal(t, int64(900), result.ExpiresIn)

	subject, err := env.tokens.Verify(result.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", subject)
}

func TestRefreshAccessToken_RejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)

	access, err := env.tokens.IssueAccessToken("a@x.com")
	require.NoError(t, err)

	_, err = env.service.RefreshAccessToken(context.Background(), access.Value)
	assert.ErrorIs(t, err, ErrTokenTypeMismatch)
}

func TestCompleteRegistration_Flow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)

	_, err = env.service.CompleteRegistration(ctx, "a@x.com", "Ann", "Lee")
	assert.ErrorIs(t, err, user.ErrNotVerified)

	require.NoError(t, env.store.Issue(ctx, "a@x.com", "123456", time.Minute))
	_, err = env.service.VerifyOTP(ctx, "a@x.com", "123456")
	require.NoError(t, err)

	u, err := env.service.CompleteRegistration(ctx, "a@x.com", "Ann", "Lee")
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.FirstName)
	assert.Equal(t, "Lee", u.LastName)
	assert.True(t, u.Registered)

	result, err := env.service.Login(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.True(t, result.Registered)
}
