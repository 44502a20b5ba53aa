package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otpauth/otpauth-api/internal/config"
	"github.com/otpauth/otpauth-api/internal/logging"
)

type mockSender struct{ mock.Mock }

func (m *mockSender) SendOTPEmail(ctx context.Context, toEmail, code string) error {
	return m.Called(toEmail, code).Error(0)
}

func testDispatcherConfig() config.EmailConfig {
	return config.EmailConfig{
		Workers:      2,
		QueueSize:    8,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
}

func TestDispatcher_DeliversQueuedEmails(t *testing.T) {
	sender := &mockSender{}
	sender.On("SendOTPEmail", "a@x.com", "111111").Return(nil).Once()
	sender.On("SendOTPEmail", "b@x.com", "222222").Return(nil).Once()

	d := NewDispatcher(sender, testDispatcherConfig(), logging.NewNop())
	d.Start()

	id, err := d.Enqueue("a@x.com", "111111")
	require.NoError(t, err)
	assert.Len(t, id, 26)

	_, err = d.Enqueue("b@x.com", "222222")
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(context.Background()))
	sender.AssertExpectations(t)
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	sender := &mockSender{}
	sender.On("SendOTPEmail", "a@x.com", "111111").Return(errors.New("temporary failure")).Twice()
	sender.On("SendOTPEmail", "a@x.com", "111111").Return(nil).Once()

	d := NewDispatcher(sender, testDispatcherConfig(), logging.NewNop())
	d.Start()

	_, err := d.Enqueue("a@x.com", "111111")
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(context.Background()))
	sender.AssertNumberOfCalls(t, "SendOTPEmail", 3)
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	sender := &mockSender{}
	sender.On("SendOTPEmail", "a@x.com", "111111").Return(errors.New("mailbox unavailable"))

	d := NewDispatcher(sender, testDispatcherConfig(), logging.NewNop())
	d.Start()

	_, err := d.Enqueue("a@x.com", "111111")
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(context.Background()))
	sender.AssertNumberOfCalls(t, "SendOTPEmail", 3)
}

func TestDispatcher_QueueFull(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(&mockSender{}, cfg, logging.NewNop())

	// not started, so nothing drains the queue
	_, err := d.Enqueue("a@x.com", "111111")
	require.NoError(t, err)

	_, err = d.Enqueue("b@x.com", "222222")
	assert.ErrorIs(t, err, ErrQueueFull)

	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_EnqueueAfterShutdown(t *testing.T) {
	d := NewDispatcher(&mockSender{}, testDispatcherConfig(), logging.NewNop())
	d.Start()
	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.Enqueue("a@x.com", "111111")
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	// a second shutdown is a no-op
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_ShutdownDeadlineAbortsRetries(t *testing.T) {
	sender := &mockSender{}
	sender.On("SendOTPEmail", "a@x.com", "111111").Return(errors.New("down"))

	cfg := testDispatcherConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 5
	cfg.RetryBackoff = time.Hour
	d := NewDispatcher(sender, cfg, logging.NewNop())
	d.Start()

	_, err := d.Enqueue("a@x.com", "111111")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	sender.AssertNumberOfCalls(t, "SendOTPEmail", 1)
}

func TestDispatcher_ShutdownDoesNotWaitOnStalledServer(t *testing.T) {
	addr := startStalledServer(t)
	cfg := smtpConfig(t, addr)
	cfg.SMTPTimeout = time.Minute
	cfg.Workers = 1
	cfg.QueueSize = 4
	cfg.MaxRetries = 0

	d := NewDispatcher(NewService(cfg, 10*time.Minute), cfg, logging.NewNop())
	d.Start()

	_, err := d.Enqueue("a@x.com", "111111")
	require.NoError(t, err)

	// let the worker reach the server before shutting down
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	stopped := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still blocked on the stalled server")
	}
}
