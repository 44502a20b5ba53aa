package email

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpauth/otpauth-api/internal/config"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestService(cfg config.EmailConfig, sendErr error) (*Service, *[]capturedMail) {
	var sent []capturedMail
	svc := NewService(cfg, 10*time.Minute)
	svc.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, capturedMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return sendErr
	}
	return svc, &sent
}

func TestSendOTPEmail(t *testing.T) {
	svc, sent := newTestService(config.EmailConfig{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     "587",
		SMTPUser:     "mailer@example.com",
		SMTPPassword: "secret",
		Sender:       "no-reply@example.com",
	}, nil)

	require.NoError(t, svc.SendOTPEmail(context.Background(), "a@x.com", "123456"))
	require.Len(t, *sent, 1)

	m := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", m.addr)
	assert.NotNil(t, m.auth)
	assert.Equal(t, "no-reply@example.com", m.from)
	assert.Equal(t, []string{"a@x.com"}, m.to)
	assert.Contains(t, m.msg, "To: a@x.com\r\n")
	assert.Contains(t, m.msg, "Your OTP is: <span class=\"code\">123456</span>")
	assert.Contains(t, m.msg, "It is valid for 10 minutes.")
}

func TestSendOTPEmail_NoAuthWithoutUser(t *testing.T) {
	svc, sent := newTestService(config.EmailConfig{SMTPHost: "localhost", SMTPPort: "1025", Sender: "dev@localhost"}, nil)

	require.NoError(t, svc.SendOTPEmail(context.Background(), "a@x.com", "123456"))
	require.Len(t, *sent, 1)
	assert.Nil(t, (*sent)[0].auth)
}

func TestSendOTPEmail_SendFailure(t *testing.T) {
	svc, _ := newTestService(config.EmailConfig{SMTPHost: "localhost", SMTPPort: "1025"}, errors.New("connection refused"))

	err := svc.SendOTPEmail(context.Background(), "a@x.com", "123456")
	assert.ErrorContains(t, err, "connection refused")
}

// startSMTPServer accepts one connection and speaks just enough SMTP for a
// single message, which it hands back on the returned channel.
func startSMTPServer(t *testing.T) (string, <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch verb := strings.ToUpper(strings.Fields(line)[0]); verb {
			case "EHLO":
				tp.PrintfLine("250-localhost")
				tp.PrintfLine("250 8BITMIME")
			case "HELO", "MAIL", "RCPT", "RSET", "NOOP":
				tp.PrintfLine("250 OK")
			case "DATA":
				tp.PrintfLine("354 go ahead")
				body, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				received <- string(body)
				tp.PrintfLine("250 OK")
			case "QUIT":
				tp.PrintfLine("221 bye")
				return
			default:
				tp.PrintfLine("502 unsupported")
			}
		}
	}()

	return ln.Addr().String(), received
}

// startStalledServer accepts connections and never writes a greeting
func startStalledServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	accepted := make(chan net.Conn)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(accepted)
				return
			}
			accepted <- conn
		}
	}()
	go func() {
		for conn := range accepted {
			conns = append(conns, conn)
		}
		for _, conn := range conns {
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String()
}

func smtpConfig(t *testing.T, addr string) config.EmailConfig {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return config.EmailConfig{SMTPHost: host, SMTPPort: port, Sender: "no-reply@example.com"}
}

func TestSendOTPEmail_OverSMTP(t *testing.T) {
	addr, received := startSMTPServer(t)
	svc := NewService(smtpConfig(t, addr), 10*time.Minute)

	require.NoError(t, svc.SendOTPEmail(context.Background(), "a@x.com", "654321"))

	select {
	case msg := <-received:
		assert.Contains(t, msg, "To: a@x.com")
		assert.Contains(t, msg, "654321")
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the server")
	}
}

func TestSendOTPEmail_StalledServerTimesOut(t *testing.T) {
	addr := startStalledServer(t)
	cfg := smtpConfig(t, addr)
	cfg.SMTPTimeout = 100 * time.Millisecond
	svc := NewService(cfg, 10*time.Minute)

	start := time.Now()
	err := svc.SendOTPEmail(context.Background(), "a@x.com", "123456")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendOTPEmail_CancelledContext(t *testing.T) {
	addr := startStalledServer(t)
	cfg := smtpConfig(t, addr)
	cfg.SMTPTimeout = time.Minute
	svc := NewService(cfg, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := svc.SendOTPEmail(ctx, "a@x.com", "123456")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}
