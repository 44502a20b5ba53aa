package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"time"

	"github.com/otpauth/otpauth-api/internal/config"
	"github.com/otpauth/otpauth-api/internal/logging"
)

const defaultSMTPTimeout = 10 * time.Second

// sendFunc delivers one message. Tests swap it to capture outgoing mail.
type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	smtpHost     string
	smtpPort     string
	smtpUser     string
	smtpPassword string
	fromEmail    string
	timeout      time.Duration
	codeValidFor time.Duration
	send         sendFunc
}

// NewService creates the SMTP mailer. codeValidFor is the OTP lifetime quoted in the email.
func NewService(cfg config.EmailConfig, codeValidFor time.Duration) *Service {
	timeout := cfg.SMTPTimeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}

	s := &Service{
		smtpHost:     cfg.SMTPHost,
		smtpPort:     cfg.SMTPPort,
		smtpUser:     cfg.SMTPUser,
		smtpPassword: cfg.SMTPPassword,
		fromEmail:    cfg.Sender,
		timeout:      timeout,
		codeValidFor: codeValidFor,
	}
	s.send = s.sendMail
	return s
}

// SendOTPEmail sends the one-time code to the user
// This method is designed to be called from the dispatcher workers
func (s *Service) SendOTPEmail(ctx context.Context, toEmail, code string) error {
	logger := logging.GetLoggerFromContext(ctx)

	subject := "Your verification code"
	body, err := s.renderOTPEmailTemplate(code)
	if err != nil {
		logger.Error("failed to render email template", "error", err)
		return fmt.Errorf("render template: %w", err)
	}

	if err := s.sendEmail(ctx, toEmail, subject, body); err != nil {
		logger.Error("failed to send otp email", "email", toEmail, "error", err)
		return fmt.Errorf("send email: %w", err)
	}

	logger.Info("otp email sent", "email", toEmail)
	return nil
}

func (s *Service) sendEmail(ctx context.Context, to, subject, body string) error {
	var auth smtp.Auth
	if s.smtpUser != "" {
		auth = smtp.PlainAuth("", s.smtpUser, s.smtpPassword, s.smtpHost)
	}

	// Build message
	msg := []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		s.fromEmail, to, subject, body,
	))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addr := net.JoinHostPort(s.smtpHost, s.smtpPort)
	return s.send(ctx, addr, auth, s.fromEmail, []string{to}, msg)
}

// sendMail runs one SMTP exchange on a connection bounded by ctx. The
// connection is upgraded with STARTTLS when the server offers it.
func (s *Service) sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}

	// unblocks reads and writes as soon as ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := smtp.NewClient(conn, s.smtpHost)
	if err != nil {
		return withContextErr(ctx, fmt.Errorf("smtp greeting: %w", err))
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.smtpHost}); err != nil {
			return withContextErr(ctx, fmt.Errorf("starttls: %w", err))
		}
	}

	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return withContextErr(ctx, fmt.Errorf("smtp auth: %w", err))
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return withContextErr(ctx, fmt.Errorf("mail from: %w", err))
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return withContextErr(ctx, fmt.Errorf("rcpt to: %w", err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return withContextErr(ctx, fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(msg); err != nil {
		return withContextErr(ctx, fmt.Errorf("write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return withContextErr(ctx, fmt.Errorf("close message: %w", err))
	}

	return c.Quit()
}

// withContextErr attaches ctx.Err() so callers can tell a timeout or
// cancellation from a protocol failure.
func withContextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (s *Service) renderOTPEmailTemplate(code string) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body {
            font-family: Arial, sans-serif;
            line-height: 1.6;
            color: #333;
            max-width: 600px;
            margin: 0 auto;
            padding: 20px;
        }
        .code {
            font-size: 28px;
            letter-spacing: 6px;
            font-weight: bold;
            color: #4F46E5;
        }
        .footer {
            margin-top: 30px;
            font-size: 12px;
            color: #666;
        }
    </style>
</head>
<body>
    <p>Your OTP is: <span class="code">{{.Code}}</span></p>
    <p>It is valid for {{.Minutes}} minutes.</p>
    <div class="footer">
        <p>If you didn't try to sign in, you can safely ignore this email.</p>
    </div>
</body>
</html>
`

	t, err := template.New("otp").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	data := struct {
		Code    string
		Minutes int
	}{
		Code:    code,
		Minutes: int(s.codeValidFor.Minutes()),
	}

	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return buf.String(), nil
}
