package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers reviewer notifications over SMTP. Port 465 gets
// implicit TLS; everything else goes through smtp.SendMail, which upgrades
// via STARTTLS when the server offers it.
type SMTPSender struct {
	host        string
	addr        string
	from        string
	auth        smtp.Auth
	implicitTLS bool
}

// NewSMTPSender builds a sender. An empty username disables authentication.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	s := &SMTPSender{
		host:        host,
		addr:        fmt.Sprintf("%s:%d", host, port),
		from:        from,
		implicitTLS: port == 465,
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

// Send delivers one plain-text message.
func (s *SMTPSender) Send(_ context.Context, to, subject, body string) error {
	msg := s.compose(to, subject, body)
	if s.implicitTLS {
		return s.sendOverTLS(to, msg)
	}
	return smtp.SendMail(s.addr, s.auth, s.from, []string{to}, msg)
}

// compose renders the RFC 5322 message with CRLF line endings.
func (s *SMTPSender) compose(to, subject, body string) []byte {
	var b strings.Builder
	for _, line := range []string{
		"From: " + s.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
	} {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(body)
	return []byte(b.String())
}

// sendOverTLS runs the SMTP conversation by hand on an implicit-TLS
// connection, which smtp.SendMail cannot open.
func (s *SMTPSender) sendOverTLS(to string, msg []byte) error {
	conn, err := tls.Dial("tcp", s.addr, &tls.Config{ServerName: s.host})
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp body: %w", err)
	}
	return w.Close()
}
