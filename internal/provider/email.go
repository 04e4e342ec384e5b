package provider

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends HTML email through an SMTP relay.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	sendMail sendMailFunc
}

func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	if port == 0 {
		port = 587
	}
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		sendMail: smtp.SendMail,
	}
}

// Send returns the generated Message-ID as the provider id.
func (s *SMTPSender) Send(_ context.Context, msg Outgoing) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	buf.WriteString("<html><body>")
	buf.WriteString(msg.Body)
	buf.WriteString("</body></html>")

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	if err := s.sendMail(addr, auth, s.from, []string{msg.To}, buf.Bytes()); err != nil {
		return "", fmt.Errorf("smtp: %w", err)
	}
	return messageID, nil
}
