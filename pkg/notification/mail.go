package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// MailSinkOption SMTP relay used to page on-call staff.
type MailSinkOption struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MailSink emails alerts to on-call staff. Port 465 uses implicit TLS,
// every other port goes through smtp.SendMail (STARTTLS when offered).
type MailSink struct {
	opt  MailSinkOption
	send sendMailFunc
}

var alertTemplate = template.Must(template.New("alert").Parse(`<h2>{{.Severity}} emergency reported</h2>
<p>Session: {{.SessionID}}<br>
Language: {{.Language}}<br>
Confidence: {{printf "%.2f" .Confidence}}<br>
Reported at: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}</p>
{{if .Symptoms}}<p>Symptoms:</p>
<ul>{{range .Symptoms}}<li>{{.}}</li>{{end}}</ul>{{end}}
<p>Recommended action: {{.RecommendedAction}}</p>
`))

func NewMailSink(opt *MailSinkOption) (*MailSink, error) {
	if opt == nil || opt.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if opt.From == "" || len(opt.To) == 0 {
		return nil, errors.New("mail sender and at least one recipient are required")
	}
	s := &MailSink{opt: *opt}
	if s.opt.Port == 0 {
		s.opt.Port = 587
	}
	if s.opt.Port == 465 {
		s.send = s.sendTLS
	} else {
		s.send = smtp.SendMail
	}
	return s, nil
}

// Send renders p and mails it. ctx only gates the start of delivery; the
// SMTP exchange itself is not cancellable.
func (s *MailSink) Send(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return &DispatchError{Sink: "mail", SessionID: p.SessionID, Cause: err}
	}
	msg, err := s.render(p)
	if err != nil {
		return &DispatchError{Sink: "mail", SessionID: p.SessionID, Cause: err}
	}
	addr := fmt.Sprintf("%s:%d", s.opt.Host, s.opt.Port)
	var auth smtp.Auth
	if s.opt.Username != "" {
		auth = smtp.PlainAuth("", s.opt.Username, s.opt.Password, s.opt.Host)
	}
	if err := s.send(addr, auth, s.opt.From, s.opt.To, msg); err != nil {
		return &DispatchError{Sink: "mail", SessionID: p.SessionID, Cause: err}
	}
	return nil
}

func (s *MailSink) render(p Payload) ([]byte, error) {
	var body bytes.Buffer
	if err := alertTemplate.Execute(&body, p); err != nil {
		return nil, fmt.Errorf("render alert: %w", err)
	}
	var msg bytes.Buffer
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	fmt.Fprintf(&msg, "From: %s\r\n", s.opt.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.opt.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] emergency alert for session %s\r\n", strings.ToUpper(p.Severity), p.SessionID)
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func (s *MailSink) sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.opt.Host})
	if err != nil {
		return fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.opt.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err = client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to prepare data: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write email content: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to finish email: %w", err)
	}
	return client.Quit()
}
