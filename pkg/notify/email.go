// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/meshgate/pkg/alert"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// Email sends HTML alert mails over SMTP with PLAIN authentication.
type Email struct {
	name string
	cfg  map[string]string
}

// NewEmail requires SmtpHost, SmtpPort, Username, Password, FromEmail and
// ToEmail. ToEmail may list several comma separated addresses. EnableSsl=true
// with port 465 uses implicit TLS; otherwise STARTTLS is used when offered.
func NewEmail(name string, cfg map[string]string) *Email {
	return &Email{name: name, cfg: cfg}
}

func (e *Email) Name() string { return e.name }

func (e *Email) Validate() error {
	if err := requireKeys(e.cfg, "SmtpHost", "SmtpPort", "Username", "Password", "FromEmail", "ToEmail"); err != nil {
		return err
	}
	if _, err := strconv.Atoi(e.cfg["SmtpPort"]); err != nil {
		return fmt.Errorf("invalid SmtpPort %q: %w", e.cfg["SmtpPort"], err)
	}
	return nil
}

func (e *Email) Send(ctx context.Context, ev alert.Event) error {
	addr := net.JoinHostPort(e.cfg["SmtpHost"], e.cfg["SmtpPort"])
	auth := sasl.NewPlainClient("", e.cfg["Username"], e.cfg["Password"])
	to := recipients(e.cfg["ToEmail"])
	msg := e.message(ev, to)

	implicitTLS := e.cfg["SmtpPort"] == "465" && value(e.cfg, "EnableSsl", "true") == "true"

	done := make(chan error, 1)
	go func() {
		if implicitTLS {
			done <- smtp.SendMailTLS(addr, auth, e.cfg["FromEmail"], to, bytes.NewReader(msg))
			return
		}
		done <- smtp.SendMail(addr, auth, e.cfg["FromEmail"], to, bytes.NewReader(msg))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(ev alert.Event, to []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg["FromEmail"])
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [Meshgate Alert] %s - %s\r\n", ev.Severity, ev.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", ev.Timestamp.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@meshgate>\r\n", uuid.NewString())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")

	b.WriteString("<html><body>\r\n")
	fmt.Fprintf(&b, "<h2>Meshgate Alert - %s</h2>\r\n", ev.Severity)
	fmt.Fprintf(&b, "<p><strong>Time:</strong> %s UTC</p>\r\n", ev.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<p><strong>Event Type:</strong> %s</p>\r\n", html.EscapeString(ev.Type))
	fmt.Fprintf(&b, "<p><strong>Title:</strong> %s</p>\r\n", html.EscapeString(ev.Title))
	fmt.Fprintf(&b, "<p><strong>Message:</strong> %s</p>\r\n", html.EscapeString(ev.Message))
	if md := metadata(ev); len(md) > 0 {
		b.WriteString("<h3>Additional Details:</h3>\r\n<ul>\r\n")
		for _, kv := range md {
			fmt.Fprintf(&b, "<li><strong>%s:</strong> %s</li>\r\n", html.EscapeString(kv[0]), html.EscapeString(kv[1]))
		}
		b.WriteString("</ul>\r\n")
	}
	fmt.Fprintf(&b, "<p><em>Event ID: %s</em></p>\r\n", ev.ID)
	b.WriteString("</body></html>\r\n")
	return b.Bytes()
}

func recipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
