// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshgate/pkg/alert"
	"github.com/absmach/meshgate/pkg/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() alert.Event {
	return alert.Event{
		ID:        "ev-1",
		Timestamp: time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC),
		Type:      alert.TypeNodeBan,
		Title:     "Node Banned",
		Message:   "Node !a has been banned. Reason: <spam>",
		Severity:  alert.Medium,
		Metadata:  map[string]any{"NodeId": "!a", "Reason": "<spam>"},
	}
}

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies [][]byte
	status int
}

func (c *capture) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, b)
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscordSend(t *testing.T) {
	var c capture
	srv := c.server(t)
	d := NewDiscord("discord", map[string]string{"WebhookUrl": srv.URL + "/hook"}, srv.Client())
	require.NoError(t, d.Validate())
	require.NoError(t, d.Send(context.Background(), testEvent()))

	require.Len(t, c.bodies, 1)
	var got discordPayload
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "Meshgate", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Medium Alert - Node Banned", got.Embeds[0].Title)
	assert.Equal(t, 0xFFFF00, got.Embeds[0].Color)
	assert.Len(t, got.Embeds[0].Fields, 5)
	assert.Equal(t, "NodeId", got.Embeds[0].Fields[3].Name)
}

func TestSlackSend(t *testing.T) {
	var c capture
	srv := c.server(t)
	s := NewSlack("slack", map[string]string{"WebhookUrl": srv.URL, "Channel": "#mesh"}, srv.Client())
	require.NoError(t, s.Send(context.Background(), testEvent()))

	var got slackPayload
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "#mesh", got.Channel)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "warning", got.Attachments[0].Color)
	assert.Equal(t, testEvent().Timestamp.Unix(), got.Attachments[0].TS)
}

func TestTelegramSend(t *testing.T) {
	var c capture
	srv := c.server(t)
	tg := NewTelegram("telegram", map[string]string{
		"BotToken":            "123:abc",
		"ChatId":              "-42",
		"ApiUrl":              srv.URL + "/",
		"DisableNotification": "true",
	}, srv.Client())
	require.NoError(t, tg.Send(context.Background(), testEvent()))

	assert.Equal(t, []string{"/bot123:abc/sendMessage"}, c.paths)
	var got telegramPayload
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "-42", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.True(t, got.DisableNotification)
	assert.Contains(t, got.Text, "🟡 🔒 <b>Meshgate Alert</b>")
	assert.Contains(t, got.Text, "&lt;spam&gt;")
	assert.NotContains(t, got.Text, "<spam>")
}

func TestWebhookErrorStatus(t *testing.T) {
	c := capture{status: http.StatusInternalServerError}
	srv := c.server(t)
	d := NewDiscord("discord", map[string]string{"WebhookUrl": srv.URL}, srv.Client())

	err := d.Send(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "status 500")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		sink alert.Sink
		ok   bool
	}{
		{"discord ok", NewDiscord("d", map[string]string{"WebhookUrl": "http://x"}, nil), true},
		{"discord missing", NewDiscord("d", nil, nil), false},
		{"slack blank", NewSlack("s", map[string]string{"WebhookUrl": "  "}, nil), false},
		{"telegram partial", NewTelegram("t", map[string]string{"BotToken": "x"}, nil), false},
		{"email ok", NewEmail("e", emailConfig("587")), true},
		{"email bad port", NewEmail("e", emailConfig("smtp")), false},
		{"email missing", NewEmail("e", map[string]string{"SmtpHost": "mail"}), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sink.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
		})
	}

	err := NewEmail("e", nil).Validate()
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "ToEmail")
}

func emailConfig(port string) map[string]string {
	return map[string]string{
		"SmtpHost":  "127.0.0.1",
		"SmtpPort":  port,
		"Username":  "alerts",
		"Password":  "secret",
		"FromEmail": "gw@example.com",
		"ToEmail":   "ops@example.com, oncall@example.com",
	}
}

func TestEmailMessage(t *testing.T) {
	e := NewEmail("email", emailConfig("587"))
	to := recipients(e.cfg["ToEmail"])
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, to)

	msg := string(e.message(testEvent(), to))
	assert.Contains(t, msg, "Subject: [Meshgate Alert] Medium - Node Banned\r\n")
	assert.Contains(t, msg, "To: ops@example.com, oncall@example.com\r\n")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.Contains(t, msg, "<li><strong>Reason:</strong> &lt;spam&gt;</li>")

	headers, _, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)
	assert.NotContains(t, headers, "<h2>")
}

func TestEmailSendUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	e := NewEmail("email", emailConfig(strconv.Itoa(port)))
	assert.Error(t, e.Send(context.Background(), testEvent()))
}

type flakySink struct {
	calls int
}

func (f *flakySink) Name() string    { return "flaky" }
func (f *flakySink) Validate() error { return nil }
func (f *flakySink) Send(context.Context, alert.Event) error {
	f.calls++
	return errors.New("down")
}

func TestGuardOpensBreaker(t *testing.T) {
	inner := &flakySink{}
	s := Guard(inner, breaker.New("flaky", breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour}))

	for i := 0; i < 4; i++ {
		_ = s.Send(context.Background(), testEvent())
	}
	assert.Equal(t, 2, inner.calls)
	assert.ErrorIs(t, s.Send(context.Background(), testEvent()), breaker.ErrCircuitOpen)
	assert.Equal(t, "flaky", s.Name())
}

func TestBuild(t *testing.T) {
	providers := []alert.Provider{
		{Type: "Discord", Enabled: true, Config: map[string]string{"WebhookUrl": "http://a"}},
		{Type: "discord", Enabled: true, Config: map[string]string{"WebhookUrl": "http://b"}},
		{Type: "slack", Enabled: false},
		{Type: "telegram", Enabled: true},
		{Type: "email", Enabled: true},
		{Type: "pager", Enabled: true},
	}

	sinks, err := Build(providers, Options{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"discord", "discord-2", "telegram", "email"}, names)
}
