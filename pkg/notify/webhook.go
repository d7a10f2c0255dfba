// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/absmach/meshgate/pkg/alert"
	"golang.org/x/time/rate"
)

// webhook posts JSON bodies to a URL, paced by a limiter so bursts of alerts
// stay inside the remote API's rate limits.
type webhook struct {
	name    string
	cfg     map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

func newWebhook(name string, cfg map[string]string, client *http.Client, every time.Duration, burst int) webhook {
	return webhook{
		name:    name,
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (w webhook) Name() string { return w.name }

func (w webhook) post(ctx context.Context, url string, body any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", ErrDeliveryFailed, w.name, resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Discord posts embeds to a Discord webhook.
type Discord struct{ webhook }

// NewDiscord requires the WebhookUrl key. Username is optional.
func NewDiscord(name string, cfg map[string]string, client *http.Client) *Discord {
	return &Discord{newWebhook(name, cfg, client, 500*time.Millisecond, 5)}
}

func (d *Discord) Validate() error { return requireKeys(d.cfg, "WebhookUrl") }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *Discord) Send(ctx context.Context, ev alert.Event) error {
	embed := discordEmbed{
		Title:       fmt.Sprintf("%s Alert - %s", ev.Severity, ev.Title),
		Description: ev.Message,
		Color:       discordColor(ev.Severity),
		Timestamp:   ev.Timestamp.Format(time.RFC3339),
		Fields: []discordField{
			{Name: "Event Type", Value: ev.Type, Inline: true},
			{Name: "Severity", Value: ev.Severity.String(), Inline: true},
			{Name: "Event ID", Value: ev.ID, Inline: true},
		},
	}
	for _, kv := range metadata(ev) {
		embed.Fields = append(embed.Fields, discordField{Name: kv[0], Value: kv[1], Inline: true})
	}
	embed.Footer.Text = footer

	return d.post(ctx, d.cfg["WebhookUrl"], discordPayload{
		Username: value(d.cfg, "Username", "Meshgate"),
		Embeds:   []discordEmbed{embed},
	})
}

func discordColor(s alert.Severity) int {
	switch s {
	case alert.Low:
		return 0x00FF00
	case alert.Medium:
		return 0xFFFF00
	case alert.High:
		return 0xFF8000
	case alert.Critical:
		return 0xFF0000
	default:
		return 0x808080
	}
}

// Slack posts attachments to a Slack incoming webhook.
type Slack struct{ webhook }

// NewSlack requires the WebhookUrl key. Channel and Username are optional.
func NewSlack(name string, cfg map[string]string, client *http.Client) *Slack {
	return &Slack{newWebhook(name, cfg, client, time.Second, 1)}
}

func (s *Slack) Validate() error { return requireKeys(s.cfg, "WebhookUrl") }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

type slackPayload struct {
	Channel     string            `json:"channel"`
	Username    string            `json:"username"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *Slack) Send(ctx context.Context, ev alert.Event) error {
	att := slackAttachment{
		Color: slackColor(ev.Severity),
		Title: fmt.Sprintf("%s Alert - %s", ev.Severity, ev.Title),
		Text:  ev.Message,
		Fields: []slackField{
			{Title: "Event Type", Value: ev.Type, Short: true},
			{Title: "Severity", Value: ev.Severity.String(), Short: true},
			{Title: "Time", Value: ev.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Event ID", Value: ev.ID, Short: true},
		},
		Footer: footer,
		TS:     ev.Timestamp.Unix(),
	}
	for _, kv := range metadata(ev) {
		att.Fields = append(att.Fields, slackField{Title: kv[0], Value: kv[1], Short: true})
	}

	return s.post(ctx, s.cfg["WebhookUrl"], slackPayload{
		Channel:     value(s.cfg, "Channel", "#alerts"),
		Username:    value(s.cfg, "Username", "Meshgate"),
		Attachments: []slackAttachment{att},
	})
}

func slackColor(s alert.Severity) string {
	switch s {
	case alert.Low:
		return "good"
	case alert.Medium, alert.High:
		return "warning"
	case alert.Critical:
		return "danger"
	default:
		return "#808080"
	}
}
