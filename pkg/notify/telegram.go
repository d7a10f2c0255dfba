// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/meshgate/pkg/alert"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends HTML formatted messages through the Bot API.
type Telegram struct{ webhook }

// NewTelegram requires BotToken and ChatId. ApiUrl overrides the Bot API
// base URL and DisableNotification sends silently.
func NewTelegram(name string, cfg map[string]string, client *http.Client) *Telegram {
	return &Telegram{newWebhook(name, cfg, client, time.Second, 1)}
}

func (t *Telegram) Validate() error { return requireKeys(t.cfg, "BotToken", "ChatId") }

type telegramPayload struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

func (t *Telegram) Send(ctx context.Context, ev alert.Event) error {
	silent, _ := strconv.ParseBool(t.cfg["DisableNotification"])
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(value(t.cfg, "ApiUrl", telegramAPI), "/"), t.cfg["BotToken"])
	return t.post(ctx, url, telegramPayload{
		ChatID:              t.cfg["ChatId"],
		Text:                telegramText(ev),
		ParseMode:           "HTML",
		DisableNotification: silent,
	})
}

func telegramText(ev alert.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s <b>Meshgate Alert</b>\n\n", severityEmoji(ev.Severity), typeEmoji(ev.Type))
	fmt.Fprintf(&b, "<b>Severity:</b> %s\n", ev.Severity)
	fmt.Fprintf(&b, "<b>Type:</b> %s\n", html.EscapeString(ev.Type))
	fmt.Fprintf(&b, "<b>Title:</b> %s\n\n", html.EscapeString(ev.Title))
	fmt.Fprintf(&b, "<b>Message:</b>\n%s\n\n", html.EscapeString(ev.Message))
	fmt.Fprintf(&b, "<b>Time:</b> %s UTC\n", ev.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	if md := metadata(ev); len(md) > 0 {
		b.WriteString("\n<b>Additional Details:</b>\n")
		for _, kv := range md {
			fmt.Fprintf(&b, "• <b>%s:</b> %s\n", html.EscapeString(kv[0]), html.EscapeString(kv[1]))
		}
	}
	fmt.Fprintf(&b, "\n<i>Event ID: %s</i>", ev.ID)
	return b.String()
}

func severityEmoji(s alert.Severity) string {
	switch s {
	case alert.Low:
		return "🟢"
	case alert.Medium:
		return "🟡"
	case alert.High:
		return "🟠"
	case alert.Critical:
		return "🔴"
	default:
		return "⚪"
	}
}

func typeEmoji(typ string) string {
	switch {
	case strings.HasPrefix(typ, "security."):
		return "🔒"
	case strings.HasPrefix(typ, "system."):
		return "⚙️"
	default:
		return "📢"
	}
}
