// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package notify implements alert sinks for email, Discord, Slack and Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/absmach/meshgate/pkg/alert"
	"github.com/absmach/meshgate/pkg/breaker"
	"github.com/hashicorp/go-multierror"
)

// Provider types.
const (
	TypeEmail    = "email"
	TypeDiscord  = "discord"
	TypeSlack    = "slack"
	TypeTelegram = "telegram"
)

var (
	// ErrMissingKey is returned by Validate when a required config key is empty.
	ErrMissingKey = errors.New("missing required config key")
	// ErrUnknownProvider is returned by Build for unsupported provider types.
	ErrUnknownProvider = errors.New("unknown notification provider")
	// ErrDeliveryFailed wraps non-2xx webhook responses.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

const footer = "Meshgate Alert System"

// Options tune the sinks built by Build.
type Options struct {
	HTTPClient *http.Client
	Breaker    breaker.Config
	// OnStateChange is registered on every sink's breaker.
	OnStateChange func(sink string, from, to breaker.State)
	Logger        *slog.Logger
}

// Build returns one sink per enabled provider, each guarded by its own
// circuit breaker. Unknown types are reported together and skipped.
func Build(providers []alert.Provider, opts Options) ([]alert.Sink, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var (
		sinks []alert.Sink
		errs  error
		seen  = map[string]int{}
	)
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		typ := strings.ToLower(p.Type)
		seen[typ]++
		name := typ
		if n := seen[typ]; n > 1 {
			name = fmt.Sprintf("%s-%d", typ, n)
		}

		var s alert.Sink
		switch typ {
		case TypeEmail:
			s = NewEmail(name, p.Config)
		case TypeDiscord:
			s = NewDiscord(name, p.Config, opts.HTTPClient)
		case TypeSlack:
			s = NewSlack(name, p.Config, opts.HTTPClient)
		case TypeTelegram:
			s = NewTelegram(name, p.Config, opts.HTTPClient)
		default:
			errs = multierror.Append(errs, fmt.Errorf("%w: %q", ErrUnknownProvider, p.Type))
			continue
		}

		cb := breaker.New(name, opts.Breaker)
		if opts.OnStateChange != nil {
			cb.OnStateChange(opts.OnStateChange)
		}
		sinks = append(sinks, Guard(s, cb))
	}
	if errs != nil {
		opts.Logger.Warn("skipped notification providers", slog.String("error", errs.Error()))
	}
	return sinks, errs
}

type guarded struct {
	alert.Sink
	cb *breaker.CircuitBreaker
}

// Guard wraps s so that repeated failures open cb and later sends fail fast.
func Guard(s alert.Sink, cb *breaker.CircuitBreaker) alert.Sink {
	return &guarded{Sink: s, cb: cb}
}

func (g *guarded) Send(ctx context.Context, ev alert.Event) error {
	return g.cb.Do(ctx, func(ctx context.Context) error {
		return g.Sink.Send(ctx, ev)
	})
}

// requireKeys checks that every key is present and non-empty in cfg.
func requireKeys(cfg map[string]string, keys ...string) error {
	var errs error
	for _, k := range keys {
		if strings.TrimSpace(cfg[k]) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%w: %s", ErrMissingKey, k))
		}
	}
	return errs
}

func value(cfg map[string]string, key, def string) string {
	if v := cfg[key]; v != "" {
		return v
	}
	return def
}

// metadata returns the event metadata as sorted key/value pairs.
func metadata(ev alert.Event) [][2]string {
	keys := make([]string, 0, len(ev.Metadata))
	for k := range ev.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, fmt.Sprint(ev.Metadata[k])})
	}
	return out
}
