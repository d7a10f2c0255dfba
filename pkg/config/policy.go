// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway policy file and keeps the current
// snapshot of it, reloading on change.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/absmach/meshgate/pkg/acl"
	"github.com/absmach/meshgate/pkg/alert"
	"github.com/absmach/meshgate/pkg/mesh"
	"github.com/absmach/meshgate/pkg/topic"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	defaultPositionTimeout  = 30
	fallbackPositionTimeout = 720
	redacted                = "********"
)

// Policy is the policy file as written by operators.
type Policy struct {
	Users                     []acl.User   `yaml:"users"                               json:"users"                               validate:"dive"`
	Roles                     []acl.Role   `yaml:"roles,omitempty"                     json:"roles,omitempty"                     validate:"dive"`
	Groups                    []acl.Group  `yaml:"groups,omitempty"                    json:"groups,omitempty"                    validate:"dive"`
	EncryptionKeys            []string     `yaml:"encryptionKeys"                      json:"encryptionKeys"`
	Banlist                   []string     `yaml:"banlist,omitempty"                   json:"banlist,omitempty"`
	PositionAppTimeoutMinutes *int         `yaml:"positionAppTimeoutMinutes,omitempty" json:"positionAppTimeoutMinutes,omitempty"`
	NodeInactivityMinutes     int          `yaml:"nodeInactivityMinutes,omitempty"     json:"nodeInactivityMinutes,omitempty"     validate:"min=0"`
	Alerting                  alert.Config `yaml:"alerting"                            json:"alerting"`
}

// Snapshot is one immutable, validated version of the policy.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Policy   *Policy
	Keys     []mesh.Key
	// PositionTimeout is the minimum gap between accepted position updates.
	PositionTimeout time.Duration
	// NodeInactivity marks nodes inactive after this long. Zero disables it.
	NodeInactivity time.Duration

	users  map[string]*acl.User
	tables *acl.Tables
}

// User returns the user named name.
func (s *Snapshot) User(name string) (*acl.User, bool) {
	u, ok := s.users[name]
	return u, ok
}

// Directory resolves role and group names for the resolver.
func (s *Snapshot) Directory() acl.Directory {
	return s.tables
}

// Parse decodes a policy. JSON is used for the json format, YAML otherwise.
func Parse(b []byte, format string) (*Policy, error) {
	p := &Policy{Alerting: alert.DefaultConfig()}
	if format == "json" {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		return p, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

// FormatOf picks the decoder for path by extension.
func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

var validate = validator.New()

// Validate checks struct constraints and cross references. All problems
// are reported together.
func (p *Policy) Validate() error {
	var errs error
	if err := validate.Struct(p); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = multierror.Append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	users := map[string]struct{}{}
	for _, u := range p.Users {
		if _, dup := users[u.UserName]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate user %q", u.UserName))
		}
		users[u.UserName] = struct{}{}
		errs = checkPermissions(errs, "user "+u.UserName, u.TopicPermissions)
		errs = checkLists(errs, "user "+u.UserName, u.Publish, u.Subscribe)
	}
	roles := map[string]struct{}{}
	for _, r := range p.Roles {
		if _, dup := roles[r.Name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate role %q", r.Name))
		}
		roles[r.Name] = struct{}{}
		errs = checkPermissions(errs, "role "+r.Name, r.TopicPermissions)
	}
	groups := map[string]struct{}{}
	for _, g := range p.Groups {
		if _, dup := groups[g.Name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate group %q", g.Name))
		}
		groups[g.Name] = struct{}{}
		errs = checkLists(errs, "group "+g.Name, g.Publish, g.Subscribe)
	}

	for i, k := range p.EncryptionKeys {
		if _, err := mesh.ParseKey(k); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("encryptionKeys[%d]: %w", i, err))
		}
	}
	return errs
}

func checkPermissions(errs error, owner string, perms []acl.TopicPermission) error {
	for _, tp := range perms {
		if !topic.Valid(tp.TopicPattern) {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid topic pattern %q", owner, tp.TopicPattern))
		}
	}
	return errs
}

func checkLists(errs error, owner string, lists ...acl.TopicLists) error {
	for _, l := range lists {
		for _, pattern := range append(append([]string{}, l.Whitelist...), l.Blacklist...) {
			if !topic.Valid(pattern) {
				errs = multierror.Append(errs, fmt.Errorf("%s: invalid topic pattern %q", owner, pattern))
			}
		}
	}
	return errs
}

// Compile validates p and builds a snapshot from it.
func Compile(p *Policy, version uint64, now time.Time) (*Snapshot, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	keys, err := mesh.ParseKeys(p.EncryptionKeys)
	if err != nil {
		return nil, err
	}

	timeout := defaultPositionTimeout
	if p.PositionAppTimeoutMinutes != nil {
		timeout = *p.PositionAppTimeoutMinutes
	}
	if timeout <= 0 {
		timeout = fallbackPositionTimeout
	}

	users := make(map[string]*acl.User, len(p.Users))
	for i := range p.Users {
		users[p.Users[i].UserName] = &p.Users[i]
	}

	return &Snapshot{
		Version:         version,
		LoadedAt:        now,
		Policy:          p,
		Keys:            keys,
		PositionTimeout: time.Duration(timeout) * time.Minute,
		NodeInactivity:  time.Duration(p.NodeInactivityMinutes) * time.Minute,
		users:           users,
		tables:          acl.NewTables(p.Roles, p.Groups),
	}, nil
}

var secretKeys = map[string]bool{
	"password":   true,
	"bottoken":   true,
	"webhookurl": true,
}

// Redacted returns a deep enough copy of p with passwords, keys and provider
// secrets masked.
func (p *Policy) Redacted() *Policy {
	out := *p
	out.Users = make([]acl.User, len(p.Users))
	for i, u := range p.Users {
		if u.Password != "" {
			u.Password = redacted
		}
		out.Users[i] = u
	}
	out.EncryptionKeys = make([]string, len(p.EncryptionKeys))
	for i, k := range p.EncryptionKeys {
		out.EncryptionKeys[i] = "..." + lastN(k, 4)
	}
	out.Alerting.Providers = make([]alert.Provider, len(p.Alerting.Providers))
	for i, pr := range p.Alerting.Providers {
		cfg := make(map[string]string, len(pr.Config))
		for k, v := range pr.Config {
			if secretKeys[strings.ToLower(k)] && v != "" {
				v = redacted
			}
			cfg[k] = v
		}
		pr.Config = cfg
		out.Alerting.Providers[i] = pr
	}
	return &out
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
