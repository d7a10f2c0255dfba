// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Permission is a bitset of topic access rights.
type Permission uint8

const (
	None      Permission = 0
	Read      Permission = 1
	Write     Permission = 2
	ReadWrite Permission = Read | Write
	Admin     Permission = ReadWrite | 4
)

// Includes reports whether p grants every bit of kind.
func (p Permission) Includes(kind Permission) bool {
	return kind != None && p&kind == kind
}

func (p Permission) String() string {
	switch p {
	case None:
		return "None"
	case Read:
		return "Read"
	case Write:
		return "Write"
	case ReadWrite:
		return "ReadWrite"
	case Admin:
		return "Admin"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePermission accepts a permission name (case-insensitive) or its numeric value.
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return None, nil
	case "read", "subscribe":
		return Read, nil
	case "write", "publish":
		return Write, nil
	case "readwrite":
		return ReadWrite, nil
	case "admin":
		return Admin, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(Admin) {
		return None, fmt.Errorf("invalid permission %q", s)
	}
	return Permission(n), nil
}

// UnmarshalYAML decodes a permission from a name or a number.
func (p *Permission) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParsePermission(value.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalJSON encodes the permission as its name.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a permission from a name or a number.
func (p *Permission) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid permission %s", b)
		}
		s = strconv.Itoa(n)
	}
	v, err := ParsePermission(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TimeRange is an inclusive range of UTC hours. A range whose end is before
// its start wraps past midnight.
type TimeRange struct {
	StartHour int `yaml:"startHour" json:"startHour" validate:"min=0,max=23"`
	EndHour   int `yaml:"endHour"   json:"endHour"   validate:"min=0,max=23"`
}

func (r TimeRange) contains(hour int) bool {
	if r.StartHour <= r.EndHour {
		return hour >= r.StartHour && hour <= r.EndHour
	}
	return hour >= r.StartHour || hour <= r.EndHour
}

// TimeRestriction limits when a permission applies. Unset fields impose no
// restriction. All times are evaluated in UTC.
type TimeRestriction struct {
	StartTime         *time.Time  `yaml:"startTime,omitempty"         json:"startTime,omitempty"`
	EndTime           *time.Time  `yaml:"endTime,omitempty"           json:"endTime,omitempty"`
	AllowedDaysOfWeek []int       `yaml:"allowedDaysOfWeek,omitempty" json:"allowedDaysOfWeek,omitempty" validate:"dive,min=0,max=6"`
	AllowedHours      []TimeRange `yaml:"allowedHours,omitempty"      json:"allowedHours,omitempty"      validate:"dive"`
}

// Allows reports whether now satisfies every configured condition.
func (tr *TimeRestriction) Allows(now time.Time) bool {
	if tr == nil {
		return true
	}
	now = now.UTC()
	if tr.StartTime != nil && now.Before(*tr.StartTime) {
		return false
	}
	if tr.EndTime != nil && now.After(*tr.EndTime) {
		return false
	}
	if len(tr.AllowedDaysOfWeek) > 0 {
		day := int(now.Weekday())
		found := false
		for _, d := range tr.AllowedDaysOfWeek {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(tr.AllowedHours) > 0 {
		hour := now.Hour()
		for _, r := range tr.AllowedHours {
			if r.contains(hour) {
				return true
			}
		}
		return false
	}
	return true
}

// TopicPermission grants a permission on every topic matching TopicPattern.
type TopicPermission struct {
	TopicPattern    string           `yaml:"topicPattern"              json:"topicPattern"              validate:"required"`
	Permission      Permission       `yaml:"permission"                json:"permission"`
	Priority        int              `yaml:"priority"                  json:"priority"`
	TimeRestriction *TimeRestriction `yaml:"timeRestriction,omitempty" json:"timeRestriction,omitempty"`
}

// TopicLists is a legacy whitelist/blacklist pair of topic filters.
type TopicLists struct {
	Whitelist []string `yaml:"whitelistTopics,omitempty" json:"whitelistTopics,omitempty"`
	Blacklist []string `yaml:"blacklistTopics,omitempty" json:"blacklistTopics,omitempty"`
}

// Allows applies the legacy list semantics: an empty whitelist admits every
// topic, and any blacklist match denies.
func (l TopicLists) Allows(topic string, match func(pattern, topic string) bool) bool {
	if len(l.Whitelist) > 0 {
		found := false
		for _, p := range l.Whitelist {
			if match(p, topic) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, p := range l.Blacklist {
		if match(p, topic) {
			return false
		}
	}
	return true
}

// User is an MQTT account.
type User struct {
	UserName         string            `yaml:"userName"                    json:"userName"                    validate:"required"`
	Password         string            `yaml:"password"                    json:"password,omitempty"`
	ClientID         string            `yaml:"clientId,omitempty"          json:"clientId,omitempty"`
	ClientIDPrefix   string            `yaml:"clientIdPrefix,omitempty"    json:"clientIdPrefix,omitempty"`
	ValidateClientID bool              `yaml:"validateClientId"            json:"validateClientId"`
	Roles            []string          `yaml:"roles,omitempty"             json:"roles,omitempty"`
	Groups           []string          `yaml:"groups,omitempty"            json:"groups,omitempty"`
	TopicPermissions []TopicPermission `yaml:"topicPermissions,omitempty"  json:"topicPermissions,omitempty"  validate:"dive"`
	Publish          TopicLists        `yaml:"publishTopicLists,omitempty" json:"publishTopicLists,omitempty"`
	Subscribe        TopicLists        `yaml:"subscriptionTopicLists,omitempty" json:"subscriptionTopicLists,omitempty"`
}

// legacy reports whether the user relies only on its own topic lists.
func (u *User) legacy() bool {
	return len(u.Roles) == 0 && len(u.Groups) == 0 && len(u.TopicPermissions) == 0
}

// Role is a named set of topic permissions that may inherit other roles.
type Role struct {
	Name             string            `yaml:"name"                   json:"name"                   validate:"required"`
	Description      string            `yaml:"description,omitempty"  json:"description,omitempty"`
	Enabled          *bool             `yaml:"enabled,omitempty"      json:"enabled,omitempty"`
	TopicPermissions []TopicPermission `yaml:"topicPermissions"       json:"topicPermissions"       validate:"dive"`
	InheritsFrom     []string          `yaml:"inheritsFrom,omitempty" json:"inheritsFrom,omitempty"`
}

// IsEnabled defaults to true when unset.
func (r Role) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Group carries legacy topic lists and may inherit other groups.
type Group struct {
	Name         string     `yaml:"name"                             json:"name"                   validate:"required"`
	Description  string     `yaml:"description,omitempty"            json:"description,omitempty"`
	Enabled      *bool      `yaml:"enabled,omitempty"                json:"enabled,omitempty"`
	Publish      TopicLists `yaml:"publishTopicLists,omitempty"      json:"publishTopicLists,omitempty"`
	Subscribe    TopicLists `yaml:"subscriptionTopicLists,omitempty" json:"subscriptionTopicLists,omitempty"`
	InheritsFrom []string   `yaml:"inheritsFrom,omitempty"           json:"inheritsFrom,omitempty"`
}

// IsEnabled defaults to true when unset.
func (g Group) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Directory is the name-keyed view of roles and groups a resolution walks.
type Directory interface {
	Role(name string) (Role, bool)
	Group(name string) (Group, bool)
}

// Tables is a map-backed Directory.
type Tables struct {
	Roles  map[string]Role
	Groups map[string]Group
}

var _ Directory = (*Tables)(nil)

// NewTables indexes roles and groups by name. Later duplicates win.
func NewTables(roles []Role, groups []Group) *Tables {
	t := &Tables{
		Roles:  make(map[string]Role, len(roles)),
		Groups: make(map[string]Group, len(groups)),
	}
	for _, r := range roles {
		t.Roles[r.Name] = r
	}
	for _, g := range groups {
		t.Groups[g.Name] = g
	}
	return t
}

func (t *Tables) Role(name string) (Role, bool) {
	r, ok := t.Roles[name]
	return r, ok
}

func (t *Tables) Group(name string) (Group, bool) {
	g, ok := t.Groups[name]
	return g, ok
}
