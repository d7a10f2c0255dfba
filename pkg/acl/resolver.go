// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"time"

	"github.com/absmach/meshgate/pkg/topic"
)

const (
	// UserPriorityOffset lifts user-level permissions above anything inherited.
	UserPriorityOffset = 1000

	whitelistPriority = 100
	blacklistPriority = 200
)

// Source identifies where an effective permission came from.
type Source string

const (
	SourceRole   Source = "role"
	SourceGroup  Source = "group"
	SourceUser   Source = "user"
	SourceLegacy Source = "legacy"
)

// Effective is a permission collected during resolution, with the priority
// adjustments already applied.
type Effective struct {
	TopicPermission
	Source Source
	Origin string
}

// Decision is the outcome of a resolution.
type Decision struct {
	Allowed bool
	// Winner is nil when nothing matched or legacy lists decided.
	Winner *Effective
	Reason string
}

// Resolver evaluates topic access for users against a Directory.
type Resolver struct {
	now func() time.Time
}

// NewResolver returns a resolver that reads time from now. A nil now uses time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// HasPermission reports whether user may perform kind (Read or Write) on topicName.
func (r *Resolver) HasPermission(user *User, topicName string, kind Permission, dir Directory) bool {
	return r.Resolve(user, topicName, kind, dir).Allowed
}

// Resolve is HasPermission with the reasoning attached.
func (r *Resolver) Resolve(user *User, topicName string, kind Permission, dir Directory) Decision {
	if user == nil {
		return Decision{Reason: "no user"}
	}

	if user.legacy() {
		lists := user.Subscribe
		if kind == Write {
			lists = user.Publish
		}
		if lists.Allows(topicName, topic.Matches) {
			return Decision{Allowed: true, Reason: "legacy lists allow"}
		}
		return Decision{Reason: "legacy lists deny"}
	}

	var winner *Effective
	best := 0
	for _, e := range Collect(user, kind, dir) {
		if !topic.Matches(e.TopicPattern, topicName) {
			continue
		}
		spec := topic.Specificity(e.TopicPattern)
		if winner == nil || e.Priority > winner.Priority || (e.Priority == winner.Priority && spec > best) {
			winner = &e
			best = spec
		}
	}

	if winner == nil {
		return Decision{Reason: "no matching permission"}
	}
	if !winner.TimeRestriction.Allows(r.now()) {
		return Decision{Winner: winner, Reason: "outside time restriction"}
	}
	if !winner.Permission.Includes(kind) {
		return Decision{Winner: winner, Reason: "permission " + winner.Permission.String() + " lacks " + kind.String()}
	}
	return Decision{Allowed: true, Winner: winner, Reason: "granted by " + string(winner.Source) + " " + winner.Origin}
}

// Collect returns the effective permissions of user for kind: role-derived
// first, then group-derived, then the user's own with UserPriorityOffset added.
// Each role and group contributes at most once, so inheritance cycles terminate.
func Collect(user *User, kind Permission, dir Directory) []Effective {
	var out []Effective

	visited := make(map[string]struct{})
	for _, name := range user.Roles {
		out = walkRole(name, dir, visited, out)
	}

	visited = make(map[string]struct{})
	for _, name := range user.Groups {
		out = walkGroup(name, kind, dir, visited, out)
	}

	for _, tp := range user.TopicPermissions {
		tp.Priority += UserPriorityOffset
		out = append(out, Effective{TopicPermission: tp, Source: SourceUser, Origin: user.UserName})
	}

	return out
}

func walkRole(name string, dir Directory, visited map[string]struct{}, out []Effective) []Effective {
	// Iterative DFS keeps deep chains off the call stack.
	stack := []string{name}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[n]; seen {
			continue
		}
		visited[n] = struct{}{}

		role, ok := dir.Role(n)
		if !ok || !role.IsEnabled() {
			continue
		}
		for _, tp := range role.TopicPermissions {
			out = append(out, Effective{TopicPermission: tp, Source: SourceRole, Origin: role.Name})
		}
		for i := len(role.InheritsFrom) - 1; i >= 0; i-- {
			stack = append(stack, role.InheritsFrom[i])
		}
	}
	return out
}

func walkGroup(name string, kind Permission, dir Directory, visited map[string]struct{}, out []Effective) []Effective {
	stack := []string{name}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[n]; seen {
			continue
		}
		visited[n] = struct{}{}

		group, ok := dir.Group(n)
		if !ok || !group.IsEnabled() {
			continue
		}
		lists := group.Subscribe
		if kind == Write {
			lists = group.Publish
		}
		for _, p := range lists.Whitelist {
			out = append(out, Effective{
				TopicPermission: TopicPermission{TopicPattern: p, Permission: kind, Priority: whitelistPriority},
				Source:          SourceGroup,
				Origin:          group.Name,
			})
		}
		for _, p := range lists.Blacklist {
			out = append(out, Effective{
				TopicPermission: TopicPermission{TopicPattern: p, Permission: None, Priority: blacklistPriority},
				Source:          SourceGroup,
				Origin:          group.Name,
			})
		}
		for i := len(group.InheritsFrom) - 1; i >= 0; i-- {
			stack = append(stack, group.InheritsFrom[i])
		}
	}
	return out
}
