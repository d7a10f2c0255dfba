// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acl resolves topic permissions for MQTT users.
//
// # Model
//
// A User carries role names, group names and its own TopicPermissions. Roles
// hold TopicPermissions and may inherit other roles. Groups hold legacy
// whitelist/blacklist topic lists and may inherit other groups. Inheritance
// is looked up by name through a Directory and may contain cycles.
//
// # Resolution
//
// Users with no roles, groups or permissions fall back to their own legacy
// lists. Otherwise every permission reachable from the user is collected:
//
//   - role permissions, in inheritance order
//   - group lists, whitelist entries at priority 100 and blacklist entries as
//     None at priority 200
//   - the user's own permissions, with priority raised by 1000
//
// The matching permission with the highest priority wins, ties going to the
// more specific filter. A winner outside its TimeRestriction denies. Access
// is granted when the winner's bitset includes the requested kind.
package acl
