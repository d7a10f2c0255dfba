// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topic implements MQTT topic filter matching and the specificity
// score used to rank competing filters.
package topic

import "strings"

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// Matches reports whether the MQTT filter pattern matches topic.
//
// "+" consumes exactly one topic level. "#" must be the last pattern level
// and consumes one or more remaining levels, so "a/#" matches "a/b" but not
// "a". Empty patterns and topics never match.
func Matches(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == topic {
		return true
	}

	ps := strings.Split(pattern, separator)
	ts := strings.Split(topic, separator)

	for i, p := range ps {
		if p == multiLevel {
			// "#" anywhere but last is malformed.
			return i == len(ps)-1 && len(ts) > i
		}
		if i >= len(ts) {
			return false
		}
		if p != singleLevel && p != ts[i] {
			return false
		}
	}

	return len(ps) == len(ts)
}

// Specificity scores a filter: 100 per level, minus 10 per "+" and 50 per "#".
// Higher is more specific.
func Specificity(pattern string) int {
	if pattern == "" {
		return 0
	}
	score := 0
	for _, p := range strings.Split(pattern, separator) {
		score += 100
		switch p {
		case singleLevel:
			score -= 10
		case multiLevel:
			score -= 50
		}
	}
	return score
}

// Valid reports whether pattern is a well-formed filter: non-empty, with
// wildcards occupying whole levels and "#" only in the last level.
func Valid(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, separator)
	for i, l := range levels {
		if strings.Contains(l, multiLevel) && (l != multiLevel || i != len(levels)-1) {
			return false
		}
		if strings.Contains(l, singleLevel) && l != singleLevel {
			return false
		}
	}
	return true
}

// LastLevel returns the final level of topic. It returns "" for topics that
// are empty or end with a separator.
func LastLevel(topic string) string {
	if i := strings.LastIndex(topic, separator); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
