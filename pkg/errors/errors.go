// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the filter reasons of the ingress pipeline and the
// structured error used to report them.
package errors

import (
	"errors"
	"fmt"
)

// Filter reasons. A publish failing with one of these is dropped silently.
var (
	// ErrUnauthorized indicates the session's user may not publish to the topic.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEmptyPayload indicates a publish without payload bytes.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrInvalidTopic indicates a topic with no usable node id segment.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrInvalidEnvelope indicates a payload that is not a valid service envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrUndecryptable indicates no configured key produced a usable payload.
	ErrUndecryptable = errors.New("undecryptable packet")

	// ErrBanned indicates the sending node is on the banlist.
	ErrBanned = errors.New("banned node")

	// ErrRejectedPosition indicates a stale or insignificant position update.
	ErrRejectedPosition = errors.New("rejected position update")
)

// Other pipeline conditions.
var (
	// ErrClosed indicates the pipeline no longer accepts calls.
	ErrClosed = errors.New("gateway closed")

	// ErrRateLimited indicates a connection attempt was throttled.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInternal indicates a recovered failure inside the pipeline.
	ErrInternal = errors.New("internal pipeline error")
)

var reasons = []struct {
	err   error
	label string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrEmptyPayload, "empty_payload"},
	{ErrInvalidTopic, "invalid_topic"},
	{ErrInvalidEnvelope, "invalid_envelope"},
	{ErrUndecryptable, "undecryptable"},
	{ErrBanned, "banned"},
	{ErrRejectedPosition, "rejected_position"},
	{ErrClosed, "closed"},
	{ErrRateLimited, "rate_limited"},
	{ErrInternal, "internal"},
}

// Reason maps err to a stable label for metrics. Unknown errors map to "other".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "other"
}

// IsFiltered reports whether err is one of the filter reasons.
func IsFiltered(err error) bool {
	for _, r := range reasons[:7] {
		if errors.Is(err, r.err) {
			return true
		}
	}
	return false
}

// PipelineError wraps an error with the publish it concerns.
type PipelineError struct {
	Op       string // Pipeline step that failed
	ClientID string // MQTT client identifier
	Topic    string // Publish topic
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.ClientID, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Topic, e.Err)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New creates a new PipelineError.
func New(op, clientID, topic string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{
		Op:       op,
		ClientID: clientID,
		Topic:    topic,
		Err:      err,
	}
}
