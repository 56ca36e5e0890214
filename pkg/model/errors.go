// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for the transport layer. HTTP status
// translation happens outside the core.
type ErrorKind string

const (
	ErrInvalidRequest             ErrorKind = "INVALID_REQUEST"
	ErrNotFound                   ErrorKind = "NOT_FOUND"
	ErrValidation                 ErrorKind = "VALIDATION"
	ErrRuleViolation              ErrorKind = "RULE_VIOLATION"
	ErrToolFailed                 ErrorKind = "TOOL_FAILED"
	ErrLLMUnavailable             ErrorKind = "LLM_UNAVAILABLE"
	ErrRateLimit                  ErrorKind = "RATE_LIMIT"
	ErrConflict                   ErrorKind = "CONFLICT"
	ErrMigrationPlanNotFound      ErrorKind = "MIGRATION_PLAN_NOT_FOUND"
	ErrMigrationInvalidTransition ErrorKind = "MIGRATION_INVALID_TRANSITION"
	ErrMigrationJobNotFound       ErrorKind = "MIGRATION_JOB_NOT_FOUND"
	ErrInternal                   ErrorKind = "INTERNAL"
)

// Error is the typed error surfaced at the engine boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from an error chain; unclassified errors
// report ErrInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NotFound is shorthand for the common lookup failure.
func NotFound(entity, id string) *Error {
	return NewError(ErrNotFound, "%s %q not found", entity, id)
}
