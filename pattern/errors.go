// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed pattern configuration, rejected
// at registration before any state changes. Callers can use errors.As
// to extract the field that failed:
//
//	var validationErr *ValidationError
//	if errors.As(err, &validationErr) { ... }
type ValidationError struct {
	// Field is the configuration field that failed ("type",
	// "pattern", "matcher").
	Field string
	// Detail is the human-readable description of the failure.
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pattern: invalid %s: %s", e.Field, e.Detail)
}

// NotFoundError reports an operation against a pattern id that is not
// registered.
type NotFoundError struct {
	PatternID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pattern: %s not registered", e.PatternID)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}
