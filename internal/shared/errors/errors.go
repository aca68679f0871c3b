/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the shared error vocabulary used across every
// governance-runtime component, plus the typed error Kinds from spec §7
// that the orchestrator maps onto candidate-state transitions.
package errors

import (
	"fmt"
	"strings"
)

// Kind is the closed set of error kinds the orchestrator understands.
type Kind string

const (
	KindConstitutionalMismatch Kind = "ConstitutionalMismatch"
	KindCompilationError       Kind = "CompilationError"
	KindEvaluationError        Kind = "EvaluationError"
	KindVerificationTimeout    Kind = "VerificationTimeout"
	KindVerificationUnknown    Kind = "VerificationUnknown"
	KindEnsembleInsufficient   Kind = "EnsembleInsufficient"
	KindBiasThresholdExceeded  Kind = "BiasThresholdExceeded"
	KindSafetyViolation        Kind = "SafetyViolation"
	KindSandboxViolation       Kind = "SandboxViolation"
	KindAuditAppendFailure     Kind = "AuditAppendFailure"
	KindLogBroken              Kind = "LogBroken"
	KindResourceExhausted      Kind = "ResourceExhausted"
)

// KindError carries one of the closed Kinds alongside a human-readable cause.
type KindError struct {
	Kind  Kind
	Cause error
}

func (e *KindError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
}

func (e *KindError) Unwrap() error { return e.Cause }

// New wraps cause (which may be nil) under the given Kind.
func New(kind Kind, cause error) *KindError {
	return &KindError{Kind: kind, Cause: cause}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, format string, args ...interface{}) *KindError {
	return &KindError{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// As returns the Kind carried by err (or something it wraps) and whether
// one was found.
func As(err error) (Kind, bool) {
	var ke *KindError
	for err != nil {
		if k, ok := err.(*KindError); ok {
			ke = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ke == nil {
		return "", false
	}
	return ke.Kind, true
}

// OperationError is a structured "failed to X" error carrying optional
// component/resource context, mirroring the teacher's shared error shape.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error { return e.Cause }

// FailedTo builds the minimal "failed to <action>[: cause]" error.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds a full OperationError.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{Operation: operation, Component: component, Resource: resource, Cause: cause}
}

// Wrapf wraps err with a formatted prefix message, returning nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError is FailedToWithDetails scoped to the "database" component.
func DatabaseError(operation string, cause error) error {
	return FailedToWithDetails(operation, "database", "", cause)
}

// NetworkError is FailedToWithDetails scoped to the "network" component.
func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

// ValidationError reports a field-level validation failure.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports a configuration-setting failure.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports a timed-out operation.
func TimeoutError(operation, duration string) error {
	return fmt.Errorf("timeout while %s after %s", operation, duration)
}

// AuthenticationError reports an authentication failure.
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError reports an authorization failure.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// NotFound reports that a named resource does not exist.
func NotFound(resource, id string) error {
	return fmt.Errorf("%s not found: %s", resource, id)
}

// ParseError reports a parse failure for a named format.
func ParseError(subject, format string, cause error) error {
	return FailedTo(fmt.Sprintf("parse %s as %s", subject, format), cause)
}

// IsRetryable heuristically reports whether err looks transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "unavailable", "temporarily", "reset by peer"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Chain joins multiple non-nil errors into one, or returns nil if all are nil.
func Chain(errs ...error) error {
	var msgs []string
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", msgs[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
