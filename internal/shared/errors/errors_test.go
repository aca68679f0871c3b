package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestOperationError(t *testing.T) {
	tests := []struct {
		name     string
		err      *OperationError
		expected string
	}{
		{
			name: "full error",
			err: &OperationError{
				Operation: "connect to database",
				Component: "postgres",
				Resource:  "user_table",
				Cause:     fmt.Errorf("connection timeout"),
			},
			expected: "failed to connect to database, component: postgres, resource: user_table, cause: connection timeout",
		},
		{
			name: "minimal error",
			err: &OperationError{
				Operation: "parse config",
				Cause:     fmt.Errorf("invalid yaml"),
			},
			expected: "failed to parse config, cause: invalid yaml",
		},
		{
			name: "no cause",
			err: &OperationError{
				Operation: "validate input",
				Component: "validator",
			},
			expected: "failed to validate input, component: validator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("OperationError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestOperationError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &OperationError{Operation: "test", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	errNoCause := &OperationError{Operation: "test"}
	if unwrapped := errNoCause.Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() with no cause = %v, want nil", unwrapped)
	}
}

func TestFailedTo(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		cause    error
		expected string
	}{
		{"with cause", "connect to database", fmt.Errorf("connection refused"), "failed to connect to database: connection refused"},
		{"without cause", "start server", nil, "failed to start server"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FailedTo(tt.action, tt.cause)
			if err.Error() != tt.expected {
				t.Errorf("FailedTo() = %q, want %q", err.Error(), tt.expected)
			}
		})
	}
}

func TestFailedToWithDetails(t *testing.T) {
	cause := fmt.Errorf("timeout")
	err := FailedToWithDetails("query users", "database", "users_table", cause)

	opErr, ok := err.(*OperationError)
	if !ok {
		t.Fatalf("expected *OperationError, got %T", err)
	}
	if opErr.Operation != "query users" || opErr.Component != "database" || opErr.Resource != "users_table" || opErr.Cause != cause {
		t.Errorf("unexpected OperationError fields: %+v", opErr)
	}
}

func TestWrapf(t *testing.T) {
	if got := Wrapf(nil, "should not wrap"); got != nil {
		t.Errorf("Wrapf(nil, ...) = %v, want nil", got)
	}
	got := Wrapf(fmt.Errorf("original error"), "additional context: %s", "test")
	want := "additional context: test: original error"
	if got.Error() != want {
		t.Errorf("Wrapf() = %q, want %q", got.Error(), want)
	}
}

func TestDatabaseError(t *testing.T) {
	err := DatabaseError("insert record", fmt.Errorf("connection lost"))
	if !strings.Contains(err.Error(), "failed to insert record") || !strings.Contains(err.Error(), "database") {
		t.Errorf("unexpected DatabaseError message: %q", err.Error())
	}
}

func TestNetworkError(t *testing.T) {
	err := NetworkError("connect", "https://api.example.com", fmt.Errorf("timeout"))
	for _, want := range []string{"failed to connect", "network", "https://api.example.com"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("NetworkError() = %q, missing %q", err.Error(), want)
		}
	}
}

func TestValidationAndConfigurationAndTimeout(t *testing.T) {
	if got, want := ValidationError("email", "invalid format").Error(), "validation failed for field email: invalid format"; got != want {
		t.Errorf("ValidationError() = %q, want %q", got, want)
	}
	if got, want := ConfigurationError("database.host", "value is required").Error(), "configuration error for setting database.host: value is required"; got != want {
		t.Errorf("ConfigurationError() = %q, want %q", got, want)
	}
	if got, want := TimeoutError("waiting for response", "30s").Error(), "timeout while waiting for response after 30s"; got != want {
		t.Errorf("TimeoutError() = %q, want %q", got, want)
	}
}

func TestAuthenticationAndAuthorization(t *testing.T) {
	if got, want := AuthenticationError("invalid credentials").Error(), "authentication failed: invalid credentials"; got != want {
		t.Errorf("AuthenticationError() = %q, want %q", got, want)
	}
	if got, want := AuthorizationError("delete", "user records").Error(), "authorization failed: insufficient permissions to delete user records"; got != want {
		t.Errorf("AuthorizationError() = %q, want %q", got, want)
	}
}

func TestParseError(t *testing.T) {
	err := ParseError("config file", "YAML", fmt.Errorf("unexpected character"))
	if !strings.Contains(err.Error(), "parse config file as YAML") {
		t.Errorf("ParseError() = %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"timeout error", fmt.Errorf("request timeout"), true},
		{"connection refused", fmt.Errorf("connection refused by server"), true},
		{"service unavailable", fmt.Errorf("service unavailable"), true},
		{"permanent error", fmt.Errorf("invalid syntax"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestChain(t *testing.T) {
	if got := Chain(nil, nil); got != nil {
		t.Errorf("Chain() = %v, want nil", got)
	}
	if got, want := Chain(fmt.Errorf("single error"), nil).Error(), "single error"; got != want {
		t.Errorf("Chain() = %q, want %q", got, want)
	}
	got := Chain(fmt.Errorf("error 1"), fmt.Errorf("error 2"), nil, fmt.Errorf("error 3")).Error()
	want := "multiple errors: error 1; error 2; error 3"
	if got != want {
		t.Errorf("Chain() = %q, want %q", got, want)
	}
}

func TestKindError(t *testing.T) {
	err := New(KindConstitutionalMismatch, fmt.Errorf("tag mismatch"))
	if err.Error() != "ConstitutionalMismatch: tag mismatch" {
		t.Errorf("KindError.Error() = %q", err.Error())
	}
	kind, ok := As(err)
	if !ok || kind != KindConstitutionalMismatch {
		t.Errorf("As() = %v, %v", kind, ok)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if kind, ok := As(wrapped); !ok || kind != KindConstitutionalMismatch {
		t.Errorf("As() on a %%w-wrapped KindError = %v, %v, want %v, true", kind, ok, KindConstitutionalMismatch)
	}
}
