package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestStandardFields_Component(t *testing.T) {
	fields := NewFields().Component("test-component")
	if fields["component"] != "test-component" {
		t.Errorf("Component() = %v", fields["component"])
	}
}

func TestStandardFields_Resource(t *testing.T) {
	fields := NewFields().Resource("pod", "my-pod")
	if fields["resource_type"] != "pod" || fields["resource_name"] != "my-pod" {
		t.Errorf("Resource() = %v", fields)
	}
}

func TestStandardFields_ResourceWithoutName(t *testing.T) {
	fields := NewFields().Resource("pod", "")
	if _, exists := fields["resource_name"]; exists {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestStandardFields_Duration(t *testing.T) {
	fields := NewFields().Duration(150 * time.Millisecond)
	if fields["duration_ms"] != int64(150) {
		t.Errorf("Duration() = %v", fields["duration_ms"])
	}
}

func TestStandardFields_ErrorNilAndSet(t *testing.T) {
	if _, exists := NewFields().Error(nil)["error"]; exists {
		t.Error("Error(nil) should not set error field")
	}
	fields := NewFields().Error(errors.New("test error"))
	if fields["error"] != "test error" {
		t.Errorf("Error() = %v", fields["error"])
	}
}

func TestStandardFields_UserIDEmpty(t *testing.T) {
	if _, exists := NewFields().UserID("")["user_id"]; exists {
		t.Error("UserID(\"\") should not set user_id field")
	}
	if fields := NewFields().UserID("user-123"); fields["user_id"] != "user-123" {
		t.Errorf("UserID() = %v", fields["user_id"])
	}
}

func TestStandardFields_ConstitutionalID(t *testing.T) {
	fields := NewFields().ConstitutionalID("abc123ef01234567")
	if fields["constitutional_id"] != "abc123ef01234567" {
		t.Errorf("ConstitutionalID() = %v", fields["constitutional_id"])
	}
	if _, exists := NewFields().ConstitutionalID("")["constitutional_id"]; exists {
		t.Error("ConstitutionalID(\"\") should not set the field")
	}
}

func TestStandardFields_ChainedCalls(t *testing.T) {
	fields := NewFields().
		Component("test").
		Operation("create").
		Resource("pod", "test-pod").
		Duration(100 * time.Millisecond).
		Count(5)

	expected := map[string]interface{}{
		"component":     "test",
		"operation":     "create",
		"resource_type": "pod",
		"resource_name": "test-pod",
		"duration_ms":   int64(100),
		"count":         5,
	}
	for key, want := range expected {
		if fields[key] != want {
			t.Errorf("Chained calls: %s = %v, want %v", key, fields[key], want)
		}
	}
}

func TestStandardFields_ToLogrusAndToZap(t *testing.T) {
	fields := NewFields().Component("test").Operation("create")

	logrusFields := fields.ToLogrus()
	if logrusFields["component"] != "test" || logrusFields["operation"] != "create" {
		t.Errorf("ToLogrus() = %v", logrusFields)
	}

	zapFields := fields.ToZap()
	if len(zapFields) != len(fields) {
		t.Errorf("ToZap() length = %d, want %d", len(zapFields), len(fields))
	}
}

func TestDatabaseFields(t *testing.T) {
	fields := DatabaseFields("insert", "users")
	expected := map[string]interface{}{"component": "database", "operation": "insert", "resource_type": "table", "resource_name": "users"}
	for k, v := range expected {
		if fields[k] != v {
			t.Errorf("DatabaseFields() %s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestHTTPFields(t *testing.T) {
	fields := HTTPFields("POST", "/api/users", 201)
	expected := map[string]interface{}{"component": "http", "method": "POST", "url": "/api/users", "status_code": 201}
	for k, v := range expected {
		if fields[k] != v {
			t.Errorf("HTTPFields() %s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestKubernetesFieldsWithoutNamespace(t *testing.T) {
	fields := KubernetesFields("create", "pod", "test-pod", "")
	if _, exists := fields["namespace"]; exists {
		t.Error("KubernetesFields() should not set namespace when empty")
	}
}

func TestAIFields(t *testing.T) {
	fields := AIFields("inference", "claude")
	if fields["component"] != "ai" || fields["model"] != "claude" {
		t.Errorf("AIFields() = %v", fields)
	}
}

func TestPerformanceFields(t *testing.T) {
	fields := PerformanceFields("query_database", 250*time.Millisecond, true)
	expected := map[string]interface{}{"component": "performance", "operation": "query_database", "duration_ms": int64(250), "success": true}
	for k, v := range expected {
		if fields[k] != v {
			t.Errorf("PerformanceFields() %s = %v, want %v", k, fields[k], v)
		}
	}
}
