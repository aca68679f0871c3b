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

// Package logging provides a chained standard-field builder on top of
// zap, plus per-domain field constructors shared by every component.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is a chainable set of structured log fields.
type Fields map[string]interface{}

// NewFields returns an empty field set.
func NewFields() Fields { return Fields{} }

func (f Fields) Component(name string) Fields { f["component"] = name; return f }
func (f Fields) Operation(name string) Fields { f["operation"] = name; return f }

func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields { f["request_id"] = id; return f }
func (f Fields) TraceID(id string) Fields   { f["trace_id"] = id; return f }
func (f Fields) StatusCode(code int) Fields { f["status_code"] = code; return f }
func (f Fields) Method(m string) Fields     { f["method"] = m; return f }
func (f Fields) URL(u string) Fields        { f["url"] = u; return f }
func (f Fields) Count(n int) Fields         { f["count"] = n; return f }

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields { f["version"] = v; return f }

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ConstitutionalID tags the field set with the constitutional identifier,
// the one field every component is expected to attach to its log lines.
func (f Fields) ConstitutionalID(id string) Fields {
	if id != "" {
		f["constitutional_id"] = id
	}
	return f
}

// ToZap renders the field set as zap.Field values for structured logging.
func (f Fields) ToZap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// ToLogrus renders the field set as a map, the shape logrus.WithFields expects.
func (f Fields) ToLogrus() map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DatabaseFields is the standard field set for a database operation.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields is the standard field set for an HTTP request/response.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// WorkflowFields is the standard field set for a workflow/candidate operation.
func WorkflowFields(operation, workflowID string) Fields {
	return NewFields().Component("workflow").Operation(operation).Resource("workflow", workflowID)
}

// KubernetesFields is the standard field set for a Kubernetes API operation.
func KubernetesFields(operation, kind, name, namespace string) Fields {
	f := NewFields().Component("kubernetes").Operation(operation).Resource(kind, name)
	if namespace != "" {
		f["namespace"] = namespace
	}
	return f
}

// AIFields is the standard field set for a model-inference operation.
func AIFields(operation, model string) Fields {
	f := NewFields().Component("ai").Operation(operation)
	f["model"] = model
	return f
}

// MetricsFields is the standard field set for a metrics-recording operation.
func MetricsFields(operation, metricName string, value float64) Fields {
	f := NewFields().Component("metrics").Operation(operation)
	f["metric_name"] = metricName
	f["value"] = value
	return f
}

// SecurityFields is the standard field set for a security-sensitive operation.
func SecurityFields(operation, subject string) Fields {
	f := NewFields().Component("security").Operation(operation)
	f["subject"] = subject
	return f
}

// PerformanceFields is the standard field set for a timed operation.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	f := NewFields().Component("performance").Operation(operation).Duration(duration)
	f["success"] = success
	return f
}
