// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrImage   = "image"
	attrSuccess = "success"
	attrState   = "state"
	attrOp      = "op"
	attrCache   = "cache"
	attrResult  = "result"
	attrGroup   = "group"
	attrSweep   = "sweep"
	attrTask    = "task"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/executions/abc123 -> /v1/executions/{id}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func imageAttr(image string) attribute.KeyValue {
	return attribute.String(attrImage, image)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func cacheAttr(cache string) attribute.KeyValue {
	return attribute.String(attrCache, cache)
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String(attrResult, result)
}

func groupAttr(group string) attribute.KeyValue {
	return attribute.String(attrGroup, group)
}

func sweepAttr(sweep string) attribute.KeyValue {
	return attribute.String(attrSweep, sweep)
}

func taskAttr(task string) attribute.KeyValue {
	return attribute.String(attrTask, task)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	routes := []struct {
		prefix string
		suffix string
		route  string
	}{
		{"/internal/executions/", "/exit", "/internal/executions/{id}/exit"},
		{"/v1/executions/", "", "/v1/executions/{id}"},
		{"/v1/stats/", "", "/v1/stats/{key}"},
	}
	for _, r := range routes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || rest == "" {
			continue
		}
		if r.suffix != "" && !strings.HasSuffix(rest, r.suffix) {
			continue
		}
		return r.route
	}
	return path
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithImage returns a metric option with the image attribute.
func WithImage(image string) metric.MeasurementOption {
	return metric.WithAttributes(imageAttr(image))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}
