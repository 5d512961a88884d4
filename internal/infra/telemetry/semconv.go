package telemetry

import (
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for convolog telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrBackend labels metrics with the store adapter variant (postgres, sqlite).
	AttrBackend = attribute.Key("store.backend")
	// AttrResult records the outcome of an operation (success, fallback, dropped, ...).
	AttrResult = attribute.Key("result")
	// AttrTrigger differentiates what initiated a flush (threshold, interval, close, manual).
	AttrTrigger = attribute.Key("flush.trigger")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultFallback = "fallback"
	ResultDropped  = "dropped"
	ResultError    = "error"
)

var (
	envMu       sync.RWMutex
	environment = "dev"
)

// SetEnvironment records the deployment environment stamped onto every metric.
func SetEnvironment(env string) {
	trimmed := strings.TrimSpace(env)
	if trimmed == "" {
		return
	}
	envMu.Lock()
	environment = trimmed
	envMu.Unlock()
}

// Environment returns the configured deployment environment.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	return environment
}
