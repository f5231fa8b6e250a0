package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for metrics collection.
type Config struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Registry is the Prometheus registry to use. If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace overrides the default "coreloop" namespace for metrics.
	Namespace string

	// Labels are constant labels added to all metrics.
	Labels prometheus.Labels
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Registry:  prometheus.DefaultRegisterer,
		Namespace: "coreloop",
		Labels:    nil,
	}
}

// FromConfig builds a Registry for config, or returns nil when metrics are
// disabled. Components treat a nil *Registry as "do not record".
func FromConfig(config Config) *Registry {
	if !config.Enabled {
		return nil
	}
	return NewRegistryWithConfig(config)
}
