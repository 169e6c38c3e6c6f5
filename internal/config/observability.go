package config

// ObservabilityConfig holds observability configuration. Defaults are
// applied by LoadFleetConfig, not by env.Load itself.
type ObservabilityConfig struct {
	OTelEnabled  bool   `env:"QW_OTEL_ENABLED" default:"false"`
	ServiceName  string `env:"QW_SERVICE_NAME" default:"queueworker"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}
