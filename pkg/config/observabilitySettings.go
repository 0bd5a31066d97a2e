package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"` // listen address for /metrics; empty disables the endpoint
}
