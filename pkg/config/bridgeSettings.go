package config

// BridgeSettings configures the optional egress bridge that mirrors log
// records to an external broker. An empty Type disables the bridge.
type BridgeSettings struct {
	Type      string `mapstructure:"type"` // "rabbitmq" or "gcp-pubsub"
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	PoolSize  int    `mapstructure:"pool_size"`
	ProjectID string `mapstructure:"project_id"` // GCP Pub/Sub only
	Topic     string `mapstructure:"topic"`      // log topic to mirror
	GroupID   string `mapstructure:"group_id"`
}
