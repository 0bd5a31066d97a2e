package config

// DbSettings holds configuration for the outbox, offset and dead-letter
// storage backend.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"oneof=postgres mongo spanner memory"`
	DSN        string `mapstructure:"dsn"`         // postgres
	URI        string `mapstructure:"uri"`         // mongo connection string or spanner database path
	DBName     string `mapstructure:"db_name"`     // mongo only
	Collection string `mapstructure:"collection"`  // mongo only
}
