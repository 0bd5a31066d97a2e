package config

import "time"

// LogSettings configures the embedded event log.
type LogSettings struct {
	Partitions int               `mapstructure:"partitions" validate:"min=1"`
	Retention  RetentionSettings `mapstructure:"retention"`
}

// RetentionSettings bounds how long records stay fetchable. A zero value
// disables that dimension.
type RetentionSettings struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxBytes int64         `mapstructure:"max_bytes"` // per partition
}
