package config

import (
	"time"

	"github.com/rickgao/marketstream/internal/realtime"
)

// Config is the root configuration for rtstream.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	API      APIConfig      `yaml:"api"`
	Journal  JournalConfig  `yaml:"journal"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

// RealtimeConfig holds the realtime gateway connection settings.
type RealtimeConfig struct {
	URL                    string          `yaml:"url" validate:"required,url"`
	ReconnectDelays        []time.Duration `yaml:"reconnect_delays" validate:"min=1,dive,gt=0"`
	MaxReconnectAttempts   int             `yaml:"max_reconnect_attempts" validate:"gte=0"`
	HeartbeatInterval      time.Duration   `yaml:"heartbeat_interval" validate:"gt=0"`
	ConnectTimeout         time.Duration   `yaml:"connect_timeout" validate:"gt=0"`
	MaxMissedPongs         int             `yaml:"max_missed_pongs" validate:"gte=0"`
	ResubscribeOnReconnect *bool           `yaml:"resubscribe_on_reconnect"` // nil = default (true)
	WriteTimeout           time.Duration   `yaml:"write_timeout" validate:"gt=0"`
	BufferSize             int             `yaml:"buffer_size" validate:"gte=1"`
	SendRate               float64         `yaml:"send_rate" validate:"gte=0"` // Frames per second, 0 = unlimited
	SendBurst              int             `yaml:"send_burst" validate:"gte=0"`
}

// APIConfig holds the gateway REST settings.
type APIConfig struct {
	RestURL           string        `yaml:"rest_url" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	QuotaPollInterval time.Duration `yaml:"quota_poll_interval" validate:"gte=0"` // 0 = no quota polling
}

// JournalConfig holds the session journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Driver        string        `yaml:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath    string        `yaml:"sqlite_path"`
	Postgres      DBConfig      `yaml:"postgres"`
	BatchSize     int           `yaml:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=1"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StatusConfig holds the health HTTP server settings.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// ConnConfig converts the realtime section into a realtime.Config.
func (r RealtimeConfig) ConnConfig() realtime.Config {
	resubscribe := true
	if r.ResubscribeOnReconnect != nil {
		resubscribe = *r.ResubscribeOnReconnect
	}
	return realtime.Config{
		URL:                    r.URL,
		ReconnectDelays:        append([]time.Duration(nil), r.ReconnectDelays...),
		MaxReconnectAttempts:   r.MaxReconnectAttempts,
		HeartbeatInterval:      r.HeartbeatInterval,
		ConnectTimeout:         r.ConnectTimeout,
		MaxMissedPongs:         r.MaxMissedPongs,
		ResubscribeOnReconnect: resubscribe,
		WriteTimeout:           r.WriteTimeout,
		BufferSize:             r.BufferSize,
		SendRate:               r.SendRate,
		SendBurst:              r.SendBurst,
	}
}
