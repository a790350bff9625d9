// Copyright 2022 The ssecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
	// ShutdownTimeout is the max duration in seconds to wait for the server to drain on stop
	ShutdownTimeout int `mapstructure:"shutdown_timeout_sec" json:"shutdown_timeout_sec" validate:"gte=1"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Broadcast Core Config

// LimiterConfig defines the per-user connection admission limits
type LimiterConfig struct {
	// MaxConcurrent is the max number of concurrently open connections per user
	MaxConcurrent int `mapstructure:"max_concurrent_per_user" json:"max_concurrent_per_user" validate:"gte=1"`
	// MaxAttempts is the max number of admitted connection attempts per user per window
	MaxAttempts int `mapstructure:"max_attempts_per_window" json:"max_attempts_per_window" validate:"gte=1"`
	// Window is the connection attempt sliding window in seconds
	Window int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
	// PruneInterval is the interval in seconds between stale rate window pruning
	PruneInterval int `mapstructure:"prune_interval_sec" json:"prune_interval_sec" validate:"gte=1"`
}

// ConnectionConfig defines stream lifecycle parameters
type ConnectionConfig struct {
	// IdleTimeout is the inactivity period in seconds after which a connection is reaped
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
	// KeepAliveAfter is the inactivity period in seconds after which a keepalive
	// is sent. Zero disables keepalive.
	KeepAliveAfter int `mapstructure:"keepalive_after_sec" json:"keepalive_after_sec" validate:"gte=0"`
	// HeartbeatCheckInterval is how often in seconds each connection checks whether
	// a keepalive is due
	HeartbeatCheckInterval int `mapstructure:"heartbeat_check_interval_sec" json:"heartbeat_check_interval_sec" validate:"gte=1"`
	// SweepInterval is the interval in seconds between idle connection sweeps
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// WriteTimeout is the max duration in milliseconds a single stream write may block
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=1"`
}

// PayloadConfig defines outbound payload validation parameters
type PayloadConfig struct {
	// MaxSize is the max serialized payload size in bytes
	MaxSize int `mapstructure:"max_size_bytes" json:"max_size_bytes" validate:"gte=1"`
	// MaxFieldLength is the max length in characters of a string field, longer
	// strings are truncated
	MaxFieldLength int `mapstructure:"max_field_length" json:"max_field_length" validate:"gte=1"`
	// MaxDepth is the max nesting depth of the payload document
	MaxDepth int `mapstructure:"max_depth" json:"max_depth" validate:"gte=1"`
}

// AuditConfig defines the audit log parameters
type AuditConfig struct {
	// MaxRecords is the capacity of the audit record ring buffer
	MaxRecords int `mapstructure:"max_records" json:"max_records" validate:"gte=1"`
	// Window is the anomaly heuristic sliding window in seconds
	Window int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
	// FrequentConnectionThreshold number of connections from one source in the
	// window before raising FREQUENT_CONNECTIONS
	FrequentConnectionThreshold int `mapstructure:"frequent_connection_threshold" json:"frequent_connection_threshold" validate:"gte=1"`
	// AuthFailureThreshold number of auth failures from one source in the
	// window before raising AUTH_FAILURE_BURST
	AuthFailureThreshold int `mapstructure:"auth_failure_threshold" json:"auth_failure_threshold" validate:"gte=1"`
}

// DispatchConfig defines event fan-out parameters
type DispatchConfig struct {
	// FanoutConcurrency is the max number of parallel recipient writes per publish
	FanoutConcurrency int `mapstructure:"fanout_concurrency" json:"fanout_concurrency" validate:"gte=1"`
	// EncryptionEnabled whether publish may request per-user encryption
	EncryptionEnabled bool `mapstructure:"encryption_enabled" json:"encryption_enabled"`
}

// ===============================================================================
// Auth Related Config

// JWTConfig defines bearer token verification parameters
type JWTConfig struct {
	// SecretKey is the HS256 shared secret
	SecretKey string `mapstructure:"secret_key" json:"-" validate:"required,min=32"`
	// Issuer if set, tokens must carry this issuer
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// Audience if set, tokens must carry this audience
	Audience string `mapstructure:"audience" json:"audience"`
	// Leeway is the allowed clock skew in seconds
	Leeway int `mapstructure:"leeway_sec" json:"leeway_sec" validate:"gte=0"`
}

// RedisConfig defines the connection to the Redis permission store
type RedisConfig struct {
	// Addr is the Redis server address
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the Redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to the per user permission set key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
	// Timeout is the per call timeout in milliseconds
	Timeout int `mapstructure:"timeout_ms" json:"timeout_ms" validate:"gte=1"`
}

// AuthConfig defines the authentication and authorization parameters
type AuthConfig struct {
	// JWT is the token verification parameters
	JWT JWTConfig `mapstructure:"jwt" json:"jwt" validate:"required,dive"`
	// AllowedOrigins is the set of trusted origins. Empty disables the origin check.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// PublicChannels are channels any authenticated (or anonymous) user may subscribe to
	PublicChannels []string `mapstructure:"public_channels" json:"public_channels"`
	// AllowAnonymous whether token-less connections may subscribe to public channels
	AllowAnonymous bool `mapstructure:"allow_anonymous" json:"allow_anonymous"`
	// PermissionStore is the backing store of additional user permissions
	PermissionStore string `mapstructure:"permission_store" json:"permission_store" validate:"required,oneof=none static redis"`
	// StaticPermissions user ID to permission list, for the "static" store
	StaticPermissions map[string][]string `mapstructure:"static_permissions" json:"static_permissions"`
	// Redis is the Redis permission store connection, for the "redis" store
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty"`
}

// MetricsConfig defines the prometheus metrics parameters
type MetricsConfig struct {
	// Enabled whether to expose metrics
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Path is the metrics endpoint path
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// Namespace is the metric namespace
	Namespace string `mapstructure:"namespace" json:"namespace" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broadcast server config
type SystemConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Limits are the connection admission limits
	Limits LimiterConfig `mapstructure:"limits" json:"limits" validate:"required,dive"`
	// Connection are the stream lifecycle parameters
	Connection ConnectionConfig `mapstructure:"connection" json:"connection" validate:"required,dive"`
	// Payload are the payload validation parameters
	Payload PayloadConfig `mapstructure:"payload" json:"payload" validate:"required,dive"`
	// Audit are the audit log parameters
	Audit AuditConfig `mapstructure:"audit" json:"audit" validate:"required,dive"`
	// Dispatch are the fan-out parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required,dive"`
	// Auth are the authentication parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Metrics are the metrics parameters
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.server_config.shutdown_timeout_sec", 10)
	viper.SetDefault("api_server.logging_config.request_id_header", "Ssecast-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default admission limits
	viper.SetDefault("limits.max_concurrent_per_user", 5)
	viper.SetDefault("limits.max_attempts_per_window", 20)
	viper.SetDefault("limits.window_sec", 60)
	viper.SetDefault("limits.prune_interval_sec", 60)

	// Default connection lifecycle settings
	viper.SetDefault("connection.idle_timeout_sec", 1800)
	viper.SetDefault("connection.keepalive_after_sec", 1500)
	viper.SetDefault("connection.heartbeat_check_interval_sec", 60)
	viper.SetDefault("connection.sweep_interval_sec", 60)
	viper.SetDefault("connection.write_timeout_ms", 5000)

	// Default payload settings
	viper.SetDefault("payload.max_size_bytes", 102400)
	viper.SetDefault("payload.max_field_length", 1000)
	viper.SetDefault("payload.max_depth", 32)

	// Default audit settings
	viper.SetDefault("audit.max_records", 1000)
	viper.SetDefault("audit.window_sec", 60)
	viper.SetDefault("audit.frequent_connection_threshold", 10)
	viper.SetDefault("audit.auth_failure_threshold", 5)

	// Default dispatch settings
	viper.SetDefault("dispatch.fanout_concurrency", 64)
	viper.SetDefault("dispatch.encryption_enabled", true)

	// Default auth settings
	viper.SetDefault("auth.jwt.leeway_sec", 5)
	viper.SetDefault("auth.allow_anonymous", false)
	viper.SetDefault("auth.permission_store", "none")

	// Default metrics settings
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "ssecast")
}
