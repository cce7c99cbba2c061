// Copyright 2021-2022 The mqttgw Authors
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

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// MQTT Client Related Config

// MQTTRetryConfig defines how a broker connection retries after losing its link
type MQTTRetryConfig struct {
	// MaxAttempts is the number of consecutive failed connect attempts before the
	// connection gives up and reports a fatal error
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	// Strategy is the retry delay strategy: "flat" or "exponential"
	Strategy string `mapstructure:"strategy" json:"strategy" validate:"required,oneof=flat exponential"`
	// BaseDelay is the delay before the first retry in milliseconds. With the flat
	// strategy this is the delay before every retry.
	BaseDelay int `mapstructure:"base_delay_ms" json:"base_delay_ms" validate:"gte=1"`
	// MaxDelay caps the exponential retry delay in milliseconds
	MaxDelay int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gtefield=BaseDelay"`
}

// MQTTClientConfig defines parameters for the MQTT clients the gateway opens
// towards the remote brokers
type MQTTClientConfig struct {
	// ConnectTimeout is the max duration of one connect attempt in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// TestTimeout is the max duration of a throwaway test connection in seconds
	TestTimeout int `mapstructure:"test_timeout_sec" json:"test_timeout_sec" validate:"gte=1"`
	// KeepAlive is the MQTT keep alive interval in seconds
	KeepAlive int `mapstructure:"keep_alive_sec" json:"keep_alive_sec" validate:"gte=1"`
	// DefaultPort is the broker port used when a broker record does not set one
	DefaultPort uint16 `mapstructure:"default_port" json:"default_port" validate:"gt=0"`
	// Retry defines the reconnect parameters
	Retry MQTTRetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
}

// ConnectTimeoutDuration is ConnectTimeout as a time.Duration
func (c MQTTClientConfig) ConnectTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.ConnectTimeout)
}

// TestTimeoutDuration is TestTimeout as a time.Duration
func (c MQTTClientConfig) TestTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.TestTimeout)
}

// KeepAliveDuration is KeepAlive as a time.Duration
func (c MQTTClientConfig) KeepAliveDuration() time.Duration {
	return time.Second * time.Duration(c.KeepAlive)
}

// ===============================================================================
// Session Related Config

// SessionConfig defines limits on the real-time sessions of each user
type SessionConfig struct {
	// MaxPerUser is the max number of concurrent sessions of one user. Joining past
	// this limit evicts the user's oldest session.
	MaxPerUser int `mapstructure:"max_per_user" json:"max_per_user" validate:"gte=1"`
	// GraceWindow is how long in seconds a user's broker connections outlive the
	// user's last session
	GraceWindow int `mapstructure:"grace_window_sec" json:"grace_window_sec" validate:"gte=0"`
	// SendBuffer is the number of outbound events buffered per session
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// SendTimeout is the max duration in milliseconds to wait when queueing an event
	// for a session
	SendTimeout int `mapstructure:"send_timeout_ms" json:"send_timeout_ms" validate:"gte=1"`
}

// ===============================================================================
// Gateway Related Config

// GatewayConfig defines gateway supervisor parameters
type GatewayConfig struct {
	// ConnectWait is how long in seconds a publish or subscribe request waits for a
	// broker connection to come up before failing
	ConnectWait int `mapstructure:"connect_wait_sec" json:"connect_wait_sec" validate:"gte=1"`
	// PollInterval is the connection state poll interval in milliseconds while waiting
	PollInterval int `mapstructure:"poll_interval_ms" json:"poll_interval_ms" validate:"gte=1"`
	// MessageBuffer is the size of the per user buffer of recent messages
	MessageBuffer int `mapstructure:"message_buffer" json:"message_buffer" validate:"gte=1"`
	// TaskBuffer is the supervisor event loop queue length
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
}

// ===============================================================================
// Storage Related Config

// PostgresConfig defines the PostgreSQL connection parameters
type PostgresConfig struct {
	// DSN is the lib/pq connection string
	DSN string `mapstructure:"dsn" json:"-" validate:"required"`
	// MaxOpenConns is the max number of open connections to the database
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns" validate:"gte=1"`
	// QueryTimeout is the max duration of one query in seconds
	QueryTimeout int `mapstructure:"query_timeout_sec" json:"query_timeout_sec" validate:"gte=1"`
}

// StoreConfig defines where broker records are kept
type StoreConfig struct {
	// Driver is the storage driver: "memory" or "postgres"
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=memory postgres"`
	// Postgres are the PostgreSQL parameters, required with the postgres driver
	Postgres *PostgresConfig `mapstructure:"postgres,omitempty" json:"postgres,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// MirrorConfig defines the optional mirroring of relayed MQTT messages onto NATS
type MirrorConfig struct {
	// NATS is the NATS server to mirror onto
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// SubjectPrefix is prepended to "<user>.<broker>" to form the mirror subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

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
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
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

// ===============================================================================
// Gateway API Server Related Config

// APIEndpointConfig defines the gateway API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is the path the Prometheus metrics are served on. Empty disables it.
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path"`
	// AllowedOrigins lists the origins accepted for WebSocket upgrades. Empty accepts
	// only same-origin requests.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// AccessToken is one statically configured API bearer token
type AccessToken struct {
	// Token is the bearer token value
	Token string `mapstructure:"token" json:"-" validate:"required"`
	// UserID is the user the token authenticates
	UserID string `mapstructure:"user_id" json:"user_id" validate:"required"`
	// Role is the user's role
	Role string `mapstructure:"role" json:"role" validate:"required,oneof=admin user"`
}

// AuthConfig defines how API callers are authenticated
type AuthConfig struct {
	// Tokens are the accepted bearer tokens
	Tokens []AccessToken `mapstructure:"tokens" json:"tokens" validate:"dive"`
}

// APIServerConfig defines configuration for the gateway API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Auth defines API authentication
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the gateway
type SystemConfig struct {
	// MQTT are the MQTT client parameters
	MQTT MQTTClientConfig `mapstructure:"mqtt" json:"mqtt" validate:"required,dive"`
	// Session are the session limits
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Gateway are the gateway supervisor parameters
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// Store is the broker record storage config
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required,dive"`
	// Mirror is the optional NATS message mirror config
	Mirror *MirrorConfig `mapstructure:"mirror,omitempty" json:"mirror,omitempty" validate:"omitempty,dive"`
	// API is the gateway API server config
	API *APIServerConfig `mapstructure:"api,omitempty" json:"api,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default MQTT client settings
	viper.SetDefault("mqtt.connect_timeout_sec", 10)
	viper.SetDefault("mqtt.test_timeout_sec", 5)
	viper.SetDefault("mqtt.keep_alive_sec", 60)
	viper.SetDefault("mqtt.default_port", 1883)
	viper.SetDefault("mqtt.retry.max_attempts", 5)
	viper.SetDefault("mqtt.retry.strategy", "exponential")
	viper.SetDefault("mqtt.retry.base_delay_ms", 1000)
	viper.SetDefault("mqtt.retry.max_delay_ms", 30000)

	// Default session settings
	viper.SetDefault("session.max_per_user", 5)
	viper.SetDefault("session.grace_window_sec", 10)
	viper.SetDefault("session.send_buffer", 32)
	viper.SetDefault("session.send_timeout_ms", 1000)

	// Default gateway settings
	viper.SetDefault("gateway.connect_wait_sec", 5)
	viper.SetDefault("gateway.poll_interval_ms", 100)
	viper.SetDefault("gateway.message_buffer", 100)
	viper.SetDefault("gateway.task_buffer", 64)

	// Default storage settings
	viper.SetDefault("store.driver", "memory")

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	// Event streams stay open indefinitely
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Mqttgw-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
