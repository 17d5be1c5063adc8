package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully assembled runtime configuration tree for the Central
// Station process.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	OCPP       OCPPConfig       `mapstructure:"ocpp"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bridge     EventBridgeConfig `mapstructure:"bridge"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
}

// AppConfig carries basic process identity, kept from the teacher.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Profile string `mapstructure:"profile"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig is the Admin Facade HTTPS listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// OCPPConfig is the WSS listener CPs connect to, plus the session-level
// timing constants the distilled spec names.
type OCPPConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	Subprotocols          []string      `mapstructure:"subprotocols"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	MeterValueInterval    time.Duration `mapstructure:"meter_value_interval"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout"`
	SessionTimeout        time.Duration `mapstructure:"session_timeout"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	HandshakeTimeout      time.Duration `mapstructure:"handshake_timeout"`
	PingInterval          time.Duration `mapstructure:"ping_interval"`
	PongTimeout           time.Duration `mapstructure:"pong_timeout"`
	MaxMessageSize        int64         `mapstructure:"max_message_size"`
}

// SQLiteConfig points at the Persistence Gateway's database file.
type SQLiteConfig struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	RetryMaxAttempt int           `mapstructure:"retry_max_attempts"`
}

// RedisConfig backs the Event Bridge queue fallback and back-office command
// queue (a distinct logical use from the teacher's connection map).
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EventBridgeConfig is the external HTTP sink and broker exchange naming.
type EventBridgeConfig struct {
	BrokerURL       string        `mapstructure:"broker_url"`
	Exchange        string        `mapstructure:"exchange"`
	APIBaseURL      string        `mapstructure:"api_base_url"`
	APIKey          string        `mapstructure:"api_key"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	LivenessPeriod  time.Duration `mapstructure:"liveness_period"`
}

// LogConfig mirrors the teacher's zerolog configuration knobs.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MonitoringConfig is the Prometheus metrics listener.
type MonitoringConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// SecurityConfig holds TLS material and JWT parameters.
type SecurityConfig struct {
	SSLKeyFile               string        `mapstructure:"ssl_keyfile"`
	SSLCertFile              string        `mapstructure:"ssl_certfile"`
	SecretKey                string        `mapstructure:"secret_key"`
	Algorithm                string        `mapstructure:"algorithm"`
	AccessTokenExpireMinutes int           `mapstructure:"access_token_expire_minutes"`
	AccessTokenTTL           time.Duration
}

// Load assembles Config from defaults, an optional application.yaml /
// application-{profile}.yaml pair, and environment variables — environment
// variables win, matching the teacher's precedence order. Every variable
// named by the external interface contract (HOST, PORT, SSL_KEYFILE, ...) is
// bound explicitly so it works without requiring the dotted mapstructure form.
func Load() (*Config, error) {
	setDefaults()

	profile := getProfile()
	if err := loadConfigFile("application"); err != nil {
		fmt.Printf("warning: could not load application.yaml: %v\n", err)
	}
	if profile != "" {
		name := fmt.Sprintf("application-%s", profile)
		if err := loadConfigFile(name); err != nil {
			fmt.Printf("warning: could not load %s.yaml: %v\n", name, err)
		}
	}

	bindEnvironmentVariables()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.App.Profile = profile
	cfg.Security.AccessTokenTTL = time.Duration(cfg.Security.AccessTokenExpireMinutes) * time.Minute

	return &cfg, nil
}

func getProfile() string {
	if profile := os.Getenv("APP_PROFILE"); profile != "" {
		return profile
	}
	if profile := viper.GetString("app.profile"); profile != "" {
		return profile
	}
	return "local"
}

func loadConfigFile(name string) error {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	return viper.MergeInConfig()
}

// bindEnvironmentVariables wires every env var named in the external
// interface contract to its config key, plus generic AutomaticEnv/dot-to-
// underscore replacement for everything else.
func bindEnvironmentVariables() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindings := map[string]string{
		"server.host":                         "HOST",
		"server.port":                         "PORT",
		"app.debug":                           "DEBUG",
		"security.ssl_keyfile":                "SSL_KEYFILE",
		"security.ssl_certfile":               "SSL_CERTFILE",
		"ocpp.host":                           "OCPP_WEBSOCKET_HOST",
		"ocpp.port":                           "OCPP_WEBSOCKET_PORT",
		"sqlite.database_url":                 "DATABASE_URL",
		"redis.url":                           "REDIS_URL",
		"bridge.broker_url":                   "MQ_BROKER_URL",
		"bridge.exchange":                     "MQ_EXCHANGE",
		"security.secret_key":                 "SECRET_KEY",
		"security.algorithm":                  "ALGORITHM",
		"security.access_token_expire_minutes": "ACCESS_TOKEN_EXPIRE_MINUTES",
		"bridge.api_base_url":                 "LARAVEL_API_URL",
		"bridge.api_key":                      "LARAVEL_API_KEY",
		"ocpp.heartbeat_interval":             "HEARTBEAT_INTERVAL",
		"ocpp.meter_value_interval":           "METER_VALUE_INTERVAL",
		"ocpp.connection_timeout":             "CONNECTION_TIMEOUT",
		"ocpp.session_timeout":                "SESSION_TIMEOUT",
		"ocpp.max_concurrent_sessions":        "MAX_CONCURRENT_SESSIONS",
	}
	for key, env := range bindings {
		_ = viper.BindEnv(key, env)
	}

	if subprotos := os.Getenv("OCPP_SUBPROTOCOLS"); subprotos != "" {
		parts := strings.Split(subprotos, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		viper.Set("ocpp.subprotocols", parts)
	}
}

func setDefaults() {
	viper.SetDefault("app.name", "central-station")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.profile", "local")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.read_timeout", "60s")
	viper.SetDefault("server.write_timeout", "60s")

	viper.SetDefault("ocpp.host", "0.0.0.0")
	viper.SetDefault("ocpp.port", 9000)
	viper.SetDefault("ocpp.subprotocols", []string{"ocpp1.6", "ocpp2.0.1"})
	viper.SetDefault("ocpp.heartbeat_interval", "60s")
	viper.SetDefault("ocpp.meter_value_interval", "60s")
	viper.SetDefault("ocpp.connection_timeout", "120s")
	viper.SetDefault("ocpp.session_timeout", "24h")
	viper.SetDefault("ocpp.max_concurrent_sessions", 10000)
	viper.SetDefault("ocpp.handshake_timeout", "10s")
	viper.SetDefault("ocpp.ping_interval", "120s")
	viper.SetDefault("ocpp.pong_timeout", "30s")
	viper.SetDefault("ocpp.max_message_size", 1048576)

	viper.SetDefault("sqlite.database_url", "file:central_station.db")
	viper.SetDefault("sqlite.busy_timeout", "5s")
	viper.SetDefault("sqlite.retry_base_delay", "100ms")
	viper.SetDefault("sqlite.retry_max_delay", "2s")
	viper.SetDefault("sqlite.retry_max_attempts", 3)

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("bridge.broker_url", "redis://localhost:6379/0")
	viper.SetDefault("bridge.exchange", "ocpp")
	viper.SetDefault("bridge.api_base_url", "")
	viper.SetDefault("bridge.api_key", "")
	viper.SetDefault("bridge.http_timeout", "30s")
	viper.SetDefault("bridge.liveness_period", "60s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.async", false)

	viper.SetDefault("monitoring.metrics_addr", ":9090")

	viper.SetDefault("security.ssl_keyfile", "")
	viper.SetDefault("security.ssl_certfile", "")
	viper.SetDefault("security.secret_key", "change-me")
	viper.SetDefault("security.algorithm", "HS256")
	viper.SetDefault("security.access_token_expire_minutes", 60)
}

// GetAdminAddr returns the Admin Facade bind address.
func (c *Config) GetAdminAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetOCPPAddr returns the CP WebSocket bind address.
func (c *Config) GetOCPPAddr() string {
	return fmt.Sprintf("%s:%d", c.OCPP.Host, c.OCPP.Port)
}

// GetMetricsAddr returns the metrics listener address.
func (c *Config) GetMetricsAddr() string {
	return c.Monitoring.MetricsAddr
}

// TLSEnabled reports whether both the key and cert file were supplied.
func (c *Config) TLSEnabled() bool {
	return c.Security.SSLKeyFile != "" && c.Security.SSLCertFile != ""
}

// IsProduction reports whether the active profile is "prod".
func (c *Config) IsProduction() bool {
	return c.App.Profile == "prod"
}
