//nolint:lll // struct tags can't be split
package breadbot

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "BREADBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "BB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "breadbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds how long Run waits for an in-progress
	// rename batch and the API server to stop.
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultOpenAIRequestTimeout       = 30 * time.Second
	DefaultOpenAIMaxRequestsPerSecond = 0
	DefaultRetryMaxAttempts           = 5
	DefaultRetryInitialInterval       = 500 * time.Millisecond
	DefaultRetryMaxInterval           = 30 * time.Second
	DefaultRetryMultiplier            = 2.0

	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds | discordgo.IntentGuildMembers

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = false
	DefaultCORSMaxAge              = 12 * time.Hour

	DiscordSlashCommandRename = "rename"
	defaultListenNetwork      = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

var structValidator = validator.New()

// ConfigError indicates the configuration is missing a required value or
// contains an invalid one. The bot can't start with it.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// OpenAI configures the name generation provider
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize the database and connect to discord.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// GuildID is the guild whose members are renamed, and where the
	// /rename command is registered.
	GuildID uint64 `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// OwnerID is the only user allowed to run /rename. The owner is
	// never renamed.
	OwnerID uint64 `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Listing guild members requires the
	// privileged GUILD_MEMBERS intent.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GuildIDString returns GuildID in the string form discordgo expects
func (c DiscordConfig) GuildIDString() string {
	return formatSnowflake(c.GuildID)
}

// OpenAIConfig configures the chat completion provider used to generate names
type OpenAIConfig struct {
	// Endpoint is the base URL of an OpenAI-compatible API, ex:
	// https://api.openai.com/v1
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required,url"`

	// Model name sent with each completion request
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Optional API key. Local providers often don't need one.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// RequestTimeout bounds a single completion request. 0=no timeout
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=0"`

	// MaxRequestsPerSecond throttles completion requests. 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	// Retry configures how failed generation calls are retried
	Retry RetryConfig `yaml:"retry" mapstructure:"retry" json:"retry"`
}

// RetryConfig configures exponential backoff for name generation
type RetryConfig struct {
	// Maximum number of generation attempts per member
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval" json:"initial_interval" binding:"min=0"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval" json:"max_interval" binding:"min=0"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier" json:"multiplier" binding:"gte=1"`
}

// Policy returns the RetryPolicy described by the config
func (c RetryConfig) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
	}
}

// APIConfig configures the admin API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required by /api endpoints. The API
	// server doesn't start when it's empty.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// Enabled returns true when the API server should be started
func (c APIConfig) Enabled() bool {
	return c.Secret != ""
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// ValidateConfig checks the given config, returning a *ConfigError
// describing every invalid field.
func ValidateConfig(c *Config) error {
	if c == nil {
		return &ConfigError{Err: errors.New("nil config")}
	}
	if err := structValidator.Struct(c); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			Retry: RetryConfig{
				MaxAttempts:     DefaultRetryMaxAttempts,
				InitialInterval: DefaultRetryInitialInterval,
				MaxInterval:     DefaultRetryMaxInterval,
				Multiplier:      DefaultRetryMultiplier,
			},
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
