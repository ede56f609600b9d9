package cmd

import (
	"context"
	"fmt"
	"github.com/AfkaraLP/breadbot/breadbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = breadbot.DefaultConfig()
	configFile string
)

// logLevelKeys are config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"openai.log_level",
	"api.log_level",
}

// legacyEnvVars are unprefixed environment variable names also
// accepted for the given config keys
var legacyEnvVars = map[string]string{
	"discord.token":    "DISCORD_TOKEN",
	"discord.guild_id": "GUILD_ID",
	"discord.owner_id": "OWNER_ID",
	"openai.endpoint":  "OPENAI_ENDPOINT",
	"openai.model":     "MODEL_NAME",
	"openai.token":     "LLM_API_KEY",
}

var rootCmd = &cobra.Command{
	Use:   "breadbot [flags]",
	Short: "A discord bot that gives everyone in a server a bread pun nickname",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *breadbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				// CORS lists are space-separated in the environment
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes log level strings (ex: "DEBUG") into
// *slog.LevelVar. A non-nil *slog.LevelVar field is decoded through its
// element, so slog.LevelVar targets are matched too.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	levelVarType := reflect.TypeOf(slog.LevelVar{})
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		switch {
		case t == levelVarType:
		case t.Kind() == reflect.Ptr && t.Elem() == levelVarType:
		default:
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading config file %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(breadbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = breadbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// The prefixed name takes precedence over the legacy one
	for key, legacy := range legacyEnvVars {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		fatalErr(viper.BindEnv(key, prefixed, legacy))
	}

	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// levels are decoded by LevelToStringHookFunc, this just fails
	// early on bad values
	for _, k := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(k)); err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("database", breadbot.DefaultDatabase)
	viper.SetDefault("database_type", breadbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		breadbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		breadbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", breadbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", breadbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", breadbot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.endpoint", "")
	viper.SetDefault("openai.model", "")
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.log_level", breadbot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.request_timeout", breadbot.DefaultOpenAIRequestTimeout)
	viper.SetDefault(
		"openai.max_requests_per_second",
		breadbot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.retry.max_attempts", breadbot.DefaultRetryMaxAttempts)
	viper.SetDefault(
		"openai.retry.initial_interval",
		breadbot.DefaultRetryInitialInterval,
	)
	viper.SetDefault("openai.retry.max_interval", breadbot.DefaultRetryMaxInterval)
	viper.SetDefault("openai.retry.multiplier", breadbot.DefaultRetryMultiplier)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", 0)
	viper.SetDefault("discord.owner_id", 0)
	viper.SetDefault(
		"discord.log_level",
		breadbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		breadbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(breadbot.DefaultDiscordGatewayIntent),
	)

	// API config
	viper.SetDefault("api.listen", breadbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", breadbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.ssl.tls_min_version", breadbot.DefaultAPITLSMinVersion)
	viper.SetDefault("api.read_timeout", breadbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		breadbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", breadbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", breadbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", breadbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", breadbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", breadbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", breadbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		breadbot.DefaultAPICORSAllowCredentials,
	)
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
