package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/remote-control/internal/api/http"
	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/tls"
)

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Http   http.Config  `mapstructure:"http"`
	Remote RemoteConfig `mapstructure:"remote"`
	Audit  audit.Config `mapstructure:"audit"`
}

type RemoteConfig struct {
	DefaultPort         uint16 `mapstructure:"default_port"`
	HeartbeatIntervalMs int64  `mapstructure:"heartbeat_interval_ms"`
	CommandTimeoutMs    int64  `mapstructure:"command_timeout_ms"`
	ConnectTimeoutMs    int64  `mapstructure:"connect_timeout_ms"`
	// IdleTimeoutMs closes connections without command traffic; 0 keeps them.
	IdleTimeoutMs         int64      `mapstructure:"idle_timeout_ms"`
	CredentialSource      string     `mapstructure:"credential_source"`
	ClientID              string     `mapstructure:"client_id"`
	RetryOnConnectionLost bool       `mapstructure:"retry_on_connection_lost"`
	TLS                   tls.Config `mapstructure:"tls"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/remote-controller")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("http.api_key_hash", "REMOTE_API_KEY_HASH")
	_ = viper.BindEnv("audit.database_url", "DATABASE_URL")

	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.allow_origins", []string{"*"})
	viper.SetDefault("remote.default_port", command.DefaultPort)
	viper.SetDefault("remote.heartbeat_interval_ms", 15000)
	viper.SetDefault("remote.command_timeout_ms", 10000)
	viper.SetDefault("remote.connect_timeout_ms", 5000)
	viper.SetDefault("remote.idle_timeout_ms", 600000)
	viper.SetDefault("remote.credential_source", "env:REMOTE_SHARED_SECRET")
	viper.SetDefault("remote.client_id", "controller")
	viper.SetDefault("audit.backend", audit.BackendMemory)
	viper.SetDefault("audit.buffer", audit.DefaultBuffer)
	viper.SetDefault("audit.capacity", audit.DefaultCapacity)
	viper.SetDefault("audit.schema", "remote")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
