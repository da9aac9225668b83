package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/tls"
)

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Agent  AgentConfig  `mapstructure:"agent"`
	Health HealthConfig `mapstructure:"health"`
}

type AgentConfig struct {
	Port uint16 `mapstructure:"port"`
	// Name is the host name tokens are addressed to. Defaults to the
	// machine's host name; local interface addresses are always accepted.
	Name             string   `mapstructure:"name"`
	Aliases          []string `mapstructure:"aliases"`
	CredentialSource string   `mapstructure:"credential_source"`
	// AllowedCommands is the command whitelist. Empty allows every kind.
	AllowedCommands    []string          `mapstructure:"allowed_commands"`
	HandshakeTimeoutMs int64             `mapstructure:"handshake_timeout_ms"`
	HandshakesPerMin   int               `mapstructure:"handshakes_per_min"`
	ListRoot           string            `mapstructure:"list_root"`
	ListCap            int               `mapstructure:"list_cap"`
	Apps               map[string]string `mapstructure:"apps"`
	// ShutdownDefaultDelay is in seconds.
	ShutdownDefaultDelay uint32     `mapstructure:"shutdown_default_delay"`
	TLS                  tls.Config `mapstructure:"tls"`
}

type HealthConfig struct {
	// Port 0 disables the health server.
	Port int `mapstructure:"port"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/remote-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("agent.port", command.DefaultPort)
	viper.SetDefault("agent.credential_source", "env:REMOTE_SHARED_SECRET")
	viper.SetDefault("agent.handshake_timeout_ms", 10000)
	viper.SetDefault("agent.handshakes_per_min", 30)
	viper.SetDefault("agent.list_cap", 1000)
	viper.SetDefault("agent.shutdown_default_delay", 60)
	viper.SetDefault("health.port", 12346)

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
