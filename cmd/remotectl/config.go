package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/EternisAI/remote-control/internal/command"
)

// CLIConfig is the optional ~/.remotectl.yaml listing known agents by name.
type CLIConfig struct {
	DefaultAgent string                  `yaml:"defaultAgent"`
	ClientID     string                  `yaml:"clientId"`
	Agents       map[string]*AgentTarget `yaml:"agents"`
}

type AgentTarget struct {
	Host             string    `yaml:"host"`
	Port             uint16    `yaml:"port"`
	CredentialSource string    `yaml:"credentialSource"`
	TLS              TargetTLS `yaml:"tls"`
}

type TargetTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

func defaultConfigPath() string {
	if p := os.Getenv("REMOTECTL_CONFIG"); p != "" {
		return p
	}
	return "~/.remotectl.yaml"
}

// loadCLIConfig decodes path. A missing file yields an empty config.
func loadCLIConfig(path string) (*CLIConfig, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return &CLIConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg CLIConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func (c *CLIConfig) save(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// resolve maps a named agent or a literal host[:port] to a target. An empty
// name selects DefaultAgent.
func (c *CLIConfig) resolve(name string) (*AgentTarget, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.DefaultAgent
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no agent given and no defaultAgent configured", command.ErrValidationFailed)
	}
	if t, ok := c.Agents[name]; ok {
		if t.Port == 0 {
			t.Port = command.DefaultPort
		}
		return t, nil
	}

	endpoint, err := command.ParseEndpoint(name, command.DefaultPort)
	if err != nil {
		return nil, err
	}
	return &AgentTarget{Host: endpoint.Host, Port: endpoint.Port}, nil
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		return filepath.Abs(path)
	}
}
