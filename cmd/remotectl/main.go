package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/conn"
	"github.com/EternisAI/remote-control/internal/dispatch"
	internaltls "github.com/EternisAI/remote-control/internal/tls"
)

var AppVersion string

// errCommandFailed marks a command the agent answered with a failure. The
// result has already been printed.
var errCommandFailed = errors.New("command failed")

type rootOptions struct {
	configPath       string
	credentialSource string
	clientID         string
	timeout          time.Duration
	connectTimeout   time.Duration
	output           string
	auditDB          string
	logLevel         string

	config *CLIConfig
}

func (r *rootOptions) prepare() error {
	level := slog.LevelWarn
	if err := level.UnmarshalText([]byte(strings.ToUpper(r.logLevel))); err != nil {
		return fmt.Errorf("invalid log level %q", r.logLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadCLIConfig(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	if r.clientID == "" {
		r.clientID = cfg.ClientID
	}
	if r.clientID == "" {
		r.clientID = "remotectl"
	}
	return nil
}

// session is one connected agent for the lifetime of a single invocation.
type session struct {
	manager    *conn.Manager
	dispatcher *dispatch.Dispatcher
	log        *audit.Log
	endpoint   command.Endpoint
	info       conn.Info
}

func (r *rootOptions) connect(ctx context.Context, name string) (*session, error) {
	target, err := r.config.resolve(name)
	if err != nil {
		return nil, err
	}

	source := r.credentialSource
	if source == "" {
		source = target.CredentialSource
	}
	if source == "" {
		source = "env:REMOTE_SHARED_SECRET"
	}
	secret, err := auth.LoadSecret(source)
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if target.TLS.Enabled {
		tlsConfig, err = internaltls.ClientConfig("", "", target.TLS.CAFile, target.TLS.ServerName, target.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
	}

	s := &session{
		manager: conn.NewManager(conn.Options{
			ConnectTimeout: r.connectTimeout,
			TLS:            tlsConfig,
		}),
		endpoint: command.Endpoint{Host: target.Host, Port: target.Port},
	}

	var recorder dispatch.Recorder
	if r.auditDB != "" {
		s.log, err = audit.Open(ctx, audit.Config{Backend: audit.BackendSQLite, SQLitePath: r.auditDB})
		if err != nil {
			return nil, err
		}
		recorder = s.log
	}
	s.dispatcher = dispatch.NewDispatcher(s.manager, recorder, dispatch.Options{DefaultTimeout: r.timeout})

	c, err := s.dispatcher.Connect(ctx, s.endpoint, auth.Credentials{ClientID: r.clientID, Secret: secret})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("connect %s: %w", s.endpoint, err)
	}
	s.info = c.Info()
	return s, nil
}

func (s *session) close() {
	s.manager.Stop()
	if s.log != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.log.Close(ctx); err != nil {
			slog.Warn("Failed to close audit log", "error", err)
		}
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "remotectl",
		Short:         "Send commands to remote agents",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.prepare()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfigPath(), "path to the agents file")
	flags.StringVar(&opts.credentialSource, "secret", "", "shared secret source: env:NAME, file:PATH or literal (default env:REMOTE_SHARED_SECRET)")
	flags.StringVar(&opts.clientID, "client-id", "", "client id presented to the agent")
	flags.DurationVar(&opts.timeout, "timeout", dispatch.DefaultTimeout, "command timeout")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", conn.DefaultConnectTimeout, "connect timeout")
	flags.StringVarP(&opts.output, "output", "o", formatText, "output format: text, json or yaml")
	flags.StringVar(&opts.auditDB, "audit-db", "", "record commands in this SQLite file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newOpenCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newShutdownCmd(opts))
	rootCmd.AddCommand(newAuditCmd(opts))
	rootCmd.AddCommand(newAgentCmd(opts))
	rootCmd.AddCommand(newHashKeyCmd())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errCommandFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, command.Tag(err))
		}
		os.Exit(1)
	}
}
