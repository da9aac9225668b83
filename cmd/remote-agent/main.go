package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/credentials"

	"github.com/EternisAI/remote-control/internal/agent"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/cert"
	"github.com/EternisAI/remote-control/internal/command"
	internaltls "github.com/EternisAI/remote-control/internal/tls"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Remote Agent", "version", AppVersion)

	secret, err := auth.LoadSecret(config.Agent.CredentialSource)
	if err != nil {
		slog.Error("Failed to load shared secret", "error", err)
		os.Exit(1)
	}

	name := config.Agent.Name
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			slog.Error("Failed to resolve host name", "error", err)
			os.Exit(1)
		}
	}
	aliases := append(append([]string{}, config.Agent.Aliases...), agent.LocalNames()...)

	allowed, err := parseAllowed(config.Agent.AllowedCommands)
	if err != nil {
		slog.Error("Invalid command whitelist", "error", err)
		os.Exit(1)
	}

	tlsConfig, healthCreds, err := loadTLS(config.Agent.TLS, append([]string{name}, aliases...))
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	executor := agent.NewOSExecutor(agent.ExecutorConfig{
		Apps:                 config.Agent.Apps,
		ListRoot:             config.Agent.ListRoot,
		ListCap:              config.Agent.ListCap,
		DefaultShutdownDelay: time.Duration(config.Agent.ShutdownDefaultDelay) * time.Second,
		Shutdowner:           agent.SystemShutdowner{},
	})

	var handshakeRate rate.Limit
	if config.Agent.HandshakesPerMin > 0 {
		handshakeRate = rate.Every(time.Minute / time.Duration(config.Agent.HandshakesPerMin))
	}

	srv, err := agent.NewServer(agent.Options{
		Name:             name,
		Aliases:          aliases,
		Secret:           secret,
		HandshakeTimeout: time.Duration(config.Agent.HandshakeTimeoutMs) * time.Millisecond,
		HandshakeRate:    handshakeRate,
		AllowedKinds:     allowed,
		Executor:         executor,
		TLS:              tlsConfig,
	})
	if err != nil {
		slog.Error("Failed to create agent server", "error", err)
		os.Exit(1)
	}

	var healthSrv *agent.HealthServer
	if config.Health.Port > 0 {
		healthSrv = agent.NewHealthServer(config.Health.Port, healthCreds)
		if err := healthSrv.Listen(); err != nil {
			slog.Error("Failed to start health server", "error", err)
			os.Exit(1)
		}
	}

	errChan := make(chan error, 2)
	addr := fmt.Sprintf(":%d", config.Agent.Port)
	go func() {
		slog.Info("Starting agent", "address", addr, "name", name, "tls", tlsConfig != nil)
		if err := srv.Listen(addr); err != nil {
			errChan <- fmt.Errorf("agent server error: %w", err)
		}
	}()

	if healthSrv != nil {
		go func() {
			if err := healthSrv.Serve(); err != nil {
				errChan <- fmt.Errorf("health server error: %w", err)
			}
		}()
		healthSrv.SetServing(true)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down agent...")
	if healthSrv != nil {
		healthSrv.SetServing(false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Agent server shutdown error", "error", err)
		}
	}()

	if healthSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthSrv.Stop(ctx)
		}()
	}

	wg.Wait()

	if executor.CancelShutdown() {
		slog.Warn("Cancelled pending shutdown on exit")
	}
	slog.Info("Shutdown complete")
}

func parseAllowed(names []string) ([]command.Kind, error) {
	kinds := make([]command.Kind, 0, len(names))
	for _, n := range names {
		kind, _, err := command.ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// loadTLS returns nil configs when TLS is disabled.
func loadTLS(cfg internaltls.Config, hosts []string) (*tls.Config, credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	if cfg.AutoGenerate {
		if _, err := cert.EnsureSelfSigned(cfg.CertFile, cfg.KeyFile, hosts); err != nil {
			return nil, nil, err
		}
	}

	leaf, err := cert.LoadCertificate(cfg.CertFile)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Agent certificate loaded", "subject", leaf.Subject.CommonName, "expires_at", leaf.NotAfter, "sha256", cert.Fingerprint(leaf))

	clientAuth, err := internaltls.ParseClientAuthType(cfg.ClientAuth)
	if err != nil {
		return nil, nil, err
	}

	tlsConfig, err := internaltls.ServerConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile, clientAuth)
	if err != nil {
		return nil, nil, err
	}
	creds, err := internaltls.LoadServerCredentials(cfg.CertFile, cfg.KeyFile, cfg.CAFile, clientAuth)
	if err != nil {
		return nil, nil, err
	}
	return tlsConfig, creds, nil
}
