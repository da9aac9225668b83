package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/EternisAI/remote-control/internal/api/http"
	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/conn"
	"github.com/EternisAI/remote-control/internal/dispatch"
	internaltls "github.com/EternisAI/remote-control/internal/tls"
)

var AppVersion string

const shutdownTimeout = 10 * time.Second

func main() {
	InitConfig()

	slog.Info("Remote Controller", "version", AppVersion)

	if err := run(); err != nil {
		slog.Error("Controller exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret, err := auth.LoadSecret(config.Remote.CredentialSource)
	if err != nil {
		return fmt.Errorf("failed to load shared secret: %w", err)
	}
	creds := auth.Credentials{ClientID: config.Remote.ClientID, Secret: secret}

	tlsConfig, err := clientTLS(config.Remote.TLS)
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(ctx, config.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	manager := conn.NewManager(conn.Options{
		ConnectTimeout:    millis(config.Remote.ConnectTimeoutMs),
		HeartbeatInterval: millis(config.Remote.HeartbeatIntervalMs),
		IdleTimeout:       millis(config.Remote.IdleTimeoutMs),
		Network:           conn.NewInterfaceStatus(),
		TLS:               tlsConfig,
	})
	manager.Start()

	dispatcher := dispatch.NewDispatcher(manager, auditLog, dispatch.Options{
		DefaultTimeout:        millis(config.Remote.CommandTimeoutMs),
		RetryOnConnectionLost: config.Remote.RetryOnConnectionLost,
	})

	if config.Http.APIKeyHash == "" {
		slog.Warn("http.api_key_hash is not set, the API will reject every request")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     config.Http.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Dispatcher:  dispatcher,
		Connections: manager,
		Audit:       auditLog,
		Credentials: creds,
		DefaultPort: config.Remote.DefaultPort,
	}, config.Http)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Http.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down controller...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}

		manager.Stop()

		if err := auditLog.Close(shutdownCtx); err != nil {
			slog.Error("Audit log close error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// clientTLS returns nil when the command channel runs in plaintext.
func clientTLS(cfg internaltls.Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.InsecureSkipVerify {
		slog.Warn("Agent certificates are not verified")
	}
	return internaltls.ClientConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile, cfg.ServerName, cfg.InsecureSkipVerify)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
