package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	internalhttp "github.com/EternisAI/remote-control/internal/api/http"
	"github.com/EternisAI/remote-control/internal/agent"
	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/conn"
	"github.com/EternisAI/remote-control/internal/db"
	"github.com/EternisAI/remote-control/internal/dispatch"
)

const (
	apiKey      = "system-key"
	auditSchema = "remote_systemtest"
)

// Environment is a controller wired to Postgres and one local agent.
type Environment struct {
	Router      *gin.Engine
	Agent       command.Endpoint
	DatabaseURL string
	Log         *audit.Log
}

func NewEnvironment(t *testing.T, databaseURL string) *Environment {
	t.Helper()
	secret := []byte("system-secret")

	exec := agent.NewOSExecutor(agent.ExecutorConfig{
		Apps:       map[string]string{"sleeper": "sleep 5"},
		Shutdowner: agent.ShutdownFunc(func() error { return nil }),
	})
	t.Cleanup(func() { exec.CancelShutdown() })

	srv, err := agent.NewServer(agent.Options{Name: "127.0.0.1", Secret: secret, Executor: exec})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	log, err := audit.Open(context.Background(), audit.Config{
		Backend: audit.BackendPostgres,
		DB:      db.Config{Url: databaseURL, Schema: auditSchema},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close(context.Background()) })

	manager := conn.NewManager(conn.Options{})
	manager.Start()
	t.Cleanup(manager.Stop)

	hash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)

	router := gin.New()
	internalhttp.SetupRoute(router, &internalhttp.Services{
		Dispatcher:  dispatch.NewDispatcher(manager, log, dispatch.Options{}),
		Connections: manager,
		Audit:       log,
		Credentials: auth.Credentials{ClientID: "systemtest", Secret: secret},
		DefaultPort: command.DefaultPort,
	}, internalhttp.Config{APIKeyHash: hash})

	addr := ln.Addr().(*net.TCPAddr)
	return &Environment{
		Router:      router,
		Agent:       command.Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)},
		DatabaseURL: databaseURL,
		Log:         log,
	}
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthCheck(t *testing.T, env *Environment) {
	rr := doJSON(env.Router, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}
