package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/EternisAI/remote-control/internal/agent"
	"github.com/EternisAI/remote-control/internal/command"
)

const testSecret = "cli-secret"

func startAgent(t *testing.T) string {
	t.Helper()

	exec := agent.NewOSExecutor(agent.ExecutorConfig{
		Shutdowner: agent.ShutdownFunc(func() error { return nil }),
	})
	t.Cleanup(func() { exec.CancelShutdown() })

	srv, err := agent.NewServer(agent.Options{Name: "127.0.0.1", Secret: []byte(testSecret), Executor: exec})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestListDirectory(t *testing.T) {
	addr := startAgent(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "photos"), 0o755))

	out, err := runCLI(t, "--secret", testSecret, "ls", "-a", addr, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "report.txt")
	assert.Contains(t, out, "photos")

	out, err = runCLI(t, "--secret", testSecret, "-o", "json", "ls", "-a", addr, dir)
	require.NoError(t, err)
	var res command.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, command.StatusOk, res.Status)
	require.NotNil(t, res.Listing)
	assert.Len(t, res.Listing.Entries, 2)

	out, err = runCLI(t, "--secret", testSecret, "-o", "yaml", "ls", "-a", addr, dir)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &generic))
	assert.Equal(t, "ok", generic["status"])
	assert.Equal(t, "list_directory", generic["kind"])
}

func TestAgentFailureExitsNonZero(t *testing.T) {
	addr := startAgent(t)

	out, err := runCLI(t, "--secret", testSecret, "ls", "-a", addr, filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, errCommandFailed)
	assert.Contains(t, out, "Failed: execution_failed")
}

func TestShutdownReturnsSchedule(t *testing.T) {
	addr := startAgent(t)

	out, err := runCLI(t, "--secret", testSecret, "shutdown", "-a", addr, "--delay", "120")
	require.NoError(t, err)
	assert.Contains(t, out, "Shutdown scheduled at")
}

func TestConnectWrongSecret(t *testing.T) {
	addr := startAgent(t)

	_, err := runCLI(t, "--secret", "wrong", "connect", addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrAuthFailed)
}

func TestValidationBeforeConnect(t *testing.T) {
	// Nothing listens here; validation must fail first.
	_, err := runCLI(t, "--secret", testSecret, "open", "-a", "127.0.0.1:1", `C:\Windows\evil.exe`)
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrValidationFailed)
}

func TestAuditDB(t *testing.T) {
	addr := startAgent(t)
	db := filepath.Join(t.TempDir(), "audit.db")

	_, err := runCLI(t, "--secret", testSecret, "--audit-db", db, "ls", "-a", addr, t.TempDir())
	require.NoError(t, err)

	out, err := runCLI(t, "--audit-db", db, "-o", "json", "audit")
	require.NoError(t, err)
	var entries []struct {
		Endpoint string `json:"endpoint"`
		Kind     string `json:"kind"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, addr, entries[0].Endpoint)
	assert.Equal(t, "list_directory", entries[0].Kind)
	assert.Equal(t, "ok", entries[0].Status)
}

func TestNamedAgents(t *testing.T) {
	addr := startAgent(t)
	cfgPath := filepath.Join(t.TempDir(), "remotectl.yaml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "agent", "add", "office", addr, "--credential-source", testSecret})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Saved agent office")

	cfg, err := loadCLIConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "office", cfg.DefaultAgent)
	require.Contains(t, cfg.Agents, "office")

	// The default agent and its stored secret are used when none are given.
	cmd = newRootCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "connect"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Connected to "+addr)
}

func TestResolve(t *testing.T) {
	cfg := &CLIConfig{Agents: map[string]*AgentTarget{"pc": {Host: "10.0.0.2"}}}

	target, err := cfg.resolve("pc")
	require.NoError(t, err)
	assert.Equal(t, command.DefaultPort, target.Port)

	target, err = cfg.resolve("192.168.1.9:4000")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.9", target.Host)
	assert.EqualValues(t, 4000, target.Port)

	_, err = cfg.resolve("")
	assert.ErrorIs(t, err, command.ErrValidationFailed)
}

func TestHashKey(t *testing.T) {
	out, err := runCLI(t, "hash-key", "s3cret")
	require.NoError(t, err)
	assert.Contains(t, out, "$2a$")
}
