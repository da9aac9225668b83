package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/remote-control/internal/api/http/dto"
	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/command"
)

func commandBody(env *Environment, kind string, args command.Args) dto.CommandRequest {
	return dto.CommandRequest{Host: env.Agent.Host, Port: env.Agent.Port, Kind: kind, Args: args}
}

func TestCommands(t *testing.T, env *Environment) {
	rr := doJSON(env.Router, "POST", "/api/v1/connections", dto.ConnectRequest{Host: env.Agent.Host, Port: env.Agent.Port})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	t.Run("list directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

		rr := doJSON(env.Router, "POST", "/api/v1/commands", commandBody(env, "list_dir", command.Args{Path: dir}))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var res command.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		assert.Equal(t, command.StatusOk, res.Status)
		require.NotNil(t, res.Listing)
		require.Len(t, res.Listing.Entries, 1)
		assert.Equal(t, "notes.txt", res.Listing.Entries[0].Name)
	})

	t.Run("open whitelisted app", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/v1/commands", commandBody(env, "open_app", command.Args{App: "sleeper"}))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var res command.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		require.NotNil(t, res.Launch)
		assert.NotZero(t, res.Launch.PID)
		assert.Equal(t, "sleep started successfully", res.Launch.Message)
	})

	t.Run("open unknown app is refused by the agent", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/v1/commands", commandBody(env, "open_notepad", command.Args{}))
		require.Equal(t, http.StatusOK, rr.Code)

		var res command.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		assert.Equal(t, command.StatusFailed, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, command.CodeUnauthorized, res.Error.Code)
	})

	t.Run("shutdown is scheduled", func(t *testing.T) {
		before := time.Now()
		rr := doJSON(env.Router, "POST", "/api/v1/commands", commandBody(env, "shutdown", command.Args{DelaySeconds: command.Delay(300)}))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var res command.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		require.NotNil(t, res.Shutdown)
		assert.WithinDuration(t, before.Add(300*time.Second), res.Shutdown.ScheduledAt, 5*time.Second)
	})

	t.Run("invalid arguments never reach the agent", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/v1/commands", commandBody(env, "list_directory", command.Args{}))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestAuditPersistence(t *testing.T, env *Environment) {
	var resp struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	// list, open, refused open, shutdown, validation failure
	require.Eventually(t, func() bool {
		rr := doJSON(env.Router, "GET", "/api/v1/audit?limit=50", nil)
		if rr.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(rr.Body.Bytes(), &resp) == nil && resp.Count >= 5
	}, 5*time.Second, 50*time.Millisecond)

	latest := resp.Entries[0]
	assert.Equal(t, command.StatusFailed, latest.Status)
	assert.Contains(t, latest.Reason, "validation failed")

	var statuses []command.Status
	for _, e := range resp.Entries {
		statuses = append(statuses, e.Status)
	}
	assert.Contains(t, statuses, command.StatusOk)

	// A second store on the same schema sees what the controller wrote.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := audit.OpenPostgresStore(ctx, env.DatabaseURL, auditSchema)
	require.NoError(t, err)
	defer store.Close()

	persisted, err := store.List(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, persisted, resp.Count)
	assert.Equal(t, latest.ID, persisted[0].ID)
}
