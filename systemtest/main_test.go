package systemtest

import (
	"context"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/EternisAI/remote-control/systemtest/postgres"
	"github.com/EternisAI/remote-control/systemtest/tests"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system tests need Docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	pg, err := postgres.Start(ctx, "remote", "remote", "remote")
	require.NoError(t, err)
	defer func() { _ = pg.Terminate(ctx) }()

	env := tests.NewEnvironment(t, pg.URL)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, env) })
	t.Run("Commands", func(t *testing.T) { tests.TestCommands(t, env) })
	t.Run("AuditPersistence", func(t *testing.T) { tests.TestAuditPersistence(t, env) })
}
