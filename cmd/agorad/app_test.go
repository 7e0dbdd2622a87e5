package main

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Agora-Governance/internal/auth"
	"Agora-Governance/internal/config"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/dispatch"
	"Agora-Governance/internal/persistence"
)

func sampleConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvJWTSecret, "")
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "agora.json"))
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Runtime.DataDir = dir
	cfg.Persistence.Path = filepath.Join(dir, "state.json")
	cfg.Server.MetricsAddress = ""
	return cfg
}

func TestBuildFromSampleConfig(t *testing.T) {
	ctx := context.Background()
	cfg := sampleConfig(t)
	app, err := build(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()

	ids := make([]string, 0)
	for _, d := range app.registry.List() {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, "tester")
	assert.Contains(t, ids, "security")
	assert.Len(t, app.patterns.Patterns(), 3)
	assert.Nil(t, app.auth, "auth is disabled in the sample config")

	_, err = app.dispatcher.Dispatch(ctx, "store password = hunter2 in the task notes", dispatch.Options{RequestingAgent: "coder"})
	var blocked *constitution.BlockedError
	require.True(t, errors.As(err, &blocked), "expected blocked error, got %v", err)
	assert.True(t, slices.Contains(blocked.Verdict.ViolatedPrinciples, "secrets-stay-out-of-tasks"))

	res, err := app.dispatcher.Dispatch(ctx, "fix the crash in the login handler", dispatch.Options{RequestingAgent: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, "coder", res.AgentID)

	require.NoError(t, app.snapshotter.Save(ctx))
	restored, err := build(ctx, cfg)
	require.NoError(t, err)
	defer restored.Close()
	loaded, err := restored.snapshotter.Load(ctx)
	require.NoError(t, err)
	require.True(t, loaded)
	_, found := restored.queue.GetTask(res.TaskID)
	assert.True(t, found, "dispatched task should survive a restart")
}

func TestBuildSharesSQLiteWithAccounts(t *testing.T) {
	ctx := context.Background()
	cfg := sampleConfig(t)
	cfg.Persistence.Driver = "sqlite"
	cfg.Persistence.Path = filepath.Join(cfg.Runtime.DataDir, "agora.db")
	cfg.Auth.Mode = string(auth.ModeJWT)
	cfg.Auth.JWT.Secret = "test-secret"

	app, err := build(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()

	_, ok := app.store.(*persistence.SQLStore)
	require.True(t, ok, "sqlite driver should open a SQLStore")
	require.NotNil(t, app.auth)

	pair, err := app.auth.Authenticate(ctx, auth.TokenRequest{GrantType: "password", Username: "security", Password: "change-me"})
	require.NoError(t, err)
	subject, err := app.auth.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, subject.HasPermission(auth.PermVote))
	assert.False(t, subject.HasPermission(auth.PermDispatch))
}

func TestLoadPrinciplesOverridesBuiltin(t *testing.T) {
	builtin := constitution.DefaultPrinciples()
	disabled := false
	principles, err := loadPrinciples(config.GovernanceConfig{
		PrinciplesFile:    filepath.Join("..", "..", "configs", "principles.yaml"),
		BuiltinPrinciples: &disabled,
	})
	require.NoError(t, err)
	assert.Len(t, principles, 2)

	principles, err = loadPrinciples(config.GovernanceConfig{PrinciplesFile: filepath.Join("..", "..", "configs", "principles.yaml")})
	require.NoError(t, err)
	assert.Len(t, principles, len(builtin)+2)
}

func TestBuildBrokerRejectsUnknownDriver(t *testing.T) {
	_, err := buildBroker(config.QueueConfig{Driver: "kafka"})
	assert.Error(t, err)
}
