package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgate/engine"
	"github.com/hupe1980/agentgate/server"
	"github.com/hupe1980/agentgate/supervisor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, engine.BackendAnthropic, cfg.Engine.Defaults.Backend)
	require.NotNil(t, cfg.Session.MaxQueue)
	assert.Equal(t, 16, *cfg.Session.MaxQueue)
	assert.Zero(t, cfg.Session.IdleTTL)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "agentgate.yaml", `
server:
  port: 9090
engine:
  defaults:
    backend: openai
    model: gpt-4o-mini
    system_prompt: be terse
    allowed_tools: [read, write]
  query_timeout: 90s
session:
  max_queue: 0
  idle_ttl: 15m
supervisor:
  drain_timeout: 5s
logging:
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Engine.Defaults.Backend)
	assert.Equal(t, "gpt-4o-mini", cfg.Engine.Defaults.Model)
	assert.Equal(t, []string{"read", "write"}, cfg.Engine.Defaults.AllowedTools)
	assert.Equal(t, 90*time.Second, cfg.Engine.QueryTimeout)
	assert.Equal(t, engine.DefaultConfig.FirstEventTimeout, cfg.Engine.FirstEventTimeout)
	require.NotNil(t, cfg.Session.MaxQueue)
	assert.Equal(t, 0, *cfg.Session.MaxQueue)
	assert.Equal(t, 15*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.DrainTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "bad.yaml", "server: [\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad-duration.yaml", "supervisor:\n  drain_timeout: soon\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"AGENTGATE_HOST":          "127.0.0.1",
		"AGENTGATE_PORT":          "8081",
		"AGENTGATE_BACKEND":       "mock",
		"AGENTGATE_CWD":           "/srv/work",
		"AGENTGATE_MAX_QUEUE":     "0",
		"AGENTGATE_QUEUE_TIMEOUT": "2s",
		"AGENTGATE_DRAIN_TIMEOUT": "1m",
		"AGENTGATE_LOG_LEVEL":     "debug",
		"UNRELATED":               "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8081", cfg.Server.Addr())
	assert.Equal(t, "mock", cfg.Engine.Defaults.Backend)
	assert.Equal(t, "/srv/work", cfg.Engine.Defaults.WorkingDir)
	assert.Equal(t, 0, *cfg.Session.MaxQueue)
	assert.Equal(t, 2*time.Second, cfg.Session.QueueTimeout)
	assert.Equal(t, time.Minute, cfg.Supervisor.DrainTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"AGENTGATE_PORT":          "eighty",
		"AGENTGATE_DRAIN_TIMEOUT": "forever",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTGATE_PORT")
	assert.Contains(t, err.Error(), "AGENTGATE_DRAIN_TIMEOUT")
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env"), true))
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env"), false))

	t.Setenv("AGENTGATE_TEST_PRESET", "kept")
	path := writeFile(t, ".env", "AGENTGATE_TEST_FROM_FILE=loaded\nAGENTGATE_TEST_PRESET=overridden\n")
	t.Cleanup(func() { _ = os.Unsetenv("AGENTGATE_TEST_FROM_FILE") })

	require.NoError(t, LoadEnvFile(path, false))
	assert.Equal(t, "loaded", os.Getenv("AGENTGATE_TEST_FROM_FILE"))
	assert.Equal(t, "kept", os.Getenv("AGENTGATE_TEST_PRESET"))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Engine.Defaults.Backend = ""
	negative := -1
	cfg.Session.MaxQueue = &negative
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "backend", "max_queue", "logging.level", "logging.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSupervisorOptions(t *testing.T) {
	cfg := Default()
	zero := 0
	cfg.Session.MaxQueue = &zero
	cfg.Session.IdleTTL = time.Minute
	cfg.Engine.Defaults.Backend = "mock"

	opts := supervisor.DefaultOptions
	cfg.SupervisorOptions(nil)(&opts)

	assert.Equal(t, "mock", opts.Defaults.Backend)
	assert.Equal(t, 0, opts.Session.Slot.MaxQueue)
	assert.Equal(t, cfg.Session.QueueTimeout, opts.Session.Slot.QueueTimeout)
	assert.Equal(t, time.Minute, opts.Session.IdleTTL)
	assert.Equal(t, cfg.Supervisor.DrainTimeout, opts.DrainTimeout)
	assert.Equal(t, cfg.Engine.QueryTimeout, opts.Engine.QueryTimeout)

	var srvOpts server.Options
	cfg.ServerOptions(nil)(&srvOpts)
	assert.Equal(t, time.Second, srvOpts.RetryAfter)
	assert.Equal(t, int64(1<<20), srvOpts.MaxBodyBytes)
}
