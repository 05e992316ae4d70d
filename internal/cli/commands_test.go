package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/config"
	"github.com/roach88/cellsync/internal/remote"
	"github.com/roach88/cellsync/internal/testutil"
)

const scenariosDir = "../../testdata/scenarios"

// clientConfig writes a config file pointing at endpoint with a fixed
// identity, so separate invocations share one space.
func clientConfig(t *testing.T, endpoint string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellsync.yaml")
	data := fmt.Sprintf("client:\n  endpoint: %s\n  passphrase: alice\n  sync_timeout: 5s\nlog:\n  level: error\n", endpoint)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSetThenGet(t *testing.T) {
	srv := testutil.StartStore(t)
	cfg := clientConfig(t, srv.Endpoint)

	out, err := execute(t, "-c", cfg, "set", "profile", `{"message":"Hello World","count":42}`)
	require.NoError(t, err)
	assert.Equal(t, "{\"count\":42,\"message\":\"Hello World\"}\n", out)

	out, err = execute(t, "-c", cfg, "get", "profile")
	require.NoError(t, err)
	assert.Equal(t, "{\"count\":42,\"message\":\"Hello World\"}\n", out)

	out, err = execute(t, "-c", cfg, "get", "profile", "--path", "message")
	require.NoError(t, err)
	assert.Equal(t, "\"Hello World\"\n", out)
}

func TestSet_Path(t *testing.T) {
	srv := testutil.StartStore(t)
	cfg := clientConfig(t, srv.Endpoint)

	_, err := execute(t, "-c", cfg, "set", "settings", `{"theme":"light","size":12}`)
	require.NoError(t, err)
	_, err = execute(t, "-c", cfg, "set", "settings", `"dark"`, "--path", "theme")
	require.NoError(t, err)

	out, err := execute(t, "-c", cfg, "get", "settings")
	require.NoError(t, err)
	assert.Equal(t, "{\"size\":12,\"theme\":\"dark\"}\n", out)
}

func TestGet_UnknownDocumentIsSchemaDefault(t *testing.T) {
	srv := testutil.StartStore(t)
	cfg := clientConfig(t, srv.Endpoint)
	schemaFile := writeFile(t, t.TempDir(), "counter.cue", `{count: int | *0}`)

	out, err := execute(t, "-c", cfg, "get", "never-written", "--schema", schemaFile, "--path", "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestGet_JSONFormat(t *testing.T) {
	srv := testutil.StartStore(t)
	cfg := clientConfig(t, srv.Endpoint)

	_, err := execute(t, "-c", cfg, "set", "doc", `[1,2,3]`)
	require.NoError(t, err)

	out, err := execute(t, "-c", cfg, "--format", "json", "get", "doc")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Value []int  `json:"value"`
			URI   string `json:"uri"`
			Owner string `json:"owner"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []int{1, 2, 3}, resp.Data.Value)
	assert.True(t, strings.HasPrefix(resp.Data.URI, "of:"), resp.Data.URI)
	assert.True(t, strings.HasPrefix(resp.Data.Owner, "did:key:"), resp.Data.Owner)
}

func TestSet_Errors(t *testing.T) {
	srv := testutil.StartStore(t)
	cfg := clientConfig(t, srv.Endpoint)
	schemaFile := writeFile(t, t.TempDir(), "hello.cue", `{message: string, count: number}`)

	t.Run("invalid JSON is a command error", func(t *testing.T) {
		_, err := execute(t, "-c", cfg, "set", "doc", `{not json`)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("missing schema file is a command error", func(t *testing.T) {
		_, err := execute(t, "-c", cfg, "set", "doc", `1`, "--schema", "absent.cue")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("schema violation is rejected", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "--format", "json", "set", "hello", `{"message":"hi","count":"many"}`, "--schema", schemaFile)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "E_SCHEMA", resp.Error.Code)
	})
}

func TestGet_UnreachableStoreTimesOut(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "cellsync.yaml",
		"client:\n  endpoint: ws://127.0.0.1:1/api/storage/ws\n  sync_timeout: 200ms\n  backoff:\n    initial: 10ms\n    max: 50ms\nlog:\n  level: error\n")

	_, err := execute(t, "-c", cfg, "get", "doc")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestScenarioRun(t *testing.T) {
	out, err := execute(t, "scenario", "run", scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ hello_world")
	assert.Contains(t, out, "✓ offline_writes")
	assert.Contains(t, out, "4 passed, 0 failed, 4 total")
}

func TestScenarioRun_Filter(t *testing.T) {
	out, err := execute(t, "--format", "json", "scenario", "run", scenariosDir, "--filter", "hello_*")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "hello_world", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestScenarioRun_ExternalStore(t *testing.T) {
	srv := testutil.StartStore(t)

	out, err := execute(t, "scenario", "run", filepath.Join(scenariosDir, "hello_world.yaml"), "--endpoint", srv.Endpoint)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed")
	assert.Positive(t, srv.Marker())
}

func TestScenarioRun_Golden(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join(scenariosDir, "hello_world.yaml"))
	require.NoError(t, err)
	scenario := writeFile(t, dir, "hello_world.yaml", string(src))
	golden := filepath.Join(dir, "golden", "hello_world.golden")

	out, err := execute(t, "scenario", "run", scenario, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(golden updated)")

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"scenario_name":"hello_world","trace":[`), string(data))

	out, err = execute(t, "scenario", "run", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed")

	require.NoError(t, os.WriteFile(golden, []byte(`{"scenario_name":"hello_world","trace":[]}`), 0644))
	out, err = execute(t, "scenario", "run", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioRun_MissingPath(t *testing.T) {
	_, err := execute(t, "scenario", "run", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioValidate(t *testing.T) {
	out, err := execute(t, "scenario", "validate", scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "4 passed")

	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\nruntimes: [a]\nflow:\n  - runtime: b\n    synced: true\n")
	out, err = execute(t, "scenario", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken")
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Config: config.Default(), Logger: testutil.Logger()},
		Listen:      "127.0.0.1:0",
		Driver:      config.DriverMemory,
		Ready:       ready,
	}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	cfg := clientConfig(t, "ws://"+addr+remote.WebsocketPath)
	_, err := execute(t, "-c", cfg, "set", "served", `"ok"`)
	require.NoError(t, err)
	got, err := execute(t, "-c", cfg, "get", "served")
	require.NoError(t, err)
	assert.Equal(t, "\"ok\"\n", got)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, out.String(), "Store listening on ws://"+addr)
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		sc      config.ServerConfig
		wantErr bool
	}{
		{"sqlite", config.ServerConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "c.db")}, false},
		{"badger", config.ServerConfig{Driver: config.DriverBadger, Path: filepath.Join(dir, "badger")}, false},
		{"memory", config.ServerConfig{Driver: config.DriverMemory}, false},
		{"unknown", config.ServerConfig{Driver: "postgres"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := openBackend(tt.sc, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			m, err := b.MaxMarker(t.Context())
			require.NoError(t, err)
			assert.Zero(t, m)
			require.NoError(t, b.Close())
		})
	}
}
