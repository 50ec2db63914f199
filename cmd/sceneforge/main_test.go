package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/sceneforge/config"
	"github.com/BaSui01/sceneforge/testutil"
	"github.com/BaSui01/sceneforge/testutil/fixtures"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Version(t *testing.T) {
	code, out, _ := runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "SceneForge "+Version)
	assert.Contains(t, out, "Git Commit")
}

func TestRun_UsageAndUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Usage:")

	code, _, errOut = runCLI(t, "", "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, out, _ := runCLI(t, "", "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "exec")
}

func TestRun_ExecWritesGLB(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "cube.js")
	require.NoError(t, os.WriteFile(script, []byte(fixtures.RedCubeScript), 0o644))

	code, out, errOut := runCLI(t, "", "exec", script)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "cube.glb")

	data, err := os.ReadFile(filepath.Join(dir, "cube.glb"))
	require.NoError(t, err)
	testutil.RequireMeshCount(t, data, 1)
}

func TestRun_ExecFromStdinWithFlagsAfterPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "scene.glb")

	code, _, errOut := runCLI(t, fixtures.RedCubeScript, "exec", "-", "-o", out, "--timeout", "5s")
	require.Equal(t, 0, code, errOut)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRun_ExecFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "never.glb")

	code, _, errOut := runCLI(t, `console.log("about to fail"); `+fixtures.ThrowingScript, "exec", "-o", out, "-")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "uncaught_exception")
	assert.Contains(t, errOut, "boom")
	assert.Contains(t, errOut, "about to fail")
	assert.NoFileExists(t, out)
}

func TestRun_ExecUsage(t *testing.T) {
	code, _, errOut := runCLI(t, "", "exec")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage: sceneforge exec")

	code, _, errOut = runCLI(t, "", "exec", filepath.Join(t.TempDir(), "missing.js"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "read script")
}

func TestRun_TokenRequiresSubjectAndSecret(t *testing.T) {
	code, _, errOut := runCLI(t, "", "token")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--subject is required")

	code, _, errOut = runCLI(t, "", "token", "--subject", "ci")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "jwt_secret")
}

func TestRun_TokenWithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  enabled: true
  jwt_secret: "0123456789abcdef0123456789abcdef"
  issuer: sceneforge
  audience: sceneforge-api
`), 0o644))

	code, out, errOut := runCLI(t, "", "token", "--config", path, "--subject", "ci")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}

func TestInitLogger(t *testing.T) {
	logger, level := initLogger(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	_, level = initLogger(config.LogConfig{Level: "nonsense", Format: "json"})
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	level.SetLevel(zapcore.WarnLevel)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}
