package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/api/auth"
	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
)

func newTestSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	return settings
}

func execute(t *testing.T, settings *conf.Settings, args ...string) (string, error) {
	t.Helper()
	root := RootCommand(settings)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommand_Version(t *testing.T) {
	out, err := execute(t, newTestSettings(t), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, buildinfo.Version)
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := RootCommand(newTestSettings(t))
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "analyze", "token"})
}

func TestTokenCommand(t *testing.T) {
	settings := newTestSettings(t)
	settings.WebServer.TokenSecret = "cli-test-secret-0123456789"

	out, err := execute(t, settings, "token", "--subject", "ops", "--ttl", "1h")
	require.NoError(t, err)

	svc, err := auth.NewTokenService(settings.WebServer.TokenSecret, nil)
	require.NoError(t, err)
	subject, err := svc.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
}

func TestTokenCommand_NoSecret(t *testing.T) {
	_, err := execute(t, newTestSettings(t), "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokensecret")
}

func TestAnalyzeCommand_InvalidBBox(t *testing.T) {
	settings := newTestSettings(t)
	settings.Output.SQLite.Path = t.TempDir() + "/traffic.db"

	_, err := execute(t, settings, "analyze", "--bbox", "32.5,37.8,32.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bbox")
}
