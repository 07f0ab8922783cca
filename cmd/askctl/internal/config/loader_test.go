package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("askctl", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASKDB_CONFIG_DIR", dir)

	s, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultServer, s.Server)
	assert.Equal(t, dir, s.ConfigDir)
	assert.Equal(t, AuthModeSelf, s.AuthMode)
	assert.Equal(t, DefaultTimeout, s.Timeout)
	assert.Equal(t, "table", s.Output)
	assert.Empty(t, s.FileUsed)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "server: http://file:8000\noutput: csv\ntimeout: 5s\nlog_level: info\n")
	t.Setenv("ASKDB_CONFIG_DIR", dir)
	t.Setenv("ASKDB_OUTPUT", "json")
	t.Setenv("ASKDB_TIMEOUT", "7s")

	s, err := Load(newFlags(t, "--timeout", "9s"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), s.FileUsed)
	assert.Equal(t, "http://file:8000", s.Server, "file overrides default")
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "json", s.Output, "env overrides file")
	assert.Equal(t, 9*time.Second, s.Timeout, "flag overrides env")
}

func TestLoadUnchangedFlagsDoNotOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "server: http://file:8000\n")
	t.Setenv("ASKDB_CONFIG_DIR", dir)

	s, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "http://file:8000", s.Server)
}

func TestLoadOIDC(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "auth_mode: oidc\noidc:\n  issuer: https://file.example\n")
	t.Setenv("ASKDB_CONFIG_DIR", dir)
	t.Setenv("ASKDB_OIDC_CLIENT_ID", "askctl")

	s, err := Load(newFlags(t, "--oidc-issuer", "https://flag.example"))
	require.NoError(t, err)
	assert.Equal(t, AuthModeOIDC, s.AuthMode)
	assert.Equal(t, "https://flag.example", s.OIDC.Issuer)
	assert.Equal(t, "askctl", s.OIDC.ClientID)
}

func TestLoadConfigDirFlag(t *testing.T) {
	envDir, flagDir := t.TempDir(), t.TempDir()
	writeConfig(t, flagDir, "server: http://flagdir:8000\n")
	t.Setenv("ASKDB_CONFIG_DIR", envDir)

	s, err := Load(newFlags(t, "--config-dir", flagDir))
	require.NoError(t, err)
	assert.Equal(t, flagDir, s.ConfigDir)
	assert.Equal(t, "http://flagdir:8000", s.Server)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown auth mode", []string{"--auth-mode", "ldap"}},
		{"oidc without issuer", []string{"--auth-mode", "oidc"}},
		{"unknown output", []string{"-o", "yaml"}},
		{"zero timeout", []string{"--timeout", "0s"}},
		{"empty server", []string{"--server", " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ASKDB_CONFIG_DIR", t.TempDir())
			_, err := Load(newFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestLoadBadFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "server: [unterminated\n")
	t.Setenv("ASKDB_CONFIG_DIR", dir)

	_, err := Load(newFlags(t))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "oidc.client_id", envKey("ASKDB_OIDC_CLIENT_ID"))
	assert.Equal(t, "log_level", envKey("ASKDB_LOG_LEVEL"))
	assert.Equal(t, "server", envKey("ASKDB_SERVER"))
}
