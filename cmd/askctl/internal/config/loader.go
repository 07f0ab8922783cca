package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	// EnvPrefix prefixes every environment variable askctl reads.
	EnvPrefix = "ASKDB_"
	// FileName is the config file looked up in the config directory.
	FileName = "askdb.yaml"

	DefaultServer  = "http://localhost:8000"
	DefaultTimeout = 60 * time.Second
	DefaultOutput  = "table"
)

// Auth modes.
const (
	AuthModeSelf = "self"
	AuthModeOIDC = "oidc"
)

var outputs = map[string]bool{"table": true, "json": true, "csv": true, "markdown": true, "md": true}

// OIDCSettings configures delegated identity.
type OIDCSettings struct {
	Issuer   string `koanf:"issuer"`
	ClientID string `koanf:"client_id"`
}

// Settings is the merged askctl configuration.
type Settings struct {
	Server         string        `koanf:"server"`
	ConfigDir      string        `koanf:"config_dir"`
	AuthMode       string        `koanf:"auth_mode"`
	OIDC           OIDCSettings  `koanf:"oidc"`
	Timeout        time.Duration `koanf:"timeout"`
	Output         string        `koanf:"output"`
	LogLevel       string        `koanf:"log_level"`
	NonInteractive bool          `koanf:"non_interactive"`

	// FileUsed is the config file that was read, if any.
	FileUsed string `koanf:"-"`
}

// flagKeys maps flag names onto config keys. Flags not listed are not config.
var flagKeys = map[string]string{
	"server":          "server",
	"config-dir":      "config_dir",
	"auth-mode":       "auth_mode",
	"oidc-issuer":     "oidc.issuer",
	"oidc-client-id":  "oidc.client_id",
	"timeout":         "timeout",
	"output":          "output",
	"log-level":       "log_level",
	"non-interactive": "non_interactive",
}

// DefaultConfigDir returns ~/.askdb.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".askdb"
	}
	return filepath.Join(home, ".askdb")
}

// envKey maps ASKDB_OIDC_CLIENT_ID to oidc.client_id and ASKDB_LOG_LEVEL to log_level.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if rest, ok := strings.CutPrefix(key, "oidc_"); ok {
		return "oidc." + rest
	}
	return key
}

// Load merges defaults, <config_dir>/askdb.yaml, ASKDB_* environment variables
// and explicitly set flags, in increasing order of precedence.
func Load(flags *pflag.FlagSet) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]any{
		"server":          DefaultServer,
		"config_dir":      DefaultConfigDir(),
		"auth_mode":       AuthModeSelf,
		"timeout":         DefaultTimeout.String(),
		"output":          DefaultOutput,
		"log_level":       "warn",
		"non_interactive": false,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configDir := resolveConfigDir(flags)
	candidate := filepath.Join(configDir, FileName)
	var fileUsed string
	if _, err := os.Stat(candidate); err == nil {
		if err := k.Load(file.Provider(candidate), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", candidate, err)
		}
		fileUsed = candidate
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	s.ConfigDir = configDir
	s.FileUsed = fileUsed

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// resolveConfigDir picks the config directory before the file is read:
// --config-dir, then ASKDB_CONFIG_DIR, then ~/.askdb.
func resolveConfigDir(flags *pflag.FlagSet) string {
	if flags != nil {
		if f := flags.Lookup("config-dir"); f != nil && f.Changed && f.Value.String() != "" {
			return f.Value.String()
		}
	}
	if dir := os.Getenv(EnvPrefix + "CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir()
}

// Validate checks settings that would otherwise fail later and less clearly.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Server) == "" {
		errs = append(errs, errors.New("server must not be empty"))
	}
	switch s.AuthMode {
	case AuthModeSelf:
	case AuthModeOIDC:
		if s.OIDC.Issuer == "" || s.OIDC.ClientID == "" {
			errs = append(errs, errors.New("auth_mode oidc requires oidc.issuer and oidc.client_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth_mode must be %q or %q, got %q", AuthModeSelf, AuthModeOIDC, s.AuthMode))
	}
	if !outputs[strings.ToLower(s.Output)] {
		errs = append(errs, fmt.Errorf("unknown output format %q", s.Output))
	}
	if s.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", s.Timeout))
	}
	return errors.Join(errs...)
}

// RegisterFlags adds the config-backed persistent flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("server", DefaultServer, "askdb API server URL")
	fs.String("config-dir", "", "Directory holding askdb.yaml and stored credentials (default ~/.askdb)")
	fs.String("auth-mode", AuthModeSelf, "Identity mode: self (username/password) or oidc")
	fs.String("oidc-issuer", "", "OIDC issuer URL for --auth-mode oidc")
	fs.String("oidc-client-id", "", "OIDC client ID for --auth-mode oidc")
	fs.Duration("timeout", DefaultTimeout, "Per-request timeout")
	fs.StringP("output", "o", DefaultOutput, "Result format: table, json, csv or markdown")
	fs.String("log-level", "warn", "Diagnostic log level: debug, info, warn or error")
	fs.Bool("non-interactive", false, "Never prompt for input")
}
