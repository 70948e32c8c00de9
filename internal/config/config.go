// Package config loads server settings from defaults, an optional YAML file,
// CLAWDECK_* environment variables, and CLI overrides, in ascending
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrMissingToken is returned by Validate when auth is required but no API
// token is configured. Startup treats it as fatal.
var ErrMissingToken = errors.New("config: auth required but no API token configured")

// Tunnel modes.
const (
	TunnelQuick = "quick"
	TunnelNamed = "named"
)

// Settings holds the merged configuration. Env variables use the CLAWDECK_
// prefix (e.g. CLAWDECK_API_TOKEN).
type Settings struct {
	APIToken     string `envconfig:"API_TOKEN" yaml:"api_token"`
	Port         int    `envconfig:"PORT" yaml:"port"`
	AuthRequired bool   `envconfig:"AUTH_REQUIRED" yaml:"auth_required"`

	TmuxSession    string `envconfig:"TMUX_SESSION" yaml:"tmux_session"`
	Shell          string `envconfig:"SHELL_CMD" yaml:"shell"`
	WorkDir        string `envconfig:"WORK_DIR" yaml:"work_dir"`
	Model          string `envconfig:"MODEL" yaml:"model"`
	PermissionMode string `envconfig:"PERMISSION_MODE" yaml:"permission_mode"`

	TunnelMode     string `envconfig:"TUNNEL_MODE" yaml:"tunnel_mode"`
	TunnelHostname string `envconfig:"TUNNEL_HOSTNAME" yaml:"tunnel_hostname"`
	TunnelName     string `envconfig:"TUNNEL_NAME" yaml:"tunnel_name"`

	MaxSessions int    `envconfig:"MAX_SESSIONS" yaml:"max_sessions"`
	DataDir     string `envconfig:"DATA_DIR" yaml:"data_dir"`
	AgentBinary string `envconfig:"AGENT_BINARY" yaml:"agent_binary"`
}

// Overrides carries CLI flag values. Nil fields are unset.
type Overrides struct {
	APIToken   *string
	Port       *int
	TunnelMode *string
	WorkDir    *string
}

func defaults() *Settings {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	return &Settings{
		Port:           8765,
		AuthRequired:   true,
		Shell:          os.Getenv("SHELL"),
		WorkDir:        cwd,
		PermissionMode: "default",
		TunnelMode:     TunnelQuick,
		MaxSessions:    5,
		DataDir:        filepath.Join(home, ".clawdeck"),
		AgentBinary:    "claude",
	}
}

// fileConfig mirrors Settings with pointer fields so an absent YAML key does
// not clobber a lower layer.
type fileConfig struct {
	APIToken       *string `yaml:"api_token"`
	Port           *int    `yaml:"port"`
	AuthRequired   *bool   `yaml:"auth_required"`
	TmuxSession    *string `yaml:"tmux_session"`
	Shell          *string `yaml:"shell"`
	WorkDir        *string `yaml:"work_dir"`
	Model          *string `yaml:"model"`
	PermissionMode *string `yaml:"permission_mode"`
	TunnelMode     *string `yaml:"tunnel_mode"`
	TunnelHostname *string `yaml:"tunnel_hostname"`
	TunnelName     *string `yaml:"tunnel_name"`
	MaxSessions    *int    `yaml:"max_sessions"`
	DataDir        *string `yaml:"data_dir"`
	AgentBinary    *string `yaml:"agent_binary"`
}

// Load merges configuration layers. path may be empty (no file layer); a
// missing file at an explicit path is an error.
func Load(path string, ov Overrides) (*Settings, error) {
	s := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		fc.apply(s)
	}

	// Env layer. Fields have no envconfig defaults, so unset variables leave
	// the lower layers untouched.
	if err := envconfig.Process("CLAWDECK", s); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if ov.APIToken != nil {
		s.APIToken = *ov.APIToken
	}
	if ov.Port != nil {
		s.Port = *ov.Port
	}
	if ov.TunnelMode != nil {
		s.TunnelMode = *ov.TunnelMode
	}
	if ov.WorkDir != nil {
		s.WorkDir = *ov.WorkDir
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (fc *fileConfig) apply(s *Settings) {
	if fc.APIToken != nil {
		s.APIToken = *fc.APIToken
	}
	if fc.Port != nil {
		s.Port = *fc.Port
	}
	if fc.AuthRequired != nil {
		s.AuthRequired = *fc.AuthRequired
	}
	if fc.TmuxSession != nil {
		s.TmuxSession = *fc.TmuxSession
	}
	if fc.Shell != nil {
		s.Shell = *fc.Shell
	}
	if fc.WorkDir != nil {
		s.WorkDir = *fc.WorkDir
	}
	if fc.Model != nil {
		s.Model = *fc.Model
	}
	if fc.PermissionMode != nil {
		s.PermissionMode = *fc.PermissionMode
	}
	if fc.TunnelMode != nil {
		s.TunnelMode = *fc.TunnelMode
	}
	if fc.TunnelHostname != nil {
		s.TunnelHostname = *fc.TunnelHostname
	}
	if fc.TunnelName != nil {
		s.TunnelName = *fc.TunnelName
	}
	if fc.MaxSessions != nil {
		s.MaxSessions = *fc.MaxSessions
	}
	if fc.DataDir != nil {
		s.DataDir = *fc.DataDir
	}
	if fc.AgentBinary != nil {
		s.AgentBinary = *fc.AgentBinary
	}
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if s.AuthRequired && s.APIToken == "" {
		return ErrMissingToken
	}
	if s.TunnelMode != TunnelQuick && s.TunnelMode != TunnelNamed {
		return fmt.Errorf("config: unknown tunnel mode %q", s.TunnelMode)
	}
	if s.TunnelMode == TunnelNamed && s.TunnelHostname == "" {
		return fmt.Errorf("config: named tunnel mode requires a hostname")
	}
	if s.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be positive")
	}
	return nil
}

// PIDFile is the supervisor lock file path.
func (s *Settings) PIDFile() string { return filepath.Join(s.DataDir, "supervisor.pid") }

// KnownGoodRefFile points at the last revision that survived the deploy window.
func (s *Settings) KnownGoodRefFile() string { return filepath.Join(s.DataDir, "known-good-ref") }

// DeployStateFile records the last deploy timestamp.
func (s *Settings) DeployStateFile() string { return filepath.Join(s.DataDir, "deploy-state.json") }

// SessionStateFile is the across-restart session snapshot, consumed once.
func (s *Settings) SessionStateFile() string { return filepath.Join(s.DataDir, "session-state.json") }

// FernetKeyFile stores the key used to encrypt resume tokens at rest.
func (s *Settings) FernetKeyFile() string { return filepath.Join(s.DataDir, "state.key") }
