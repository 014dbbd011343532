// Package config loads rgeres settings from an optional TOML file,
// RGERES_* environment variables, and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/odvcencio/rgeres/pkg/generate"
	"github.com/odvcencio/rgeres/pkg/reconcile"
	"github.com/odvcencio/rgeres/pkg/remote"
)

// FileName is the config file looked up in the working directory when no
// path is given.
const FileName = "rgeres.toml"

// EnvPrefix prefixes every environment override, e.g. RGERES_REMOTE_REPO.
const EnvPrefix = "RGERES"

// Production modes.
const (
	ModeLocal = "local"
	ModeAI    = "ai"
)

// Config is the full set of generator settings.
type Config struct {
	OutDir      string `mapstructure:"out_dir" toml:"out_dir"`
	Mode        string `mapstructure:"mode" toml:"mode"`
	Type        string `mapstructure:"type" toml:"type"`
	TemplateDir string `mapstructure:"template_dir" toml:"template_dir"`
	LogFile     string `mapstructure:"log_file" toml:"log_file"`

	Remote Remote `mapstructure:"remote" toml:"remote"`
	AI     AI     `mapstructure:"ai" toml:"ai"`
}

// Remote configures the contents API target. Credentials are never read
// from the file.
type Remote struct {
	APIURL         string `mapstructure:"api_url" toml:"api_url"`
	Repo           string `mapstructure:"repo" toml:"repo"`
	Branch         string `mapstructure:"branch" toml:"branch"`
	Message        string `mapstructure:"message" toml:"message"`
	Prefix         string `mapstructure:"prefix" toml:"prefix"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts" toml:"max_attempts"`
}

// AI configures the hosted model producer.
type AI struct {
	Model     string `mapstructure:"model" toml:"model"`
	MaxTokens int    `mapstructure:"max_tokens" toml:"max_tokens"`
	BaseURL   string `mapstructure:"base_url" toml:"base_url"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		OutDir: "output",
		Mode:   ModeLocal,
		Type:   "both",
		Remote: Remote{
			APIURL:         remote.DefaultBaseURL,
			Branch:         "main",
			Message:        reconcile.DefaultMessage,
			TimeoutSeconds: 60,
			MaxAttempts:    3,
		},
		AI: AI{
			Model:     generate.DefaultModel,
			MaxTokens: generate.DefaultMaxTokens,
		},
	}
}

// Validate checks values a typo would otherwise turn into a confusing
// runtime failure.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeLocal, ModeAI:
	default:
		errs = append(errs, fmt.Errorf("mode %q must be %q or %q", c.Mode, ModeLocal, ModeAI))
	}
	if _, err := generate.ParseSelection(c.Type); err != nil {
		errs = append(errs, fmt.Errorf("type: %w", err))
	}
	if strings.TrimSpace(c.OutDir) == "" {
		errs = append(errs, errors.New("out_dir is required"))
	}
	if strings.TrimSpace(c.Remote.Repo) != "" {
		if _, err := remote.ParseRepository(c.Remote.Repo); err != nil {
			errs = append(errs, fmt.Errorf("remote.repo: %w", err))
		}
	}
	if c.Remote.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("remote.timeout_seconds must not be negative"))
	}
	if c.Remote.MaxAttempts < 0 {
		errs = append(errs, errors.New("remote.max_attempts must not be negative"))
	}
	if c.AI.MaxTokens < 0 {
		errs = append(errs, errors.New("ai.max_tokens must not be negative"))
	}
	return errors.Join(errs...)
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"outdir":         "out_dir",
	"mode":           "mode",
	"type":           "type",
	"template-dir":   "template_dir",
	"log-file":       "log_file",
	"api-url":        "remote.api_url",
	"repo":           "remote.repo",
	"branch":         "remote.branch",
	"commit-message": "remote.message",
	"prefix":         "remote.prefix",
	"model":          "ai.model",
}

// Load layers defaults, the TOML file at path, RGERES_* environment
// variables, and any flags in fs that the user changed, in increasing
// precedence. An empty path uses FileName in the working directory if it
// exists; an explicit path must exist.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = FileName
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see nested keys
// that the file does not mention.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("out_dir", d.OutDir)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("type", d.Type)
	v.SetDefault("template_dir", d.TemplateDir)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("remote.api_url", d.Remote.APIURL)
	v.SetDefault("remote.repo", d.Remote.Repo)
	v.SetDefault("remote.branch", d.Remote.Branch)
	v.SetDefault("remote.message", d.Remote.Message)
	v.SetDefault("remote.prefix", d.Remote.Prefix)
	v.SetDefault("remote.timeout_seconds", d.Remote.TimeoutSeconds)
	v.SetDefault("remote.max_attempts", d.Remote.MaxAttempts)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.max_tokens", d.AI.MaxTokens)
	v.SetDefault("ai.base_url", d.AI.BaseURL)
}

// WriteDefault writes the default configuration to path as TOML. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config init: %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config init: %w", err)
		}
	}
	var buf bytes.Buffer
	buf.WriteString("# rgeres configuration. Credentials come from the environment:\n")
	buf.WriteString("# RGERES_GITHUB_TOKEN (or GITHUB_TOKEN) and ANTHROPIC_API_KEY.\n\n")
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return fmt.Errorf("config init: encode: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config init: %w", err)
	}
	return nil
}
