package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/odvcencio/rgeres/pkg/config"
	"github.com/odvcencio/rgeres/pkg/generate"
	"github.com/odvcencio/rgeres/pkg/reconcile"
	"github.com/odvcencio/rgeres/pkg/remote"
)

const configFileHint = config.FileName

// Environment variables holding credentials. They are read here and passed
// down explicitly; library packages never consult the environment.
const (
	envGitHubToken       = "RGERES_GITHUB_TOKEN"
	envGitHubTokenCompat = "GITHUB_TOKEN"
	envAnthropicKey      = "ANTHROPIC_API_KEY"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

// newLogger returns a logger tagged with a short per-run id. When a log file
// is configured, lines are also appended to it with size-based rotation.
func newLogger(cmd *cobra.Command, cfg config.Config) (*log.Logger, func()) {
	runID := uuid.NewString()[:8]
	var w io.Writer = cmd.ErrOrStderr()
	closeFn := func() {}

	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
		w = io.MultiWriter(w, lj)
		closeFn = func() { lj.Close() }
	}
	return log.New(w, "[rgeres "+runID+"] ", log.LstdFlags), closeFn
}

// addRemoteFlags registers the flags every command talking to the remote
// repository shares.
func addRemoteFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("repo", "", "owner/name of the GitHub repository to push to")
	f.String("branch", "main", "branch to push to")
	f.String("github-token", "", "GitHub token (default $"+envGitHubToken+" or $"+envGitHubTokenCompat+")")
	f.String("api-url", remote.DefaultBaseURL, "GitHub API base URL")
	f.String("prefix", "", "directory inside the repository for pushed files")
}

func githubToken(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("github-token"); f != nil {
		if v := strings.TrimSpace(f.Value.String()); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(os.Getenv(envGitHubToken)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(envGitHubTokenCompat))
}

func newProducer(cfg config.Config) (generate.Producer, error) {
	if cfg.Mode == config.ModeAI {
		return generate.NewAnthropicProducer(generate.AnthropicOptions{
			APIKey:    os.Getenv(envAnthropicKey),
			Model:     cfg.AI.Model,
			MaxTokens: cfg.AI.MaxTokens,
			BaseURL:   cfg.AI.BaseURL,
		})
	}
	return generate.NewTemplateProducer(cfg.TemplateDir), nil
}

func newRemoteClient(cfg config.Config, token string) (*remote.Client, error) {
	return remote.NewClient(cfg.Remote.Repo, remote.ClientOptions{
		BaseURL:     cfg.Remote.APIURL,
		Token:       token,
		Timeout:     time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		MaxAttempts: cfg.Remote.MaxAttempts,
		UserAgent:   "rgeres/" + version,
	})
}

// syncOptions returns nil when remote sync is off: it needs both a
// repository and a token.
func syncOptions(cfg config.Config, token string, logger *log.Logger) (*reconcile.SyncOptions, error) {
	repo := strings.TrimSpace(cfg.Remote.Repo)
	switch {
	case repo == "" && token == "":
		return nil, nil
	case repo == "":
		logger.Printf("WARNING: GitHub token set but no repository configured; remote sync disabled")
		return nil, nil
	case token == "":
		logger.Printf("no GitHub token; remote sync disabled for %s", repo)
		return nil, nil
	}
	client, err := newRemoteClient(cfg, token)
	if err != nil {
		return nil, err
	}
	return &reconcile.SyncOptions{
		Store:   client,
		Branch:  cfg.Remote.Branch,
		Message: cfg.Remote.Message,
		Prefix:  cfg.Remote.Prefix,
	}, nil
}

func newReconciler(cmd *cobra.Command, cfg config.Config, logger *log.Logger) (*reconcile.Reconciler, error) {
	producer, err := newProducer(cfg)
	if err != nil {
		return nil, err
	}
	syncOpts, err := syncOptions(cfg, githubToken(cmd), logger)
	if err != nil {
		return nil, err
	}
	return reconcile.New(reconcile.Config{
		Root:     cfg.OutDir,
		Producer: producer,
		Sync:     syncOpts,
		Logger:   logger,
	})
}

// requireRemote builds a client for read-only commands. A token is
// optional there: public repositories can be read anonymously.
func requireRemote(cmd *cobra.Command, cfg config.Config) (*remote.Client, error) {
	if strings.TrimSpace(cfg.Remote.Repo) == "" {
		return nil, fmt.Errorf("no repository configured (use --repo or remote.repo)")
	}
	return newRemoteClient(cfg, githubToken(cmd))
}
