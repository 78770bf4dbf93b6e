// Package config loads patchloop's frozen settings bundle from environment
// variables, once, at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable settings bundle for one patchloop process.
type Config struct {
	GitHubToken string
	TargetRepos []string // owner/name, parsed from TARGET_REPO

	PollInterval time.Duration

	IssueLabel      string
	ReadyLabel      string
	DoneLabel       string
	NeedsHumanLabel string

	// ModelLabels maps a backend name to the label that selects it.
	ModelLabels map[string]string

	WorkspaceDir string
	DBPath       string
	BranchPrefix string

	ReviewRounds         int
	ReviewerBackendOrder []string
	// BackendOrder is the default implementer backend order. Not settable
	// via env; always claude, codex, gemini. ReviewerBackendOrder starts as
	// the same list and REVIEWER_BACKEND_ORDER replaces it for the reviewer
	// role only.
	BackendOrder []string

	TestCmd        string
	TestTimeout    time.Duration
	WebhookPort    int
	WebhookSecret  string
	SessionTimeout time.Duration
	IssueTimeout   time.Duration

	MaxDiffFiles int
	MaxDiffLOC   int

	MaxTokensPerRun    int
	TokenWarningBuffer int

	ReportsDir    string
	JarvisRepoDir string
	Publish       bool

	LogLevel string

	MaxIssuesPerPoll int
}

// Load reads environment variables into a Config and validates it.
// requireExternal controls whether GITHUB_TOKEN/TARGET_REPO are required:
// the `poll`, `poll-once`, `run`, and `webhook` commands need a reachable
// SCM, but `status` and `report` only ever read the local ledger file, so
// they load with requireExternal=false and tolerate an empty token/repo
// list ("exit code 1 when required configuration is missing
// for poll|run|webhook" — implying status/report have no such
// requirement).
func Load(requireExternal bool) (*Config, error) {
	cfg := &Config{
		GitHubToken: os.Getenv("GITHUB_TOKEN"),
		ModelLabels: map[string]string{},
	}

	repoList := os.Getenv("TARGET_REPO")
	if repoList != "" {
		for _, r := range strings.Split(repoList, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				cfg.TargetRepos = append(cfg.TargetRepos, r)
			}
		}
	}

	cfg.PollInterval = durationSeconds("POLL_INTERVAL", 60)

	cfg.IssueLabel = envOr("ISSUE_LABEL", "jarvis")
	cfg.ReadyLabel = envOr("READY_LABEL", "jarvis-ready")
	cfg.DoneLabel = envOr("DONE_LABEL", "jarvis-done")
	cfg.NeedsHumanLabel = envOr("NEEDS_HUMAN_LABEL", "jarvis-needs-human")

	if v := os.Getenv("MODEL_LABEL_CLAUDE"); v != "" {
		cfg.ModelLabels["claude"] = v
	}
	if v := os.Getenv("MODEL_LABEL_CODEX"); v != "" {
		cfg.ModelLabels["codex"] = v
	}
	if v := os.Getenv("MODEL_LABEL_GEMINI"); v != "" {
		cfg.ModelLabels["gemini"] = v
	}

	cfg.WorkspaceDir = envOr("WORKSPACE_DIR", "./workspaces")
	cfg.DBPath = envOr("DB_PATH", "patchloop.db")
	cfg.BranchPrefix = envOr("BRANCH_PREFIX", "patchloop/")

	cfg.ReviewRounds = intOr("REVIEW_ROUNDS", 2)
	cfg.BackendOrder = []string{"claude", "codex", "gemini"}
	cfg.ReviewerBackendOrder = cfg.BackendOrder
	if v := os.Getenv("REVIEWER_BACKEND_ORDER"); v != "" {
		cfg.ReviewerBackendOrder = splitCSV(v)
	}

	cfg.TestCmd = os.Getenv("TEST_CMD")
	cfg.TestTimeout = durationSeconds("TEST_TIMEOUT_S", 600)

	cfg.WebhookPort = intOr("WEBHOOK_PORT", 8080)
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	cfg.SessionTimeout = durationSeconds("SESSION_TIMEOUT", 1800)
	cfg.IssueTimeout = durationSeconds("ISSUE_TIMEOUT", 900)

	cfg.MaxDiffFiles = intOr("MAX_DIFF_FILES", 20)
	cfg.MaxDiffLOC = intOr("MAX_DIFF_LOC", 500)

	cfg.MaxTokensPerRun = intOr("MAX_TOKENS_PER_RUN", 0)
	cfg.TokenWarningBuffer = intOr("TOKEN_WARNING_BUFFER", 0)

	cfg.ReportsDir = envOr("REPORTS_DIR", "./reports")
	cfg.JarvisRepoDir = os.Getenv("JARVIS_REPO_DIR")
	cfg.Publish = boolOr("PUBLISH", false)

	cfg.LogLevel = envOr("LOG_LEVEL", "info")

	cfg.MaxIssuesPerPoll = intOr("MAX_ISSUES_PER_POLL", 0)

	if err := cfg.validate(requireExternal); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(requireExternal bool) error {
	if requireExternal {
		if c.GitHubToken == "" {
			return fmt.Errorf("GITHUB_TOKEN is required")
		}
		if len(c.TargetRepos) == 0 {
			return fmt.Errorf("TARGET_REPO is required (comma-separated owner/name list)")
		}
	}
	for _, r := range c.TargetRepos {
		if !strings.Contains(r, "/") {
			return fmt.Errorf("TARGET_REPO entry %q must be owner/name", r)
		}
	}
	if c.ReviewRounds < 1 {
		return fmt.Errorf("REVIEW_ROUNDS must be >= 1, got %d", c.ReviewRounds)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durationSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(intOr(key, defSeconds)) * time.Second
}

func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
