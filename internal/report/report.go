// Package report implements Reports (C9): pure functions over Ledger
// contents producing per-issue, per-run, and session-summary text
// artifacts, plus best-effort persistence and publication of those
// artifacts to disk.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/patchloop/patchloop/internal/ledger"
	"github.com/patchloop/patchloop/internal/poller"
)

// statusIcon mirrors original_source/jarvis/report.py's single-character
// status markers, extended with the statuses this ledger adds beyond the
// original's {success, failed, running, pending}.
func statusIcon(s ledger.Status) string {
	switch s {
	case ledger.StatusSuccess:
		return "+"
	case ledger.StatusFailed:
		return "x"
	case ledger.StatusRunning:
		return "~"
	case ledger.StatusPending:
		return "?"
	case ledger.StatusTimeout:
		return "T"
	case ledger.StatusBlocked:
		return "B"
	case ledger.StatusDeferred:
		return "D"
	case ledger.StatusNeedsHuman:
		return "!"
	default:
		return "?"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func filterStatus(runs []*ledger.Run, status ledger.Status, limit int) []*ledger.Run {
	var out []*ledger.Run
	for _, r := range runs {
		if r.Status == status {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// FormatSummaryReport produces the session-spanning summary report over
// every run in the ledger, grounded in
// original_source/jarvis/report.py's format_summary_report.
func FormatSummaryReport(runs []*ledger.Run) string {
	if len(runs) == 0 {
		return "No runs recorded yet."
	}

	total := len(runs)
	counts := map[ledger.Status]int{}
	issues := map[int]bool{}
	for _, r := range runs {
		counts[r.Status]++
		issues[r.IssueNumber] = true
	}
	rate := float64(counts[ledger.StatusSuccess]) / float64(total) * 100

	var b strings.Builder
	b.WriteString("# Patchloop Run Report\n\n")
	fmt.Fprintf(&b, "**Total runs:** %d\n", total)
	fmt.Fprintf(&b, "**Unique issues:** %d\n", len(issues))
	fmt.Fprintf(&b, "**Success:** %d | **Failed:** %d | **Running:** %d | **Pending:** %d | **Blocked:** %d | **Deferred:** %d | **Needs human:** %d | **Timeout:** %d\n",
		counts[ledger.StatusSuccess], counts[ledger.StatusFailed], counts[ledger.StatusRunning], counts[ledger.StatusPending],
		counts[ledger.StatusBlocked], counts[ledger.StatusDeferred], counts[ledger.StatusNeedsHuman], counts[ledger.StatusTimeout])
	fmt.Fprintf(&b, "**Success rate:** %.1f%%\n", rate)

	if failures := filterStatus(runs, ledger.StatusFailed, 5); len(failures) > 0 {
		b.WriteString("\n## Recent Failures\n")
		for _, r := range failures {
			fmt.Fprintf(&b, "- Issue #%d (%s): %s\n", r.IssueNumber, r.IssueTitle, truncate(orDefault(r.Error, "unknown"), 100))
		}
	}

	if successes := filterStatus(runs, ledger.StatusSuccess, 5); len(successes) > 0 {
		b.WriteString("\n## Recent Successes\n")
		for _, r := range successes {
			fmt.Fprintf(&b, "- Issue #%d (%s): %s\n", r.IssueNumber, r.IssueTitle, orDefault(r.PRURL, "no PR"))
		}
	}

	return b.String()
}

// FormatIssueReport produces the full run history for one issue, grounded
// in original_source/jarvis/report.py's format_issue_report.
func FormatIssueReport(runs []*ledger.Run, issueNumber int) string {
	if len(runs) == 0 {
		return fmt.Sprintf("No runs found for issue #%d.", issueNumber)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Report for Issue #%d\n", issueNumber)
	fmt.Fprintf(&b, "**Title:** %s\n", runs[0].IssueTitle)
	fmt.Fprintf(&b, "**Total attempts:** %d\n\n", len(runs))
	b.WriteString("## Run History\n")

	for _, r := range runs {
		fmt.Fprintf(&b, "  [%s] Run #%d (%s) — %s\n", statusIcon(r.Status), r.ID, r.Status, humanize.Time(r.CreatedAt))
		if r.PRURL != "" {
			fmt.Fprintf(&b, "      PR: %s\n", r.PRURL)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "      Error: %s\n", truncate(r.Error, 200))
		}
		if r.AgentOutput != "" {
			excerpt := strings.ReplaceAll(truncate(r.AgentOutput, 200), "\n", " ")
			fmt.Fprintf(&b, "      Output: %s...\n", excerpt)
		}
	}

	return b.String()
}

// FormatRunArtifact is the per-run report text persisted to disk after
// every ProcessIssue call, one level more detailed than a
// single FormatIssueReport line: full status, timing, token usage, and
// a longer output excerpt.
func FormatRunArtifact(run *ledger.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run #%d — Issue #%d\n\n", run.ID, run.IssueNumber)
	fmt.Fprintf(&b, "**Repo:** %s\n", run.Repo)
	fmt.Fprintf(&b, "**Title:** %s\n", run.IssueTitle)
	fmt.Fprintf(&b, "**Status:** %s %s\n", statusIcon(run.Status), run.Status)
	fmt.Fprintf(&b, "**Trigger:** %s\n", run.Trigger)
	fmt.Fprintf(&b, "**Created:** %s (%s)\n", run.CreatedAt.Format(time.RFC3339), humanize.Time(run.CreatedAt))
	fmt.Fprintf(&b, "**Duration:** %s\n", humanize.RelTime(run.CreatedAt, run.UpdatedAt, "", ""))
	if run.Branch != "" {
		fmt.Fprintf(&b, "**Branch:** %s\n", run.Branch)
	}
	if run.PRURL != "" {
		fmt.Fprintf(&b, "**PR:** %s\n", run.PRURL)
	}
	if run.AgentName != "" {
		fmt.Fprintf(&b, "**Last backend:** %s\n", run.AgentName)
	}
	fmt.Fprintf(&b, "**Tokens used:** %d\n", run.TokensUsed)
	if run.Error != "" {
		fmt.Fprintf(&b, "\n## Error\n\n```\n%s\n```\n", truncate(run.Error, 2000))
	}
	if run.AgentOutput != "" {
		fmt.Fprintf(&b, "\n## Agent Output (%s)\n\n```\n%s\n```\n",
			humanize.Bytes(uint64(len(run.AgentOutput))), truncate(run.AgentOutput, 8000))
	}
	return b.String()
}

// FormatSessionSummary is the per-session artifact written after a
// `poll-once` cycle: start/end time, elapsed wall-clock, issues processed,
// tokens consumed, and one line per run.
func FormatSessionSummary(summary *poller.CycleSummary) string {
	var b strings.Builder
	b.WriteString("# Patchloop Session Summary\n\n")
	fmt.Fprintf(&b, "**Started:** %s\n", summary.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Finished:** %s\n", summary.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Elapsed:** %s\n", humanize.RelTime(summary.Started, summary.Finished, "", ""))
	fmt.Fprintf(&b, "**Issues processed:** %d\n", summary.ProcessedCount)
	fmt.Fprintf(&b, "**Tokens consumed:** %d\n", summary.AccumulatedTokens)
	fmt.Fprintf(&b, "**Recent unavailable:** %t\n", summary.RecentUnavailable)

	if len(summary.Results) > 0 {
		b.WriteString("\n## Runs\n")
		for _, res := range summary.Results {
			if res.Run == nil {
				continue
			}
			fmt.Fprintf(&b, "- [%s] #%d issue=%d %s (tokens=%d)\n",
				statusIcon(res.Run.Status), res.Run.ID, res.Run.IssueNumber, res.Run.Status, res.TokensUsed)
		}
	}

	return b.String()
}

// yamlRun is the structured per-run shape for `--format yaml`.
type yamlRun struct {
	ID          int64  `yaml:"id"`
	IssueNumber int    `yaml:"issue_number"`
	IssueTitle  string `yaml:"issue_title"`
	Repo        string `yaml:"repo"`
	Status      string `yaml:"status"`
	Trigger     string `yaml:"trigger"`
	Branch      string `yaml:"branch,omitempty"`
	PRURL       string `yaml:"pr_url,omitempty"`
	Error       string `yaml:"error,omitempty"`
	AgentName   string `yaml:"agent_name,omitempty"`
	TokensUsed  int    `yaml:"tokens_used"`
	CreatedAt   string `yaml:"created_at"`
	UpdatedAt   string `yaml:"updated_at"`
}

func toYAMLRun(r *ledger.Run) yamlRun {
	return yamlRun{
		ID:          r.ID,
		IssueNumber: r.IssueNumber,
		IssueTitle:  r.IssueTitle,
		Repo:        r.Repo,
		Status:      string(r.Status),
		Trigger:     string(r.Trigger),
		Branch:      r.Branch,
		PRURL:       r.PRURL,
		Error:       r.Error,
		AgentName:   r.AgentName,
		TokensUsed:  r.TokensUsed,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
}

// FormatYAML renders runs as a YAML sequence, the structured counterpart
// to FormatSummaryReport/FormatIssueReport's markdown, for `status`/
// `report --format yaml`.
func FormatYAML(runs []*ledger.Run) (string, error) {
	out := make([]yamlRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, toYAMLRun(r))
	}
	b, err := yaml.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshaling runs to yaml: %w", err)
	}
	return string(b), nil
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

func repoSlug(repo string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(repo), "-")
	return strings.Trim(slug, "-")
}

// Writer persists report artifacts under Dir and, when Publish is set,
// best-effort commits and pushes them into PublishDir — a designated
// local git checkout of a "reports" repository. Failures
// to publish are logged, never escalated: a report that can't be pushed
// never fails the run that produced it.
type Writer struct {
	Dir        string
	Publish    bool
	PublishDir string
}

// NewWriter builds a Writer from the settings patchloop loads for
// REPORTS_DIR/JARVIS_REPO_DIR/PUBLISH.
func NewWriter(dir string, publish bool, publishDir string) *Writer {
	return &Writer{Dir: dir, Publish: publish, PublishDir: publishDir}
}

// WriteRun writes one run's artifact to <Dir>/<date>-issue-<n>-<repo>.md.
func (w *Writer) WriteRun(run *ledger.Run) error {
	if w.Dir == "" {
		return nil
	}
	name := fmt.Sprintf("%s-issue-%d-%s.md", run.CreatedAt.Format("2006-01-02"), run.IssueNumber, repoSlug(run.Repo))
	return w.write(name, FormatRunArtifact(run))
}

// WriteSession writes one cycle's session summary to
// <Dir>/<date>-session-<timestamp>.md.
func (w *Writer) WriteSession(summary *poller.CycleSummary) error {
	if w.Dir == "" {
		return nil
	}
	name := fmt.Sprintf("%s-session-%s.md", summary.Started.Format("2006-01-02"), summary.Started.Format("150405"))
	return w.write(name, FormatSessionSummary(summary))
}

func (w *Writer) write(name, content string) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("creating reports dir %q: %w", w.Dir, err)
	}
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing report %q: %w", path, err)
	}
	w.publishBestEffort(path, name)
	return nil
}

// publishBestEffort copies the artifact into PublishDir (an existing git
// checkout) and commits+pushes it. Every failure is logged and swallowed:
// publication is explicitly optional.
func (w *Writer) publishBestEffort(sourcePath, name string) {
	if !w.Publish || w.PublishDir == "" {
		return
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		slog.Warn("reading report for publication", "path", sourcePath, "error", err)
		return
	}
	destPath := filepath.Join(w.PublishDir, name)
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		slog.Warn("copying report into publish dir", "dest", destPath, "error", err)
		return
	}

	for _, args := range [][]string{
		{"-C", w.PublishDir, "add", name},
		{"-C", w.PublishDir, "commit", "-m", "report: " + name},
		{"-C", w.PublishDir, "push"},
	} {
		cmd := exec.Command("git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			slog.Warn("publishing report", "step", args, "output", string(out), "error", err)
			return
		}
	}
}
