package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/patchloop/patchloop/internal/agent"
	"github.com/patchloop/patchloop/internal/config"
	"github.com/patchloop/patchloop/internal/ledger"
	"github.com/patchloop/patchloop/internal/scm"
	"github.com/patchloop/patchloop/internal/scm/scmtest"
	"github.com/patchloop/patchloop/internal/workspace"
)

// newGitFixture creates a bare "origin" repo, pushes one seed commit to it,
// and pre-clones it straight into the workspace manager's expected directory
// for repoSlug so EnsureRepo takes its fetch+reset path (not the network
// clone path scmtest.Fake can't serve a real URL for).
func newGitFixture(t *testing.T, repoSlug string) *workspace.Manager {
	t.Helper()
	sh := func(dir string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %s: %v", args, out, err)
		}
	}

	root := t.TempDir()
	bare := filepath.Join(root, "origin.git")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatal(err)
	}
	sh(bare, "init", "--bare", "-b", "main")

	seed := filepath.Join(root, "seed")
	if err := os.MkdirAll(seed, 0o755); err != nil {
		t.Fatal(err)
	}
	sh(seed, "init", "-b", "main")
	sh(seed, "config", "user.name", "seed")
	sh(seed, "config", "user.email", "seed@example.com")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(seed, filepathBase(i)), []byte("orig\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sh(seed, "add", "-A")
	sh(seed, "commit", "-m", "initial")
	sh(seed, "remote", "add", "origin", bare)
	sh(seed, "push", "origin", "main")

	workRoot := filepath.Join(root, "workspaces")
	mgr, err := workspace.NewManager(workRoot)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dir := mgr.RepoDir(repoSlug)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		t.Fatal(err)
	}
	sh(root, "clone", bare, dir)
	sh(dir, "config", "user.name", "patchloop")
	sh(dir, "config", "user.email", "patchloop@noreply")

	return mgr
}

func baseConfig() *config.Config {
	return &config.Config{
		IssueLabel:           "jarvis",
		ReadyLabel:           "jarvis-ready",
		DoneLabel:            "jarvis-done",
		NeedsHumanLabel:      "jarvis-needs-human",
		ModelLabels:          map[string]string{},
		BranchPrefix:         "patchloop/",
		ReviewRounds:         2,
		BackendOrder:         []string{"claude"},
		ReviewerBackendOrder: []string{"claude"},
		MaxDiffFiles:         20,
		MaxDiffLOC:           500,
		IssueTimeout:         30 * time.Second,
		TestTimeout:          30 * time.Second,
	}
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func noChangeDispatch(text string) func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
	return func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		return []agent.Result{{Backend: order[0], Outcome: agent.OK, Output: text}}, agent.OK
	}
}

func unavailableDispatch() func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
	return func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		var results []agent.Result
		for _, name := range order {
			results = append(results, agent.Result{Backend: name, Outcome: agent.Unavailable, Output: "rate limit exceeded"})
		}
		return results, agent.Unavailable
	}
}

func TestProcessIssueSuccessOnFirstApprove(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	fake.NextPRURL = "https://git.example/o/r/pull/1"

	cfg := baseConfig()
	orch := New(cfg, fake, ldg, ws)

	implCalls := 0
	orch.dispatch = func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		implCalls++
		if implCalls == 1 {
			_ = os.WriteFile(filepath.Join(workDir, "fix.txt"), []byte("fixed\n"), 0o644)
			return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "[backend:claude] implemented"}}, agent.OK
		}
		return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "VERDICT: APPROVE\nlgtm"}}, agent.OK
	}

	issue := scm.IssueContext{Number: 42, Title: "fix the bug", Body: "please fix", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusSuccess {
		t.Fatalf("status = %q, want success (error: %s)", result.Run.Status, result.Run.Error)
	}
	if result.Run.PRURL != fake.NextPRURL {
		t.Fatalf("pr_url = %q, want %q", result.Run.PRURL, fake.NextPRURL)
	}
	labels := fake.LabelsFor("o/r", 42)
	if !labels[cfg.DoneLabel] {
		t.Fatalf("labels = %v, want done label set", labels)
	}
	if labels[cfg.IssueLabel] {
		t.Fatalf("trigger label should have been removed: %v", labels)
	}
	if len(fake.Comments["o/r#42"]) == 0 {
		t.Fatalf("expected at least one comment")
	}
}

func TestProcessIssueNoChangesIsFailed(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	cfg := baseConfig()
	orch := New(cfg, fake, ldg, ws)
	orch.dispatch = noChangeDispatch("I looked but made no changes")

	issue := scm.IssueContext{Number: 1, Title: "t", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusFailed {
		t.Fatalf("status = %q, want failed", result.Run.Status)
	}
	if result.Run.Error == "" {
		t.Fatalf("expected error text recorded")
	}
	if len(fake.PRURLs) != 0 {
		t.Fatalf("expected no PR to be created")
	}
}

func TestProcessIssueAllUnavailableIsDeferred(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	cfg := baseConfig()
	orch := New(cfg, fake, ldg, ws)
	orch.dispatch = unavailableDispatch()

	issue := scm.IssueContext{Number: 2, Title: "t", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusDeferred {
		t.Fatalf("status = %q, want deferred", result.Run.Status)
	}
	if !result.RecentUnavailable {
		t.Fatalf("expected RecentUnavailable=true")
	}
	if len(fake.PRURLs) != 0 {
		t.Fatalf("expected no PR to be created")
	}
}

func TestProcessIssueDiffTooBigIsBlocked(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	cfg := baseConfig()
	cfg.MaxDiffFiles = 1
	orch := New(cfg, fake, ldg, ws)

	orch.dispatch = func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		for i := 0; i < 5; i++ {
			_ = os.WriteFile(filepath.Join(workDir, filepathBase(i)), []byte("modified\n"), 0o644)
		}
		return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "modified many files"}}, agent.OK
	}

	issue := scm.IssueContext{Number: 3, Title: "t", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusBlocked {
		t.Fatalf("status = %q, want blocked (error: %s)", result.Run.Status, result.Run.Error)
	}
	if len(fake.PRURLs) != 0 {
		t.Fatalf("expected no PR to be created")
	}
}

func TestProcessIssueNeedsHumanAfterRoundsExhausted(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	cfg := baseConfig()
	cfg.ReviewRounds = 2
	orch := New(cfg, fake, ldg, ws)

	call := 0
	orch.dispatch = func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		call++
		if call == 1 {
			_ = os.WriteFile(filepath.Join(workDir, "fix.txt"), []byte("v1\n"), 0o644)
			return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "implemented"}}, agent.OK
		}
		// every reviewer pass and feedback pass after that
		return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "VERDICT: CHANGES_REQUESTED\nneeds more work"}}, agent.OK
	}

	issue := scm.IssueContext{Number: 5, Title: "t", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusNeedsHuman {
		t.Fatalf("status = %q, want needs_human (error: %s)", result.Run.Status, result.Run.Error)
	}
	labels := fake.LabelsFor("o/r", 5)
	if !labels[cfg.NeedsHumanLabel] {
		t.Fatalf("labels = %v, want needs-human label set", labels)
	}
	if result.Run.PRURL == "" {
		t.Fatalf("PR should be retained on needs_human")
	}
}

func TestProcessIssueFallsThroughToNextBackendOnNoChanges(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	fake.NextPRURL = "https://git.example/o/r/pull/9"

	cfg := baseConfig()
	cfg.BackendOrder = []string{"claude", "codex"}
	orch := New(cfg, fake, ldg, ws)

	calls := map[string]int{}
	orch.dispatch = func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		name := order[0]
		calls[name]++
		switch name {
		case "claude":
			if calls["claude"] == 1 {
				// First implementer attempt: OK, but produces no file changes.
				return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "looked but made no changes"}}, agent.OK
			}
			// Reviewer pass.
			return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "VERDICT: APPROVE\nlgtm"}}, agent.OK
		case "codex":
			_ = os.WriteFile(filepath.Join(workDir, "fix.txt"), []byte("fixed\n"), 0o644)
			return []agent.Result{{Backend: "codex", Outcome: agent.OK, Output: "implemented"}}, agent.OK
		}
		return nil, agent.Unavailable
	}

	issue := scm.IssueContext{Number: 9, Title: "t", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusSuccess {
		t.Fatalf("status = %q, want success (error: %s)", result.Run.Status, result.Run.Error)
	}
	if calls["claude"] < 1 || calls["codex"] != 1 {
		t.Fatalf("expected claude to be tried first then fall through to codex, got calls=%v", calls)
	}
}

func TestProcessIssueAccumulatesTokensUsed(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	fake.NextPRURL = "https://git.example/o/r/pull/10"

	cfg := baseConfig()
	orch := New(cfg, fake, ldg, ws)

	implCalls := 0
	orch.dispatch = func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		implCalls++
		if implCalls == 1 {
			_ = os.WriteFile(filepath.Join(workDir, "fix.txt"), []byte("fixed\n"), 0o644)
			return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "implemented", InputTokens: 100, OutputTokens: 50}}, agent.OK
		}
		return []agent.Result{{Backend: "claude", Outcome: agent.OK, Output: "VERDICT: APPROVE\nlgtm", InputTokens: 10, OutputTokens: 5}}, agent.OK
	}

	issue := scm.IssueContext{Number: 10, Title: "t", Repo: "o/r", Labels: []string{"jarvis"}}
	fake.AddIssue(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := orch.ProcessIssue(ctx, "o/r", issue, ledger.TriggerPoll)

	if result.Run.Status != ledger.StatusSuccess {
		t.Fatalf("status = %q, want success (error: %s)", result.Run.Status, result.Run.Error)
	}
	wantTokens := 100 + 50 + 10 + 5
	if result.Run.TokensUsed != wantTokens {
		t.Fatalf("persisted TokensUsed = %d, want %d", result.Run.TokensUsed, wantTokens)
	}
	if result.TokensUsed != wantTokens {
		t.Fatalf("Result.TokensUsed = %d, want %d", result.TokensUsed, wantTokens)
	}
}

func TestRunSingleSkipsIneligibleIssue(t *testing.T) {
	ws := newGitFixture(t, "o/r")
	ldg := newTestLedger(t)
	fake := scmtest.NewFake()
	cfg := baseConfig()
	orch := New(cfg, fake, ldg, ws)
	orch.dispatch = func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome) {
		t.Fatal("dispatch should not be called for an ineligible issue")
		return nil, agent.Fatal
	}

	fake.AddIssue(scm.IssueContext{Number: 11, Title: "t", Repo: "o/r", Labels: []string{"unrelated"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := orch.RunSingle(ctx, "o/r", 11, ledger.TriggerCLI)
	if err == nil {
		t.Fatal("expected error for ineligible issue")
	}
	if result != nil {
		t.Fatalf("expected nil result for skipped issue, got %+v", result)
	}

	runs, rerr := ldg.GetRunsForIssue(11, "o/r")
	if rerr != nil {
		t.Fatalf("GetRunsForIssue: %v", rerr)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no run to be created for a skipped issue, got %d", len(runs))
	}
}

func TestShouldProcessFiltersOnLabels(t *testing.T) {
	cfg := baseConfig()
	cfg.ModelLabels = map[string]string{"claude": "model:claude"}
	orch := &Orchestrator{cfg: cfg}

	if orch.ShouldProcess(scm.IssueContext{Labels: []string{"bug"}}) {
		t.Fatalf("expected issue without trigger labels to be ineligible")
	}
	if !orch.ShouldProcess(scm.IssueContext{Labels: []string{"jarvis"}}) {
		t.Fatalf("expected issue_label to be eligible")
	}
	if !orch.ShouldProcess(scm.IssueContext{Labels: []string{"model:claude"}}) {
		t.Fatalf("expected model-selection label to be eligible")
	}
}

func filepathBase(i int) string {
	return string(rune('a'+i)) + ".txt"
}
