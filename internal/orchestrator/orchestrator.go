// Package orchestrator drives the per-issue state machine (C6): from
// cloning a workspace through implementer dispatch, diff-limit checks, PR
// creation, and the iterative review loop, to a terminal Run status.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/patchloop/patchloop/internal/agent"
	"github.com/patchloop/patchloop/internal/config"
	"github.com/patchloop/patchloop/internal/ledger"
	"github.com/patchloop/patchloop/internal/scm"
	"github.com/patchloop/patchloop/internal/workspace"
)

const (
	testOutputCap = 12 * 1024 // 12 KB, captured in the review loop
	diffstatLines = 200
	diffMaxChars  = 20000
)

// Result summarizes one ProcessIssue call for the caller (Poller or CLI):
// the terminal Run and whether a primary backend was seen Unavailable,
// which feeds the Poller's adaptive-sleep policy.
type Result struct {
	Run               *ledger.Run
	TokensUsed        int
	RecentUnavailable bool
}

// ReportWriter persists a per-run report artifact. Failures are logged, not
// escalated — report publication is always best-effort.
type ReportWriter func(run *ledger.Run) error

// Orchestrator implements the per-issue state machine (C6).
type Orchestrator struct {
	cfg   *config.Config
	scm   scm.Client
	ldg   *ledger.Ledger
	ws    *workspace.Manager
	backs map[string]agent.BackendDescriptor

	WriteReport ReportWriter

	// dispatch invokes a backend chain and is swapped out in tests so they
	// don't shell out to real coding-agent CLIs.
	dispatch func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome)
}

// SetDispatchFunc overrides the backend-dispatch function, letting callers
// (chiefly tests) avoid invoking real coding-agent CLIs.
func (o *Orchestrator) SetDispatchFunc(fn func(ctx context.Context, backends map[string]agent.BackendDescriptor, order []string, prompt, workDir string) ([]agent.Result, agent.Outcome)) {
	o.dispatch = fn
}

// New constructs an Orchestrator from its collaborators.
func New(cfg *config.Config, scmClient scm.Client, ldg *ledger.Ledger, ws *workspace.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		scm:      scmClient,
		ldg:      ldg,
		ws:       ws,
		backs:    agent.DefaultBackends(cfg.IssueTimeout),
		dispatch: agent.Dispatch,
	}
}

// ShouldProcess is the eligibility filter: the issue's label set must
// intersect {issue_label} ∪ {model_selection_labels}.
func (o *Orchestrator) ShouldProcess(issue scm.IssueContext) bool {
	wanted := map[string]bool{o.cfg.IssueLabel: true}
	for _, label := range o.cfg.ModelLabels {
		wanted[label] = true
	}
	for _, l := range issue.Labels {
		if wanted[l] {
			return true
		}
	}
	return false
}

// RunSingle fetches the issue by number and processes it, gated by
// ShouldProcess just like every other trigger — a CLI-initiated or
// webhook-initiated run on an ineligible issue is skipped, not forced
// through. Used by the `run` CLI subcommand and the webhook front-end.
func (o *Orchestrator) RunSingle(ctx context.Context, repo string, issueNumber int, trigger ledger.Trigger) (*Result, error) {
	issue, err := o.scm.GetIssue(ctx, repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching issue %s#%d: %w", repo, issueNumber, err)
	}
	if !o.ShouldProcess(issue) {
		slog.Info("skipping issue due to label policy", "repo", repo, "issue", issueNumber, "trigger", trigger)
		return nil, fmt.Errorf("issue %s#%d is not eligible for processing (label policy)", repo, issueNumber)
	}
	return o.ProcessIssue(ctx, repo, issue, trigger), nil
}

// ProcessIssue runs the full per-issue state machine synchronously. Workspace,
// agent and SCM errors end the Run as FAILED; when a ledger write itself
// fails, the returned Run keeps the last status the ledger recorded. A Run
// that ends failed, blocked, deferred or timed out gets an issue comment
// naming the status and error; a failure to post it is logged only.
func (o *Orchestrator) ProcessIssue(ctx context.Context, repo string, issue scm.IssueContext, trigger ledger.Trigger) *Result {
	run, err := o.ldg.CreateRun(issue.Number, issue.Title, repo, trigger)
	if err != nil {
		slog.Error("creating run", "repo", repo, "issue", issue.Number, "error", err)
		return &Result{Run: &ledger.Run{Repo: repo, IssueNumber: issue.Number, Status: ledger.StatusFailed}}
	}

	result := o.run(ctx, run, repo, issue)

	switch result.Run.Status {
	case ledger.StatusFailed, ledger.StatusBlocked, ledger.StatusDeferred, ledger.StatusTimeout:
		body := fmt.Sprintf("patchloop run #%d ended with status %s.", result.Run.ID, result.Run.Status)
		if result.Run.Error != "" {
			body += "\n\n" + truncate(result.Run.Error, 2000)
		}
		if err := o.scm.Comment(ctx, repo, issue.Number, body); err != nil {
			slog.Warn("posting terminal-status comment", "run", result.Run.ID, "error", err)
		}
	}

	if o.WriteReport != nil {
		if err := o.WriteReport(result.Run); err != nil {
			slog.Warn("writing run report", "run", result.Run.ID, "error", err)
		}
	}
	return result
}

func (o *Orchestrator) run(ctx context.Context, run *ledger.Run, repo string, issue scm.IssueContext) *Result {
	running := ledger.StatusRunning
	run, err := o.ldg.UpdateRun(run.ID, ledger.Patch{Status: &running})
	if err != nil {
		return o.fail(run, err)
	}

	tokens := 0
	recentUnavailable := false

	cloneURL := o.scm.CloneURL(repo)
	if err := o.ws.EnsureRepo(ctx, repo, cloneURL); err != nil {
		return o.terminal(run, ledger.StatusFailed, err, tokens, recentUnavailable)
	}

	branch := workspace.SanitizeBranchName(o.cfg.BranchPrefix, issue.Number)
	if err := o.ws.CreateBranch(ctx, repo, branch); err != nil {
		return o.terminal(run, ledger.StatusFailed, err, tokens, recentUnavailable)
	}
	run, err = o.ldg.UpdateRun(run.ID, ledger.Patch{Branch: &branch})
	if err != nil {
		return o.fail(run, err)
	}

	implementerOrder := agent.OrderForIssue(issue.Labels, o.cfg.ModelLabels, o.cfg.BackendOrder)

	prompt := implementerPrompt(issue, "")
	changed, dispatchTokens, anyUnavailable, dispatchErr := o.dispatchImplementer(ctx, run, repo, implementerOrder, prompt)
	tokens += dispatchTokens
	recentUnavailable = recentUnavailable || anyUnavailable
	if dispatchErr != nil {
		return o.terminal(run, ledger.StatusFailed, dispatchErr, tokens, recentUnavailable)
	}
	if !changed {
		if anyUnavailable {
			return o.terminal(run, ledger.StatusDeferred, fmt.Errorf("no working-tree changes: backend unavailable"), tokens, recentUnavailable)
		}
		return o.terminal(run, ledger.StatusFailed, fmt.Errorf("no file changes produced by implementer"), tokens, recentUnavailable)
	}

	ok, detail, err := o.ws.CheckDiffLimits(ctx, repo, o.cfg.MaxDiffFiles, o.cfg.MaxDiffLOC)
	if err != nil {
		return o.terminal(run, ledger.StatusFailed, err, tokens, recentUnavailable)
	}
	if !ok {
		return o.terminal(run, ledger.StatusBlocked, fmt.Errorf("%s", detail), tokens, recentUnavailable)
	}

	commitMsg := fmt.Sprintf("patchloop: address issue #%d\n\n%s", issue.Number, issue.Title)
	pushed, err := o.ws.CommitAndPush(ctx, repo, branch, commitMsg)
	if err != nil {
		return o.terminal(run, ledger.StatusFailed, err, tokens, recentUnavailable)
	}
	if !pushed {
		return o.terminal(run, ledger.StatusFailed, fmt.Errorf("no file changes produced by implementer"), tokens, recentUnavailable)
	}

	defaultBranch, err := o.ws.DefaultBranch(ctx, repo)
	if err != nil {
		return o.terminal(run, ledger.StatusFailed, err, tokens, recentUnavailable)
	}
	prURL, err := o.scm.CreatePullRequest(ctx, repo, branch, defaultBranch, prTitle(issue), prBody(run, issue))
	if err != nil {
		return o.terminal(run, ledger.StatusFailed, fmt.Errorf("creating pull request: %w", err), tokens, recentUnavailable)
	}
	run, err = o.ldg.UpdateRun(run.ID, ledger.Patch{PRURL: &prURL})
	if err != nil {
		return o.fail(run, err)
	}
	_ = o.scm.Comment(ctx, repo, issue.Number, fmt.Sprintf("Opened %s", prURL))

	reviewerOrder := o.reviewerOrderForIssue(issue)

	verdict := agent.ChangesRequested
	var lastFeedback string
	for round := 1; round <= o.cfg.ReviewRounds; round++ {
		testResult, err := o.ws.RunTestCmd(ctx, repo, o.cfg.TestCmd, o.cfg.TestTimeout)
		var testSummary string
		if err != nil {
			testSummary = fmt.Sprintf("test command error: %v", err)
		} else {
			testSummary = formatTestResult(testResult)
		}

		diffstat, _ := o.ws.Diffstat(ctx, repo, diffstatLines)
		diff, _ := o.ws.Diff(ctx, repo, diffMaxChars)
		reviewPrompt := reviewerPrompt(issue, diffstat, diff, testSummary)

		results, outcome := o.dispatch(ctx, o.backs, reviewerOrder, reviewPrompt, o.ws.RepoDir(repo))
		for _, r := range results {
			tokens += r.TotalTokens()
			appendAgentOutput(o.ldg, run.ID, r)
		}

		var reviewOutput string
		if outcome == agent.OK {
			reviewOutput = results[len(results)-1].Output
			verdict = agent.ParseVerdict(reviewOutput)
		} else {
			recentUnavailable = true
			reviewOutput = "all reviewer backends unavailable; treating as changes requested"
			verdict = agent.ChangesRequested
		}
		lastFeedback = reviewOutput

		_ = o.scm.Comment(ctx, repo, issue.Number, fmt.Sprintf("Review round %d: %s\n\n%s", round, verdict, truncate(reviewOutput, 4000)))

		if verdict == agent.Approve {
			break
		}

		if round == o.cfg.ReviewRounds {
			break
		}

		feedbackPrompt := implementerPrompt(issue, lastFeedback)
		changed, moreTokens, unavailable, dispatchErr := o.dispatchImplementer(ctx, run, repo, implementerOrder, feedbackPrompt)
		tokens += moreTokens
		recentUnavailable = recentUnavailable || unavailable
		if dispatchErr != nil {
			return o.terminal(run, ledger.StatusFailed, dispatchErr, tokens, recentUnavailable)
		}
		if changed {
			passMsg := fmt.Sprintf("patchloop: address review feedback (round %d)", round)
			if _, err := o.ws.CommitAndPush(ctx, repo, branch, passMsg); err != nil {
				return o.terminal(run, ledger.StatusFailed, err, tokens, recentUnavailable)
			}
		} else if unavailable {
			return o.terminal(run, ledger.StatusDeferred, fmt.Errorf("no changes after review feedback: backend unavailable"), tokens, recentUnavailable)
		}
	}

	if verdict == agent.Approve {
		_ = o.scm.SetLabels(ctx, repo, issue.Number, []string{o.cfg.DoneLabel}, []string{o.cfg.IssueLabel, o.cfg.ReadyLabel})
		_ = o.scm.Comment(ctx, repo, issue.Number, fmt.Sprintf("Approved. %s", run.PRURL))
		return o.terminal(run, ledger.StatusSuccess, nil, tokens, recentUnavailable)
	}

	_ = o.scm.SetLabels(ctx, repo, issue.Number, []string{o.cfg.NeedsHumanLabel}, []string{o.cfg.IssueLabel, o.cfg.ReadyLabel})
	_ = o.scm.Comment(ctx, repo, issue.Number, fmt.Sprintf("Needs human review after %d rounds. Last feedback:\n\n%s", o.cfg.ReviewRounds, truncate(lastFeedback, 4000)))
	return o.terminal(run, ledger.StatusNeedsHuman, fmt.Errorf("no approval after %d review rounds", o.cfg.ReviewRounds), tokens, recentUnavailable)
}

// reviewerOrderForIssue implements the reviewer-ordering rule:
// same label-first rule as the implementer, except the fallback list is
// ReviewerBackendOrder rather than the default implementer order.
func (o *Orchestrator) reviewerOrderForIssue(issue scm.IssueContext) []string {
	for _, label := range issue.Labels {
		for backend, modelLabel := range o.cfg.ModelLabels {
			if label == modelLabel {
				return agent.OrderForIssue(issue.Labels, o.cfg.ModelLabels, append([]string{backend}, o.cfg.ReviewerBackendOrder...))
			}
		}
	}
	return o.cfg.ReviewerBackendOrder
}

// dispatchImplementer runs the implementer role, trying backends in order
// one at a time: an OK backend that leaves the working tree unchanged does
// not end the attempt, it falls through to the next backend, exactly like
// _run_implementer_until_changes in the original jarvis orchestrator. Every
// backend invocation's output is appended to the ledger regardless of
// outcome.
func (o *Orchestrator) dispatchImplementer(ctx context.Context, run *ledger.Run, repo string, order []string, prompt string) (changed bool, tokens int, anyUnavailable bool, err error) {
	for _, name := range order {
		results, outcome := o.dispatch(ctx, o.backs, []string{name}, prompt, o.ws.RepoDir(repo))
		for _, r := range results {
			tokens += r.TotalTokens()
			appendAgentOutput(o.ldg, run.ID, r)
			if r.Outcome == agent.Unavailable {
				anyUnavailable = true
			}
		}
		if outcome == agent.Fatal {
			return false, tokens, anyUnavailable, fmt.Errorf("implementer backend failed fatally")
		}
		if outcome == agent.Unavailable {
			continue
		}

		has, hasErr := o.ws.HasChanges(ctx, repo)
		if hasErr != nil {
			return false, tokens, anyUnavailable, hasErr
		}
		if has {
			return true, tokens, anyUnavailable, nil
		}
		slog.Warn("implementer produced no file changes, trying next backend", "run", run.ID, "backend", name)
	}

	has, hasErr := o.ws.HasChanges(ctx, repo)
	if hasErr != nil {
		return false, tokens, anyUnavailable, hasErr
	}
	return has, tokens, anyUnavailable, nil
}

func appendAgentOutput(ldg *ledger.Ledger, runID int64, r agent.Result) {
	output := r.Output
	name := r.Backend
	if _, err := ldg.UpdateRun(runID, ledger.Patch{AppendOutput: &output, AgentName: &name}); err != nil {
		slog.Warn("appending agent output", "run", runID, "error", err)
	}
}

// terminal transitions run to status, recording err's text when present,
// and returns the assembled Result.
func (o *Orchestrator) terminal(run *ledger.Run, status ledger.Status, cause error, tokens int, recentUnavailable bool) *Result {
	patch := ledger.Patch{Status: &status}
	if cause != nil {
		errText := truncate(cause.Error(), 2000)
		patch.Error = &errText
	}
	if tokens > 0 {
		patch.AddTokensUsed = &tokens
	}
	updated, err := o.ldg.UpdateRun(run.ID, patch)
	if err != nil {
		slog.Error("recording terminal status", "run", run.ID, "status", status, "error", err)
		updated = run
	}
	if cause != nil {
		slog.Warn("run reached terminal status", "run", run.ID, "status", status, "error", cause)
	} else {
		slog.Info("run reached terminal status", "run", run.ID, "status", status)
	}
	return &Result{Run: updated, TokensUsed: tokens, RecentUnavailable: recentUnavailable}
}

// fail is the compensating action for an operational error encountered
// while updating the ledger itself — it cannot update the same row it
// failed to update, so it logs and returns the best-known Run.
func (o *Orchestrator) fail(run *ledger.Run, cause error) *Result {
	slog.Error("orchestrator operational error", "run", run.ID, "error", cause)
	return &Result{Run: run}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}

func formatTestResult(r *workspace.TestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cmd: %s\nexit: %d\n", r.Cmd, r.ExitCode)
	b.WriteString("stdout:\n")
	b.WriteString(truncate(r.Stdout, testOutputCap))
	b.WriteString("\nstderr:\n")
	b.WriteString(truncate(r.Stderr, testOutputCap))
	return b.String()
}

func implementerPrompt(issue scm.IssueContext, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n", issue.Number, issue.Title, issue.Body)
	if feedback != "" {
		b.WriteString("\n---\n\nAddress the following review feedback:\n\n")
		b.WriteString(feedback)
	}
	return b.String()
}

func reviewerPrompt(issue scm.IssueContext, diffstat, diff, testOutput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n\n---\n\nDiffstat:\n%s\n\nDiff:\n%s\n\nTest output:\n%s\n\nRespond with a line starting \"VERDICT: APPROVE\" or \"VERDICT: CHANGES_REQUESTED\".",
		issue.Number, issue.Title, issue.Body, diffstat, diff, testOutput)
	return b.String()
}

func prTitle(issue scm.IssueContext) string {
	return fmt.Sprintf("Fix #%d: %s", issue.Number, issue.Title)
}

func prBody(run *ledger.Run, issue scm.IssueContext) string {
	return fmt.Sprintf("Resolves #%d.\n\n---\n\n%s", issue.Number, truncate(run.AgentOutput, 4000))
}
